package model

import (
	"time"
)

// Resource status values shared by accounts, orders, authorizations and
// challenges (RFC 8555 section 7.1.6).
const (
	StatusValid       = "valid"
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusReady       = "ready"
	StatusInvalid     = "invalid"
	StatusExpired     = "expired"
	StatusDeactivated = "deactivated"
	StatusRevoked     = "revoked"
)

// Identifier types and challenge types understood by the validation engine.
const (
	IdentifierDNS = "dns"

	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// Account is an ACME account bound to a public key.
type Account struct {
	ID             string    `json:"-" db:"id"`
	PublicKeyJWK   string    `json:"-" db:"public_key_jwk"` // Public key in JWK format (JSON string)
	KeyThumbprint  string    `json:"-" db:"key_thumbprint"` // base64url SHA-256 JWK thumbprint, unique per account
	Contact        []string  `json:"contact,omitempty" db:"contact"`
	Status         string    `json:"status" db:"status"`
	TermsOfService bool      `json:"termsOfServiceAgreed" db:"tos_agreed"`
	CreatedAt      time.Time `json:"-" db:"created_at"`
	LastModifiedAt time.Time `json:"-" db:"last_modified_at"`

	// Orders is the URL of the account's order list, constructed by the
	// front door when rendering the resource.
	Orders string `json:"orders,omitempty" db:"-"`
}

// Identifier is a single name requested in an order.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Equals reports whether two identifiers are the same name.
func (i Identifier) Equals(other Identifier) bool {
	return i.Type == other.Type && i.Value == other.Value
}

// Order is one certificate request spanning one or more identifiers.
type Order struct {
	ID                string          `json:"-" db:"id"`
	AccountID         string          `json:"-" db:"account_id"`
	Status            string          `json:"status" db:"status"`
	Expires           time.Time       `json:"expires" db:"expires_at"`
	Identifiers       []Identifier    `json:"identifiers" db:"-"`
	NotBefore         *time.Time      `json:"notBefore,omitempty" db:"not_before"`
	NotAfter          *time.Time      `json:"notAfter,omitempty" db:"not_after"`
	Error             *ProblemDetails `json:"error,omitempty" db:"-"`
	CertificateSerial string          `json:"-" db:"certificate_serial"` // Set once issuance succeeded
	CreatedAt         time.Time       `json:"-" db:"created_at"`
	LastModifiedAt    time.Time       `json:"-" db:"last_modified_at"`

	// URL fields constructed dynamically by the front door.
	Authorizations []string `json:"authorizations" db:"-"`
	FinalizeURL    string   `json:"finalize" db:"-"`
	CertificateURL string   `json:"certificate,omitempty" db:"-"`
}

// Authorization is the validation obligation for one identifier in an order.
type Authorization struct {
	ID         string       `json:"-" db:"id"`
	AccountID  string       `json:"-" db:"account_id"`
	OrderID    string       `json:"-" db:"order_id"`
	Identifier Identifier   `json:"identifier" db:"-"`
	Status     string       `json:"status" db:"status"`
	Expires    time.Time    `json:"expires,omitempty" db:"expires_at"`
	Challenges []*Challenge `json:"challenges" db:"-"`
	Wildcard   bool         `json:"wildcard,omitempty" db:"wildcard"`
	CreatedAt  time.Time    `json:"-" db:"created_at"`
}

// Challenge is one way to prove control over an authorization's identifier.
// Attempts counts completed validation rounds; the engine bounds it.
type Challenge struct {
	ID              string          `json:"-" db:"id"`
	AuthorizationID string          `json:"-" db:"authorization_id"`
	Type            string          `json:"type" db:"type"`
	URL             string          `json:"url" db:"-"` // Constructed dynamically
	Status          string          `json:"status" db:"status"`
	Token           string          `json:"token" db:"token"`
	Validated       *time.Time      `json:"validated,omitempty" db:"validated_at"`
	Error           *ProblemDetails `json:"error,omitempty" db:"-"`
	Attempts        int             `json:"-" db:"attempts"`
	CreatedAt       time.Time       `json:"-" db:"created_at"`
}

// Nonce is a single-use anti-replay token (storage model).
type Nonce struct {
	Value     string    `db:"value"`
	ExpiresAt time.Time `db:"expires_at"`
	IssuedAt  time.Time `db:"issued_at"`
}

// CertificateData is a stored issued certificate plus its issuing chain.
type CertificateData struct {
	SerialNumber   string    `db:"serial_number"`
	CertificatePEM string    `db:"certificate_pem"`
	ChainPEM       string    `db:"chain_pem"`
	IssuedAt       time.Time `db:"issued_at"`
	ExpiresAt      time.Time `db:"expires_at"`
	AccountID      string    `db:"account_id"`
	OrderID        string    `db:"order_id"`
}

// ProblemDetails is an ACME error object (RFC 7807 / RFC 8555 section 6.7).
type ProblemDetails struct {
	Type     string `json:"type"`
	Detail   string `json:"detail"`
	Status   int    `json:"status,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *ProblemDetails) Error() string {
	return p.Type + ": " + p.Detail
}
