// Package jws authenticates inbound protocol requests. Every mutating
// request arrives as a flattened JWS; the Verifier runs the checks in a
// fixed order so a request rejected for a malformed envelope never burns
// the nonce it carries.
package jws

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certrelay/certrelay/internal/model"
	"github.com/certrelay/certrelay/internal/nonce"
	"github.com/certrelay/certrelay/internal/probs"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "jws"))
}

// allowedAlgorithms is the accepted signing algorithm set. Symmetric and
// "none" algorithms are rejected by omission.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.ES384, jose.ES512,
}

// AuthType selects which key-binding header a handler requires.
type AuthType int

const (
	// RequireJWK is for requests that carry their own key (new-account).
	RequireJWK AuthType = iota
	// RequireKID is for requests signed by an existing account key.
	RequireKID
)

// NonceConsumer retires a single-use nonce.
type NonceConsumer interface {
	Consume(ctx context.Context, value string) error
}

// AccountResolver maps a kid URL to a stored account.
type AccountResolver interface {
	ResolveKeyID(ctx context.Context, kid string) (*model.Account, error)
}

// Result is the authenticated content of a verified request.
type Result struct {
	Payload []byte
	Key     *jose.JSONWebKey
	// Account is nil for RequireJWK requests whose key matches no account.
	Account *model.Account
	KeyID   string
}

// Verifier authenticates JWS request envelopes.
type Verifier struct {
	ExternalURL string
	Nonces      NonceConsumer
	Accounts    AccountResolver
}

func NewVerifier(externalURL string, nonces NonceConsumer, accounts AccountResolver) *Verifier {
	return &Verifier{
		ExternalURL: strings.TrimSuffix(externalURL, "/"),
		Nonces:      nonces,
		Accounts:    accounts,
	}
}

// Verify runs the full authentication pipeline on a request body. The check
// order is load-bearing: envelope structure, algorithm and key-binding
// headers, then the url header, and only then the nonce is consumed, so a
// request that fails any earlier check leaves its nonce intact. The
// signature and account checks come after nonce consumption; their failures
// burn the nonce.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte, authType AuthType) (*Result, *model.ProblemDetails) {
	sig, prob := parseJWS(body)
	if prob != nil {
		return nil, prob
	}

	header := sig.Signatures[0].Header

	// ParseSigned already rejected algorithms outside allowedAlgorithms,
	// so only the key-binding headers remain to be checked.
	embeddedKey := header.JSONWebKey
	kid := header.KeyID
	switch authType {
	case RequireJWK:
		if embeddedKey == nil {
			return nil, probs.Malformed("no JWK provided in protected header")
		}
		if kid != "" {
			return nil, probs.Malformed("jwk and kid header fields are mutually exclusive")
		}
		if !embeddedKey.Valid() || !embeddedKey.IsPublic() {
			return nil, probs.Malformed("invalid JWK in protected header")
		}
	case RequireKID:
		if kid == "" {
			return nil, probs.Malformed("no kid provided in protected header")
		}
		if embeddedKey != nil {
			return nil, probs.Malformed("jwk and kid header fields are mutually exclusive")
		}
	}

	if prob := v.checkURL(req, header); prob != nil {
		return nil, prob
	}

	if err := v.Nonces.Consume(ctx, header.Nonce); err != nil {
		if errors.Is(err, nonce.ErrBadNonce) {
			return nil, probs.BadNonce("invalid, used or expired nonce in JWS header")
		}
		logger.Error("Nonce consumption failed", zap.Error(err))
		return nil, probs.ServerInternal("failed to check nonce")
	}

	res := &Result{KeyID: kid}

	switch authType {
	case RequireJWK:
		res.Key = embeddedKey
	case RequireKID:
		acct, err := v.Accounts.ResolveKeyID(ctx, kid)
		if err != nil {
			logger.Error("Account lookup failed", zap.String("kid", kid), zap.Error(err))
			return nil, probs.ServerInternal("failed to look up account")
		}
		if acct == nil {
			return nil, probs.AccountDoesNotExist(fmt.Sprintf("account %q not found", kid))
		}
		key := &jose.JSONWebKey{}
		if err := key.UnmarshalJSON([]byte(acct.PublicKeyJWK)); err != nil {
			logger.Error("Stored account key is unparseable", zap.String("accountID", acct.ID), zap.Error(err))
			return nil, probs.ServerInternal("failed to load account key")
		}
		res.Key = key
		res.Account = acct
	}

	payload, err := sig.Verify(res.Key)
	if err != nil {
		return nil, probs.Malformed("JWS verification error")
	}
	res.Payload = payload

	if res.Account != nil && res.Account.Status != model.StatusValid {
		if res.Account.Status == model.StatusRevoked {
			return nil, probs.AlreadyRevoked("account has been revoked")
		}
		return nil, probs.Unauthorized(fmt.Sprintf("account is not valid, has status %q", res.Account.Status))
	}

	return res, nil
}

// parseJWS decodes the envelope and enforces its structural invariants:
// exactly one signature and no unprotected header fields.
func parseJWS(body []byte) (*jose.JSONWebSignature, *model.ProblemDetails) {
	var unprotected struct {
		Header map[string]interface{} `json:"header"`
	}
	if err := json.Unmarshal(body, &unprotected); err != nil {
		return nil, probs.Malformed("parse error reading JWS")
	}
	if len(unprotected.Header) > 0 {
		return nil, probs.Malformed("JWS \"header\" field not allowed, all fields must be in \"protected\" field")
	}

	var multi struct {
		Signatures []interface{} `json:"signatures"`
	}
	if err := json.Unmarshal(body, &multi); err != nil {
		return nil, probs.Malformed("parse error reading JWS")
	}
	if len(multi.Signatures) > 0 {
		return nil, probs.Malformed("JWS \"signatures\" field not allowed, only the flattened serialization is accepted")
	}

	sig, err := jose.ParseSigned(string(body), allowedAlgorithms)
	if err != nil {
		if strings.Contains(err.Error(), "unexpected signature algorithm") {
			return nil, probs.Malformed("JWS signature algorithm not allowed, must be one of RS256, ES256, ES384, ES512")
		}
		return nil, probs.Malformed("parse error reading JWS")
	}
	if len(sig.Signatures) != 1 {
		return nil, probs.Malformed("JWS must carry exactly one signature")
	}
	return sig, nil
}

// checkURL compares the protected url header against the URL this request
// actually arrived at, preventing a signed request from being replayed
// against a different endpoint.
func (v *Verifier) checkURL(req *http.Request, header jose.Header) *model.ProblemDetails {
	raw, ok := header.ExtraHeaders[jose.HeaderKey("url")]
	if !ok {
		return probs.Malformed("JWS header parameter \"url\" required")
	}
	headerURL, ok := raw.(string)
	if !ok || headerURL == "" {
		return probs.Malformed("JWS header parameter \"url\" must be a string")
	}
	expected := v.ExternalURL + req.URL.Path
	if headerURL != expected {
		return probs.Malformedf("JWS header parameter \"url\" incorrect, expected %q got %q", expected, headerURL)
	}
	return nil
}

// Thumbprint computes the base64url SHA-256 JWK thumbprint used as the
// stable account key identity.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("jws: failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
