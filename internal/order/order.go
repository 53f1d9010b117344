// Package order implements the order lifecycle: creation with its
// authorization fan-out, lazy state refresh, and finalization against the
// upstream issuer.
package order

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certrelay/certrelay/internal/model"
	"github.com/certrelay/certrelay/internal/probs"
	"github.com/certrelay/certrelay/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "order"))
}

// Issuer is the upstream CA boundary. Issue is called at most once per
// order; the engine guarantees this through the processing transition.
type Issuer interface {
	Issue(ctx context.Context, csr *x509.CertificateRequest) (certPEM string, chainPEM string, err error)
}

// Engine drives order state.
type Engine struct {
	store           storage.Storage
	issuer          Issuer
	orderLifetime   time.Duration
	authzLifetime   time.Duration
	finalizeTimeout time.Duration
}

func NewEngine(store storage.Storage, issuer Issuer, orderLifetime, authzLifetime, finalizeTimeout time.Duration) *Engine {
	return &Engine{
		store:           store,
		issuer:          issuer,
		orderLifetime:   orderLifetime,
		authzLifetime:   authzLifetime,
		finalizeTimeout: finalizeTimeout,
	}
}

// Create validates the requested identifiers against policy and creates the
// order with one pending authorization per unique identifier, each carrying
// a dns-01 and an http-01 challenge. The whole fan-out commits atomically.
func (e *Engine) Create(ctx context.Context, acct *model.Account, identifiers []model.Identifier, notBefore, notAfter *time.Time) (*model.Order, *model.ProblemDetails, error) {
	if len(identifiers) == 0 {
		return nil, probs.Malformed("order must contain at least one identifier"), nil
	}

	seen := make(map[string]bool)
	normalized := make([]model.Identifier, 0, len(identifiers))
	for _, ident := range identifiers {
		if ident.Type != model.IdentifierDNS {
			return nil, probs.RejectedIdentifier(fmt.Sprintf("unsupported identifier type %q", ident.Type)), nil
		}
		value := strings.ToLower(strings.TrimSpace(ident.Value))
		if value == "" {
			return nil, probs.Malformed("identifier value cannot be empty"), nil
		}
		if strings.Contains(strings.TrimPrefix(value, "*."), "*") {
			return nil, probs.RejectedIdentifier(fmt.Sprintf("identifier %q: wildcard is only allowed as the leftmost label", ident.Value)), nil
		}
		allowed, err := e.store.IsDomainAllowed(ctx, value)
		if err != nil {
			return nil, nil, err
		}
		if !allowed {
			return nil, probs.RejectedIdentifier(fmt.Sprintf("identifier %q is not permitted by policy", value)), nil
		}
		if seen[value] {
			continue
		}
		seen[value] = true
		normalized = append(normalized, model.Identifier{Type: model.IdentifierDNS, Value: value})
	}

	now := time.Now()
	order := &model.Order{
		ID:          uuid.NewString(),
		AccountID:   acct.ID,
		Status:      model.StatusPending,
		Expires:     now.Add(e.orderLifetime),
		Identifiers: normalized,
		NotBefore:   notBefore,
		NotAfter:    notAfter,
	}

	err := e.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		for _, ident := range normalized {
			authz := &model.Authorization{
				ID:         uuid.NewString(),
				AccountID:  acct.ID,
				OrderID:    order.ID,
				Identifier: ident,
				Status:     model.StatusPending,
				Expires:    now.Add(e.authzLifetime),
				Wildcard:   strings.HasPrefix(ident.Value, "*."),
			}
			if err := tx.SaveAuthorization(ctx, authz); err != nil {
				return err
			}
			for _, chalType := range []string{model.ChallengeDNS01, model.ChallengeHTTP01} {
				chal := &model.Challenge{
					ID:              uuid.NewString(),
					AuthorizationID: authz.ID,
					Type:            chalType,
					Status:          model.StatusPending,
					Token:           uuid.NewString(),
				}
				if err := tx.SaveChallenge(ctx, chal); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Order created",
		zap.String("orderID", order.ID),
		zap.String("accountID", acct.ID),
		zap.Int("identifiers", len(normalized)))
	return order, nil, nil
}

// Load returns the order with lazy state refresh applied and persisted.
// Returns nil when the ID is unknown.
func (e *Engine) Load(ctx context.Context, orderID string) (*model.Order, error) {
	var order *model.Order
	err := e.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil || order == nil {
			return err
		}
		return refreshLocked(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// refreshLocked recomputes derivable order state under the caller's row
// lock and persists any change. Transitions applied here are the lazy
// ones: pending -> ready once every authorization is valid, pending/ready
// -> invalid when an authorization went terminal or the order window
// passed. processing and valid are owned by Finalize and never touched.
func refreshLocked(ctx context.Context, tx storage.Storage, order *model.Order) error {
	if order.Status != model.StatusPending && order.Status != model.StatusReady {
		return nil
	}

	if !order.Expires.IsZero() && !time.Now().Before(order.Expires) {
		order.Status = model.StatusInvalid
		order.Error = probs.Malformed("order has expired")
		return tx.SaveOrder(ctx, order)
	}

	authzs, err := tx.GetAuthorizationsByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}
	allValid := len(authzs) > 0
	for _, authz := range authzs {
		switch authz.Status {
		case model.StatusValid:
			// counts toward readiness
		case model.StatusInvalid, model.StatusExpired, model.StatusDeactivated, model.StatusRevoked:
			order.Status = model.StatusInvalid
			order.Error = probs.Unauthorized(fmt.Sprintf("authorization for %q is %s", authz.Identifier.Value, authz.Status))
			return tx.SaveOrder(ctx, order)
		default:
			allValid = false
			if authz.Status == model.StatusPending && !authz.Expires.IsZero() && !time.Now().Before(authz.Expires) {
				authz.Status = model.StatusExpired
				if err := tx.SaveAuthorization(ctx, authz); err != nil {
					return err
				}
				order.Status = model.StatusInvalid
				order.Error = probs.Unauthorized(fmt.Sprintf("authorization for %q has expired", authz.Identifier.Value))
				return tx.SaveOrder(ctx, order)
			}
		}
	}
	if order.Status == model.StatusPending && allValid {
		order.Status = model.StatusReady
		return tx.SaveOrder(ctx, order)
	}
	return nil
}

// Finalize handles a CSR submission. It runs in two phases: a locked
// transaction that refreshes order state and claims ready -> processing,
// then the upstream submission outside the lock, then a locked transaction
// recording the outcome. The processing claim is what makes the upstream
// submission happen at most once per order: a concurrent or repeated
// finalize observes processing (or valid) and returns the current order
// without submitting again.
func (e *Engine) Finalize(ctx context.Context, acct *model.Account, orderID string, csrDER []byte) (*model.Order, *model.ProblemDetails, error) {
	var (
		order  *model.Order
		prob   *model.ProblemDetails
		csr    *x509.CertificateRequest
		submit bool
	)

	err := e.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			prob = probs.Malformed("no such order")
			return nil
		}
		if order.AccountID != acct.ID {
			prob = probs.Unauthorized("account does not hold this order")
			return nil
		}
		if err := refreshLocked(ctx, tx, order); err != nil {
			return err
		}

		switch order.Status {
		case model.StatusProcessing, model.StatusValid:
			// Idempotent repeat; the earlier submission stands.
			return nil
		case model.StatusReady:
			// proceed below
		default:
			prob = probs.OrderNotReady(fmt.Sprintf("order is %s, finalization requires ready", order.Status))
			return nil
		}

		csr, err = x509.ParseCertificateRequest(csrDER)
		if err != nil {
			prob = probs.BadCSR("failed to parse CSR")
			return nil
		}
		if err := csr.CheckSignature(); err != nil {
			prob = probs.BadCSR("CSR has an invalid signature")
			return nil
		}
		if prob = checkCSRNames(csr, order.Identifiers); prob != nil {
			return nil
		}

		order.Status = model.StatusProcessing
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		submit = true
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if !submit {
		return order, prob, nil
	}

	issueCtx, cancel := context.WithTimeout(ctx, e.finalizeTimeout)
	certPEM, chainPEM, issueErr := e.issuer.Issue(issueCtx, csr)
	cancel()

	err = e.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		locked, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		order = locked

		if issueErr != nil {
			order.Status = model.StatusInvalid
			order.Error = probs.ServerInternal("certificate issuance failed")
			if err := tx.SaveOrder(ctx, order); err != nil {
				return err
			}
			logger.Error("Issuance failed", zap.String("orderID", order.ID), zap.Error(issueErr))
			return nil
		}

		cert, err := parseCertPEM(certPEM)
		if err != nil {
			return fmt.Errorf("order: issuer returned unparseable certificate for order '%s': %w", order.ID, err)
		}
		serial := fmt.Sprintf("%x", cert.SerialNumber)
		certData := &model.CertificateData{
			SerialNumber:   serial,
			CertificatePEM: certPEM,
			ChainPEM:       chainPEM,
			IssuedAt:       cert.NotBefore,
			ExpiresAt:      cert.NotAfter,
			AccountID:      order.AccountID,
			OrderID:        order.ID,
		}
		if err := tx.SaveCertificateData(ctx, certData); err != nil {
			return err
		}
		order.Status = model.StatusValid
		order.CertificateSerial = serial
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		logger.Info("Order finalized", zap.String("orderID", order.ID), zap.String("serial", serial))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, nil, nil
}

// Certificate returns the issued certificate for a valid order as a PEM
// bundle (leaf first, then the chain). Returns "" when the order has no
// certificate yet.
func (e *Engine) Certificate(ctx context.Context, order *model.Order) (string, error) {
	if order.CertificateSerial == "" {
		return "", nil
	}
	certData, err := e.store.GetCertificateData(ctx, order.CertificateSerial)
	if err != nil {
		return "", err
	}
	if certData == nil {
		return "", fmt.Errorf("order: certificate with serial '%s' not found for order '%s'", order.CertificateSerial, order.ID)
	}
	bundle := certData.CertificatePEM
	if certData.ChainPEM != "" {
		if !strings.HasSuffix(bundle, "\n") {
			bundle += "\n"
		}
		bundle += certData.ChainPEM
	}
	return bundle, nil
}

// checkCSRNames enforces set equality between the names in the CSR and the
/// order's identifiers: same set, nothing missing, nothing extra, compared
// case-insensitively. The CN, when present, must also be in the set.
func checkCSRNames(csr *x509.CertificateRequest, identifiers []model.Identifier) *model.ProblemDetails {
	if len(csr.IPAddresses) > 0 || len(csr.EmailAddresses) > 0 || len(csr.URIs) > 0 {
		return probs.BadCSR("CSR contains SAN entries of an unsupported type")
	}

	csrNames := make(map[string]bool)
	for _, name := range csr.DNSNames {
		csrNames[strings.ToLower(name)] = true
	}
	if cn := strings.ToLower(strings.TrimSpace(csr.Subject.CommonName)); cn != "" {
		csrNames[cn] = true
	}
	if len(csrNames) == 0 {
		return probs.BadCSR("CSR contains no names")
	}

	orderNames := make(map[string]bool)
	for _, ident := range identifiers {
		orderNames[strings.ToLower(ident.Value)] = true
	}

	for name := range csrNames {
		if !orderNames[name] {
			return probs.BadCSR(fmt.Sprintf("CSR name %q is not in the order", name))
		}
	}
	for name := range orderNames {
		if !csrNames[name] {
			return probs.BadCSR(fmt.Sprintf("order identifier %q is missing from the CSR", name))
		}
	}
	return nil
}

func parseCertPEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block in PEM data")
	}
	return x509.ParseCertificate(block.Bytes)
}
