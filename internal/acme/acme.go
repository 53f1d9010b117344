// Package acme implements the protocol front door: the HTTP handlers for
// the directory, nonce, account, order, authorization and challenge
// resources, speaking RFC 8555 over echo.
package acme

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certrelay/certrelay/internal/account"
	"github.com/certrelay/certrelay/internal/authz"
	"github.com/certrelay/certrelay/internal/jws"
	"github.com/certrelay/certrelay/internal/metrics"
	"github.com/certrelay/certrelay/internal/model"
	"github.com/certrelay/certrelay/internal/nonce"
	"github.com/certrelay/certrelay/internal/order"
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
	logger = l.With(zap.String("package", "acme"))
}

// maxRequestSize bounds JWS request bodies.
const maxRequestSize = 64 * 1024

// Handlers carries the front door's collaborators. One instance serves all
// protocol routes.
type Handlers struct {
	ExternalURL string
	Nonces      *nonce.Authority
	Verifier    *jws.Verifier
	Accounts    *account.Registry
	Authz       *authz.Engine
	Orders      *order.Engine
}

// --- URL construction ---

func (h *Handlers) url(parts ...string) string {
	return strings.TrimSuffix(h.ExternalURL, "/") + "/" + strings.Join(parts, "/")
}

func (h *Handlers) directoryURL() string              { return h.url("acme", "directory") }
func (h *Handlers) newNonceURL() string               { return h.url("acme", "new-nonce") }
func (h *Handlers) newAccountURL() string             { return h.url("acme", "new-account") }
func (h *Handlers) newOrderURL() string               { return h.url("acme", "new-order") }
func (h *Handlers) accountURL(id string) string       { return h.url("acme", "acct", id) }
func (h *Handlers) accountOrdersURL(id string) string { return h.url("acme", "acct", id, "orders") }
func (h *Handlers) orderURL(id string) string         { return h.url("acme", "order", id) }
func (h *Handlers) finalizeURL(id string) string      { return h.url("acme", "order", id, "finalize") }
func (h *Handlers) authzURL(id string) string         { return h.url("acme", "authz", id) }
func (h *Handlers) challengeURL(id string) string     { return h.url("acme", "chal", id) }
func (h *Handlers) certURL(serial string) string      { return h.url("acme", "cert", serial) }

// --- Response plumbing ---

// addProtocolHeaders attaches the headers every protocol response carries:
// a fresh Replay-Nonce and the directory index link.
func (h *Handlers) addProtocolHeaders(c echo.Context) {
	fresh, err := h.Nonces.Issue(c.Request().Context())
	if err != nil {
		// The response can still be useful without a nonce; the client's
		// next request will fetch one from new-nonce.
		logger.Error("Failed to issue response nonce", zap.Error(err))
	} else {
		c.Response().Header().Set("Replay-Nonce", fresh)
		metrics.NoncesIssued.Inc()
	}
	c.Response().Header().Set("Link", fmt.Sprintf("<%s>;rel=\"index\"", h.directoryURL()))
}

// writeProblem renders an RFC 7807 problem document. Problem responses
// carry a fresh nonce too, so a client can recover from badNonce without
// an extra round trip.
func (h *Handlers) writeProblem(c echo.Context, prob *model.ProblemDetails) error {
	h.addProtocolHeaders(c)
	metrics.ProblemsReturned.WithLabelValues(prob.Type).Inc()
	if strings.HasSuffix(prob.Type, ":badNonce") {
		metrics.NoncesRejected.Inc()
	}
	status := prob.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	// echo only writes its default content type when none is set yet.
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, prob)
}

func (h *Handlers) serverError(c echo.Context, msg string, err error) error {
	logger.Error(msg, zap.Error(err), zap.String("path", c.Request().URL.Path))
	return h.writeProblem(c, probs.ServerInternal(msg))
}

// readBody reads and bounds the request body.
func readBody(c echo.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request().Body, maxRequestSize))
}

func getStore(c echo.Context) storage.Storage {
	return c.Get("store").(storage.Storage)
}

// verify authenticates the request envelope and returns the result, having
// already written the problem response on failure (signalled by a nil
// result and nil error; a non-nil error is an I/O failure).
func (h *Handlers) verify(c echo.Context, authType jws.AuthType) (*jws.Result, error) {
	body, err := readBody(c)
	if err != nil {
		return nil, h.writeProblem(c, probs.Malformed("failed to read request body"))
	}
	res, prob := h.Verifier.Verify(c.Request().Context(), c.Request(), body, authType)
	if prob != nil {
		return nil, h.writeProblem(c, prob)
	}
	return res, nil
}

// isPostAsGet reports whether the authenticated payload is the zero-length
// POST-as-GET body.
func isPostAsGet(payload []byte) bool {
	return len(payload) == 0
}

// --- Resource rendering ---

func (h *Handlers) renderAccount(acct *model.Account) *model.Account {
	out := *acct
	out.Orders = h.accountOrdersURL(acct.ID)
	return &out
}

func (h *Handlers) renderOrder(c echo.Context, ord *model.Order) (*model.Order, error) {
	out := *ord
	out.FinalizeURL = h.finalizeURL(ord.ID)
	if ord.Status == model.StatusValid && ord.CertificateSerial != "" {
		out.CertificateURL = h.certURL(ord.CertificateSerial)
	}
	store := getStore(c)
	authzs, err := store.GetAuthorizationsByOrderID(c.Request().Context(), ord.ID)
	if err != nil {
		return nil, err
	}
	out.Authorizations = make([]string, 0, len(authzs))
	for _, az := range authzs {
		out.Authorizations = append(out.Authorizations, h.authzURL(az.ID))
	}
	return &out, nil
}

func (h *Handlers) renderAuthz(az *model.Authorization) *model.Authorization {
	out := *az
	out.Challenges = make([]*model.Challenge, 0, len(az.Challenges))
	for _, chal := range az.Challenges {
		out.Challenges = append(out.Challenges, h.renderChallenge(chal))
	}
	return &out
}

func (h *Handlers) renderChallenge(chal *model.Challenge) *model.Challenge {
	out := *chal
	out.URL = h.challengeURL(chal.ID)
	return &out
}
