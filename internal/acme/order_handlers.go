package acme

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/certrelay/certrelay/internal/jws"
	"github.com/certrelay/certrelay/internal/metrics"
	"github.com/certrelay/certrelay/internal/model"
	"github.com/certrelay/certrelay/internal/probs"
)

// NewOrderPayload is the request body for new-order.
type NewOrderPayload struct {
	Identifiers []model.Identifier `json:"identifiers"`
	NotBefore   string             `json:"notBefore,omitempty"`
	NotAfter    string             `json:"notAfter,omitempty"`
}

// HandleNewOrder creates an order and its authorizations.
func (h *Handlers) HandleNewOrder(c echo.Context) error {
	res, err := h.verify(c, jws.RequireKID)
	if res == nil {
		return err
	}

	var payload NewOrderPayload
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		return h.writeProblem(c, probs.Malformed("failed to parse new-order payload"))
	}
	notBefore, prob := parseOptionalTime(payload.NotBefore, "notBefore")
	if prob != nil {
		return h.writeProblem(c, prob)
	}
	notAfter, prob := parseOptionalTime(payload.NotAfter, "notAfter")
	if prob != nil {
		return h.writeProblem(c, prob)
	}

	ord, prob, err := h.Orders.Create(c.Request().Context(), res.Account, payload.Identifiers, notBefore, notAfter)
	if err != nil {
		return h.serverError(c, "order creation failed", err)
	}
	if prob != nil {
		return h.writeProblem(c, prob)
	}
	metrics.OrdersCreated.Inc()

	rendered, err := h.renderOrder(c, ord)
	if err != nil {
		return h.serverError(c, "order rendering failed", err)
	}
	h.addProtocolHeaders(c)
	c.Response().Header().Set("Location", h.orderURL(ord.ID))
	return c.JSON(http.StatusCreated, rendered)
}

// HandleGetOrder serves an order resource via POST-as-GET, applying lazy
// state refresh so the client observes ready and expiry transitions.
func (h *Handlers) HandleGetOrder(c echo.Context) error {
	res, err := h.verify(c, jws.RequireKID)
	if res == nil {
		return err
	}
	if !isPostAsGet(res.Payload) {
		return h.writeProblem(c, probs.Malformed("order resource only supports POST-as-GET"))
	}

	ord, err := h.Orders.Load(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.serverError(c, "order lookup failed", err)
	}
	if ord == nil {
		return h.writeProblem(c, probs.Malformed("no such order"))
	}
	if ord.AccountID != res.Account.ID {
		return h.writeProblem(c, probs.Unauthorized("account does not hold this order"))
	}

	rendered, err := h.renderOrder(c, ord)
	if err != nil {
		return h.serverError(c, "order rendering failed", err)
	}
	h.addProtocolHeaders(c)
	c.Response().Header().Set("Location", h.orderURL(ord.ID))
	return c.JSON(http.StatusOK, rendered)
}

type finalizePayload struct {
	CSR string `json:"csr"`
}

// HandleFinalize accepts the CSR for a ready order and drives issuance.
func (h *Handlers) HandleFinalize(c echo.Context) error {
	res, err := h.verify(c, jws.RequireKID)
	if res == nil {
		return err
	}

	var payload finalizePayload
	if err := json.Unmarshal(res.Payload, &payload); err != nil || payload.CSR == "" {
		return h.writeProblem(c, probs.Malformed("finalize payload must carry a \"csr\" field"))
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		return h.writeProblem(c, probs.BadCSR("csr field is not valid base64url"))
	}

	ord, prob, err := h.Orders.Finalize(c.Request().Context(), res.Account, c.Param("id"), csrDER)
	if err != nil {
		return h.serverError(c, "finalization failed", err)
	}
	if prob != nil {
		return h.writeProblem(c, prob)
	}
	metrics.OrdersFinalized.WithLabelValues(ord.Status).Inc()

	rendered, err := h.renderOrder(c, ord)
	if err != nil {
		return h.serverError(c, "order rendering failed", err)
	}
	h.addProtocolHeaders(c)
	c.Response().Header().Set("Location", h.orderURL(ord.ID))
	return c.JSON(http.StatusOK, rendered)
}

// HandleCertificate serves the issued certificate chain via POST-as-GET.
func (h *Handlers) HandleCertificate(c echo.Context) error {
	res, err := h.verify(c, jws.RequireKID)
	if res == nil {
		return err
	}
	if !isPostAsGet(res.Payload) {
		return h.writeProblem(c, probs.Malformed("certificate resource only supports POST-as-GET"))
	}

	certData, err := getStore(c).GetCertificateData(c.Request().Context(), c.Param("serial"))
	if err != nil {
		return h.serverError(c, "certificate lookup failed", err)
	}
	if certData == nil {
		return h.writeProblem(c, probs.Malformed("no such certificate"))
	}
	if certData.AccountID != res.Account.ID {
		return h.writeProblem(c, probs.Unauthorized("account does not hold this certificate"))
	}

	h.addProtocolHeaders(c)
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", []byte(bundlePEM(certData.CertificatePEM, certData.ChainPEM)))
}

// bundlePEM joins the leaf and chain PEM blocks, leaf first, with a single
// newline between them.
func bundlePEM(cert, chain string) string {
	if chain == "" {
		return cert
	}
	if cert != "" && !strings.HasSuffix(cert, "\n") {
		cert += "\n"
	}
	return cert + chain
}

func parseOptionalTime(value, field string) (*time.Time, *model.ProblemDetails) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, probs.Malformedf("invalid %s timestamp, must be RFC 3339", field)
	}
	return &t, nil
}
