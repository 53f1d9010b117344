package acme

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certrelay/certrelay/internal/jws"
	"github.com/certrelay/certrelay/internal/metrics"
	"github.com/certrelay/certrelay/internal/model"
	"github.com/certrelay/certrelay/internal/probs"
)

// NewAccountPayload is the request body for new-account.
type NewAccountPayload struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
}

// HandleNewAccount registers an account for the embedded JWK, or returns
// the existing account bound to it. Registration is idempotent on the key:
// a repeat gets 200 with the original account, a first-timer gets 201.
func (h *Handlers) HandleNewAccount(c echo.Context) error {
	res, err := h.verify(c, jws.RequireJWK)
	if res == nil {
		return err
	}
	ctx := c.Request().Context()

	var payload NewAccountPayload
	if len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, &payload); err != nil {
			return h.writeProblem(c, probs.Malformed("failed to parse new-account payload"))
		}
	}

	if payload.OnlyReturnExisting {
		acct, err := h.Accounts.FindByKey(ctx, res.Key)
		if err != nil {
			return h.serverError(c, "account lookup failed", err)
		}
		if acct == nil {
			return h.writeProblem(c, probs.AccountDoesNotExist("no account registered for this key"))
		}
		h.addProtocolHeaders(c)
		c.Response().Header().Set("Location", h.accountURL(acct.ID))
		return c.JSON(http.StatusOK, h.renderAccount(acct))
	}

	acct, created, err := h.Accounts.FindOrCreate(ctx, res.Key, payload.Contact, payload.TermsOfServiceAgreed)
	if err != nil {
		return h.serverError(c, "account registration failed", err)
	}

	h.addProtocolHeaders(c)
	c.Response().Header().Set("Location", h.accountURL(acct.ID))
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		metrics.AccountsCreated.Inc()
	}
	return c.JSON(status, h.renderAccount(acct))
}

type accountUpdatePayload struct {
	Contact []string `json:"contact"`
	Status  string   `json:"status"`
}

// HandleAccount serves an account resource: POST-as-GET returns it, a
// payload updates contacts or deactivates.
func (h *Handlers) HandleAccount(c echo.Context) error {
	res, err := h.verify(c, jws.RequireKID)
	if res == nil {
		return err
	}
	ctx := c.Request().Context()

	// The kid already identifies the account; the path must agree.
	if c.Param("id") != res.Account.ID {
		return h.writeProblem(c, probs.Unauthorized("request URL does not match the authenticated account"))
	}

	if isPostAsGet(res.Payload) {
		h.addProtocolHeaders(c)
		return c.JSON(http.StatusOK, h.renderAccount(res.Account))
	}

	var payload accountUpdatePayload
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		return h.writeProblem(c, probs.Malformed("failed to parse account update payload"))
	}

	if payload.Status == model.StatusDeactivated {
		if err := h.Accounts.Deactivate(ctx, res.Account); err != nil {
			return h.serverError(c, "account deactivation failed", err)
		}
		logger.Info("Account deactivated via API", zap.String("accountID", res.Account.ID))
		h.addProtocolHeaders(c)
		return c.JSON(http.StatusOK, h.renderAccount(res.Account))
	}
	if payload.Status != "" && payload.Status != res.Account.Status {
		return h.writeProblem(c, probs.Malformedf("account status cannot be set to %q", payload.Status))
	}

	if payload.Contact != nil {
		if err := h.Accounts.UpdateContacts(ctx, res.Account, payload.Contact); err != nil {
			return h.serverError(c, "account update failed", err)
		}
	}
	h.addProtocolHeaders(c)
	return c.JSON(http.StatusOK, h.renderAccount(res.Account))
}

// HandleAccountOrders lists the account's order URLs (POST-as-GET).
func (h *Handlers) HandleAccountOrders(c echo.Context) error {
	res, err := h.verify(c, jws.RequireKID)
	if res == nil {
		return err
	}
	if c.Param("id") != res.Account.ID {
		return h.writeProblem(c, probs.Unauthorized("request URL does not match the authenticated account"))
	}
	if !isPostAsGet(res.Payload) {
		return h.writeProblem(c, probs.Malformed("order list only supports POST-as-GET"))
	}

	orders, err := getStore(c).GetOrdersByAccountID(c.Request().Context(), res.Account.ID)
	if err != nil {
		return h.serverError(c, "order list failed", err)
	}
	urls := make([]string, 0, len(orders))
	for _, ord := range orders {
		urls = append(urls, h.orderURL(ord.ID))
	}
	h.addProtocolHeaders(c)
	return c.JSON(http.StatusOK, map[string][]string{"orders": urls})
}
