package acme

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/certrelay/certrelay/internal/jws"
	"github.com/certrelay/certrelay/internal/metrics"
	"github.com/certrelay/certrelay/internal/model"
	"github.com/certrelay/certrelay/internal/probs"
)

// HandleAuthorization serves an authorization resource via POST-as-GET,
// with lazy expiry applied on read.
func (h *Handlers) HandleAuthorization(c echo.Context) error {
	res, err := h.verify(c, jws.RequireKID)
	if res == nil {
		return err
	}
	if !isPostAsGet(res.Payload) {
		return h.writeProblem(c, probs.Malformed("authorization resource only supports POST-as-GET"))
	}

	az, err := h.Authz.Load(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.serverError(c, "authorization lookup failed", err)
	}
	if az == nil {
		return h.writeProblem(c, probs.Malformed("no such authorization"))
	}
	if az.AccountID != res.Account.ID {
		return h.writeProblem(c, probs.Unauthorized("account does not hold this authorization"))
	}

	h.addProtocolHeaders(c)
	return c.JSON(http.StatusOK, h.renderAuthz(az))
}

// HandleChallenge serves a challenge resource. POST-as-GET returns the
// current state; a POST with a JSON body (the empty object per RFC 8555)
// initiates validation. A policy-rejected initiation returns the problem
// and leaves the challenge untouched, so the client can initiate a sibling
// challenge on the same authorization.
func (h *Handlers) HandleChallenge(c echo.Context) error {
	res, err := h.verify(c, jws.RequireKID)
	if res == nil {
		return err
	}
	ctx := c.Request().Context()
	chalID := c.Param("id")

	if isPostAsGet(res.Payload) {
		chal, az, err := h.Authz.LoadChallenge(ctx, chalID)
		if err != nil {
			return h.serverError(c, "challenge lookup failed", err)
		}
		if chal == nil {
			return h.writeProblem(c, probs.Malformed("no such challenge"))
		}
		if az.AccountID != res.Account.ID {
			return h.writeProblem(c, probs.Unauthorized("account does not hold this challenge"))
		}
		h.addProtocolHeaders(c)
		c.Response().Header().Add("Link", linkUp(h.authzURL(az.ID)))
		return c.JSON(http.StatusOK, h.renderChallenge(chal))
	}

	chal, prob, err := h.Authz.BeginValidation(ctx, res.Account, chalID)
	if err != nil {
		return h.serverError(c, "challenge validation failed", err)
	}
	if prob != nil {
		return h.writeProblem(c, prob)
	}
	result := chal.Status
	if chal.Status == model.StatusPending {
		result = "retryable"
	}
	metrics.ChallengeAttempts.WithLabelValues(chal.Type, result).Inc()

	h.addProtocolHeaders(c)
	c.Response().Header().Add("Link", linkUp(h.authzURL(chal.AuthorizationID)))
	return c.JSON(http.StatusOK, h.renderChallenge(chal))
}

func linkUp(authzURL string) string {
	return "<" + authzURL + ">;rel=\"up\""
}
