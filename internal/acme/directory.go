package acme

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Directory is the RFC 8555 section 7.1.1 index object.
type Directory struct {
	NewNonce   string         `json:"newNonce"`
	NewAccount string         `json:"newAccount"`
	NewOrder   string         `json:"newOrder"`
	RevokeCert string         `json:"revokeCert,omitempty"`
	KeyChange  string         `json:"keyChange,omitempty"`
	Meta       *DirectoryMeta `json:"meta,omitempty"`
}

type DirectoryMeta struct {
	Website                 string `json:"website,omitempty"`
	TermsOfService          string `json:"termsOfService,omitempty"`
	ExternalAccountRequired bool   `json:"externalAccountRequired,omitempty"`
}

// HandleDirectory serves the endpoint index. This is the only URL a client
// needs to configure; everything else is discovered from here.
func (h *Handlers) HandleDirectory(c echo.Context) error {
	dir := Directory{
		NewNonce:   h.newNonceURL(),
		NewAccount: h.newAccountURL(),
		NewOrder:   h.newOrderURL(),
		Meta: &DirectoryMeta{
			Website: h.ExternalURL,
		},
	}
	return c.JSON(http.StatusOK, dir)
}

// HandleNewNonce serves the nonce endpoint: HEAD gets 200, GET gets 204,
// both with a fresh Replay-Nonce header and nothing else.
func (h *Handlers) HandleNewNonce(c echo.Context) error {
	h.addProtocolHeaders(c)
	c.Response().Header().Set("Cache-Control", "no-store")
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusNoContent)
}
