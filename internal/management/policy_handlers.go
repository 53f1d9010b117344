// Package management exposes the administrative API for identifier policy.
package management

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

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
	logger = l.With(zap.String("package", "management"))
}

func getStore(c echo.Context) storage.Storage {
	return c.Get("store").(storage.Storage)
}

type policyEntryRequest struct {
	Value string `json:"value"`
}

// HandleListAllowedDomains returns the exact-match allowlist.
func HandleListAllowedDomains(c echo.Context) error {
	domains, err := getStore(c).ListAllowedDomains(c.Request().Context())
	if err != nil {
		logger.Error("Failed to list allowed domains", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list allowed domains")
	}
	return c.JSON(http.StatusOK, map[string][]string{"domains": domains})
}

// HandleAddAllowedDomain adds one exact-match domain to the allowlist.
func HandleAddAllowedDomain(c echo.Context) error {
	var req policyEntryRequest
	if err := c.Bind(&req); err != nil || req.Value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request must carry a non-empty \"value\"")
	}
	if err := getStore(c).AddAllowedDomain(c.Request().Context(), req.Value); err != nil {
		logger.Error("Failed to add allowed domain", zap.String("domain", req.Value), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to add allowed domain")
	}
	logger.Info("Allowed domain added", zap.String("domain", req.Value))
	return c.NoContent(http.StatusCreated)
}

// HandleDeleteAllowedDomain removes an exact-match domain.
func HandleDeleteAllowedDomain(c echo.Context) error {
	domain := c.Param("domain")
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain path parameter required")
	}
	if err := getStore(c).DeleteAllowedDomain(c.Request().Context(), domain); err != nil {
		logger.Error("Failed to delete allowed domain", zap.String("domain", domain), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete allowed domain")
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleListAllowedSuffixes returns the suffix allowlist.
func HandleListAllowedSuffixes(c echo.Context) error {
	suffixes, err := getStore(c).ListAllowedSuffixes(c.Request().Context())
	if err != nil {
		logger.Error("Failed to list allowed suffixes", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list allowed suffixes")
	}
	return c.JSON(http.StatusOK, map[string][]string{"suffixes": suffixes})
}

// HandleAddAllowedSuffix adds one suffix to the allowlist. Any domain equal
// to the suffix or ending in it becomes issuable.
func HandleAddAllowedSuffix(c echo.Context) error {
	var req policyEntryRequest
	if err := c.Bind(&req); err != nil || req.Value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request must carry a non-empty \"value\"")
	}
	if err := getStore(c).AddAllowedSuffix(c.Request().Context(), req.Value); err != nil {
		logger.Error("Failed to add allowed suffix", zap.String("suffix", req.Value), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to add allowed suffix")
	}
	logger.Info("Allowed suffix added", zap.String("suffix", req.Value))
	return c.NoContent(http.StatusCreated)
}

// HandleDeleteAllowedSuffix removes a suffix.
func HandleDeleteAllowedSuffix(c echo.Context) error {
	suffix := c.Param("suffix")
	if suffix == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "suffix path parameter required")
	}
	if err := getStore(c).DeleteAllowedSuffix(c.Request().Context(), suffix); err != nil {
		logger.Error("Failed to delete allowed suffix", zap.String("suffix", suffix), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete allowed suffix")
	}
	return c.NoContent(http.StatusNoContent)
}
