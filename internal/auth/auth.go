// Package auth guards the management API with API keys stored alongside
// the protocol data.
package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certrelay/certrelay/internal/storage"
)

const apiKeyHeader = "X-API-Key"

// APIKeyMiddleware authenticates management requests against stored API
// keys and requires the given role.
func APIKeyMiddleware(store storage.Storage, requiredRole string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey := c.Request().Header.Get(apiKeyHeader)
			if apiKey == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}
			roles, err := store.GetAPIKey(c.Request().Context(), apiKey)
			if err != nil {
				zap.L().Error("API key lookup failed", zap.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to verify API key")
			}
			if roles == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			for _, role := range roles {
				if role == requiredRole {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "API key lacks required role")
		}
	}
}
