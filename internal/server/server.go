// Package server assembles the echo instances: routing, shared middleware
// and the split between the public protocol surface and the operational
// plain-HTTP surface.
package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/certrelay/certrelay/internal/acme"
	"github.com/certrelay/certrelay/internal/auth"
	"github.com/certrelay/certrelay/internal/management"
	"github.com/certrelay/certrelay/internal/metrics"
	"github.com/certrelay/certrelay/internal/storage"
)

// ApplyCommonMiddleware installs recovery, request logging and the
// context-value injection handlers depend on.
func ApplyCommonMiddleware(e *echo.Echo, store storage.Storage) {
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("store", store)
			return next(c)
		}
	})
}

// SetupRouter registers the protocol and management routes on the public
// instance.
func SetupRouter(e *echo.Echo, store storage.Storage, handlers *acme.Handlers) {
	g := e.Group("/acme")
	g.GET("/directory", handlers.HandleDirectory)
	g.HEAD("/new-nonce", handlers.HandleNewNonce)
	g.GET("/new-nonce", handlers.HandleNewNonce)
	g.POST("/new-account", handlers.HandleNewAccount)
	g.POST("/new-order", handlers.HandleNewOrder)
	g.POST("/acct/:id", handlers.HandleAccount)
	g.POST("/acct/:id/orders", handlers.HandleAccountOrders)
	g.POST("/order/:id", handlers.HandleGetOrder)
	g.POST("/order/:id/finalize", handlers.HandleFinalize)
	g.POST("/authz/:id", handlers.HandleAuthorization)
	g.POST("/chal/:id", handlers.HandleChallenge)
	g.POST("/cert/:serial", handlers.HandleCertificate)

	mgmt := e.Group("/api/v1/policy", auth.APIKeyMiddleware(store, "admin"))
	mgmt.GET("/domains", management.HandleListAllowedDomains)
	mgmt.POST("/domains", management.HandleAddAllowedDomain)
	mgmt.DELETE("/domains/:domain", management.HandleDeleteAllowedDomain)
	mgmt.GET("/suffixes", management.HandleListAllowedSuffixes)
	mgmt.POST("/suffixes", management.HandleAddAllowedSuffix)
	mgmt.DELETE("/suffixes/:suffix", management.HandleDeleteAllowedSuffix)
}

// SetupOperationalRouter registers health and metrics on the plain-HTTP
// instance, which stays off the public listener.
func SetupOperationalRouter(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}
