// certrelayd is the ACME front door daemon: it terminates the RFC 8555
// protocol, validates domain control, and relays finalized orders to the
// configured issuing backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certrelay/certrelay/internal/account"
	"github.com/certrelay/certrelay/internal/acme"
	"github.com/certrelay/certrelay/internal/authz"
	"github.com/certrelay/certrelay/internal/ca"
	"github.com/certrelay/certrelay/internal/config"
	"github.com/certrelay/certrelay/internal/dcv"
	"github.com/certrelay/certrelay/internal/jws"
	"github.com/certrelay/certrelay/internal/nonce"
	"github.com/certrelay/certrelay/internal/order"
	"github.com/certrelay/certrelay/internal/server"
	"github.com/certrelay/certrelay/internal/storage"
)

func main() {
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	store, err := storage.NewStorage(cfg.StorageType, cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode, cfg.DBCert, cfg.DBKey, cfg.DBRootCert)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for apiKey, roles := range cfg.APIKeys {
		if err := store.SaveAPIKey(ctx, apiKey, roles); err != nil {
			logger.Fatal("Failed to seed API key", zap.Error(err))
		}
	}

	var issuer order.Issuer
	switch cfg.CABackend {
	case "embedded":
		caService, err := ca.NewService(ctx, cfg, store)
		if err != nil {
			logger.Fatal("Failed to initialize embedded CA", zap.Error(err))
		}
		if err := caService.EnsureHTTPSCertificates(cfg.HTTPSCertFile, cfg.HTTPSKeyFile); err != nil {
			logger.Fatal("Failed to prepare HTTPS certificates", zap.Error(err))
		}
		issuer = caService
	default:
		logger.Fatal("Unknown CA backend", zap.String("backend", cfg.CABackend))
	}

	nonces := nonce.NewAuthority(store, cfg.NonceLifetime)
	nonces.StartSweeper(ctx, cfg.NonceSweepInterval)

	accounts := account.NewRegistry(store, cfg.ExternalURL)
	verifier := jws.NewVerifier(cfg.ExternalURL, nonces, accounts)
	authzEngine := authz.NewEngine(store, dcv.NewLiveVerifier(), cfg.ChallengeRetryLimit, cfg.DCVTimeout)
	orderEngine := order.NewEngine(store, issuer, cfg.OrderLifetime, cfg.AuthzLifetime, cfg.FinalizeTimeout)

	handlers := &acme.Handlers{
		ExternalURL: cfg.ExternalURL,
		Nonces:      nonces,
		Verifier:    verifier,
		Accounts:    accounts,
		Authz:       authzEngine,
		Orders:      orderEngine,
	}

	public := echo.New()
	public.HideBanner = true
	server.ApplyCommonMiddleware(public, store)
	server.SetupRouter(public, store, handlers)

	operational := echo.New()
	operational.HideBanner = true
	server.SetupOperationalRouter(operational)

	go func() {
		logger.Info("Operational listener starting", zap.String("address", cfg.HTTPAddress))
		if err := operational.Start(cfg.HTTPAddress); err != nil {
			logger.Warn("Operational listener stopped", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("Protocol listener starting", zap.String("address", cfg.HTTPSAddress), zap.String("externalURL", cfg.ExternalURL))
		if err := public.StartTLS(cfg.HTTPSAddress, cfg.HTTPSCertFile, cfg.HTTPSKeyFile); err != nil {
			logger.Warn("Protocol listener stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.FinalizeTimeout)
	defer cancel()
	if err := public.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Protocol listener shutdown error", zap.Error(err))
	}
	if err := operational.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Operational listener shutdown error", zap.Error(err))
	}
}
