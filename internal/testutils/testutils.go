// Package testutils provides the shared fixtures for integration tests: a
// disposable PostgreSQL container and a fully wired test server.
package testutils

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

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

const (
	testDBName     = "certrelay_test"
	testDBUser     = "test_user"
	testDBPassword = "test_password"
)

// SetupTestDB starts a PostgreSQL container and returns a connected store.
// The container and the store are cleaned up with the test.
func SetupTestDB(t *testing.T) storage.Storage {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(testDBName),
		postgres.WithUsername(testDBUser),
		postgres.WithPassword(testDBPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	store, err := storage.NewPostgreSQLStorage(host, testDBUser, testDBPassword, testDBName, port.Int(), "disable", "", "", "")
	require.NoError(t, err, "failed to connect to test database")
	t.Cleanup(func() { store.Close() })
	return store
}

// StubVerifier is a controllable stand-in for the live validation probes.
type StubVerifier struct {
	// Err is returned from every probe; nil means every probe succeeds.
	Err error
	// Calls records each probe as "<type> <domain>".
	Calls []string
}

func (v *StubVerifier) Verify(ctx context.Context, challengeType string, domain string, token string, keyAuthorization string) error {
	v.Calls = append(v.Calls, challengeType+" "+domain)
	return v.Err
}

var _ dcv.Verifier = (*StubVerifier)(nil)

// TestServer is a running protocol front door against a real database.
type TestServer struct {
	URL      string
	Store    storage.Storage
	Handlers *acme.Handlers
	Config   *config.Config
	Verifier *StubVerifier
}

// SetupTestServer wires the full stack (embedded CA, engines, handlers)
// over the given store and serves it from an httptest listener. The
// external URL the verifier enforces is the listener's own URL, so signed
// test requests validate like production traffic.
func SetupTestServer(t *testing.T, store storage.Storage) *TestServer {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	cfg.ChallengeRetryLimit = 3
	cfg.DCVTimeout = 5 * time.Second
	cfg.FinalizeTimeout = 10 * time.Second

	e := echo.New()
	e.HideBanner = true
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	cfg.ExternalURL = ts.URL

	caService, err := ca.NewService(ctx, cfg, store)
	require.NoError(t, err, "failed to initialize embedded CA")

	for apiKey, roles := range cfg.APIKeys {
		require.NoError(t, store.SaveAPIKey(ctx, apiKey, roles))
	}

	stub := &StubVerifier{}
	nonces := nonce.NewAuthority(store, cfg.NonceLifetime)
	accounts := account.NewRegistry(store, cfg.ExternalURL)
	verifier := jws.NewVerifier(cfg.ExternalURL, nonces, accounts)
	authzEngine := authz.NewEngine(store, stub, cfg.ChallengeRetryLimit, cfg.DCVTimeout)
	orderEngine := order.NewEngine(store, caService, cfg.OrderLifetime, cfg.AuthzLifetime, cfg.FinalizeTimeout)

	handlers := &acme.Handlers{
		ExternalURL: cfg.ExternalURL,
		Nonces:      nonces,
		Verifier:    verifier,
		Accounts:    accounts,
		Authz:       authzEngine,
		Orders:      orderEngine,
	}
	server.ApplyCommonMiddleware(e, store)
	server.SetupRouter(e, store, handlers)

	return &TestServer{
		URL:      ts.URL,
		Store:    store,
		Handlers: handlers,
		Config:   cfg,
		Verifier: stub,
	}
}
