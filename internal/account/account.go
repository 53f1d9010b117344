// Package account manages the account registry: each ACME account is bound
// to exactly one public key, identified by the key's thumbprint.
package account

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certrelay/certrelay/internal/jws"
	"github.com/certrelay/certrelay/internal/model"
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
	logger = l.With(zap.String("package", "account"))
}

// Registry provides account lookup and lifecycle operations.
type Registry struct {
	store       storage.Storage
	externalURL string
}

func NewRegistry(store storage.Storage, externalURL string) *Registry {
	return &Registry{store: store, externalURL: strings.TrimSuffix(externalURL, "/")}
}

// FindByKey returns the account bound to the given key, or nil when the key
// is unknown.
func (r *Registry) FindByKey(ctx context.Context, key *jose.JSONWebKey) (*model.Account, error) {
	thumbprint, err := jws.Thumbprint(key)
	if err != nil {
		return nil, err
	}
	return r.store.GetAccountByKeyThumbprint(ctx, thumbprint)
}

// FindOrCreate registers an account for the key, or returns the existing one
// when the key is already bound. The created flag tells the caller which
// happened (201 vs 200). Key-to-account binding is idempotent: a duplicate
// registration never creates a second account and never mutates the first.
func (r *Registry) FindOrCreate(ctx context.Context, key *jose.JSONWebKey, contact []string, tosAgreed bool) (*model.Account, bool, error) {
	thumbprint, err := jws.Thumbprint(key)
	if err != nil {
		return nil, false, err
	}

	existing, err := r.store.GetAccountByKeyThumbprint(ctx, thumbprint)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	keyJSON, err := key.MarshalJSON()
	if err != nil {
		return nil, false, fmt.Errorf("account: failed to marshal account key: %w", err)
	}

	acct := &model.Account{
		ID:             uuid.NewString(),
		PublicKeyJWK:   string(keyJSON),
		KeyThumbprint:  thumbprint,
		Contact:        contact,
		Status:         model.StatusValid,
		TermsOfService: tosAgreed,
	}
	if err := r.store.SaveAccount(ctx, acct); err != nil {
		// A concurrent registration of the same key can win the race on the
		// thumbprint uniqueness constraint; re-read and return the winner.
		winner, lookupErr := r.store.GetAccountByKeyThumbprint(ctx, thumbprint)
		if lookupErr == nil && winner != nil {
			return winner, false, nil
		}
		return nil, false, err
	}

	logger.Info("Account created", zap.String("accountID", acct.ID))
	return acct, true, nil
}

// UpdateContacts replaces the account's contact list.
func (r *Registry) UpdateContacts(ctx context.Context, acct *model.Account, contact []string) error {
	acct.Contact = contact
	return r.store.SaveAccount(ctx, acct)
}

// Deactivate marks the account deactivated. A deactivated account fails all
// subsequent request authentication.
func (r *Registry) Deactivate(ctx context.Context, acct *model.Account) error {
	acct.Status = model.StatusDeactivated
	if err := r.store.SaveAccount(ctx, acct); err != nil {
		return err
	}
	logger.Info("Account deactivated", zap.String("accountID", acct.ID))
	return nil
}

// ResolveKeyID maps a kid URL of the form <externalURL>/acme/acct/<id> to
// the stored account. Returns nil (no error) when the URL shape is right
// but no such account exists, and also when the URL shape is wrong; the
// caller treats both as an unknown account.
func (r *Registry) ResolveKeyID(ctx context.Context, kid string) (*model.Account, error) {
	prefix := r.externalURL + "/acme/acct/"
	if !strings.HasPrefix(kid, prefix) {
		return nil, nil
	}
	id := strings.TrimPrefix(kid, prefix)
	if id == "" || strings.Contains(id, "/") {
		return nil, nil
	}
	return r.store.GetAccount(ctx, id)
}

// URL renders the canonical account URL used as the kid for this account.
func (r *Registry) URL(acct *model.Account) string {
	return r.externalURL + "/acme/acct/" + acct.ID
}
