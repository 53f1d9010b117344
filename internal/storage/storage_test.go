package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certrelay/certrelay/internal/model"
	"github.com/certrelay/certrelay/internal/storage"
	"github.com/certrelay/certrelay/internal/testutils"
)

func TestNonceConsumeIsSingleUse(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ctx := context.Background()

	n := &model.Nonce{
		Value:     "test-nonce-value",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, store.SaveNonce(ctx, n))

	first, err := store.ConsumeNonce(ctx, "test-nonce-value")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := store.ConsumeNonce(ctx, "test-nonce-value")
	require.NoError(t, err)
	assert.Nil(t, second, "a nonce must be consumable exactly once")
}

func TestNonceConsumeExpired(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ctx := context.Background()

	n := &model.Nonce{
		Value:     "expired-nonce",
		IssuedAt:  time.Now().Add(-2 * time.Minute),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.SaveNonce(ctx, n))

	got, err := store.ConsumeNonce(ctx, "expired-nonce")
	require.NoError(t, err)
	assert.Nil(t, got)

	deleted, err := store.DeleteExpiredNonces(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))
}

func TestAccountThumbprintLookup(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ctx := context.Background()

	acc := &model.Account{
		ID:            uuid.NewString(),
		PublicKeyJWK:  `{"kty":"EC"}`,
		KeyThumbprint: "unique-thumbprint-1",
		Status:        model.StatusValid,
	}
	require.NoError(t, store.SaveAccount(ctx, acc))

	got, err := store.GetAccountByKeyThumbprint(ctx, "unique-thumbprint-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, acc.ID, got.ID)

	missing, err := store.GetAccountByKeyThumbprint(ctx, "no-such-thumbprint")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// A second account with the same thumbprint must be rejected.
	dup := &model.Account{
		ID:            uuid.NewString(),
		PublicKeyJWK:  `{"kty":"EC"}`,
		KeyThumbprint: "unique-thumbprint-1",
		Status:        model.StatusValid,
	}
	assert.Error(t, store.SaveAccount(ctx, dup))
}

func TestOrderAuthorizationChallengeRoundTrip(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ctx := context.Background()

	acc := &model.Account{
		ID:            uuid.NewString(),
		PublicKeyJWK:  `{"kty":"EC"}`,
		KeyThumbprint: uuid.NewString(),
		Status:        model.StatusValid,
	}
	require.NoError(t, store.SaveAccount(ctx, acc))

	order := &model.Order{
		ID:        uuid.NewString(),
		AccountID: acc.ID,
		Status:    model.StatusPending,
		Expires:   time.Now().Add(24 * time.Hour),
		Identifiers: []model.Identifier{
			{Type: model.IdentifierDNS, Value: "example.com"},
		},
	}
	require.NoError(t, store.SaveOrder(ctx, order))

	authz := &model.Authorization{
		ID:         uuid.NewString(),
		AccountID:  acc.ID,
		OrderID:    order.ID,
		Identifier: model.Identifier{Type: model.IdentifierDNS, Value: "example.com"},
		Status:     model.StatusPending,
		Expires:    time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, store.SaveAuthorization(ctx, authz))

	chal := &model.Challenge{
		ID:              uuid.NewString(),
		AuthorizationID: authz.ID,
		Type:            model.ChallengeDNS01,
		Status:          model.StatusPending,
		Token:           uuid.NewString(),
	}
	require.NoError(t, store.SaveChallenge(ctx, chal))

	gotOrder, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, gotOrder)
	assert.Equal(t, order.Identifiers, gotOrder.Identifiers)

	authzs, err := store.GetAuthorizationsByOrderID(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, authzs, 1)
	assert.Equal(t, "example.com", authzs[0].Identifier.Value)

	chals, err := store.GetChallengesByAuthorizationID(ctx, authz.ID)
	require.NoError(t, err)
	require.Len(t, chals, 1)
	assert.Equal(t, model.ChallengeDNS01, chals[0].Type)
	assert.Equal(t, 0, chals[0].Attempts)

	// Attempts persist through updates.
	chal.Attempts = 2
	chal.Status = model.StatusProcessing
	require.NoError(t, store.SaveChallenge(ctx, chal))
	got, err := store.GetChallenge(ctx, chal.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, model.StatusProcessing, got.Status)
}

func TestWithinTransactionRollsBack(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ctx := context.Background()

	accID := uuid.NewString()
	boom := errors.New("boom")
	err := store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		acc := &model.Account{
			ID:            accID,
			PublicKeyJWK:  `{"kty":"EC"}`,
			KeyThumbprint: uuid.NewString(),
			Status:        model.StatusValid,
		}
		if err := tx.SaveAccount(ctx, acc); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetAccount(ctx, accID)
	require.NoError(t, err)
	assert.Nil(t, got, "rolled back account must not be visible")
}

func TestDomainPolicyMatching(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.AddAllowedDomain(ctx, "exact.example.com"))
	require.NoError(t, store.AddAllowedSuffix(ctx, "corp.example.org"))

	cases := []struct {
		domain  string
		allowed bool
	}{
		{"exact.example.com", true},
		{"EXACT.example.com", true},
		{"sub.exact.example.com", false},
		{"corp.example.org", true},
		{"a.corp.example.org", true},
		{"deep.a.corp.example.org", true},
		{"*.corp.example.org", true},
		{"notcorp.example.org", false},
		{"example.org", false},
	}
	for _, tc := range cases {
		allowed, err := store.IsDomainAllowed(ctx, tc.domain)
		require.NoError(t, err)
		assert.Equal(t, tc.allowed, allowed, "domain %q", tc.domain)
	}
}
