package nonce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certrelay/certrelay/internal/model"
)

type memStore struct {
	nonces map[string]*model.Nonce
}

func newMemStore() *memStore {
	return &memStore{nonces: make(map[string]*model.Nonce)}
}

func (s *memStore) SaveNonce(ctx context.Context, n *model.Nonce) error {
	s.nonces[n.Value] = n
	return nil
}

func (s *memStore) ConsumeNonce(ctx context.Context, value string) (*model.Nonce, error) {
	n, ok := s.nonces[value]
	if !ok || !n.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	delete(s.nonces, value)
	return n, nil
}

func (s *memStore) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	var deleted int64
	for v, n := range s.nonces {
		if !n.ExpiresAt.After(time.Now()) {
			delete(s.nonces, v)
			deleted++
		}
	}
	return deleted, nil
}

func TestIssueProducesUniqueValues(t *testing.T) {
	a := NewAuthority(newMemStore(), time.Minute)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		v, err := a.Issue(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, v)
		assert.False(t, seen[v], "issued nonce values must be unique")
		seen[v] = true
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	a := NewAuthority(newMemStore(), time.Minute)
	ctx := context.Background()

	v, err := a.Issue(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Consume(ctx, v))
	assert.ErrorIs(t, a.Consume(ctx, v), ErrBadNonce)
}

func TestConsumeUnknownAndEmpty(t *testing.T) {
	a := NewAuthority(newMemStore(), time.Minute)
	ctx := context.Background()

	assert.ErrorIs(t, a.Consume(ctx, "never-issued"), ErrBadNonce)
	assert.ErrorIs(t, a.Consume(ctx, ""), ErrBadNonce)
}

func TestConsumeExpired(t *testing.T) {
	store := newMemStore()
	a := NewAuthority(store, -time.Minute) // everything issued already expired
	ctx := context.Background()

	v, err := a.Issue(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Consume(ctx, v), ErrBadNonce)
}
