// Package nonce implements the single-use anti-replay token authority.
// Tokens are unpredictable 128-bit values; consumption is first-caller-wins
// and enforced by the storage layer's atomic delete.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certrelay/certrelay/internal/model"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "nonce"))
}

// ErrBadNonce is returned by Consume when the presented value is unknown,
// already used, or expired. Callers map it to the badNonce problem type.
var ErrBadNonce = errors.New("nonce: invalid, used or expired nonce")

// Store is the slice of the storage layer the authority needs.
type Store interface {
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error)
	DeleteExpiredNonces(ctx context.Context) (int64, error)
}

// Authority issues and consumes nonces backed by a Store.
type Authority struct {
	store Store
	ttl   time.Duration
}

// NewAuthority creates a nonce authority with the given token lifetime.
func NewAuthority(store Store, ttl time.Duration) *Authority {
	return &Authority{store: store, ttl: ttl}
}

// Issue mints a fresh nonce, persists it, and returns its value.
func (a *Authority) Issue(ctx context.Context) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: failed to generate random value: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now()
	n := &model.Nonce{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.ttl),
	}
	if err := a.store.SaveNonce(ctx, n); err != nil {
		return "", err
	}
	return value, nil
}

// Consume atomically retires the nonce. Exactly one caller succeeds for any
// given value; all others get ErrBadNonce.
func (a *Authority) Consume(ctx context.Context, value string) error {
	if value == "" {
		return ErrBadNonce
	}
	n, err := a.store.ConsumeNonce(ctx, value)
	if err != nil {
		return fmt.Errorf("nonce: consume failed: %w", err)
	}
	if n == nil {
		return ErrBadNonce
	}
	return nil
}

// StartSweeper purges expired nonce rows on a fixed interval until ctx is
// cancelled. Expired nonces are already unusable; the sweep only reclaims
// storage.
func (a *Authority) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := a.store.DeleteExpiredNonces(ctx)
				if err != nil {
					logger.Warn("Nonce sweep failed", zap.Error(err))
					continue
				}
				if deleted > 0 {
					logger.Debug("Nonce sweep complete", zap.Int64("deleted", deleted))
				}
			}
		}
	}()
}
