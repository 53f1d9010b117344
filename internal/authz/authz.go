// Package authz implements the authorization and challenge state machine.
// An authorization tracks the validation obligation for one identifier;
// its challenges are the concrete ways a client can discharge it.
package authz

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certrelay/certrelay/internal/dcv"
	"github.com/certrelay/certrelay/internal/model"
	"github.com/certrelay/certrelay/internal/probs"
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
	logger = l.With(zap.String("package", "authz"))
}

// KeyAuthorization binds a challenge token to an account key: the token
// joined with the account key's base64url SHA-256 JWK thumbprint.
func KeyAuthorization(token, keyThumbprint string) string {
	return token + "." + keyThumbprint
}

// Engine drives challenge validation and authorization state.
type Engine struct {
	store      storage.Storage
	verifier   dcv.Verifier
	retryLimit int
	dcvTimeout time.Duration
}

func NewEngine(store storage.Storage, verifier dcv.Verifier, retryLimit int, dcvTimeout time.Duration) *Engine {
	return &Engine{
		store:      store,
		verifier:   verifier,
		retryLimit: retryLimit,
		dcvTimeout: dcvTimeout,
	}
}

// Load returns the authorization with lazy expiry applied and its
// challenges attached. Returns nil when the ID is unknown.
func (e *Engine) Load(ctx context.Context, authzID string) (*model.Authorization, error) {
	authz, err := e.store.GetAuthorization(ctx, authzID)
	if err != nil || authz == nil {
		return nil, err
	}
	if expireIfPast(authz) {
		if err := e.store.SaveAuthorization(ctx, authz); err != nil {
			return nil, err
		}
	}
	authz.Challenges, err = e.store.GetChallengesByAuthorizationID(ctx, authzID)
	if err != nil {
		return nil, err
	}
	return authz, nil
}

// LoadChallenge returns a challenge and its parent authorization, with lazy
// expiry applied to the authorization. Both are nil when the challenge ID
// is unknown.
func (e *Engine) LoadChallenge(ctx context.Context, chalID string) (*model.Challenge, *model.Authorization, error) {
	chal, err := e.store.GetChallenge(ctx, chalID)
	if err != nil || chal == nil {
		return nil, nil, err
	}
	authz, err := e.Load(ctx, chal.AuthorizationID)
	if err != nil {
		return nil, nil, err
	}
	return chal, authz, nil
}

// BeginValidation is the response to a client POSTing an initiation to a
// challenge URL. It runs in two phases: a locked transaction that applies
// policy and claims the challenge, then a network probe outside the lock,
// then a second locked transaction recording the outcome. The row lock on
// the authorization serializes concurrent initiations of the same or
// sibling challenges.
//
// The returned challenge reflects the state after the call. A non-nil
// problem describes a rejected initiation; policy rejections leave the
// challenge and authorization exactly as they were.
func (e *Engine) BeginValidation(ctx context.Context, acct *model.Account, chalID string) (*model.Challenge, *model.ProblemDetails, error) {
	var (
		chal     *model.Challenge
		authz    *model.Authorization
		prob     *model.ProblemDetails
		keyAuthz string
		probe    bool
	)

	err := e.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		var err error
		chal, err = tx.GetChallenge(ctx, chalID)
		if err != nil {
			return err
		}
		if chal == nil {
			prob = probs.Malformed("no such challenge")
			return nil
		}
		authz, err = tx.GetAuthorizationForUpdate(ctx, chal.AuthorizationID)
		if err != nil {
			return err
		}
		if authz == nil {
			return fmt.Errorf("authz: challenge %s references missing authorization %s", chal.ID, chal.AuthorizationID)
		}
		if authz.AccountID != acct.ID {
			prob = probs.Unauthorized("account does not hold this authorization")
			return nil
		}

		if expireIfPast(authz) {
			if err := tx.SaveAuthorization(ctx, authz); err != nil {
				return err
			}
			prob = probs.Malformed("authorization has expired")
			return nil
		}

		// Challenge type gating is a policy decision, not a validation
		// outcome: an ineligible initiation is rejected without moving the
		// challenge or authorization, so the client can still use a sibling
		// challenge.
		if authz.Wildcard && chal.Type != model.ChallengeDNS01 {
			prob = probs.RejectedIdentifier(fmt.Sprintf("challenge type %q is not allowed for wildcard identifiers, use %q", chal.Type, model.ChallengeDNS01))
			return nil
		}

		switch {
		case chal.Status == model.StatusValid || chal.Status == model.StatusInvalid:
			// Terminal; report current state.
			return nil
		case chal.Status == model.StatusProcessing:
			// A validation round is already in flight.
			return nil
		case authz.Status != model.StatusPending:
			prob = probs.Malformedf("authorization is %s, cannot initiate validation", authz.Status)
			return nil
		}

		if chal.Attempts >= e.retryLimit {
			prob = probs.RateLimited(fmt.Sprintf("challenge validation attempt limit (%d) reached", e.retryLimit))
			return nil
		}

		chal.Status = model.StatusProcessing
		chal.Attempts++
		chal.Error = nil
		if err := tx.SaveChallenge(ctx, chal); err != nil {
			return err
		}
		// The authorization mirrors the in-flight validation, so a
		// concurrent read observes processing rather than pending.
		authz.Status = model.StatusProcessing
		if err := tx.SaveAuthorization(ctx, authz); err != nil {
			return err
		}
		keyAuthz = KeyAuthorization(chal.Token, acct.KeyThumbprint)
		probe = true
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if !probe {
		return chal, prob, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.dcvTimeout)
	probeErr := e.verifier.Verify(probeCtx, chal.Type, authz.Identifier.Value, chal.Token, keyAuthz)
	cancel()

	err = e.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		lockedAuthz, err := tx.GetAuthorizationForUpdate(ctx, chal.AuthorizationID)
		if err != nil {
			return err
		}
		if lockedAuthz == nil {
			return fmt.Errorf("authz: authorization %s disappeared during validation", chal.AuthorizationID)
		}
		locked, err := tx.GetChallenge(ctx, chalID)
		if err != nil {
			return err
		}
		if locked == nil {
			return fmt.Errorf("authz: challenge %s disappeared during validation", chalID)
		}
		chal = locked

		if probeErr == nil {
			now := time.Now()
			chal.Status = model.StatusValid
			chal.Validated = &now
			chal.Error = nil
			if err := tx.SaveChallenge(ctx, chal); err != nil {
				return err
			}
			// One valid challenge is sufficient for the authorization.
			lockedAuthz.Status = model.StatusValid
			if err := tx.SaveAuthorization(ctx, lockedAuthz); err != nil {
				return err
			}
			logger.Info("Challenge validated",
				zap.String("challengeID", chal.ID),
				zap.String("type", chal.Type),
				zap.String("identifier", lockedAuthz.Identifier.Value))
			return nil
		}

		chal.Error = probs.Connection(probeErr.Error())
		if chal.Attempts >= e.retryLimit {
			// Attempt budget exhausted; the failure becomes terminal.
			chal.Status = model.StatusInvalid
			if err := tx.SaveChallenge(ctx, chal); err != nil {
				return err
			}
			lockedAuthz.Status = model.StatusInvalid
			if err := tx.SaveAuthorization(ctx, lockedAuthz); err != nil {
				return err
			}
		} else {
			// Record the failure but leave the challenge retryable, and
			// return the authorization to pending so the next initiation
			// passes the state gate.
			chal.Status = model.StatusPending
			if err := tx.SaveChallenge(ctx, chal); err != nil {
				return err
			}
			if lockedAuthz.Status == model.StatusProcessing {
				lockedAuthz.Status = model.StatusPending
				if err := tx.SaveAuthorization(ctx, lockedAuthz); err != nil {
					return err
				}
			}
		}
		logger.Info("Challenge validation failed",
			zap.String("challengeID", chal.ID),
			zap.String("type", chal.Type),
			zap.Int("attempts", chal.Attempts),
			zap.String("status", chal.Status),
			zap.Error(probeErr))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return chal, nil, nil
}

// expireIfPast applies lazy expiry: a non-terminal authorization whose
// window has passed becomes expired on observation. Returns true when the
// status changed.
func expireIfPast(authz *model.Authorization) bool {
	if authz.Status != model.StatusPending && authz.Status != model.StatusProcessing {
		return false
	}
	if authz.Expires.IsZero() || time.Now().Before(authz.Expires) {
		return false
	}
	authz.Status = model.StatusExpired
	return true
}
