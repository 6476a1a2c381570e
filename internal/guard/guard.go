// Package guard authenticates caller credentials and decides whether a call
// may proceed under the key's budget regime. Credentials are always read
// fresh from the store — budget state is never cached, so a stale balance
// can never approve a call.
package guard

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tokengate-io/tokengate/internal/models"
)

// Authentication errors, mapped to HTTP statuses at the handler boundary.
var (
	// ErrInvalidKey indicates a missing or unknown credential.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrDisabledKey indicates a known but disabled credential.
	ErrDisabledKey = errors.New("api key disabled")
	// ErrExpiredKey indicates the credential expiry has passed.
	ErrExpiredKey = errors.New("api key expired")
)

// Decision is the budget verdict for one call. The check is read-only and
// optimistic: concurrent calls on the same key can all pass before any of
// their debits land, so a transient overdraft of at most N-in-flight calls'
// worth is possible.
type Decision struct {
	Allowed       bool       // Whether the call may proceed.
	Regime        string     // models.RegimeFlat or models.RegimeRate.
	Remaining     float64    // Budget available at check time.
	WindowResetAt *time.Time // When the exhausted rate window rolls over, if applicable.
}

// Guard validates credentials against the durable store.
type Guard struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a Guard.
func New(db *gorm.DB) *Guard {
	return &Guard{db: db, now: time.Now}
}

// Authenticate resolves the bearer secret to a credential snapshot. Returns
// ErrInvalidKey, ErrDisabledKey, or ErrExpiredKey when the call must be
// rejected before any budget consideration.
func (g *Guard) Authenticate(ctx context.Context, secret string) (*models.APIKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrInvalidKey
	}

	key := &models.APIKey{}
	errFind := g.db.WithContext(ctx).Where("key = ?", secret).First(key).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, errFind
	}

	if !key.Enabled {
		return nil, ErrDisabledKey
	}
	if key.Expired(g.now()) {
		return nil, ErrExpiredKey
	}
	return key, nil
}

// CheckBudget computes the budget decision for an authenticated credential.
// The check has no side effect: an elapsed rate window is treated as freshly
// reset for the decision, but the stored window is only reset by the
// ledger's debit so a read-only request cannot starve a legitimate reset.
func (g *Guard) CheckBudget(key *models.APIKey) Decision {
	now := g.now()

	if key.Regime() == models.RegimeRate {
		if key.WindowExpired(now) {
			return Decision{
				Allowed:   true,
				Regime:    models.RegimeRate,
				Remaining: *key.RateLimitAmount,
			}
		}
		remaining := *key.RateLimitAmount - key.RateLimitWindowSpent
		return Decision{
			Allowed:       remaining > 0,
			Regime:        models.RegimeRate,
			Remaining:     remaining,
			WindowResetAt: key.WindowResetAt(),
		}
	}

	return Decision{
		Allowed:   key.Balance > 0,
		Regime:    models.RegimeFlat,
		Remaining: key.Balance,
	}
}
