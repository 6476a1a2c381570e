package models

import (
	"math"
	"time"
)

// Budget regime names for an API key.
const (
	// RegimeFlat is the prepaid-balance budget regime.
	RegimeFlat = "flat"
	// RegimeRate is the rolling rate-limited window regime.
	RegimeRate = "rate"
)

// APIKey represents a client credential with its budget state.
//
// Exactly one budget regime is authoritative at a time, determined
// structurally: when both RateLimitAmount and RateLimitIntervalHours are set
// the key is rate-limited, otherwise it spends the flat prepaid Balance.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name string `gorm:"type:text;not null"`             // Display name for the key.
	Key  string `gorm:"type:text;not null;uniqueIndex"` // Full API key secret.

	Enabled bool `gorm:"not null;default:true"` // Whether the key may be used.

	Balance float64 `gorm:"not null;default:0"` // Prepaid balance (flat regime).

	RateLimitAmount        *float64   // Budget per window (rate regime).
	RateLimitIntervalHours *int       // Window length in hours (rate regime).
	RateLimitWindowStart   *time.Time // Start of the current window, nil before first debit.
	RateLimitWindowSpent   float64    `gorm:"not null;default:0"` // Amount spent in the current window.

	Expiry *time.Time // Optional absolute expiration timestamp.

	TotalSpent  float64 `gorm:"not null;default:0"` // Lifetime cost, ledger-updated only.
	TotalTokens int64   `gorm:"not null;default:0"` // Lifetime token count, ledger-updated only.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Regime returns the authoritative budget regime for the key.
func (k *APIKey) Regime() string {
	if k.RateLimitAmount != nil && k.RateLimitIntervalHours != nil {
		return RegimeRate
	}
	return RegimeFlat
}

// Expired reports whether the key expiry has passed at the given instant.
func (k *APIKey) Expired(now time.Time) bool {
	return k.Expiry != nil && !k.Expiry.After(now)
}

// DaysRemaining returns ceil((expiry-now)/24h), or nil when no expiry is set.
func (k *APIKey) DaysRemaining(now time.Time) *int {
	if k.Expiry == nil {
		return nil
	}
	days := int(math.Ceil(k.Expiry.Sub(now).Seconds() / 86400))
	return &days
}

// WindowExpired reports whether the rate window has elapsed at the given
// instant. A nil window start counts as expired so the first debit opens a
// fresh window.
func (k *APIKey) WindowExpired(now time.Time) bool {
	if k.Regime() != RegimeRate {
		return false
	}
	if k.RateLimitWindowStart == nil {
		return true
	}
	interval := time.Duration(*k.RateLimitIntervalHours) * time.Hour
	return now.Sub(*k.RateLimitWindowStart) >= interval
}

// WindowResetAt returns the instant the current rate window rolls over, or
// nil when the key is not rate-limited or no window has been opened yet.
func (k *APIKey) WindowResetAt() *time.Time {
	if k.Regime() != RegimeRate || k.RateLimitWindowStart == nil {
		return nil
	}
	reset := k.RateLimitWindowStart.Add(time.Duration(*k.RateLimitIntervalHours) * time.Hour)
	return &reset
}
