package models

import "time"

// UsageLog is the immutable, append-only record of a single billed call.
// Created exactly once per debit inside the ledger transaction, never
// mutated or deleted.
//
// BalanceBefore/BalanceAfter capture the prepaid balance around the debit
// for flat-regime keys, and the remaining window budget for rate-regime keys.
type UsageLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	APIKeyID uint64 `gorm:"not null;index"` // Debited API key.
	ModelID  uint64 `gorm:"not null;index"` // Resolved model mapping.

	InputTokens  int64 `gorm:"not null;default:0"` // Measured input tokens.
	OutputTokens int64 `gorm:"not null;default:0"` // Measured output tokens.

	Cost float64 `gorm:"not null;default:0"` // Computed cost for the call.

	BalanceBefore float64 `gorm:"not null;default:0"` // Budget immediately before the debit.
	BalanceAfter  float64 `gorm:"not null;default:0"` // Budget immediately after the debit.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
