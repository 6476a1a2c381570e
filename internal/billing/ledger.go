// Package billing computes call costs and performs the single atomic state
// transition of a completed call: debit the credential's budget and append
// the immutable usage record, in one store transaction.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokengate-io/tokengate/internal/db"
	"github.com/tokengate-io/tokengate/internal/models"
)

// ErrKeyNotFound indicates the debited credential no longer exists.
var ErrKeyNotFound = errors.New("billing: api key not found")

// Entry describes one completed call to be billed.
type Entry struct {
	APIKeyID     uint64
	ModelID      uint64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Ledger owns budget debits and the append-only usage log.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedger constructs a Ledger.
func NewLedger(conn *gorm.DB) *Ledger {
	return &Ledger{db: conn, now: time.Now}
}

// Debit atomically charges the credential and appends the usage record. The
// credential row is re-read inside the transaction — not trusted from the
// guard's earlier snapshot — and locked for the duration, so concurrent
// debits on the same key serialize here.
//
// For rate-regime keys an elapsed window is reset now: the window start
// moves to the debit time and the pre-debit spend is treated as zero. The
// usage record's before/after fields hold remaining window budget in that
// regime, and raw balance in the flat regime.
func (l *Ledger) Debit(ctx context.Context, entry Entry) (*models.UsageLog, error) {
	row := &models.UsageLog{
		APIKeyID:     entry.APIKeyID,
		ModelID:      entry.ModelID,
		InputTokens:  entry.InputTokens,
		OutputTokens: entry.OutputTokens,
		Cost:         entry.Cost,
	}

	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("id = ?", entry.APIKeyID)
		// SQLite serializes writers on its own and rejects FOR UPDATE.
		if !db.IsSQLite(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		key := &models.APIKey{}
		if errFind := query.First(key).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrKeyNotFound
			}
			return errFind
		}

		totalTokens := entry.InputTokens + entry.OutputTokens
		updates := map[string]any{
			"total_spent":  gorm.Expr("total_spent + ?", entry.Cost),
			"total_tokens": gorm.Expr("total_tokens + ?", totalTokens),
		}

		if key.Regime() == models.RegimeRate {
			now := l.now().UTC()
			spentBefore := key.RateLimitWindowSpent
			if key.WindowExpired(now) {
				spentBefore = 0
				updates["rate_limit_window_start"] = now
			}
			spentAfter := spentBefore + entry.Cost
			updates["rate_limit_window_spent"] = spentAfter

			row.BalanceBefore = *key.RateLimitAmount - spentBefore
			row.BalanceAfter = *key.RateLimitAmount - spentAfter
		} else {
			row.BalanceBefore = key.Balance
			row.BalanceAfter = key.Balance - entry.Cost
			updates["balance"] = row.BalanceAfter
		}

		if errUpdate := tx.Model(&models.APIKey{}).
			Where("id = ?", key.ID).
			Updates(updates).Error; errUpdate != nil {
			return fmt.Errorf("billing: update key: %w", errUpdate)
		}

		if errCreate := tx.Create(row).Error; errCreate != nil {
			return fmt.Errorf("billing: append usage log: %w", errCreate)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}

	log.WithFields(log.Fields{
		"api_key_id":    entry.APIKeyID,
		"model_id":      entry.ModelID,
		"cost":          entry.Cost,
		"balance_after": row.BalanceAfter,
	}).Info("billing recorded")
	return row, nil
}
