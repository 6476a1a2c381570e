package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tokengate-io/tokengate/internal/models"
)

func setupLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(&models.APIKey{}, &models.UsageLog{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestDebitFlatRegime(t *testing.T) {
	conn := setupLedgerDB(t)
	key := models.APIKey{Name: "flat", Key: "sk-flat", Enabled: true, Balance: 10}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}

	ledger := NewLedger(conn)
	row, errDebit := ledger.Debit(context.Background(), Entry{
		APIKeyID:     key.ID,
		ModelID:      1,
		InputTokens:  1000,
		OutputTokens: 500,
		Cost:         2.5,
	})
	if errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}

	if row.BalanceBefore != 10 || row.BalanceAfter != 7.5 {
		t.Fatalf("expected before/after 10/7.5, got %v/%v", row.BalanceBefore, row.BalanceAfter)
	}

	var stored models.APIKey
	if errFind := conn.First(&stored, key.ID).Error; errFind != nil {
		t.Fatalf("reload key: %v", errFind)
	}
	if stored.Balance != 7.5 {
		t.Fatalf("expected balance 7.5, got %v", stored.Balance)
	}
	if stored.TotalSpent != 2.5 {
		t.Fatalf("expected total spent 2.5, got %v", stored.TotalSpent)
	}
	if stored.TotalTokens != 1500 {
		t.Fatalf("expected total tokens 1500, got %d", stored.TotalTokens)
	}

	var logCount int64
	if errCount := conn.Model(&models.UsageLog{}).Count(&logCount).Error; errCount != nil {
		t.Fatalf("count logs: %v", errCount)
	}
	if logCount != 1 {
		t.Fatalf("expected 1 usage log, got %d", logCount)
	}
}

func TestDebitFlatRegimeAllowsOverdraft(t *testing.T) {
	conn := setupLedgerDB(t)
	key := models.APIKey{Name: "low", Key: "sk-low", Enabled: true, Balance: 0.001}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}

	ledger := NewLedger(conn)
	row, errDebit := ledger.Debit(context.Background(), Entry{APIKeyID: key.ID, ModelID: 1, InputTokens: 10, OutputTokens: 10, Cost: 0.01})
	if errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}
	if row.BalanceAfter >= 0 {
		t.Fatalf("expected negative balance after overdraft, got %v", row.BalanceAfter)
	}
}

func TestDebitRateRegimeWithinWindow(t *testing.T) {
	conn := setupLedgerDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	amount := 5.0
	interval := 5
	windowStart := now.Add(-time.Hour)
	key := models.APIKey{
		Name:                   "rate",
		Key:                    "sk-rate",
		Enabled:                true,
		RateLimitAmount:        &amount,
		RateLimitIntervalHours: &interval,
		RateLimitWindowStart:   &windowStart,
		RateLimitWindowSpent:   1.5,
	}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}

	ledger := NewLedger(conn)
	ledger.now = func() time.Time { return now }

	row, errDebit := ledger.Debit(context.Background(), Entry{APIKeyID: key.ID, ModelID: 2, InputTokens: 100, OutputTokens: 50, Cost: 1})
	if errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}

	// Remaining window budget: 5-1.5=3.5 before, 5-2.5=2.5 after.
	if row.BalanceBefore != 3.5 || row.BalanceAfter != 2.5 {
		t.Fatalf("expected before/after 3.5/2.5, got %v/%v", row.BalanceBefore, row.BalanceAfter)
	}

	var stored models.APIKey
	if errFind := conn.First(&stored, key.ID).Error; errFind != nil {
		t.Fatalf("reload key: %v", errFind)
	}
	if stored.RateLimitWindowSpent != 2.5 {
		t.Fatalf("expected window spent 2.5, got %v", stored.RateLimitWindowSpent)
	}
	if stored.RateLimitWindowStart == nil || !stored.RateLimitWindowStart.Equal(windowStart) {
		t.Fatalf("window start should not move inside a live window")
	}
}

func TestDebitRateRegimeResetsElapsedWindow(t *testing.T) {
	conn := setupLedgerDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	amount := 5.0
	interval := 5
	windowStart := now.Add(-6 * time.Hour)
	key := models.APIKey{
		Name:                   "stale-window",
		Key:                    "sk-stale",
		Enabled:                true,
		RateLimitAmount:        &amount,
		RateLimitIntervalHours: &interval,
		RateLimitWindowStart:   &windowStart,
		RateLimitWindowSpent:   4.9,
	}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}

	ledger := NewLedger(conn)
	ledger.now = func() time.Time { return now }

	row, errDebit := ledger.Debit(context.Background(), Entry{APIKeyID: key.ID, ModelID: 2, InputTokens: 100, OutputTokens: 0, Cost: 0.5})
	if errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}

	// The elapsed window resets: prior spend is dropped, start moves to now.
	if row.BalanceBefore != 5 || row.BalanceAfter != 4.5 {
		t.Fatalf("expected before/after 5/4.5, got %v/%v", row.BalanceBefore, row.BalanceAfter)
	}

	var stored models.APIKey
	if errFind := conn.First(&stored, key.ID).Error; errFind != nil {
		t.Fatalf("reload key: %v", errFind)
	}
	if stored.RateLimitWindowSpent != 0.5 {
		t.Fatalf("expected window spent 0.5, got %v", stored.RateLimitWindowSpent)
	}
	if stored.RateLimitWindowStart == nil || !stored.RateLimitWindowStart.Equal(now) {
		t.Fatalf("expected window start %v, got %v", now, stored.RateLimitWindowStart)
	}
	if stored.Balance != 0 {
		t.Fatalf("rate debit must not touch the flat balance, got %v", stored.Balance)
	}
}

func TestDebitUnknownKey(t *testing.T) {
	conn := setupLedgerDB(t)
	ledger := NewLedger(conn)
	if _, errDebit := ledger.Debit(context.Background(), Entry{APIKeyID: 9999, ModelID: 1, Cost: 1}); !errors.Is(errDebit, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", errDebit)
	}
}
