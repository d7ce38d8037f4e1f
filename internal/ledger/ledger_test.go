package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tokenbilling/creditledger/internal/billing"
	"github.com/tokenbilling/creditledger/internal/db"
	"github.com/tokenbilling/creditledger/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return conn
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, errParse := decimal.NewFromString(s)
	if errParse != nil {
		t.Fatalf("parse decimal %q: %v", s, errParse)
	}
	return d
}

func testParams(userID uint64, requestID string, credits int64) DeductParams {
	return DeductParams{
		UserID:     userID,
		RequestID:  requestID,
		Provider:   "openai",
		Model:      "gpt-4o",
		TenantTier: "pro",
		Usage: billing.TokenUsage{
			InputTokens:  500,
			OutputTokens: 1500,
		},
		Breakdown: billing.Breakdown{
			VendorCost:       decimal.RequireFromString("0.024"),
			MarginMultiplier: decimal.RequireFromString("2.0"),
			CreditValue:      decimal.RequireFromString("0.048"),
			CreditsDeducted:  credits,
		},
	}
}

func TestDeductCommitsAndUpdatesBalance(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn, nil)
	ctx := context.Background()

	if _, errGrant := l.Grant(ctx, 1, 10, models.GrantSourcePurchase, nil); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}

	result, errDeduct := l.Deduct(ctx, testParams(1, "req-1", 5))
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if result.Status != DeductCommitted {
		t.Fatalf("status: got %s, want committed", result.Status)
	}
	if result.NewBalance != 5 {
		t.Fatalf("new balance: got %d, want 5", result.NewBalance)
	}
	if !result.Record.VendorCost.Equal(dec(t, "0.024")) {
		t.Fatalf("record vendor cost: got %s", result.Record.VendorCost)
	}

	var balance models.CreditBalance
	if errFind := conn.Where("user_id = ?", 1).Take(&balance).Error; errFind != nil {
		t.Fatalf("load balance: %v", errFind)
	}
	if balance.Amount != 5 || balance.LastDeductionAmount != 5 {
		t.Fatalf("balance row: amount=%d last=%d", balance.Amount, balance.LastDeductionAmount)
	}
	if balance.LastDeductionAt == nil {
		t.Fatal("last_deduction_at not set")
	}
}

func TestDeductIsIdempotentPerRequestID(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn, nil)
	ctx := context.Background()

	if _, errGrant := l.Grant(ctx, 1, 10, models.GrantSourcePurchase, nil); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}

	first, errFirst := l.Deduct(ctx, testParams(1, "req-1", 5))
	if errFirst != nil {
		t.Fatalf("first deduct: %v", errFirst)
	}
	replay, errReplay := l.Deduct(ctx, testParams(1, "req-1", 5))
	if errReplay != nil {
		t.Fatalf("replay deduct: %v", errReplay)
	}

	if replay.Status != DeductDuplicate {
		t.Fatalf("replay status: got %s, want duplicate", replay.Status)
	}
	if replay.Record.ID != first.Record.ID {
		t.Fatalf("replay returned a different record: %d vs %d", replay.Record.ID, first.Record.ID)
	}

	amount, errBalance := l.Balance(ctx, 1)
	if errBalance != nil {
		t.Fatalf("balance: %v", errBalance)
	}
	if amount != 5 {
		t.Fatalf("balance deducted more than once: got %d, want 5", amount)
	}

	var count int64
	if errCount := conn.Model(&models.UsageRecord{}).Where("request_id = ?", "req-1").Count(&count).Error; errCount != nil {
		t.Fatalf("count records: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected exactly one record, got %d", count)
	}
}

func TestDeductInsufficientBalanceAppendsFailedRecord(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn, nil)
	ctx := context.Background()

	if _, errGrant := l.Grant(ctx, 1, 3, models.GrantSourcePurchase, nil); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}

	_, errDeduct := l.Deduct(ctx, testParams(1, "req-big", 5))
	var insufficient *InsufficientBalanceError
	if !errors.As(errDeduct, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", errDeduct)
	}
	if insufficient.Balance != 3 || insufficient.Required != 5 {
		t.Fatalf("error fields: %+v", insufficient)
	}

	// Balance untouched, failed record present for audit.
	amount, errBalance := l.Balance(ctx, 1)
	if errBalance != nil {
		t.Fatalf("balance: %v", errBalance)
	}
	if amount != 3 {
		t.Fatalf("balance mutated on failure: got %d, want 3", amount)
	}

	var record models.UsageRecord
	if errFind := conn.Where("request_id = ?", "req-big").Take(&record).Error; errFind != nil {
		t.Fatalf("load failed record: %v", errFind)
	}
	if record.Status != models.UsageStatusFailed {
		t.Fatalf("record status: got %s, want failed", record.Status)
	}
	if len(record.FailureDetail) == 0 {
		t.Fatal("failed record missing failure detail")
	}
}

func TestDeductForUnknownUserFailsClosed(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn, nil)

	_, errDeduct := l.Deduct(context.Background(), testParams(99, "req-x", 1))
	var insufficient *InsufficientBalanceError
	if !errors.As(errDeduct, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", errDeduct)
	}
	if insufficient.Balance != 0 {
		t.Fatalf("expected zero balance, got %d", insufficient.Balance)
	}
}

func TestDeductZeroCreditsCommitsWithoutCharge(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn, nil)
	ctx := context.Background()

	if _, errGrant := l.Grant(ctx, 1, 3, models.GrantSourcePurchase, nil); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}

	params := testParams(1, "req-zero", 0)
	params.Breakdown.VendorCost = decimal.Zero
	params.Breakdown.CreditValue = decimal.Zero

	result, errDeduct := l.Deduct(ctx, params)
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if result.Status != DeductCommitted || result.NewBalance != 3 {
		t.Fatalf("zero-credit deduct: %+v", result)
	}
}

func TestConcurrentDeductsNeverOverdraft(t *testing.T) {
	conn := openTestDB(t)
	// A single pooled connection keeps every goroutine on the same in-memory
	// database; contention then shows up as lock waits, not separate stores.
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)

	l := New(conn, nil)
	ctx := context.Background()

	const startingBalance = 5
	const attempts = 10

	if _, errGrant := l.Grant(ctx, 1, startingBalance, models.GrantSourcePurchase, nil); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	rejected := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			requestID := fmt.Sprintf("req-%d", i)
			for {
				_, errDeduct := l.Deduct(ctx, testParams(1, requestID, 1))
				if errors.Is(errDeduct, ErrConflict) {
					// Caller-side retry with the same request id observes
					// the idempotent result once the contention clears.
					continue
				}
				mu.Lock()
				if errDeduct == nil {
					committed++
				} else {
					var insufficient *InsufficientBalanceError
					if !errors.As(errDeduct, &insufficient) {
						t.Errorf("unexpected deduct error: %v", errDeduct)
					}
					rejected++
				}
				mu.Unlock()
				return
			}
		}(i)
	}
	wg.Wait()

	if committed != startingBalance {
		t.Fatalf("committed: got %d, want %d", committed, startingBalance)
	}
	if rejected != attempts-startingBalance {
		t.Fatalf("rejected: got %d, want %d", rejected, attempts-startingBalance)
	}

	var balance models.CreditBalance
	if errFind := conn.Where("user_id = ?", 1).Take(&balance).Error; errFind != nil {
		t.Fatalf("load balance: %v", errFind)
	}
	if balance.Amount != 0 {
		t.Fatalf("final balance: got %d, want 0", balance.Amount)
	}
	if balance.Amount < 0 {
		t.Fatal("balance went negative")
	}

	var committedRows int64
	if errCount := conn.Model(&models.UsageRecord{}).Where("status = ?", models.UsageStatusCommitted).Count(&committedRows).Error; errCount != nil {
		t.Fatalf("count committed: %v", errCount)
	}
	if committedRows != int64(startingBalance) {
		t.Fatalf("committed records: got %d, want %d", committedRows, startingBalance)
	}
}

func TestGrantCreatesBalanceOnFirstAllocation(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn, nil)
	ctx := context.Background()

	newBalance, errGrant := l.Grant(ctx, 7, 100, models.GrantSourceAllocation, nil)
	if errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}
	if newBalance != 100 {
		t.Fatalf("new balance: got %d, want 100", newBalance)
	}

	var grants int64
	if errCount := conn.Model(&models.CreditGrant{}).Where("user_id = ?", 7).Count(&grants).Error; errCount != nil {
		t.Fatalf("count grants: %v", errCount)
	}
	if grants != 1 {
		t.Fatalf("grant rows: got %d, want 1", grants)
	}

	if _, errBad := l.Grant(ctx, 7, 0, models.GrantSourcePurchase, nil); errBad == nil {
		t.Fatal("expected error for non-positive grant")
	}
}

func TestZeroBalanceSoftZeroes(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn, nil)
	ctx := context.Background()

	if _, errGrant := l.Grant(ctx, 1, 50, models.GrantSourcePurchase, nil); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}
	if errZero := l.ZeroBalance(ctx, 1); errZero != nil {
		t.Fatalf("zero balance: %v", errZero)
	}

	amount, errBalance := l.Balance(ctx, 1)
	if errBalance != nil {
		t.Fatalf("balance: %v", errBalance)
	}
	if amount != 0 {
		t.Fatalf("balance after close: got %d, want 0", amount)
	}

	var count int64
	if errCount := conn.Model(&models.CreditBalance{}).Where("user_id = ?", 1).Count(&count).Error; errCount != nil {
		t.Fatalf("count balances: %v", errCount)
	}
	if count != 1 {
		t.Fatal("balance row must survive account closure")
	}
}
