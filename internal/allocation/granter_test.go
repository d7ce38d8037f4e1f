package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/tokenbilling/creditledger/internal/db"
	"github.com/tokenbilling/creditledger/internal/ledger"
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

func seedBalance(t *testing.T, conn *gorm.DB, userID uint64, amount, monthly, cap int64, lastAllocatedAt *time.Time) {
	t.Helper()
	row := models.CreditBalance{
		UserID:            userID,
		Amount:            amount,
		MonthlyAllocation: monthly,
		RolloverCap:       cap,
		LastAllocatedAt:   lastAllocatedAt,
	}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed balance: %v", errCreate)
	}
}

func loadBalance(t *testing.T, conn *gorm.DB, userID uint64) models.CreditBalance {
	t.Helper()
	var row models.CreditBalance
	if errFind := conn.Where("user_id = ?", userID).Take(&row).Error; errFind != nil {
		t.Fatalf("load balance: %v", errFind)
	}
	return row
}

func TestRunOnceGrantsDueBalances(t *testing.T) {
	conn := openTestDB(t)
	l := ledger.New(conn, nil)
	g := NewGranter(conn, l)

	lastCycle := CurrentCycleStart(time.Now()).AddDate(0, -1, 0)
	seedBalance(t, conn, 1, 30, 100, 0, &lastCycle) // due, no cap
	seedBalance(t, conn, 2, 500, 100, 200, nil)     // due, capped rollover
	seedBalance(t, conn, 3, 50, 0, 0, nil)          // no allocation configured

	granted := g.RunOnce(context.Background())
	if granted != 2 {
		t.Fatalf("granted: got %d, want 2", granted)
	}

	if b := loadBalance(t, conn, 1); b.Amount != 130 {
		t.Fatalf("user 1 amount: got %d, want 130", b.Amount)
	}
	if b := loadBalance(t, conn, 2); b.Amount != 300 {
		t.Fatalf("user 2 amount: got %d, want 300 (200 carried + 100 granted)", b.Amount)
	}
	if b := loadBalance(t, conn, 3); b.Amount != 50 {
		t.Fatalf("user 3 amount: got %d, want untouched 50", b.Amount)
	}

	var grants int64
	if errCount := conn.Model(&models.CreditGrant{}).
		Where("source = ?", models.GrantSourceAllocation).
		Count(&grants).Error; errCount != nil {
		t.Fatalf("count grants: %v", errCount)
	}
	if grants != 2 {
		t.Fatalf("allocation grants: got %d, want 2", grants)
	}
}

func TestRunOnceIsIdempotentPerCycle(t *testing.T) {
	conn := openTestDB(t)
	l := ledger.New(conn, nil)
	g := NewGranter(conn, l)

	seedBalance(t, conn, 1, 0, 100, 0, nil)

	if granted := g.RunOnce(context.Background()); granted != 1 {
		t.Fatalf("first pass granted: got %d, want 1", granted)
	}
	if granted := g.RunOnce(context.Background()); granted != 0 {
		t.Fatalf("second pass granted: got %d, want 0", granted)
	}

	if b := loadBalance(t, conn, 1); b.Amount != 100 {
		t.Fatalf("amount after double pass: got %d, want 100", b.Amount)
	}
}

func TestCurrentCycleStart(t *testing.T) {
	at := time.Date(2026, 3, 17, 15, 4, 5, 0, time.FixedZone("CET", 3600))
	got := CurrentCycleStart(at)
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("cycle start: got %s, want %s", got, want)
	}
}
