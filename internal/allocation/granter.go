// Package allocation runs the background loop that grants monthly credit
// allocations at the start of each billing cycle.
package allocation

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tokenbilling/creditledger/internal/ledger"
	"github.com/tokenbilling/creditledger/internal/models"
	internalsettings "github.com/tokenbilling/creditledger/internal/settings"
	"gorm.io/gorm"
)

const scanBatchSize = 500

// Granter periodically scans for balances whose monthly allocation has not
// yet been applied in the current cycle and applies it through the ledger.
//
// Cycles are UTC calendar months. The per-user idempotency check lives in the
// ledger, so overlapping granters (or a restart mid-scan) never double-grant.
type Granter struct {
	db     *gorm.DB
	ledger *ledger.Ledger
}

// NewGranter constructs an allocation granter.
func NewGranter(db *gorm.DB, l *ledger.Ledger) *Granter {
	if db == nil || l == nil {
		return nil
	}
	return &Granter{db: db, ledger: l}
}

// Start launches the allocation loop in a background goroutine.
func (g *Granter) Start(ctx context.Context) {
	if g == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go g.run(ctx)
	log.Info("allocation granter started")
}

func (g *Granter) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		g.RunOnce(ctx)

		intervalSeconds := internalsettings.IntValue(internalsettings.AllocationIntervalSecondsKey, internalsettings.DefaultAllocationIntervalSeconds)
		if intervalSeconds < 60 {
			intervalSeconds = 60
		}
		timer := time.NewTimer(time.Duration(intervalSeconds) * time.Second)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// RunOnce performs one full scan and applies every due allocation. It returns
// the number of balances granted this pass.
func (g *Granter) RunOnce(ctx context.Context) int {
	if g == nil || g.db == nil {
		return 0
	}

	cycleStart := CurrentCycleStart(time.Now())
	granted := 0
	lastID := uint64(0)

	for {
		if ctx.Err() != nil {
			return granted
		}

		var due []models.CreditBalance
		errFind := g.db.WithContext(ctx).
			Select("id", "user_id").
			Where("id > ? AND monthly_allocation > 0", lastID).
			Where("last_allocated_at IS NULL OR last_allocated_at < ?", cycleStart).
			Order("id ASC").
			Limit(scanBatchSize).
			Find(&due).Error
		if errFind != nil {
			log.WithError(errFind).Warn("allocation granter: scan failed")
			return granted
		}
		if len(due) == 0 {
			break
		}

		for _, balance := range due {
			lastID = balance.ID
			applied, errApply := g.ledger.ApplyAllocation(ctx, balance.UserID, cycleStart)
			if errApply != nil {
				log.WithError(errApply).Warnf("allocation granter: user=%d grant failed", balance.UserID)
				continue
			}
			if applied {
				granted++
			}
		}
	}

	if granted > 0 {
		log.Infof("allocation granter: granted %d balances (cycle_start=%s)", granted, cycleStart.Format(time.RFC3339))
	}
	return granted
}

// CurrentCycleStart returns the UTC start of the calendar month containing t.
func CurrentCycleStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
