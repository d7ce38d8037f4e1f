package proration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tokenbilling/creditledger/internal/models"
	"gorm.io/gorm"
)

// TierPriceNotFoundError reports that no active tier price covers a date.
type TierPriceNotFoundError struct {
	Tier string
	At   time.Time
}

func (e *TierPriceNotFoundError) Error() string {
	return fmt.Sprintf("proration: no price for tier=%s at=%s", e.Tier, e.At.Format(time.RFC3339))
}

// Calculator computes mid-cycle tier change adjustments. It is a pure
// function of tier prices and dates: it performs no payment side effects and
// never touches the credit ledger.
type Calculator struct {
	db *gorm.DB // Database handle for tier price lookups.
}

// NewCalculator constructs a proration calculator.
func NewCalculator(db *gorm.DB) *Calculator {
	return &Calculator{db: db}
}

// ComputeProration builds the pending adjustment record for one accepted
// tier change. The payment collaborator owns later status transitions.
//
// Day counts are calendar-day differences in UTC: daysInCycle is
// cycleEnd-cycleStart, daysRemaining is cycleEnd-changeDate. A positive net
// charge means the subscriber owes money; negative means a refund.
func (c *Calculator) ComputeProration(ctx context.Context, userID uint64, fromTier, toTier string, changeDate, cycleStart, cycleEnd time.Time) (models.ProrationRecord, error) {
	if c == nil || c.db == nil {
		return models.ProrationRecord{}, errors.New("proration: nil calculator")
	}
	fromTier = strings.TrimSpace(fromTier)
	toTier = strings.TrimSpace(toTier)

	daysInCycle := daysBetween(cycleStart, cycleEnd)
	if daysInCycle <= 0 {
		return models.ProrationRecord{}, fmt.Errorf("proration: cycle end %s not after start %s", cycleEnd.Format(time.RFC3339), cycleStart.Format(time.RFC3339))
	}
	daysRemaining := daysBetween(changeDate, cycleEnd)
	if daysRemaining < 0 {
		return models.ProrationRecord{}, fmt.Errorf("proration: change date %s past cycle end", changeDate.Format(time.RFC3339))
	}
	if daysRemaining > daysInCycle {
		return models.ProrationRecord{}, fmt.Errorf("proration: change date %s before cycle start", changeDate.Format(time.RFC3339))
	}

	fromPrice, errFrom := c.tierPrice(ctx, fromTier, changeDate)
	if errFrom != nil {
		return models.ProrationRecord{}, errFrom
	}
	toPrice, errTo := c.tierPrice(ctx, toTier, changeDate)
	if errTo != nil {
		return models.ProrationRecord{}, errTo
	}

	remainingRatio := decimal.NewFromInt(int64(daysRemaining)).Div(decimal.NewFromInt(int64(daysInCycle)))
	unusedCreditValue := remainingRatio.Mul(fromPrice)
	newTierProratedCost := remainingRatio.Mul(toPrice)

	return models.ProrationRecord{
		UserID:              userID,
		FromTier:            fromTier,
		ToTier:              toTier,
		DaysRemaining:       daysRemaining,
		DaysInCycle:         daysInCycle,
		UnusedCreditValue:   unusedCreditValue,
		NewTierProratedCost: newTierProratedCost,
		NetCharge:           newTierProratedCost.Sub(unusedCreditValue),
		Status:              models.ProrationPending,
		EffectiveDate:       changeDate.UTC(),
	}, nil
}

// tierPrice resolves a tier's monthly price at a point in time using the
// same half-open window semantics as model prices.
func (c *Calculator) tierPrice(ctx context.Context, tier string, at time.Time) (decimal.Decimal, error) {
	at = at.UTC()
	var row models.TierPrice
	errFind := c.db.WithContext(ctx).
		Where("tier = ? AND is_active = ?", tier, true).
		Where("effective_from <= ? AND (effective_until IS NULL OR effective_until > ?)", at, at).
		Order("effective_from DESC").
		First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return decimal.Zero, &TierPriceNotFoundError{Tier: tier, At: at}
		}
		return decimal.Zero, fmt.Errorf("proration: tier price: %w", errFind)
	}
	return row.MonthlyPrice, nil
}

// daysBetween returns the calendar-day difference between two instants,
// normalized to UTC midnight.
func daysBetween(from, to time.Time) int {
	fromDay := midnightUTC(from)
	toDay := midnightUTC(to)
	return int(toDay.Sub(fromDay).Hours() / 24)
}

func midnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
