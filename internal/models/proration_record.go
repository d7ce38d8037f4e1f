package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProrationStatus tracks settlement of a mid-cycle tier change.
type ProrationStatus string

// Proration record states.
const (
	// ProrationPending marks a computed adjustment awaiting payment.
	ProrationPending ProrationStatus = "pending"
	// ProrationApplied marks a settled adjustment.
	ProrationApplied ProrationStatus = "applied"
	// ProrationFailed marks an adjustment whose payment failed.
	ProrationFailed ProrationStatus = "failed"
	// ProrationReversed marks an adjustment undone after settlement.
	ProrationReversed ProrationStatus = "reversed"
)

// ProrationRecord stores the cost adjustment for one accepted mid-cycle tier
// change. The calculator writes it in pending state; the payment collaborator
// owns later status transitions.
type ProrationRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID   uint64 `gorm:"not null;index"`     // Subscriber changing tiers.
	FromTier string `gorm:"type:text;not null"` // Tier before the change.
	ToTier   string `gorm:"type:text;not null"` // Tier after the change.

	DaysRemaining int `gorm:"not null"` // Days left in the cycle at the change date.
	DaysInCycle   int `gorm:"not null"` // Total days in the billing cycle.

	UnusedCreditValue   decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Unused value of the old tier.
	NewTierProratedCost decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Prorated cost of the new tier.
	NetCharge           decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Signed charge; negative = refund.

	Status        ProrationStatus `gorm:"type:text;not null;default:'pending';index"` // Settlement state.
	EffectiveDate time.Time       `gorm:"not null"`                                   // Date the change takes effect.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
