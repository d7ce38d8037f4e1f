package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TierPrice stores the monthly subscription price for a tenant tier over an
// effective window. Proration resolves tier prices through these rows with
// the same half-open window semantics as ModelPrice.
type TierPrice struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Tier         string          `gorm:"type:text;not null;index"`     // Tenant tier name.
	MonthlyPrice decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Subscription price per cycle.

	EffectiveFrom  time.Time  `gorm:"not null;index"` // Window start (inclusive).
	EffectiveUntil *time.Time `gorm:"index"`          // Window end (exclusive), nil when open.

	IsActive bool `gorm:"not null;default:true"` // Whether the row is eligible for lookup.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
