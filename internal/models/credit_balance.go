package models

import "time"

// CreditBalance holds one user's current spendable credits.
//
// Mutated only inside ledger transactions; created on first grant and never
// deleted. Account closure zeroes the amount instead of removing the row.
type CreditBalance struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex"`      // Owning user.
	Amount int64  `gorm:"not null;default:0"`        // Current spendable credits (>= 0).

	MonthlyAllocation int64 `gorm:"not null;default:0"` // Credits granted each cycle.
	RolloverCap       int64 `gorm:"not null;default:0"` // Max credits carried into a new cycle.

	LastDeductionAt     *time.Time // Time of the last successful deduction.
	LastDeductionAmount int64      `gorm:"not null;default:0"` // Credits taken by the last deduction.
	LastAllocatedAt     *time.Time // Time of the last monthly allocation grant.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
