package models

import (
	"time"

	"gorm.io/datatypes"
)

// Grant sources recognized by the ledger.
const (
	// GrantSourceAllocation marks the periodic monthly allocation.
	GrantSourceAllocation = "allocation"
	// GrantSourcePurchase marks a paid credit top-up.
	GrantSourcePurchase = "purchase"
	// GrantSourceRefund marks credits returned after a reversal.
	GrantSourceRefund = "refund"
)

// CreditGrant records one credit addition to a user's balance.
type CreditGrant struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID  uint64 `gorm:"not null;index"`     // Receiving user.
	Credits int64  `gorm:"not null"`           // Credits added.
	Source  string `gorm:"type:text;not null"` // Grant origin marker.

	ExpiresAt *time.Time     // Expiry for time-limited grants, if any.
	Metadata  datatypes.JSON `gorm:"type:jsonb"` // Optional structured context.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
