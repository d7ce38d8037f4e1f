package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageRecordStatus tracks the ledger outcome of a billed request.
type UsageRecordStatus string

// Usage record states.
const (
	// UsageStatusPending marks a record created but not yet settled.
	UsageStatusPending UsageRecordStatus = "pending"
	// UsageStatusCommitted marks a record whose deduction succeeded.
	UsageStatusCommitted UsageRecordStatus = "committed"
	// UsageStatusFailed marks a rejected deduction kept for audit.
	UsageStatusFailed UsageRecordStatus = "failed"
)

// UsageRecord is the immutable ledger entry for one billed inference call.
//
// RequestID is the caller-supplied idempotency key; the unique index is the
// storage-level second line of defense behind the ledger's in-transaction
// replay check. Committed rows are never mutated.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:text;not null;uniqueIndex"` // Idempotency key, unique per logical call.
	UserID    uint64 `gorm:"not null;index"`                 // Billed user.

	Provider   string `gorm:"type:text;not null;index"` // Provider name.
	Model      string `gorm:"type:text;not null;index"` // Model name.
	TenantTier string `gorm:"type:text;index"`          // Tenant tier at billing time.

	InputTokens      int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens     int64 `gorm:"not null;default:0"` // Output token count.
	CacheWriteTokens int64 `gorm:"not null;default:0"` // Cache write token count.
	CacheReadTokens  int64 `gorm:"not null;default:0"` // Cache read token count.

	VendorCost       decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Vendor cost before margin.
	MarginMultiplier decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Margin multiplier applied.
	CreditValue      decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Credit value in currency units.
	CreditsDeducted  int64           `gorm:"not null;default:0"`                     // Integer credits charged.
	HighContext      bool            `gorm:"not null;default:false"`                 // Whether high-context pricing applied.

	Status        UsageRecordStatus `gorm:"type:text;not null;index"` // Ledger outcome.
	FailureDetail datatypes.JSON    `gorm:"type:jsonb"`               // Structured failure reason for failed rows.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
