package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ModelPrice stores vendor pricing for a provider/model over an effective window.
//
// Prices are expressed as currency per 1,000 tokens. Windows are half-open:
// a row applies to timestamps t with EffectiveFrom <= t < EffectiveUntil,
// and a nil EffectiveUntil means the row is still open-ended. Rows are never
// edited in place; price changes append a new row and close the old window.
type ModelPrice struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider string `gorm:"type:text;not null;index:idx_model_prices_lookup,priority:1"` // Provider name.
	Model    string `gorm:"type:text;not null;index:idx_model_prices_lookup,priority:2"` // Model name.

	EffectiveFrom  time.Time  `gorm:"not null;index"` // Window start (inclusive).
	EffectiveUntil *time.Time `gorm:"index"`          // Window end (exclusive), nil when open.

	InputPer1K      decimal.Decimal `gorm:"type:decimal(20,10);not null"`           // Input token price per 1K.
	OutputPer1K     decimal.Decimal `gorm:"type:decimal(20,10);not null"`           // Output token price per 1K.
	CacheWritePer1K decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Cache write token price per 1K.
	CacheReadPer1K  decimal.Decimal `gorm:"type:decimal(20,10);not null;default:0"` // Cache read token price per 1K.

	// ContextThresholdTokens switches the whole request to the high-context
	// price set once total context tokens exceed it. Nil disables tiering.
	ContextThresholdTokens *int64

	InputHighContextPer1K      *decimal.Decimal `gorm:"type:decimal(20,10)"` // High-context input price per 1K.
	OutputHighContextPer1K     *decimal.Decimal `gorm:"type:decimal(20,10)"` // High-context output price per 1K.
	CacheWriteHighContextPer1K *decimal.Decimal `gorm:"type:decimal(20,10)"` // High-context cache write price per 1K.
	CacheReadHighContextPer1K  *decimal.Decimal `gorm:"type:decimal(20,10)"` // High-context cache read price per 1K.

	IsActive bool `gorm:"not null;default:true"` // Whether the row is eligible for lookup.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
