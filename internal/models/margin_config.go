package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarginScope identifies how broadly a margin config applies.
type MarginScope string

// Margin scopes, from least to most specific.
const (
	// MarginScopeGlobal applies to every tenant tier and provider.
	MarginScopeGlobal MarginScope = "global"
	// MarginScopeTier applies to one tenant tier across all providers.
	MarginScopeTier MarginScope = "tier"
	// MarginScopeProviderTier applies to one (provider, tenant tier) pair.
	MarginScopeProviderTier MarginScope = "provider_tier"
)

// ApprovalStatus tracks the review state of a margin config.
type ApprovalStatus string

// Approval states for margin configs.
const (
	// ApprovalPending marks a config awaiting review.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved marks a config eligible for resolution.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected marks a config that must never be applied.
	ApprovalRejected ApprovalStatus = "rejected"
)

// MarginConfig stores a margin multiplier applicable to a scope over an
// effective window. Only approved, active rows participate in resolution.
type MarginConfig struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Scope      MarginScope `gorm:"type:text;not null;index"` // Applicability scope.
	TenantTier *string     `gorm:"type:text;index"`          // Tenant tier, for tier scopes.
	Provider   *string     `gorm:"type:text;index"`          // Provider name, for provider_tier scope.

	MarginMultiplier decimal.Decimal `gorm:"type:decimal(20,10);not null"` // Multiplier applied to vendor cost (> 0).

	EffectiveFrom  time.Time  `gorm:"not null;index"` // Window start (inclusive).
	EffectiveUntil *time.Time `gorm:"index"`          // Window end (exclusive), nil when open.

	ApprovalStatus ApprovalStatus `gorm:"type:text;not null;default:'pending';index"` // Review state.
	IsActive       bool           `gorm:"not null;default:true"`                      // Whether the row is eligible.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
