package pricing

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

// MarginNotFoundError reports that no approved margin covers a request.
// Billing fails closed: without an explicit margin no charge is computed.
type MarginNotFoundError struct {
	TenantTier string
	Provider   string
	At         time.Time
}

func (e *MarginNotFoundError) Error() string {
	return fmt.Sprintf("pricing: no margin for tier=%s provider=%s at=%s", e.TenantTier, e.Provider, e.At.Format(time.RFC3339))
}

// Resolver resolves margin multipliers from layered margin configs.
type Resolver struct {
	db *gorm.DB // Database handle for margin lookups.
}

// NewResolver constructs a margin resolver backed by GORM.
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// ResolveMargin returns the margin multiplier for a (tenant tier, provider)
// pair at a point in time.
func (r *Resolver) ResolveMargin(ctx context.Context, tenantTier, provider string, at time.Time) (decimal.Decimal, error) {
	if r == nil || r.db == nil {
		return decimal.Zero, errors.New("pricing: nil margin resolver")
	}
	tenantTier = strings.TrimSpace(tenantTier)
	provider = strings.ToLower(strings.TrimSpace(provider))
	at = at.UTC()

	var candidates []models.MarginConfig
	errFind := r.db.WithContext(ctx).
		Where("approval_status = ? AND is_active = ?", models.ApprovalApproved, true).
		Where("effective_from <= ? AND (effective_until IS NULL OR effective_until > ?)", at, at).
		Find(&candidates).Error
	if errFind != nil {
		return decimal.Zero, fmt.Errorf("pricing: resolve margin: %w", errFind)
	}

	selected := SelectMarginConfig(candidates, tenantTier, provider)
	if selected == nil {
		return decimal.Zero, &MarginNotFoundError{TenantTier: tenantTier, Provider: provider, At: at}
	}
	return selected.MarginMultiplier, nil
}

// SelectMarginConfig picks the applicable margin config using the following
// priority:
// 1) provider + tenant tier
// 2) tenant tier
// 3) global
// Within equal specificity the latest effective_from wins; remaining ties
// break on the highest ID so selection stays deterministic.
func SelectMarginConfig(configs []models.MarginConfig, tenantTier, provider string) *models.MarginConfig {
	tenantTier = strings.TrimSpace(tenantTier)
	provider = strings.ToLower(strings.TrimSpace(provider))

	bestPriority := -1
	bestEffectiveFrom := time.Time{}
	var best *models.MarginConfig

	consider := func(c *models.MarginConfig, priority int) {
		if c == nil {
			return
		}
		if priority > bestPriority {
			bestPriority = priority
			bestEffectiveFrom = c.EffectiveFrom
			best = c
			return
		}
		if priority < bestPriority || best == nil {
			return
		}
		if c.EffectiveFrom.After(bestEffectiveFrom) {
			bestEffectiveFrom = c.EffectiveFrom
			best = c
			return
		}
		if c.EffectiveFrom.Equal(bestEffectiveFrom) && c.ID > best.ID {
			best = c
		}
	}

	for i := range configs {
		c := &configs[i]
		if c.ApprovalStatus != models.ApprovalApproved || !c.IsActive {
			continue
		}

		cTier := ""
		if c.TenantTier != nil {
			cTier = strings.TrimSpace(*c.TenantTier)
		}
		cProvider := ""
		if c.Provider != nil {
			cProvider = strings.ToLower(strings.TrimSpace(*c.Provider))
		}

		switch c.Scope {
		case models.MarginScopeProviderTier:
			if cTier == tenantTier && cProvider == provider {
				consider(c, 2)
			}
		case models.MarginScopeTier:
			if cTier == tenantTier {
				consider(c, 1)
			}
		case models.MarginScopeGlobal:
			consider(c, 0)
		}
	}

	return best
}
