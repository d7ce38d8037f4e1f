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

// PriceSet carries the per-1K-token prices applied to a request. When the
// request crossed the model's context threshold every class comes from the
// high-context set; the switch is all-or-nothing.
type PriceSet struct {
	InputPer1K      decimal.Decimal
	OutputPer1K     decimal.Decimal
	CacheWritePer1K decimal.Decimal
	CacheReadPer1K  decimal.Decimal
	HighContext     bool
}

// PriceNotFoundError reports that no active price window covers a request.
type PriceNotFoundError struct {
	Provider string
	Model    string
	At       time.Time
}

func (e *PriceNotFoundError) Error() string {
	return fmt.Sprintf("pricing: no price for provider=%s model=%s at=%s", e.Provider, e.Model, e.At.Format(time.RFC3339))
}

// Book resolves vendor prices from time-versioned model price rows.
type Book struct {
	db *gorm.DB // Database handle for price lookups.
}

// NewBook constructs a price book backed by GORM.
func NewBook(db *gorm.DB) *Book {
	return &Book{db: db}
}

// ResolvePrice selects the price set applicable to a request.
//
// The row whose half-open effective window contains at wins; with no such
// row the billing attempt must fail rather than guess a price. When the
// model defines a context threshold and totalContextTokens exceeds it, the
// entire request is priced at the high-context set, output tokens included.
func (b *Book) ResolvePrice(ctx context.Context, provider, model string, at time.Time, totalContextTokens int64) (PriceSet, error) {
	if b == nil || b.db == nil {
		return PriceSet{}, errors.New("pricing: nil price book")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	at = at.UTC()

	var row models.ModelPrice
	errFind := b.db.WithContext(ctx).
		Where("LOWER(provider) = ? AND model = ? AND is_active = ?", provider, model, true).
		Where("effective_from <= ? AND (effective_until IS NULL OR effective_until > ?)", at, at).
		Order("effective_from DESC").
		First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return PriceSet{}, &PriceNotFoundError{Provider: provider, Model: model, At: at}
		}
		return PriceSet{}, fmt.Errorf("pricing: resolve price: %w", errFind)
	}

	set := PriceSet{
		InputPer1K:      row.InputPer1K,
		OutputPer1K:     row.OutputPer1K,
		CacheWritePer1K: row.CacheWritePer1K,
		CacheReadPer1K:  row.CacheReadPer1K,
	}
	if row.ContextThresholdTokens == nil || totalContextTokens <= *row.ContextThresholdTokens {
		return set, nil
	}

	set.HighContext = true
	if row.InputHighContextPer1K != nil {
		set.InputPer1K = *row.InputHighContextPer1K
	}
	if row.OutputHighContextPer1K != nil {
		set.OutputPer1K = *row.OutputHighContextPer1K
	}
	if row.CacheWriteHighContextPer1K != nil {
		set.CacheWritePer1K = *row.CacheWriteHighContextPer1K
	}
	if row.CacheReadHighContextPer1K != nil {
		set.CacheReadPer1K = *row.CacheReadHighContextPer1K
	}
	return set, nil
}
