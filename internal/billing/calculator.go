package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tokenbilling/creditledger/internal/pricing"
)

// CreditsPerCurrencyUnit converts credit value in currency units into
// integer credits. 100 credits equal one currency unit.
const CreditsPerCurrencyUnit = 100

// tokensPerPriceUnit is the token count a price field covers.
const tokensPerPriceUnit = 1000

// TokenUsage carries the token counts of one completed inference call.
type TokenUsage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// ContextTokens returns the token count measured against the context-pricing
// threshold. Output tokens do not count toward it.
func (u TokenUsage) ContextTokens() int64 {
	return u.InputTokens + u.CacheWriteTokens + u.CacheReadTokens
}

// Breakdown is the full cost decomposition for one billed call. All four
// figures are persisted verbatim so historical records stay reproducible
// after later price changes.
type Breakdown struct {
	VendorCost       decimal.Decimal // Amount owed to the vendor, before margin.
	MarginMultiplier decimal.Decimal // Multiplier applied to the vendor cost.
	CreditValue      decimal.Decimal // Vendor cost after margin, in currency units.
	CreditsDeducted  int64           // Integer credits charged, rounded up.
	HighContext      bool            // Whether high-context pricing applied.
}

// Calculator combines the price book and margin resolver into a credit cost.
type Calculator struct {
	prices  *pricing.Book
	margins *pricing.Resolver
}

// NewCalculator constructs a cost calculator.
func NewCalculator(prices *pricing.Book, margins *pricing.Resolver) *Calculator {
	return &Calculator{prices: prices, margins: margins}
}

// ComputeCost prices a token usage tuple for a (provider, model, tenant tier)
// at a point in time.
//
// Price and margin misses propagate as configuration errors; callers must
// abort the billing attempt before any ledger mutation. Rounding of the
// credit charge is always upward so the vendor cost is fully covered, at the
// cost of at most one extra credit per request; a zero-cost request yields
// zero credits.
func (c *Calculator) ComputeCost(ctx context.Context, usage TokenUsage, provider, model, tenantTier string, at time.Time) (Breakdown, error) {
	if c == nil || c.prices == nil || c.margins == nil {
		return Breakdown{}, errors.New("billing: nil calculator")
	}

	prices, errPrice := c.prices.ResolvePrice(ctx, provider, model, at, usage.ContextTokens())
	if errPrice != nil {
		return Breakdown{}, errPrice
	}

	vendorCost := classCost(prices.InputPer1K, usage.InputTokens).
		Add(classCost(prices.OutputPer1K, usage.OutputTokens)).
		Add(classCost(prices.CacheWritePer1K, usage.CacheWriteTokens)).
		Add(classCost(prices.CacheReadPer1K, usage.CacheReadTokens))

	margin, errMargin := c.margins.ResolveMargin(ctx, tenantTier, provider, at)
	if errMargin != nil {
		return Breakdown{}, errMargin
	}

	creditValue := vendorCost.Mul(margin)

	return Breakdown{
		VendorCost:       vendorCost,
		MarginMultiplier: margin,
		CreditValue:      creditValue,
		CreditsDeducted:  CreditsForValue(creditValue),
		HighContext:      prices.HighContext,
	}, nil
}

// CreditsForValue converts a credit value in currency units into the integer
// credits to deduct, rounding up. ceil(0) is 0.
func CreditsForValue(creditValue decimal.Decimal) int64 {
	if creditValue.Sign() <= 0 {
		return 0
	}
	return creditValue.Mul(decimal.NewFromInt(CreditsPerCurrencyUnit)).Ceil().IntPart()
}

// classCost prices one token class. Prices are currency per 1,000 tokens;
// the division by a power of ten is exact in decimal arithmetic.
func classCost(pricePer1K decimal.Decimal, tokens int64) decimal.Decimal {
	if tokens == 0 {
		return decimal.Zero
	}
	return pricePer1K.Mul(decimal.NewFromInt(tokens)).Div(decimal.NewFromInt(tokensPerPriceUnit))
}
