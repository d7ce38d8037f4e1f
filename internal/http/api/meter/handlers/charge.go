package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tokenbilling/creditledger/internal/billing"
	"github.com/tokenbilling/creditledger/internal/ledger"
	"github.com/tokenbilling/creditledger/internal/models"
	"github.com/tokenbilling/creditledger/internal/pricing"
)

// ChargeHandler settles completed inference calls against credit balances.
type ChargeHandler struct {
	calculator *billing.Calculator
	ledger     *ledger.Ledger
}

// NewChargeHandler constructs a charge handler.
func NewChargeHandler(calc *billing.Calculator, led *ledger.Ledger) *ChargeHandler {
	return &ChargeHandler{calculator: calc, ledger: led}
}

// chargeRequest captures one completed call to bill.
type chargeRequest struct {
	RequestID string `json:"request_id"` // Caller-supplied idempotency key.
	UserID    uint64 `json:"user_id"`    // Billed user.
	Provider  string `json:"provider"`   // Provider name.
	Model     string `json:"model"`      // Model name.
	Tier      string `json:"tier"`       // Tenant tier of the user.

	Usage struct {
		InputTokens      int64 `json:"input_tokens"`       // Input token count.
		OutputTokens     int64 `json:"output_tokens"`      // Output token count.
		CacheWriteTokens int64 `json:"cache_write_tokens"` // Cache write token count.
		CacheReadTokens  int64 `json:"cache_read_tokens"`  // Cache read token count.
	} `json:"usage"`

	// At is the billing timestamp for price and margin resolution. Billing is
	// post hoc, so this defaults to the time of the request.
	At *time.Time `json:"at"`
}

// Charge prices the call and deducts credits atomically.
//
// Responses: 200 on commit or idempotent replay (replays carry
// "duplicate": true), 402 on insufficient balance, 422 when no price or
// margin configuration covers the call, 503 when storage contention
// persisted through retries.
func (h *ChargeHandler) Charge(c *gin.Context) {
	var body chargeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	requestID := strings.TrimSpace(body.RequestID)
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id is required"})
		return
	}
	if body.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	provider := strings.ToLower(strings.TrimSpace(body.Provider))
	model := strings.TrimSpace(body.Model)
	if provider == "" || model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider and model are required"})
		return
	}
	if body.Usage.InputTokens < 0 || body.Usage.OutputTokens < 0 ||
		body.Usage.CacheWriteTokens < 0 || body.Usage.CacheReadTokens < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token counts must not be negative"})
		return
	}

	at := time.Now().UTC()
	if body.At != nil {
		at = body.At.UTC()
	}
	usage := billing.TokenUsage{
		InputTokens:      body.Usage.InputTokens,
		OutputTokens:     body.Usage.OutputTokens,
		CacheWriteTokens: body.Usage.CacheWriteTokens,
		CacheReadTokens:  body.Usage.CacheReadTokens,
	}

	breakdown, errCost := h.calculator.ComputeCost(c.Request.Context(), usage, provider, model, strings.TrimSpace(body.Tier), at)
	if errCost != nil {
		var priceMiss *pricing.PriceNotFoundError
		var marginMiss *pricing.MarginNotFoundError
		if errors.As(errCost, &priceMiss) || errors.As(errCost, &marginMiss) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": errCost.Error()})
			return
		}
		log.WithError(errCost).Warn("charge: cost computation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cost computation failed"})
		return
	}

	result, errDeduct := h.ledger.Deduct(c.Request.Context(), ledger.DeductParams{
		UserID:     body.UserID,
		RequestID:  requestID,
		Provider:   provider,
		Model:      model,
		TenantTier: strings.TrimSpace(body.Tier),
		Usage:      usage,
		Breakdown:  breakdown,
	})
	if errDeduct != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(errDeduct, &insufficient) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":    "insufficient balance",
				"balance":  insufficient.Balance,
				"required": insufficient.Required,
			})
			return
		}
		if errors.Is(errDeduct, ledger.ErrConflict) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger busy, retry with the same request_id"})
			return
		}
		log.WithError(errDeduct).Warn("charge: deduction failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deduction failed"})
		return
	}

	c.JSON(http.StatusOK, formatChargeResult(result))
}

// formatChargeResult converts a deduction result into a response payload.
func formatChargeResult(result ledger.DeductResult) gin.H {
	out := gin.H{
		"request_id":        result.Record.RequestID,
		"user_id":           result.Record.UserID,
		"status":            result.Record.Status,
		"vendor_cost":       result.Record.VendorCost,
		"margin_multiplier": result.Record.MarginMultiplier,
		"credit_value":      result.Record.CreditValue,
		"credits_deducted":  result.Record.CreditsDeducted,
		"high_context":      result.Record.HighContext,
		"duplicate":         result.Status == ledger.DeductDuplicate,
	}
	if result.Status == ledger.DeductCommitted && result.Record.Status == models.UsageStatusCommitted {
		out["balance"] = result.NewBalance
	}
	return out
}
