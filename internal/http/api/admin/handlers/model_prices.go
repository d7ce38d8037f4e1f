package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tokenbilling/creditledger/internal/models"
	"gorm.io/gorm"
)

// ModelPriceHandler manages admin CRUD endpoints for model prices.
type ModelPriceHandler struct {
	db *gorm.DB // Database handle for model prices.
}

// NewModelPriceHandler constructs a model price handler.
func NewModelPriceHandler(db *gorm.DB) *ModelPriceHandler {
	return &ModelPriceHandler{db: db}
}

// createModelPriceRequest captures the payload for creating a model price.
// Decimal fields accept JSON numbers or numeric strings.
type createModelPriceRequest struct {
	Provider string `json:"provider"` // Provider name.
	Model    string `json:"model"`    // Model name.

	EffectiveFrom  time.Time  `json:"effective_from"`  // Window start (inclusive).
	EffectiveUntil *time.Time `json:"effective_until"` // Window end (exclusive), optional.

	InputPer1K      *decimal.Decimal `json:"input_per_1k"`       // Input token price per 1K.
	OutputPer1K     *decimal.Decimal `json:"output_per_1k"`      // Output token price per 1K.
	CacheWritePer1K *decimal.Decimal `json:"cache_write_per_1k"` // Cache write price per 1K.
	CacheReadPer1K  *decimal.Decimal `json:"cache_read_per_1k"`  // Cache read price per 1K.

	ContextThresholdTokens     *int64           `json:"context_threshold_tokens"`        // High-context switch threshold.
	InputHighContextPer1K      *decimal.Decimal `json:"input_high_context_per_1k"`       // High-context input price.
	OutputHighContextPer1K     *decimal.Decimal `json:"output_high_context_per_1k"`      // High-context output price.
	CacheWriteHighContextPer1K *decimal.Decimal `json:"cache_write_high_context_per_1k"` // High-context cache write price.
	CacheReadHighContextPer1K  *decimal.Decimal `json:"cache_read_high_context_per_1k"`  // High-context cache read price.
}

// Create validates input and inserts a model price row.
func (h *ModelPriceHandler) Create(c *gin.Context) {
	var body createModelPriceRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	provider := strings.ToLower(strings.TrimSpace(body.Provider))
	if provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}
	model := strings.TrimSpace(body.Model)
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}
	if body.EffectiveFrom.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "effective_from is required"})
		return
	}
	if body.EffectiveUntil != nil && !body.EffectiveUntil.After(body.EffectiveFrom) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "effective_until must be after effective_from"})
		return
	}
	if body.InputPer1K == nil || body.OutputPer1K == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input_per_1k and output_per_1k are required"})
		return
	}
	for _, price := range []*decimal.Decimal{body.InputPer1K, body.OutputPer1K, body.CacheWritePer1K, body.CacheReadPer1K} {
		if price != nil && price.Sign() < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "prices must not be negative"})
			return
		}
	}

	// High-context pricing is all-or-nothing: a threshold requires the full
	// alternate price set, and alternate prices without a threshold are dead
	// configuration.
	hasHighPrices := body.InputHighContextPer1K != nil || body.OutputHighContextPer1K != nil ||
		body.CacheWriteHighContextPer1K != nil || body.CacheReadHighContextPer1K != nil
	if body.ContextThresholdTokens != nil {
		if *body.ContextThresholdTokens <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "context_threshold_tokens must be positive"})
			return
		}
		if body.InputHighContextPer1K == nil || body.OutputHighContextPer1K == nil ||
			body.CacheWriteHighContextPer1K == nil || body.CacheReadHighContextPer1K == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "high-context prices for all token classes are required when context_threshold_tokens is set"})
			return
		}
	} else if hasHighPrices {
		c.JSON(http.StatusBadRequest, gin.H{"error": "high-context prices require context_threshold_tokens"})
		return
	}

	cacheWrite := decimal.Zero
	if body.CacheWritePer1K != nil {
		cacheWrite = *body.CacheWritePer1K
	}
	cacheRead := decimal.Zero
	if body.CacheReadPer1K != nil {
		cacheRead = *body.CacheReadPer1K
	}

	now := time.Now().UTC()
	price := models.ModelPrice{
		Provider:                   provider,
		Model:                      model,
		EffectiveFrom:              body.EffectiveFrom.UTC(),
		EffectiveUntil:             utcPtr(body.EffectiveUntil),
		InputPer1K:                 *body.InputPer1K,
		OutputPer1K:                *body.OutputPer1K,
		CacheWritePer1K:            cacheWrite,
		CacheReadPer1K:             cacheRead,
		ContextThresholdTokens:     body.ContextThresholdTokens,
		InputHighContextPer1K:      body.InputHighContextPer1K,
		OutputHighContextPer1K:     body.OutputHighContextPer1K,
		CacheWriteHighContextPer1K: body.CacheWriteHighContextPer1K,
		CacheReadHighContextPer1K:  body.CacheReadHighContextPer1K,
		IsActive:                   true,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}

	if errCreate := h.db.WithContext(c.Request.Context()).Create(&price).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create model price failed"})
		return
	}
	c.JSON(http.StatusCreated, h.formatPrice(&price))
}

// List returns model prices filtered by query parameters.
func (h *ModelPriceHandler) List(c *gin.Context) {
	var (
		providerQ = strings.TrimSpace(c.Query("provider"))
		modelQ    = strings.TrimSpace(c.Query("model"))
		activeQ   = strings.TrimSpace(c.Query("is_active"))
	)

	q := h.db.WithContext(c.Request.Context()).Model(&models.ModelPrice{})
	if providerQ != "" {
		q = q.Where("provider = ?", strings.ToLower(providerQ))
	}
	if modelQ != "" {
		q = q.Where("model = ?", modelQ)
	}
	if activeQ == "true" || activeQ == "1" {
		q = q.Where("is_active = ?", true)
	} else if activeQ == "false" || activeQ == "0" {
		q = q.Where("is_active = ?", false)
	}

	var rows []models.ModelPrice
	if errFind := q.Order("effective_from DESC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list model prices failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, h.formatPrice(&row))
	}
	c.JSON(http.StatusOK, gin.H{"model_prices": out})
}

// Get fetches a model price by ID.
func (h *ModelPriceHandler) Get(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var price models.ModelPrice
	if errFind := h.db.WithContext(c.Request.Context()).First(&price, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, h.formatPrice(&price))
}

// closeWindowRequest captures the end timestamp for closing a price window.
type closeWindowRequest struct {
	EffectiveUntil time.Time `json:"effective_until"` // New exclusive window end.
}

// CloseWindow sets the exclusive end of an open price window. Price rows are
// never edited in place; a price change closes the old window and appends a
// new row.
func (h *ModelPriceHandler) CloseWindow(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body closeWindowRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || body.EffectiveUntil.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "effective_until is required"})
		return
	}

	var price models.ModelPrice
	if errFind := h.db.WithContext(c.Request.Context()).First(&price, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if price.EffectiveUntil != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "window already closed"})
		return
	}
	until := body.EffectiveUntil.UTC()
	if !until.After(price.EffectiveFrom) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "effective_until must be after effective_from"})
		return
	}

	now := time.Now().UTC()
	if errUpdate := h.db.WithContext(c.Request.Context()).Model(&models.ModelPrice{}).Where("id = ?", id).
		Updates(map[string]any{"effective_until": until, "updated_at": now}).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// setActiveRequest captures the active flag for toggling a row.
type setActiveRequest struct {
	IsActive bool `json:"is_active"` // Desired active state.
}

// SetActive toggles lookup eligibility for a model price.
func (h *ModelPriceHandler) SetActive(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body setActiveRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	now := time.Now().UTC()
	res := h.db.WithContext(c.Request.Context()).Model(&models.ModelPrice{}).Where("id = ?", id).
		Updates(map[string]any{"is_active": body.IsActive, "updated_at": now})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// formatPrice converts a model price into a response payload.
func (h *ModelPriceHandler) formatPrice(price *models.ModelPrice) gin.H {
	return gin.H{
		"id":                              price.ID,
		"provider":                        price.Provider,
		"model":                           price.Model,
		"effective_from":                  price.EffectiveFrom,
		"effective_until":                 price.EffectiveUntil,
		"input_per_1k":                    price.InputPer1K,
		"output_per_1k":                   price.OutputPer1K,
		"cache_write_per_1k":              price.CacheWritePer1K,
		"cache_read_per_1k":               price.CacheReadPer1K,
		"context_threshold_tokens":        price.ContextThresholdTokens,
		"input_high_context_per_1k":       price.InputHighContextPer1K,
		"output_high_context_per_1k":      price.OutputHighContextPer1K,
		"cache_write_high_context_per_1k": price.CacheWriteHighContextPer1K,
		"cache_read_high_context_per_1k":  price.CacheReadHighContextPer1K,
		"is_active":                       price.IsActive,
		"created_at":                      price.CreatedAt,
		"updated_at":                      price.UpdatedAt,
	}
}

// utcPtr normalizes an optional timestamp to UTC.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
