package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tokenbilling/creditledger/internal/models"
	"gorm.io/gorm"
)

// TierPriceHandler manages admin endpoints for subscription tier prices.
type TierPriceHandler struct {
	db *gorm.DB // Database handle for tier prices.
}

// NewTierPriceHandler constructs a tier price handler.
func NewTierPriceHandler(db *gorm.DB) *TierPriceHandler {
	return &TierPriceHandler{db: db}
}

// createTierPriceRequest captures the payload for creating a tier price.
type createTierPriceRequest struct {
	Tier           string           `json:"tier"`            // Tenant tier name.
	MonthlyPrice   *decimal.Decimal `json:"monthly_price"`   // Subscription price per cycle.
	EffectiveFrom  time.Time        `json:"effective_from"`  // Window start (inclusive).
	EffectiveUntil *time.Time       `json:"effective_until"` // Window end (exclusive), optional.
}

// Create validates input and inserts a tier price row.
func (h *TierPriceHandler) Create(c *gin.Context) {
	var body createTierPriceRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	tier := strings.TrimSpace(body.Tier)
	if tier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tier is required"})
		return
	}
	if body.MonthlyPrice == nil || body.MonthlyPrice.Sign() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "monthly_price must not be negative"})
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

	now := time.Now().UTC()
	price := models.TierPrice{
		Tier:           tier,
		MonthlyPrice:   *body.MonthlyPrice,
		EffectiveFrom:  body.EffectiveFrom.UTC(),
		EffectiveUntil: utcPtr(body.EffectiveUntil),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&price).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create tier price failed"})
		return
	}
	c.JSON(http.StatusCreated, h.formatPrice(&price))
}

// List returns tier prices filtered by query parameters.
func (h *TierPriceHandler) List(c *gin.Context) {
	tierQ := strings.TrimSpace(c.Query("tier"))

	q := h.db.WithContext(c.Request.Context()).Model(&models.TierPrice{})
	if tierQ != "" {
		q = q.Where("tier = ?", tierQ)
	}

	var rows []models.TierPrice
	if errFind := q.Order("tier ASC, effective_from DESC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list tier prices failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, h.formatPrice(&row))
	}
	c.JSON(http.StatusOK, gin.H{"tier_prices": out})
}

// SetActive toggles lookup eligibility for a tier price.
func (h *TierPriceHandler) SetActive(c *gin.Context) {
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
	res := h.db.WithContext(c.Request.Context()).Model(&models.TierPrice{}).Where("id = ?", id).
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

// formatPrice converts a tier price into a response payload.
func (h *TierPriceHandler) formatPrice(price *models.TierPrice) gin.H {
	return gin.H{
		"id":              price.ID,
		"tier":            price.Tier,
		"monthly_price":   price.MonthlyPrice,
		"effective_from":  price.EffectiveFrom,
		"effective_until": price.EffectiveUntil,
		"is_active":       price.IsActive,
		"created_at":      price.CreatedAt,
		"updated_at":      price.UpdatedAt,
	}
}
