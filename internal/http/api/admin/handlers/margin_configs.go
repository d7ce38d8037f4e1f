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

// MarginConfigHandler manages admin endpoints for margin configs.
type MarginConfigHandler struct {
	db *gorm.DB // Database handle for margin configs.
}

// NewMarginConfigHandler constructs a margin config handler.
func NewMarginConfigHandler(db *gorm.DB) *MarginConfigHandler {
	return &MarginConfigHandler{db: db}
}

// createMarginConfigRequest captures the payload for creating a margin config.
type createMarginConfigRequest struct {
	Scope            string           `json:"scope"`             // global, tier, or provider_tier.
	TenantTier       *string          `json:"tenant_tier"`       // Required for tier scopes.
	Provider         *string          `json:"provider"`          // Required for provider_tier scope.
	MarginMultiplier *decimal.Decimal `json:"margin_multiplier"` // Multiplier applied to vendor cost.
	EffectiveFrom    time.Time        `json:"effective_from"`    // Window start (inclusive).
	EffectiveUntil   *time.Time       `json:"effective_until"`   // Window end (exclusive), optional.
}

// Create validates input and inserts a margin config in pending state.
// New configs never affect billing until approved.
func (h *MarginConfigHandler) Create(c *gin.Context) {
	var body createMarginConfigRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	scope := models.MarginScope(strings.TrimSpace(body.Scope))
	switch scope {
	case models.MarginScopeGlobal, models.MarginScopeTier, models.MarginScopeProviderTier:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be global, tier, or provider_tier"})
		return
	}

	var tenantTier *string
	if scope == models.MarginScopeTier || scope == models.MarginScopeProviderTier {
		if body.TenantTier == nil || strings.TrimSpace(*body.TenantTier) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_tier is required for this scope"})
			return
		}
		value := strings.TrimSpace(*body.TenantTier)
		tenantTier = &value
	}
	var provider *string
	if scope == models.MarginScopeProviderTier {
		if body.Provider == nil || strings.TrimSpace(*body.Provider) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required for provider_tier scope"})
			return
		}
		value := strings.ToLower(strings.TrimSpace(*body.Provider))
		provider = &value
	}

	if body.MarginMultiplier == nil || body.MarginMultiplier.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "margin_multiplier must be positive"})
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
	cfg := models.MarginConfig{
		Scope:            scope,
		TenantTier:       tenantTier,
		Provider:         provider,
		MarginMultiplier: *body.MarginMultiplier,
		EffectiveFrom:    body.EffectiveFrom.UTC(),
		EffectiveUntil:   utcPtr(body.EffectiveUntil),
		ApprovalStatus:   models.ApprovalPending,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&cfg).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create margin config failed"})
		return
	}
	c.JSON(http.StatusCreated, h.formatConfig(&cfg))
}

// List returns margin configs filtered by query parameters.
func (h *MarginConfigHandler) List(c *gin.Context) {
	var (
		scopeQ    = strings.TrimSpace(c.Query("scope"))
		tierQ     = strings.TrimSpace(c.Query("tenant_tier"))
		providerQ = strings.TrimSpace(c.Query("provider"))
		statusQ   = strings.TrimSpace(c.Query("approval_status"))
	)

	q := h.db.WithContext(c.Request.Context()).Model(&models.MarginConfig{})
	if scopeQ != "" {
		q = q.Where("scope = ?", scopeQ)
	}
	if tierQ != "" {
		q = q.Where("tenant_tier = ?", tierQ)
	}
	if providerQ != "" {
		q = q.Where("provider = ?", strings.ToLower(providerQ))
	}
	if statusQ != "" {
		q = q.Where("approval_status = ?", statusQ)
	}

	var rows []models.MarginConfig
	if errFind := q.Order("effective_from DESC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list margin configs failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, h.formatConfig(&row))
	}
	c.JSON(http.StatusOK, gin.H{"margin_configs": out})
}

// Approve moves a pending margin config into the approved state.
func (h *MarginConfigHandler) Approve(c *gin.Context) {
	h.review(c, models.ApprovalApproved)
}

// Reject moves a pending margin config into the rejected state.
func (h *MarginConfigHandler) Reject(c *gin.Context) {
	h.review(c, models.ApprovalRejected)
}

// review applies one approval transition. Only pending configs can be
// reviewed; approval decisions are not revisited through this endpoint.
func (h *MarginConfigHandler) review(c *gin.Context, target models.ApprovalStatus) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var cfg models.MarginConfig
	if errFind := h.db.WithContext(c.Request.Context()).First(&cfg, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if cfg.ApprovalStatus != models.ApprovalPending {
		c.JSON(http.StatusConflict, gin.H{"error": "config is not pending review"})
		return
	}

	now := time.Now().UTC()
	if errUpdate := h.db.WithContext(c.Request.Context()).Model(&models.MarginConfig{}).
		Where("id = ? AND approval_status = ?", id, models.ApprovalPending).
		Updates(map[string]any{"approval_status": target, "updated_at": now}).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SetActive toggles resolution eligibility for a margin config.
func (h *MarginConfigHandler) SetActive(c *gin.Context) {
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
	res := h.db.WithContext(c.Request.Context()).Model(&models.MarginConfig{}).Where("id = ?", id).
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

// formatConfig converts a margin config into a response payload.
func (h *MarginConfigHandler) formatConfig(cfg *models.MarginConfig) gin.H {
	return gin.H{
		"id":                cfg.ID,
		"scope":             cfg.Scope,
		"tenant_tier":       cfg.TenantTier,
		"provider":          cfg.Provider,
		"margin_multiplier": cfg.MarginMultiplier,
		"effective_from":    cfg.EffectiveFrom,
		"effective_until":   cfg.EffectiveUntil,
		"approval_status":   cfg.ApprovalStatus,
		"is_active":         cfg.IsActive,
		"created_at":        cfg.CreatedAt,
		"updated_at":        cfg.UpdatedAt,
	}
}
