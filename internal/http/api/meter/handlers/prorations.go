package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenbilling/creditledger/internal/models"
	"github.com/tokenbilling/creditledger/internal/proration"
	"gorm.io/gorm"
)

// ProrationHandler computes and tracks mid-cycle tier change adjustments.
type ProrationHandler struct {
	db         *gorm.DB
	calculator *proration.Calculator
}

// NewProrationHandler constructs a proration handler.
func NewProrationHandler(db *gorm.DB, calc *proration.Calculator) *ProrationHandler {
	return &ProrationHandler{db: db, calculator: calc}
}

// createProrationRequest captures one accepted tier change.
type createProrationRequest struct {
	UserID     uint64    `json:"user_id"`     // Subscriber changing tiers.
	FromTier   string    `json:"from_tier"`   // Tier before the change.
	ToTier     string    `json:"to_tier"`     // Tier after the change.
	ChangeDate time.Time `json:"change_date"` // Date the change takes effect.
	CycleStart time.Time `json:"cycle_start"` // Billing cycle start.
	CycleEnd   time.Time `json:"cycle_end"`   // Billing cycle end.
}

// Create computes the adjustment for a tier change and persists it in
// pending state. Settlement happens out of band; this endpoint never moves
// money or credits.
func (h *ProrationHandler) Create(c *gin.Context) {
	var body createProrationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if strings.TrimSpace(body.FromTier) == "" || strings.TrimSpace(body.ToTier) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from_tier and to_tier are required"})
		return
	}
	if body.ChangeDate.IsZero() || body.CycleStart.IsZero() || body.CycleEnd.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "change_date, cycle_start, and cycle_end are required"})
		return
	}

	record, errCompute := h.calculator.ComputeProration(c.Request.Context(),
		body.UserID, body.FromTier, body.ToTier, body.ChangeDate, body.CycleStart, body.CycleEnd)
	if errCompute != nil {
		var notFound *proration.TierPriceNotFoundError
		if errors.As(errCompute, &notFound) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": errCompute.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": errCompute.Error()})
		return
	}

	if errCreate := h.db.WithContext(c.Request.Context()).Create(&record).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create proration failed"})
		return
	}
	c.JSON(http.StatusCreated, formatProration(&record))
}

// List returns proration records filtered by query parameters.
func (h *ProrationHandler) List(c *gin.Context) {
	var (
		userIDStr = strings.TrimSpace(c.Query("user_id"))
		statusQ   = strings.TrimSpace(c.Query("status"))
	)

	q := h.db.WithContext(c.Request.Context()).Model(&models.ProrationRecord{})
	if userIDStr != "" {
		if id, errParse := strconv.ParseUint(userIDStr, 10, 64); errParse == nil {
			q = q.Where("user_id = ?", id)
		}
	}
	if statusQ != "" {
		q = q.Where("status = ?", statusQ)
	}

	var rows []models.ProrationRecord
	if errFind := q.Order("created_at DESC").Limit(500).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, formatProration(&row))
	}
	c.JSON(http.StatusOK, gin.H{"prorations": out})
}

// updateStatusRequest captures a settlement state transition.
type updateStatusRequest struct {
	Status string `json:"status"` // applied, failed, or reversed.
}

// allowedProrationTransitions maps each state to its legal successors.
var allowedProrationTransitions = map[models.ProrationStatus][]models.ProrationStatus{
	models.ProrationPending: {models.ProrationApplied, models.ProrationFailed},
	models.ProrationApplied: {models.ProrationReversed},
	models.ProrationFailed:  {models.ProrationApplied},
}

// UpdateStatus applies one settlement transition reported by the payment
// collaborator.
func (h *ProrationHandler) UpdateStatus(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body updateStatusRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	target := models.ProrationStatus(strings.TrimSpace(body.Status))
	switch target {
	case models.ProrationApplied, models.ProrationFailed, models.ProrationReversed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be applied, failed, or reversed"})
		return
	}

	var record models.ProrationRecord
	if errFind := h.db.WithContext(c.Request.Context()).First(&record, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	legal := false
	for _, next := range allowedProrationTransitions[record.Status] {
		if next == target {
			legal = true
			break
		}
	}
	if !legal {
		c.JSON(http.StatusConflict, gin.H{"error": "illegal status transition"})
		return
	}

	now := time.Now().UTC()
	res := h.db.WithContext(c.Request.Context()).Model(&models.ProrationRecord{}).
		Where("id = ? AND status = ?", id, record.Status).
		Updates(map[string]any{"status": target, "updated_at": now})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent status change"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// formatProration converts a proration record into a response payload.
func formatProration(record *models.ProrationRecord) gin.H {
	return gin.H{
		"id":                     record.ID,
		"user_id":                record.UserID,
		"from_tier":              record.FromTier,
		"to_tier":                record.ToTier,
		"days_remaining":         record.DaysRemaining,
		"days_in_cycle":          record.DaysInCycle,
		"unused_credit_value":    record.UnusedCreditValue,
		"new_tier_prorated_cost": record.NewTierProratedCost,
		"net_charge":             record.NetCharge,
		"status":                 record.Status,
		"effective_date":         record.EffectiveDate,
		"created_at":             record.CreatedAt,
	}
}
