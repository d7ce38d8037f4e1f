package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenbilling/creditledger/internal/models"
	"gorm.io/gorm"
)

// UsageHandler handles admin usage record endpoints.
type UsageHandler struct {
	db *gorm.DB
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(db *gorm.DB) *UsageHandler {
	return &UsageHandler{db: db}
}

// List returns usage records with optional filters.
func (h *UsageHandler) List(c *gin.Context) {
	var (
		userIDStr = strings.TrimSpace(c.Query("user_id"))
		providerQ = strings.TrimSpace(c.Query("provider"))
		statusQ   = strings.TrimSpace(c.Query("status"))
		fromStr   = strings.TrimSpace(c.Query("from"))
		toStr     = strings.TrimSpace(c.Query("to"))
		limitStr  = strings.TrimSpace(c.Query("limit"))
	)

	limit := 100
	if limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	q := h.db.WithContext(c.Request.Context()).Model(&models.UsageRecord{})
	if userIDStr != "" {
		if id, errParseUint := strconv.ParseUint(userIDStr, 10, 64); errParseUint == nil {
			q = q.Where("user_id = ?", id)
		}
	}
	if providerQ != "" {
		q = q.Where("provider = ?", strings.ToLower(providerQ))
	}
	if statusQ != "" {
		q = q.Where("status = ?", statusQ)
	}
	if fromStr != "" {
		if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			q = q.Where("created_at >= ?", t.UTC())
		}
	}
	if toStr != "" {
		if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			q = q.Where("created_at <= ?", t.UTC())
		}
	}

	var rows []models.UsageRecord
	if errFind := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage_records": rows})
}

// usageStatsRow aggregates committed usage per provider and model.
type usageStatsRow struct {
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	Requests        int64  `json:"requests"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	CreditsDeducted int64  `json:"credits_deducted"`
}

// Stats aggregates committed usage grouped by provider and model over an
// optional time range.
func (h *UsageHandler) Stats(c *gin.Context) {
	var (
		fromStr = strings.TrimSpace(c.Query("from"))
		toStr   = strings.TrimSpace(c.Query("to"))
	)

	q := h.db.WithContext(c.Request.Context()).Model(&models.UsageRecord{}).
		Where("status = ?", models.UsageStatusCommitted)
	if fromStr != "" {
		if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			q = q.Where("created_at >= ?", t.UTC())
		}
	}
	if toStr != "" {
		if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			q = q.Where("created_at <= ?", t.UTC())
		}
	}

	var rows []usageStatsRow
	if errFind := q.
		Select("provider, model, COUNT(*) AS requests, SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens, SUM(credits_deducted) AS credits_deducted").
		Group("provider, model").
		Order("credits_deducted DESC").
		Scan(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": rows})
}
