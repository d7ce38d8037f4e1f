package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenbilling/creditledger/internal/models"
	"github.com/tokenbilling/creditledger/internal/settings"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsHandler manages runtime settings stored in the database.
type SettingsHandler struct {
	db *gorm.DB
}

// NewSettingsHandler constructs a settings handler.
func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// List returns all settings rows.
func (h *SettingsHandler) List(c *gin.Context) {
	var rows []models.Setting
	if errFind := h.db.WithContext(c.Request.Context()).Order("key ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": rows})
}

// updateSettingRequest captures one setting upsert.
type updateSettingRequest struct {
	Key   string          `json:"key"`   // Configuration key.
	Value json.RawMessage `json:"value"` // JSON-encoded value.
}

// Update upserts a setting and refreshes the in-memory snapshot so running
// background loops pick the change up without a restart.
func (h *SettingsHandler) Update(c *gin.Context) {
	var body updateSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	key := strings.TrimSpace(body.Key)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	if len(body.Value) == 0 || !json.Valid(body.Value) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be valid json"})
		return
	}

	row := models.Setting{Key: key, Value: body.Value, UpdatedAt: time.Now().UTC()}
	if errUpsert := h.db.WithContext(c.Request.Context()).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error; errUpsert != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update setting failed"})
		return
	}

	if errRefresh := settings.RefreshDBConfigSnapshot(c.Request.Context(), h.db); errRefresh != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh settings failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
