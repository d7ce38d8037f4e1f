package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenbilling/creditledger/internal/ledger"
	"github.com/tokenbilling/creditledger/internal/models"
	"gorm.io/gorm"
)

// BalanceHandler manages admin endpoints for credit balances and grants.
// All mutations go through the ledger so the audit log stays complete.
type BalanceHandler struct {
	db     *gorm.DB
	ledger *ledger.Ledger
}

// NewBalanceHandler constructs a balance handler.
func NewBalanceHandler(db *gorm.DB, l *ledger.Ledger) *BalanceHandler {
	return &BalanceHandler{db: db, ledger: l}
}

// Get returns one user's balance row.
func (h *BalanceHandler) Get(c *gin.Context) {
	userID, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("user_id")), 10, 64)
	if errParse != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	var balance models.CreditBalance
	if errFind := h.db.WithContext(c.Request.Context()).Where("user_id = ?", userID).Take(&balance).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":               balance.UserID,
		"amount":                balance.Amount,
		"monthly_allocation":    balance.MonthlyAllocation,
		"rollover_cap":          balance.RolloverCap,
		"last_deduction_at":     balance.LastDeductionAt,
		"last_deduction_amount": balance.LastDeductionAmount,
		"last_allocated_at":     balance.LastAllocatedAt,
		"updated_at":            balance.UpdatedAt,
	})
}

// grantRequest captures the payload for a manual credit grant.
type grantRequest struct {
	UserID    uint64     `json:"user_id"`    // Receiving user.
	Credits   int64      `json:"credits"`    // Credits to add (> 0).
	Source    string     `json:"source"`     // allocation, purchase, or refund.
	ExpiresAt *time.Time `json:"expires_at"` // Optional expiry.
}

// Grant adds credits to a user's balance through the ledger.
func (h *BalanceHandler) Grant(c *gin.Context) {
	var body grantRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if body.Credits <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credits must be positive"})
		return
	}
	source := strings.TrimSpace(body.Source)
	switch source {
	case models.GrantSourceAllocation, models.GrantSourcePurchase, models.GrantSourceRefund:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be allocation, purchase, or refund"})
		return
	}

	newBalance, errGrant := h.ledger.Grant(c.Request.Context(), body.UserID, body.Credits, source, body.ExpiresAt)
	if errGrant != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grant failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": body.UserID, "balance": newBalance})
}

// Zero soft-zeroes a user's balance on account closure. The balance row and
// usage history remain for audit.
func (h *BalanceHandler) Zero(c *gin.Context) {
	userID, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("user_id")), 10, 64)
	if errParse != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	if errZero := h.ledger.ZeroBalance(c.Request.Context(), userID); errZero != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "zero balance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// allocationRequest captures per-cycle allocation settings for one user.
type allocationRequest struct {
	MonthlyAllocation *int64 `json:"monthly_allocation"` // Credits granted each cycle.
	RolloverCap       *int64 `json:"rollover_cap"`       // Max credits carried into a new cycle; 0 = unlimited.
}

// ConfigureAllocation sets a user's monthly allocation and rollover cap.
func (h *BalanceHandler) ConfigureAllocation(c *gin.Context) {
	userID, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("user_id")), 10, 64)
	if errParse != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	var body allocationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.MonthlyAllocation == nil || body.RolloverCap == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "monthly_allocation and rollover_cap are required"})
		return
	}
	if *body.MonthlyAllocation < 0 || *body.RolloverCap < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "allocation values must not be negative"})
		return
	}

	if errConfigure := h.ledger.ConfigureAllocation(c.Request.Context(), userID, *body.MonthlyAllocation, *body.RolloverCap); errConfigure != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "configure allocation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Grants returns a user's grant history, newest first.
func (h *BalanceHandler) Grants(c *gin.Context) {
	userID, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("user_id")), 10, 64)
	if errParse != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	limit := 100
	if limitQ := strings.TrimSpace(c.Query("limit")); limitQ != "" {
		if v, errAtoi := strconv.Atoi(limitQ); errAtoi == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	var rows []models.CreditGrant
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"grants": rows})
}
