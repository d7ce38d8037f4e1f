package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tokenbilling/creditledger/internal/ledger"
)

// BalanceHandler serves balance reads for calling services. Reads may come
// from the cache; only the deduction path inside the ledger is authoritative.
type BalanceHandler struct {
	ledger *ledger.Ledger
}

// NewBalanceHandler constructs a balance handler.
func NewBalanceHandler(l *ledger.Ledger) *BalanceHandler {
	return &BalanceHandler{ledger: l}
}

// Get returns a user's current credit balance. Unknown users read as zero.
func (h *BalanceHandler) Get(c *gin.Context) {
	userID, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("user_id")), 10, 64)
	if errParse != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	amount, errBalance := h.ledger.Balance(c.Request.Context(), userID)
	if errBalance != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": amount})
}
