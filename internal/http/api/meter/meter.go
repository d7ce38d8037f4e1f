// Package meter wires the service-facing metering API: charging completed
// inference calls against credit balances, balance reads, and proration.
package meter

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tokenbilling/creditledger/internal/billing"
	"github.com/tokenbilling/creditledger/internal/config"
	"github.com/tokenbilling/creditledger/internal/http/api/meter/handlers"
	"github.com/tokenbilling/creditledger/internal/ledger"
	"github.com/tokenbilling/creditledger/internal/proration"
	"github.com/tokenbilling/creditledger/internal/security"
	"gorm.io/gorm"
)

// RegisterMeterRoutes registers the metering endpoints under /v0/meter.
// Callers are upstream services holding a service JWT, not end users.
func RegisterMeterRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, calc *billing.Calculator, led *ledger.Ledger, prorations *proration.Calculator) {
	if r == nil || db == nil {
		return
	}

	group := r.Group("/v0/meter")
	group.Use(serviceAuthMiddleware(jwtCfg))

	chargeHandler := handlers.NewChargeHandler(calc, led)
	group.POST("/charge", chargeHandler.Charge)

	balanceHandler := handlers.NewBalanceHandler(led)
	group.GET("/balances/:user_id", balanceHandler.Get)

	prorationHandler := handlers.NewProrationHandler(db, prorations)
	group.POST("/prorations", prorationHandler.Create)
	group.GET("/prorations", prorationHandler.List)
	group.PATCH("/prorations/:id/status", prorationHandler.UpdateStatus)
}

// serviceAuthMiddleware validates service JWTs and records the calling
// service name in the request context.
func serviceAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseServiceToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("serviceName", claims.Service)
		c.Next()
	}
}
