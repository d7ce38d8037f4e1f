// Package admin wires the authenticated administration API: price book and
// margin management, balance operations, usage reporting, and settings.
package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tokenbilling/creditledger/internal/config"
	"github.com/tokenbilling/creditledger/internal/http/api/admin/handlers"
	"github.com/tokenbilling/creditledger/internal/ledger"
	"github.com/tokenbilling/creditledger/internal/security"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers all admin endpoints under /v0/admin.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, led *ledger.Ledger) {
	if r == nil || db == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/healthz", healthHandler.Healthz)

	group := r.Group("/v0/admin")
	group.Use(adminAuthMiddleware(jwtCfg))

	priceHandler := handlers.NewModelPriceHandler(db)
	group.POST("/model-prices", priceHandler.Create)
	group.GET("/model-prices", priceHandler.List)
	group.GET("/model-prices/:id", priceHandler.Get)
	group.POST("/model-prices/:id/close", priceHandler.CloseWindow)
	group.PUT("/model-prices/:id/active", priceHandler.SetActive)

	marginHandler := handlers.NewMarginConfigHandler(db)
	group.POST("/margin-configs", marginHandler.Create)
	group.GET("/margin-configs", marginHandler.List)
	group.POST("/margin-configs/:id/approve", marginHandler.Approve)
	group.POST("/margin-configs/:id/reject", marginHandler.Reject)
	group.PUT("/margin-configs/:id/active", marginHandler.SetActive)

	tierHandler := handlers.NewTierPriceHandler(db)
	group.POST("/tier-prices", tierHandler.Create)
	group.GET("/tier-prices", tierHandler.List)
	group.PUT("/tier-prices/:id/active", tierHandler.SetActive)

	balanceHandler := handlers.NewBalanceHandler(db, led)
	group.GET("/balances/:user_id", balanceHandler.Get)
	group.GET("/balances/:user_id/grants", balanceHandler.Grants)
	group.POST("/grants", balanceHandler.Grant)
	group.POST("/balances/:user_id/zero", balanceHandler.Zero)
	group.PUT("/balances/:user_id/allocation", balanceHandler.ConfigureAllocation)

	usageHandler := handlers.NewUsageHandler(db)
	group.GET("/usage", usageHandler.List)
	group.GET("/usage/stats", usageHandler.Stats)

	settingsHandler := handlers.NewSettingsHandler(db)
	group.GET("/settings", settingsHandler.List)
	group.PUT("/settings", settingsHandler.Update)
}

// adminAuthMiddleware validates admin JWTs and loads the admin identity into
// the request context.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("adminID", claims.AdminID)
		c.Set("adminUsername", claims.Username)
		c.Next()
	}
}

// bearerToken extracts a bearer token from the Authorization header, aborting
// the request on malformed input.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
		return "", false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
		return "", false
	}
	return token, true
}
