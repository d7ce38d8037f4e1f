// Package app wires configuration, storage, caching, background loops, and
// the HTTP server into a runnable billing service.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/tokenbilling/creditledger/internal/allocation"
	"github.com/tokenbilling/creditledger/internal/billing"
	"github.com/tokenbilling/creditledger/internal/config"
	"github.com/tokenbilling/creditledger/internal/db"
	"github.com/tokenbilling/creditledger/internal/http/api/admin"
	"github.com/tokenbilling/creditledger/internal/http/api/meter"
	"github.com/tokenbilling/creditledger/internal/ledger"
	"github.com/tokenbilling/creditledger/internal/logging"
	"github.com/tokenbilling/creditledger/internal/pricing"
	"github.com/tokenbilling/creditledger/internal/proration"
	"github.com/tokenbilling/creditledger/internal/settings"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, appCfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	dsn, errLoad := config.LoadDatabaseDSN(configPath)
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the billing service: storage, settings snapshot, balance
// cache, background loops, and the HTTP API.
func RunServer(ctx context.Context, appCfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		return errRefresh
	}

	var cache *ledger.BalanceCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if errPing := rdb.Ping(ctx).Err(); errPing != nil {
			// The cache is an optimization only; balance reads fall back to
			// the database when redis is unreachable.
			log.WithError(errPing).Warn("redis unreachable, balance cache disabled")
		} else {
			cache = ledger.NewBalanceCache(rdb)
		}
	}

	led := ledger.New(conn, cache)
	calc := billing.NewCalculator(pricing.NewBook(conn), pricing.NewResolver(conn))
	prorations := proration.NewCalculator(conn)

	ledger.NewRetentionCleaner(conn).Start(ctx)
	allocation.NewGranter(conn, led).Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), logging.GinRequestID())
	meter.RegisterMeterRoutes(engine, conn, cfg.JWT, calc, led, prorations)
	admin.RegisterAdminRoutes(engine, conn, cfg.JWT, led)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("server shutdown failed")
		}
	}()

	log.Infof("billing server listening on %s", cfg.Server.Addr)
	if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return errServe
	}
	return nil
}
