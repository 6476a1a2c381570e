// Package app wires the configuration, store, caches, and HTTP surfaces into
// a runnable gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/tokengate-io/tokengate/internal/billing"
	"github.com/tokengate-io/tokengate/internal/cache"
	"github.com/tokengate-io/tokengate/internal/config"
	"github.com/tokengate-io/tokengate/internal/db"
	"github.com/tokengate-io/tokengate/internal/directory"
	"github.com/tokengate-io/tokengate/internal/guard"
	"github.com/tokengate-io/tokengate/internal/httpapi/admin"
	"github.com/tokengate-io/tokengate/internal/httpapi/userapi"
	"github.com/tokengate-io/tokengate/internal/logging"
	"github.com/tokengate-io/tokengate/internal/proxy"
)

// Migrate opens the database and runs schema migrations.
func Migrate(_ context.Context, configPath string) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the gateway and serves until the context is cancelled.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
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

	modelCache, settingsCache, errCaches := buildCaches(ctx, cfg.Cache)
	if errCaches != nil {
		return errCaches
	}

	dir := directory.New(conn, modelCache, settingsCache, cfg.Cache.TTL)
	g := guard.New(conn)
	ledger := billing.NewLedger(conn)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	proxy.New(conn, g, dir, ledger, cfg.Proxy.UpstreamTimeout, cfg.Proxy.HeartbeatInterval).RegisterRoutes(engine)
	admin.NewRouter(cfg.Admin, conn, dir).RegisterRoutes(engine)
	userapi.NewRouter(conn, g).RegisterRoutes(engine)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.ListenAddr).Info("gateway listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			return errShutdown
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// buildCaches selects the cache backend: shared Redis when an address is
// configured, otherwise per-process LRU caches.
func buildCaches(ctx context.Context, cfg config.CacheConfig) (modelCache, settingsCache cache.Cache, err error) {
	if cfg.RedisAddr != "" {
		modelCache, err = cache.NewRedisCache(ctx, cfg.RedisAddr, "models")
		if err != nil {
			return nil, nil, err
		}
		settingsCache, err = cache.NewRedisCache(ctx, cfg.RedisAddr, "settings")
		if err != nil {
			return nil, nil, err
		}
		log.WithField("addr", cfg.RedisAddr).Info("using redis directory cache")
		return modelCache, settingsCache, nil
	}
	return cache.NewLRUCache(cfg.Size), cache.NewLRUCache(cfg.Size), nil
}
