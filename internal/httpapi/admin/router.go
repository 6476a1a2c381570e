// Package admin exposes the management API: operator login, key and model
// administration, settings, and dashboard aggregates.
package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tokengate-io/tokengate/internal/config"
	"github.com/tokengate-io/tokengate/internal/directory"
	"github.com/tokengate-io/tokengate/internal/security"
)

// Router bundles the admin handlers and their middleware.
type Router struct {
	cfg       config.AdminConfig
	auth      *AuthHandler
	keys      *KeysHandler
	models    *ModelsHandler
	settings  *SettingsHandler
	dashboard *DashboardHandler
}

// NewRouter constructs the admin router.
func NewRouter(cfg config.AdminConfig, conn *gorm.DB, dir *directory.Directory) *Router {
	return &Router{
		cfg:       cfg,
		auth:      NewAuthHandler(cfg),
		keys:      NewKeysHandler(conn),
		models:    NewModelsHandler(conn, dir),
		settings:  NewSettingsHandler(conn, dir),
		dashboard: NewDashboardHandler(conn),
	}
}

// RegisterRoutes mounts the admin API under /api/admin.
func (r *Router) RegisterRoutes(root gin.IRouter) {
	group := root.Group("/api/admin")
	group.POST("/login", r.auth.Login)

	authed := group.Group("")
	authed.Use(r.authMiddleware())
	{
		authed.GET("/keys", r.keys.List)
		authed.POST("/keys", r.keys.Create)
		authed.PUT("/keys/:id", r.keys.Update)
		authed.DELETE("/keys/:id", r.keys.Delete)
		authed.POST("/keys/:id/balance", r.keys.AddBalance)
		authed.POST("/keys/:id/extend", r.keys.Extend)

		authed.GET("/models", r.models.List)
		authed.POST("/models", r.models.Create)
		authed.PUT("/models/:id", r.models.Update)
		authed.DELETE("/models/:id", r.models.Delete)

		authed.GET("/settings", r.settings.Get)
		authed.POST("/settings", r.settings.Save)

		authed.GET("/dashboard", r.dashboard.Summary)
	}
}

// authMiddleware validates the admin JWT on every management call.
func (r *Router) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if _, errParse := security.ParseAdminToken(r.cfg.JWTSecret, token); errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// jwtExpiryOrDefault returns the configured JWT lifetime.
func jwtExpiryOrDefault(cfg config.AdminConfig) time.Duration {
	if cfg.JWTExpiry > 0 {
		return cfg.JWTExpiry
	}
	return 24 * time.Hour
}
