// Package userapi exposes the key-holder self-service API: budget status,
// recent usage, and the model catalog, all authenticated by the metering key
// itself.
package userapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tokengate-io/tokengate/internal/guard"
	"github.com/tokengate-io/tokengate/internal/models"
)

const contextKeyAPIKey = "userapi.apiKey"

// Router bundles the key-holder endpoints.
type Router struct {
	db    *gorm.DB
	guard *guard.Guard
}

// NewRouter constructs the key-holder router.
func NewRouter(db *gorm.DB, g *guard.Guard) *Router {
	return &Router{db: db, guard: g}
}

// RegisterRoutes mounts the key-holder API under /api/user.
func (r *Router) RegisterRoutes(root gin.IRouter) {
	group := root.Group("/api/user")
	group.Use(r.authMiddleware())
	group.GET("/status", r.status)
	group.GET("/usage", r.usage)
	group.GET("/models", r.models)
}

// authMiddleware resolves the bearer secret to a stored key. Unlike the
// proxy, an expired key is still allowed here so its holder can inspect it.
func (r *Router) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}
		secret := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		key, errAuth := r.guard.Authenticate(c.Request.Context(), secret)
		if errAuth != nil && !errors.Is(errAuth, guard.ErrExpiredKey) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Set(contextKeyAPIKey, key)
		c.Next()
	}
}

func currentKey(c *gin.Context) *models.APIKey {
	value, _ := c.Get(contextKeyAPIKey)
	key, _ := value.(*models.APIKey)
	return key
}

// status reports the key's budget state and expiry.
func (r *Router) status(c *gin.Context) {
	key := currentKey(c)
	now := time.Now().UTC()

	payload := gin.H{
		"name":          key.Name,
		"regime":        key.Regime(),
		"balance":       key.Balance,
		"total_spent":   key.TotalSpent,
		"total_tokens":  key.TotalTokens,
		"expired":       key.Expired(now),
		"enabled":       key.Enabled,
		"expiry":        key.Expiry,
		"days_remaining": key.DaysRemaining(now),
	}
	if key.Regime() == models.RegimeRate {
		payload["rate_limit_amount"] = key.RateLimitAmount
		payload["rate_limit_interval_hours"] = key.RateLimitIntervalHours
		payload["rate_limit_window_spent"] = key.RateLimitWindowSpent
		payload["rate_limit_window_reset_at"] = key.WindowResetAt()
	}
	c.JSON(http.StatusOK, payload)
}

// usage returns the most recent usage records for the key.
func (r *Router) usage(c *gin.Context) {
	key := currentKey(c)

	var rows []models.UsageLog
	if errFind := r.db.WithContext(c.Request.Context()).
		Where("api_key_id = ?", key.ID).
		Order("id DESC").
		Limit(100).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": rows})
}

// modelView hides upstream routing details from key holders.
type modelView struct {
	DisplayName string  `json:"display_name"`
	InputPrice  float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`
}

// models lists the enabled model catalog with client-facing prices only.
func (r *Router) models(c *gin.Context) {
	var mappings []models.ModelMapping
	if errFind := r.db.WithContext(c.Request.Context()).
		Where("enabled = ?", true).
		Order("display_name ASC").
		Find(&mappings).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	views := make([]modelView, 0, len(mappings))
	for _, m := range mappings {
		views = append(views, modelView{
			DisplayName: m.DisplayName,
			InputPrice:  m.InputPrice,
			OutputPrice: m.OutputPrice,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": views})
}
