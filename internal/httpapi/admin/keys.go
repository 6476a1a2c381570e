package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tokengate-io/tokengate/internal/models"
	"github.com/tokengate-io/tokengate/internal/security"
)

// KeysHandler manages API key credentials.
type KeysHandler struct {
	db *gorm.DB
}

// NewKeysHandler constructs a KeysHandler.
func NewKeysHandler(db *gorm.DB) *KeysHandler {
	return &KeysHandler{db: db}
}

// keyView is the list representation; the secret is masked to its first
// eight characters.
type keyView struct {
	ID                     uint64     `json:"id"`
	Name                   string     `json:"name"`
	MaskedKey              string     `json:"masked_key"`
	Enabled                bool       `json:"enabled"`
	Regime                 string     `json:"regime"`
	Balance                float64    `json:"balance"`
	RateLimitAmount        *float64   `json:"rate_limit_amount,omitempty"`
	RateLimitIntervalHours *int       `json:"rate_limit_interval_hours,omitempty"`
	RateLimitWindowSpent   float64    `json:"rate_limit_window_spent"`
	Expiry                 *time.Time `json:"expiry,omitempty"`
	TotalSpent             float64    `json:"total_spent"`
	TotalTokens            int64      `json:"total_tokens"`
	CreatedAt              time.Time  `json:"created_at"`
}

func maskKey(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:8] + "..."
}

func toKeyView(k *models.APIKey) keyView {
	return keyView{
		ID:                     k.ID,
		Name:                   k.Name,
		MaskedKey:              maskKey(k.Key),
		Enabled:                k.Enabled,
		Regime:                 k.Regime(),
		Balance:                k.Balance,
		RateLimitAmount:        k.RateLimitAmount,
		RateLimitIntervalHours: k.RateLimitIntervalHours,
		RateLimitWindowSpent:   k.RateLimitWindowSpent,
		Expiry:                 k.Expiry,
		TotalSpent:             k.TotalSpent,
		TotalTokens:            k.TotalTokens,
		CreatedAt:              k.CreatedAt,
	}
}

// List returns every key with masked secrets.
func (h *KeysHandler) List(c *gin.Context) {
	var keys []models.APIKey
	if errFind := h.db.WithContext(c.Request.Context()).Order("id ASC").Find(&keys).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	views := make([]keyView, 0, len(keys))
	for i := range keys {
		views = append(views, toKeyView(&keys[i]))
	}
	c.JSON(http.StatusOK, gin.H{"keys": views})
}

// createKeyRequest is the key creation payload.
type createKeyRequest struct {
	Name                   string   `json:"name" binding:"required"`
	Balance                float64  `json:"balance"`
	RateLimitAmount        *float64 `json:"rate_limit_amount"`
	RateLimitIntervalHours *int     `json:"rate_limit_interval_hours"`
	ExpiryDays             *int     `json:"expiry_days"`
}

// Create generates a fresh secret and stores the key. The full secret is
// returned exactly once, in this response.
func (h *KeysHandler) Create(c *gin.Context) {
	var req createKeyRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	if (req.RateLimitAmount == nil) != (req.RateLimitIntervalHours == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rate limit amount and interval must be set together"})
		return
	}

	secret, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key generation failed"})
		return
	}

	key := models.APIKey{
		Name:                   req.Name,
		Key:                    secret,
		Enabled:                true,
		Balance:                req.Balance,
		RateLimitAmount:        req.RateLimitAmount,
		RateLimitIntervalHours: req.RateLimitIntervalHours,
	}
	if req.ExpiryDays != nil && *req.ExpiryDays > 0 {
		expiry := time.Now().UTC().Add(time.Duration(*req.ExpiryDays) * 24 * time.Hour)
		key.Expiry = &expiry
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&key).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}

	log.WithFields(log.Fields{"key_id": key.ID, "name": key.Name}).Info("api key created")
	c.JSON(http.StatusCreated, gin.H{"key": toKeyView(&key), "secret": secret})
}

// updateKeyRequest is the key update payload. Only present fields change.
type updateKeyRequest struct {
	Name                   *string  `json:"name"`
	Enabled                *bool    `json:"enabled"`
	RateLimitAmount        *float64 `json:"rate_limit_amount"`
	RateLimitIntervalHours *int     `json:"rate_limit_interval_hours"`
}

// Update modifies mutable key fields.
func (h *KeysHandler) Update(c *gin.Context) {
	key, ok := h.loadKey(c)
	if !ok {
		return
	}
	var req updateKeyRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if req.RateLimitAmount != nil {
		updates["rate_limit_amount"] = *req.RateLimitAmount
	}
	if req.RateLimitIntervalHours != nil {
		updates["rate_limit_interval_hours"] = *req.RateLimitIntervalHours
	}
	if len(updates) == 0 {
		c.JSON(http.StatusOK, gin.H{"key": toKeyView(key)})
		return
	}

	if errUpdate := h.db.WithContext(c.Request.Context()).Model(key).Updates(updates).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": toKeyView(key)})
}

// Delete removes a key permanently.
func (h *KeysHandler) Delete(c *gin.Context) {
	key, ok := h.loadKey(c)
	if !ok {
		return
	}
	if errDelete := h.db.WithContext(c.Request.Context()).Delete(key).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	log.WithField("key_id", key.ID).Info("api key deleted")
	c.JSON(http.StatusOK, gin.H{"deleted": key.ID})
}

// balanceRequest is the add-balance payload.
type balanceRequest struct {
	Amount float64 `json:"amount" binding:"required"`
}

// AddBalance credits the prepaid balance.
func (h *KeysHandler) AddBalance(c *gin.Context) {
	key, ok := h.loadKey(c)
	if !ok {
		return
	}
	var req balanceRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "positive amount required"})
		return
	}

	if errUpdate := h.db.WithContext(c.Request.Context()).Model(key).
		Update("balance", gorm.Expr("balance + ?", req.Amount)).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	log.WithFields(log.Fields{"key_id": key.ID, "amount": req.Amount}).Info("balance credited")
	c.JSON(http.StatusOK, gin.H{"credited": req.Amount})
}

// extendRequest is the expiry extension payload.
type extendRequest struct {
	Days int `json:"days" binding:"required"`
}

// Extend pushes the expiry out by N days. The extension base is whichever is
// later: the current expiry or now, so extending an already-expired key
// revives it from the present.
func (h *KeysHandler) Extend(c *gin.Context) {
	key, ok := h.loadKey(c)
	if !ok {
		return
	}
	var req extendRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil || req.Days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "positive days required"})
		return
	}

	base := time.Now().UTC()
	if key.Expiry != nil && key.Expiry.After(base) {
		base = *key.Expiry
	}
	expiry := base.Add(time.Duration(req.Days) * 24 * time.Hour)

	if errUpdate := h.db.WithContext(c.Request.Context()).Model(key).
		Update("expiry", expiry).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expiry": expiry})
}

// loadKey resolves the :id path parameter to a stored key, writing the error
// response itself on failure.
func (h *KeysHandler) loadKey(c *gin.Context) (*models.APIKey, bool) {
	id, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	var key models.APIKey
	if errFirst := h.db.WithContext(c.Request.Context()).First(&key, id).Error; errFirst != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return nil, false
	}
	return &key, true
}
