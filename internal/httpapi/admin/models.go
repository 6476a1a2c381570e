package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tokengate-io/tokengate/internal/directory"
	"github.com/tokengate-io/tokengate/internal/models"
)

// ModelsHandler manages model mappings. Every write invalidates the
// directory's model cache so resolution reflects the change within the same
// TTL bound as a cold lookup.
type ModelsHandler struct {
	db  *gorm.DB
	dir *directory.Directory
}

// NewModelsHandler constructs a ModelsHandler.
func NewModelsHandler(db *gorm.DB, dir *directory.Directory) *ModelsHandler {
	return &ModelsHandler{db: db, dir: dir}
}

// List returns all model mappings.
func (h *ModelsHandler) List(c *gin.Context) {
	var mappings []models.ModelMapping
	if errFind := h.db.WithContext(c.Request.Context()).Order("id ASC").Find(&mappings).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": mappings})
}

// modelRequest is the create/update payload.
type modelRequest struct {
	DisplayName   string  `json:"display_name" binding:"required"`
	ActualModel   string  `json:"actual_model" binding:"required"`
	APIURL        string  `json:"api_url" binding:"required"`
	APIKey        string  `json:"api_key"`
	APIFormat     string  `json:"api_format" binding:"required"`
	InputPrice    float64 `json:"input_price"`
	OutputPrice   float64 `json:"output_price"`
	SystemPrompt  *string `json:"system_prompt"`
	DisableSystem bool    `json:"disable_system"`
	Enabled       *bool   `json:"enabled"`
}

func (r *modelRequest) validFormat() bool {
	return r.APIFormat == models.DialectOpenAI || r.APIFormat == models.DialectAnthropic
}

// Create stores a new model mapping.
func (h *ModelsHandler) Create(c *gin.Context) {
	var req modelRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "display_name, actual_model, api_url and api_format required"})
		return
	}
	if !req.validFormat() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_format must be openai or anthropic"})
		return
	}

	mapping := models.ModelMapping{
		DisplayName:   req.DisplayName,
		ActualModel:   req.ActualModel,
		APIURL:        req.APIURL,
		APIKey:        req.APIKey,
		APIFormat:     req.APIFormat,
		InputPrice:    req.InputPrice,
		OutputPrice:   req.OutputPrice,
		SystemPrompt:  req.SystemPrompt,
		DisableSystem: req.DisableSystem,
		Enabled:       req.Enabled == nil || *req.Enabled,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&mapping).Error; errCreate != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "create failed; display name may already exist"})
		return
	}

	h.invalidate(c)
	log.WithField("display_name", mapping.DisplayName).Info("model mapping created")
	c.JSON(http.StatusCreated, gin.H{"model": mapping})
}

// Update replaces a mapping's fields.
func (h *ModelsHandler) Update(c *gin.Context) {
	mapping, ok := h.loadMapping(c)
	if !ok {
		return
	}
	var req modelRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !req.validFormat() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_format must be openai or anthropic"})
		return
	}

	updates := map[string]any{
		"display_name":   req.DisplayName,
		"actual_model":   req.ActualModel,
		"api_url":        req.APIURL,
		"api_key":        req.APIKey,
		"api_format":     req.APIFormat,
		"input_price":    req.InputPrice,
		"output_price":   req.OutputPrice,
		"system_prompt":  req.SystemPrompt,
		"disable_system": req.DisableSystem,
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if errUpdate := h.db.WithContext(c.Request.Context()).Model(mapping).Updates(updates).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}

	h.invalidate(c)
	c.JSON(http.StatusOK, gin.H{"model": mapping})
}

// Delete removes a mapping.
func (h *ModelsHandler) Delete(c *gin.Context) {
	mapping, ok := h.loadMapping(c)
	if !ok {
		return
	}
	if errDelete := h.db.WithContext(c.Request.Context()).Delete(mapping).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}

	h.invalidate(c)
	log.WithField("display_name", mapping.DisplayName).Info("model mapping deleted")
	c.JSON(http.StatusOK, gin.H{"deleted": mapping.ID})
}

func (h *ModelsHandler) invalidate(c *gin.Context) {
	h.dir.InvalidateModels(c.Request.Context())
}

func (h *ModelsHandler) loadMapping(c *gin.Context) (*models.ModelMapping, bool) {
	id, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	var mapping models.ModelMapping
	if errFirst := h.db.WithContext(c.Request.Context()).First(&mapping, id).Error; errFirst != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
		return nil, false
	}
	return &mapping, true
}
