package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tokengate-io/tokengate/internal/models"
)

// DashboardHandler serves aggregate operational totals.
type DashboardHandler struct {
	db *gorm.DB
}

// NewDashboardHandler constructs a DashboardHandler.
func NewDashboardHandler(db *gorm.DB) *DashboardHandler {
	return &DashboardHandler{db: db}
}

// Summary returns key, model, request, token, and revenue totals.
func (h *DashboardHandler) Summary(c *gin.Context) {
	ctx := c.Request.Context()

	var keyCount, modelCount, requestCount int64
	if errCount := h.db.WithContext(ctx).Model(&models.APIKey{}).Count(&keyCount).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if errCount := h.db.WithContext(ctx).Model(&models.ModelMapping{}).Count(&modelCount).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if errCount := h.db.WithContext(ctx).Model(&models.UsageLog{}).Count(&requestCount).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	// totals holds summed usage across all recorded calls.
	type totals struct {
		InputTokens  int64   `json:"input_tokens"`
		OutputTokens int64   `json:"output_tokens"`
		Revenue      float64 `json:"revenue"`
	}
	var sums totals
	if errScan := h.db.WithContext(ctx).Model(&models.UsageLog{}).
		Select("COALESCE(SUM(input_tokens),0) AS input_tokens, COALESCE(SUM(output_tokens),0) AS output_tokens, COALESCE(SUM(cost),0) AS revenue").
		Scan(&sums).Error; errScan != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":          keyCount,
		"models":        modelCount,
		"requests":      requestCount,
		"input_tokens":  sums.InputTokens,
		"output_tokens": sums.OutputTokens,
		"revenue":       sums.Revenue,
	})
}
