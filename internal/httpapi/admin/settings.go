package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokengate-io/tokengate/internal/directory"
	"github.com/tokengate-io/tokengate/internal/models"
)

// SettingsHandler manages global settings. Saves invalidate the directory's
// settings cache.
type SettingsHandler struct {
	db  *gorm.DB
	dir *directory.Directory
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(db *gorm.DB, dir *directory.Directory) *SettingsHandler {
	return &SettingsHandler{db: db, dir: dir}
}

// Get returns all settings as a key/value map.
func (h *SettingsHandler) Get(c *gin.Context) {
	var rows []models.Setting
	if errFind := h.db.WithContext(c.Request.Context()).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	settings := make(map[string]string, len(rows))
	for _, row := range rows {
		settings[row.Key] = row.Value
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// Save upserts each submitted key and invalidates the settings cache.
func (h *SettingsHandler) Save(c *gin.Context) {
	var payload map[string]string
	if errBind := c.ShouldBindJSON(&payload); errBind != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "non-empty settings object required"})
		return
	}

	errTx := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		for key, value := range payload {
			row := models.Setting{Key: key, Value: value}
			if errUpsert := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error; errUpsert != nil {
				return errUpsert
			}
		}
		return nil
	})
	if errTx != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}

	h.dir.InvalidateSettings(c.Request.Context())
	log.WithField("count", len(payload)).Info("settings saved")
	c.JSON(http.StatusOK, gin.H{"saved": len(payload)})
}
