// Package directory resolves client-visible model names and settings through
// a short-TTL cache in front of the durable store. Administrative writes
// invalidate the whole model or settings cache; in-flight calls may finish
// on a pre-invalidation snapshot, and staleness is bounded by the TTL.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tokengate-io/tokengate/internal/cache"
	"github.com/tokengate-io/tokengate/internal/models"
)

// ErrModelNotFound indicates no enabled mapping matches the display name.
var ErrModelNotFound = errors.New("model not found")

const settingKeyPrefix = "setting:"

// Directory fronts the model mapping and setting tables with caches.
type Directory struct {
	db            *gorm.DB
	modelCache    cache.Cache
	settingsCache cache.Cache
	ttl           time.Duration
}

// New constructs a Directory with the given cache backends and entry TTL.
func New(db *gorm.DB, modelCache, settingsCache cache.Cache, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Directory{
		db:            db,
		modelCache:    modelCache,
		settingsCache: settingsCache,
		ttl:           ttl,
	}
}

// ResolveModel returns the enabled mapping whose display name matches,
// case-insensitively. On a cache miss the mapping is loaded from the store
// and cached for the TTL.
func (d *Directory) ResolveModel(ctx context.Context, displayName string) (*models.ModelMapping, error) {
	key := strings.ToLower(strings.TrimSpace(displayName))
	if key == "" {
		return nil, ErrModelNotFound
	}

	if data, ok := d.modelCache.Get(ctx, key); ok {
		mapping := &models.ModelMapping{}
		if errUnmarshal := json.Unmarshal(data, mapping); errUnmarshal == nil {
			return mapping, nil
		}
		// Unreadable entry: drop it and fall through to the store.
		_ = d.modelCache.Delete(ctx, key)
	}

	mapping := &models.ModelMapping{}
	errFind := d.db.WithContext(ctx).
		Where("LOWER(display_name) = ? AND enabled = ?", key, true).
		First(mapping).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, errFind
	}

	if data, errMarshal := json.Marshal(mapping); errMarshal == nil {
		_ = d.modelCache.Set(ctx, key, data, d.ttl)
	}
	return mapping, nil
}

// Setting returns the value for a settings key, or "" when the key is not
// set. Only present keys are cached so a later write becomes visible within
// the TTL even without invalidation.
func (d *Directory) Setting(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", nil
	}

	if data, ok := d.settingsCache.Get(ctx, settingKeyPrefix+key); ok {
		return string(data), nil
	}

	setting := &models.Setting{}
	errFind := d.db.WithContext(ctx).Where("key = ?", key).First(setting).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", errFind
	}

	_ = d.settingsCache.Set(ctx, settingKeyPrefix+key, []byte(setting.Value), d.ttl)
	return setting.Value, nil
}

// SystemPromptEnabled reports whether system prompt injection is globally
// enabled. Any value other than the literal "false" enables it.
func (d *Directory) SystemPromptEnabled(ctx context.Context) bool {
	value, errGet := d.Setting(ctx, models.SettingSystemPromptEnabled)
	if errGet != nil {
		log.WithError(errGet).Warn("directory: read systemPromptEnabled failed")
		return true
	}
	return value != "false"
}

// GlobalSystemPrompt returns the fallback system prompt text.
func (d *Directory) GlobalSystemPrompt(ctx context.Context) string {
	value, errGet := d.Setting(ctx, models.SettingGlobalSystemPrompt)
	if errGet != nil {
		log.WithError(errGet).Warn("directory: read globalSystemPrompt failed")
		return ""
	}
	return value
}

// InvalidateModels drops the entire model cache. Called by administrative
// writes to any model mapping.
func (d *Directory) InvalidateModels(ctx context.Context) {
	if errClear := d.modelCache.Clear(ctx); errClear != nil {
		log.WithError(errClear).Warn("directory: model cache clear failed")
	}
}

// InvalidateSettings drops the entire settings cache. Called by
// administrative writes to any setting.
func (d *Directory) InvalidateSettings(ctx context.Context) {
	if errClear := d.settingsCache.Clear(ctx); errClear != nil {
		log.WithError(errClear).Warn("directory: settings cache clear failed")
	}
}
