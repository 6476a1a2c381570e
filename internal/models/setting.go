package models

import "time"

// Setting keys recognized by the proxy core.
const (
	// SettingSystemPromptEnabled toggles system prompt injection globally.
	// The literal value "false" disables injection; anything else enables it.
	SettingSystemPromptEnabled = "systemPromptEnabled"
	// SettingGlobalSystemPrompt is the fallback prompt when a model defines none.
	SettingGlobalSystemPrompt = "globalSystemPrompt"
)

// Setting stores a key/value configuration entry in the database.
type Setting struct {
	Key       string    `gorm:"type:varchar(255);primaryKey"` // Configuration key.
	Value     string    `gorm:"type:text;not null"`           // Configuration value.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`      // Last update timestamp.
}
