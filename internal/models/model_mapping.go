package models

import "time"

// Upstream wire dialect tags.
const (
	// DialectOpenAI marks an OpenAI-style upstream.
	DialectOpenAI = "openai"
	// DialectAnthropic marks an Anthropic-style upstream.
	DialectAnthropic = "anthropic"
)

// ModelMapping maps a client-visible model name to upstream connection
// details. Mutated only by administrative writes, which must invalidate the
// directory cache.
type ModelMapping struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DisplayName string `gorm:"type:text;not null;uniqueIndex"` // Client-facing model name, unique case-insensitively.
	ActualModel string `gorm:"type:text;not null"`             // Upstream provider model identifier.

	APIURL    string `gorm:"type:text;not null"` // Upstream base URL.
	APIKey    string `gorm:"type:text;not null"` // Upstream secret.
	APIFormat string `gorm:"type:text;not null"` // Wire dialect tag: openai or anthropic.

	InputPrice  float64 `gorm:"not null;default:0"` // Price per million input tokens.
	OutputPrice float64 `gorm:"not null;default:0"` // Price per million output tokens.

	SystemPrompt  *string `gorm:"type:text"`              // Optional per-model system prompt.
	DisableSystem bool    `gorm:"not null;default:false"` // Suppresses system prompt injection for this model.

	Enabled bool `gorm:"not null;default:true"` // Whether the mapping is resolvable.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
