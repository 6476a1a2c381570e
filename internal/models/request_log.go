package models

import (
	"time"

	"gorm.io/datatypes"
)

// RequestLog records rejected or failed proxy calls for audit. Successful
// billed calls are captured by UsageLog instead; the two never overlap.
type RequestLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	CorrelationID string  `gorm:"type:text;not null;index"` // Per-call correlation identifier.
	APIKeyID      *uint64 `gorm:"index"`                    // Authenticated key, when known.

	Model string `gorm:"type:text"` // Client-requested model display name.

	StatusCode  int            `gorm:"not null"`   // HTTP status returned to the client.
	ErrorDetail datatypes.JSON `gorm:"type:jsonb"` // Structured error detail JSON.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
