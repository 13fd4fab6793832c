package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent stores verified gateway deliveries for audit and replay.
type WebhookEvent struct {
	BaseModel
	Provider        string         `gorm:"type:varchar(32);not null;index" json:"provider"`
	Event           string         `gorm:"type:varchar(100);not null;index" json:"event"`
	Reference       string         `gorm:"index" json:"reference"`
	Payload         datatypes.JSON `gorm:"not null" json:"payload"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processing_error"`
}
