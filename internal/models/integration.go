package models

import (
	"time"

	"gorm.io/datatypes"
)

// IntegrationSetting stores one global key/value setting of a provider.
type IntegrationSetting struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	ProviderID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_integration_setting_key,priority:1"`
	Key        string    `gorm:"type:varchar(191);not null;uniqueIndex:idx_integration_setting_key,priority:2"`
	Value      string    `gorm:"type:text"`              // Plain or encrypted value.
	Sensitive  bool      `gorm:"not null;default:false"` // Value is encrypted at rest.
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"`
}

// FieldMapping maps a form field to a provider property for one (form, provider) pair.
type FieldMapping struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	FormID        uint64    `gorm:"not null;uniqueIndex:idx_field_mapping_field,priority:1" json:"form_id"`
	ProviderID    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_field_mapping_field,priority:2" json:"provider_id"`
	FormField     string    `gorm:"type:varchar(191);not null;uniqueIndex:idx_field_mapping_field,priority:3" json:"form_field"`
	ProviderField string    `gorm:"type:varchar(191);not null" json:"provider_field"`
	SortOrder     int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}

// Integration log statuses.
const (
	LogStatusSuccess = "success"
	LogStatusError   = "error"
	LogStatusWarning = "warning"
	LogStatusInfo    = "info"
)

// IntegrationLog is an append-only audit entry for a dispatch attempt or related event.
type IntegrationLog struct {
	ID           uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	FormID       uint64         `gorm:"not null;index" json:"form_id"`
	SubmissionID *uint64        `gorm:"index" json:"submission_id,omitempty"`
	ProviderID   string         `gorm:"type:varchar(64);not null;index" json:"provider_id"`
	Status       string         `gorm:"type:varchar(16);not null;index" json:"status"`
	Message      string         `gorm:"type:text" json:"message"`
	Data         datatypes.JSON `gorm:"type:jsonb" json:"data,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;autoCreateTime;index" json:"created_at"`
}

// RetryTask is a durable, scheduled re-dispatch of one provider call.
type RetryTask struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ProviderID     string         `gorm:"type:varchar(64);not null;index" json:"provider_id"`
	FormID         uint64         `gorm:"not null;index" json:"form_id"`
	SubmissionID   uint64         `gorm:"not null;index" json:"submission_id"`
	Payload        datatypes.JSON `gorm:"type:jsonb" json:"payload"`         // Serialized request context.
	Attempt        int            `gorm:"not null;default:0" json:"attempt"` // Attempts already made.
	Reason         string         `gorm:"type:varchar(32)" json:"reason"`    // Failure class of the last attempt.
	TimeoutSeconds int            `gorm:"not null;default:0" json:"timeout_seconds"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	ScheduledAt    time.Time      `gorm:"not null;index" json:"scheduled_at"`
	LockedUntil    *time.Time     `gorm:"index" json:"locked_until,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
