package models

import (
	"time"

	"gorm.io/datatypes"
)

// Submission is a stored, immutable end-user submission.
type Submission struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement" json:"id"`              // Primary key.
	FormID    uint64         `gorm:"not null;index" json:"form_id"`                   // Form reference (not cascaded).
	Payload   datatypes.JSON `gorm:"type:jsonb" json:"payload"`                       // Canonical JSON payload.
	CreatedAt time.Time      `gorm:"not null;autoCreateTime;index" json:"created_at"` // Creation timestamp.
}

// Dispatch states for a (submission, provider) pair.
const (
	DispatchPending        = "pending"
	DispatchDispatching    = "dispatching"
	DispatchSucceeded      = "succeeded"
	DispatchRetrying       = "retrying"
	DispatchFailedFatal    = "failed_fatal"
	DispatchFailedTerminal = "failed_terminal"
)

// DispatchState tracks the integration state machine of one provider for one submission.
type DispatchState struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SubmissionID uint64    `gorm:"not null;uniqueIndex:idx_dispatch_submission_provider,priority:1" json:"submission_id"`
	ProviderID   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_dispatch_submission_provider,priority:2" json:"provider_id"`
	FormID       uint64    `gorm:"not null;index" json:"form_id"`
	State        string    `gorm:"type:varchar(32);not null;index" json:"state"`
	Attempts     int       `gorm:"not null;default:0" json:"attempts"`
	LastError    string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// TableName pins the table name.
func (DispatchState) TableName() string { return "submission_dispatches" }
