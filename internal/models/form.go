package models

import (
	"time"

	"gorm.io/datatypes"
)

// Field types accepted by FieldDefinition.Type.
const (
	FieldText     = "text"
	FieldEmail    = "email"
	FieldURL      = "url"
	FieldNumber   = "number"
	FieldDate     = "date"
	FieldTextarea = "textarea"
	FieldSelect   = "select"
	FieldRadio    = "radio"
	FieldCheckbox = "checkbox"
	FieldFile     = "file"
	FieldCaptcha  = "captcha"
	FieldSubmit   = "submit"
	FieldHTML     = "html"
)

// Form is an admin-defined form with its ordered field list and behaviour settings.
type Form struct {
	ID    uint64 `gorm:"primaryKey;autoIncrement" json:"id"` // Primary key.
	Title string `gorm:"type:text;not null" json:"title"`    // Display title.

	Fields   datatypes.JSONSlice[FieldDefinition] `gorm:"type:jsonb" json:"fields"`   // Ordered field definitions.
	Settings datatypes.JSONType[FormSettings]     `gorm:"type:jsonb" json:"settings"` // Behaviour settings.

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"` // Last update timestamp.
}

// FieldDefinition describes one input of a form.
type FieldDefinition struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Label       string   `json:"label"`
	Required    bool     `json:"required,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	MinLength   *int     `json:"min_length,omitempty"`
	MaxLength   *int     `json:"max_length,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Default     string   `json:"default,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// IsInput reports whether the field carries a submitted value.
func (f FieldDefinition) IsInput() bool {
	switch f.Type {
	case FieldSubmit, FieldHTML:
		return false
	default:
		return true
	}
}

// DisplayLabel returns the label, falling back to the field ID.
func (f FieldDefinition) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.ID
}

// FormSettings holds per-form behaviour. Integration settings live in FormMeta.
type FormSettings struct {
	SuccessMessage string               `json:"success_message,omitempty"`
	RedirectURL    string               `json:"redirect_url,omitempty"`
	Notification   NotificationSettings `json:"notification"`
	RateLimit      RateLimitSettings    `json:"rate_limit"`
	Upload         UploadSettings       `json:"upload"`
}

// NotificationSettings configures the admin email sent for each submission.
type NotificationSettings struct {
	Enabled bool     `json:"enabled"`
	To      []string `json:"to,omitempty"`
	From    string   `json:"from,omitempty"`
	Subject string   `json:"subject,omitempty"`
}

// RateLimitSettings overrides the global submission throttle for a form.
type RateLimitSettings struct {
	Max           int `json:"max,omitempty"`
	WindowSeconds int `json:"window_seconds,omitempty"`
}

// UploadSettings overrides the global upload policy for a form.
type UploadSettings struct {
	MaxBytes int64 `json:"max_bytes,omitempty"`
}

// Field returns the field definition with the given ID.
func (f *Form) Field(id string) (FieldDefinition, bool) {
	if f == nil {
		return FieldDefinition{}, false
	}
	for _, field := range f.Fields {
		if field.ID == id {
			return field, true
		}
	}
	return FieldDefinition{}, false
}
