package models

import (
	"time"

	"gorm.io/datatypes"
)

// FormMeta stores a per-form JSON value keyed by meta key.
type FormMeta struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`                               // Primary key.
	FormID    uint64         `gorm:"not null;uniqueIndex:idx_form_meta_form_key,priority:1"` // Owning form.
	MetaKey   string         `gorm:"type:varchar(191);not null;uniqueIndex:idx_form_meta_form_key,priority:2"`
	MetaValue datatypes.JSON `gorm:"type:jsonb"`                                        // JSON value.
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last update timestamp.
}

// TableName pins the table name.
func (FormMeta) TableName() string { return "form_meta" }
