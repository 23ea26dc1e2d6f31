package models

import (
	"encoding/json"
	"time"
)

// Setting is one runtime-tunable value such as RATE_LIMIT_MAX. Values are raw
// JSON so numbers, strings and {"value": ...} wrappers all round-trip.
type Setting struct {
	Key       string          `gorm:"type:varchar(128);primaryKey" json:"key"`
	Value     json.RawMessage `gorm:"type:jsonb" json:"value"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
