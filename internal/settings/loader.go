package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/formrelay/formrelay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errNilDB = errors.New("settings: nil db")

// Refresh reloads all settings from the database and swaps the snapshot.
//
// It must run at startup; until then every getter returns its default.
func (s *Store) Refresh(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errNilDB
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = row.Value
		if row.UpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = row.UpdatedAt
		}
	}

	s.Replace(maxUpdatedAt, values)
	return nil
}

// Set upserts one setting and refreshes the snapshot.
func (s *Store) Set(ctx context.Context, db *gorm.DB, key string, value json.RawMessage) error {
	if db == nil {
		return errNilDB
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("settings: empty key")
	}
	if !json.Valid(value) {
		return errors.New("settings: value is not valid json")
	}
	row := models.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if errSave := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; errSave != nil {
		return errSave
	}
	return s.Refresh(ctx, db)
}

// Delete removes one setting and refreshes the snapshot.
func (s *Store) Delete(ctx context.Context, db *gorm.DB, key string) error {
	if db == nil {
		return errNilDB
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if errDelete := db.WithContext(ctx).Where("key = ?", strings.TrimSpace(key)).Delete(&models.Setting{}).Error; errDelete != nil {
		return errDelete
	}
	return s.Refresh(ctx, db)
}
