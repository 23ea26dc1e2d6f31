// Package submissions persists end-user submissions.
package submissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/formrelay/formrelay/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNotFound is returned by Get for an unknown ID.
var ErrNotFound = errors.New("submissions: not found")

// Store saves and reads submissions. Rows are never updated.
type Store struct {
	db *gorm.DB
}

// NewStore builds a store on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Save persists payload for formID and returns the new submission ID.
// A missing submissions table is reported as apperr.SchemaMissing.
func (s *Store) Save(ctx context.Context, formID uint64, payload map[string]any) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, apperr.New(apperr.SchemaMissing, "submission storage unavailable")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.db.WithContext(ctx).Migrator().HasTable(&models.Submission{}) {
		return 0, apperr.New(apperr.SchemaMissing, "submissions table missing")
	}
	raw, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return 0, fmt.Errorf("submissions: marshal payload: %w", errMarshal)
	}
	row := models.Submission{FormID: formID, Payload: datatypes.JSON(raw)}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return 0, fmt.Errorf("submissions: create: %w", errCreate)
	}
	return row.ID, nil
}

// Get loads one submission.
func (s *Store) Get(ctx context.Context, id uint64) (*models.Submission, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var row models.Submission
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// ListByForm returns one page of a form's submissions, newest first.
func (s *Store) ListByForm(ctx context.Context, formID uint64, page, limit int) ([]models.Submission, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	var rows []models.Submission
	errFind := s.db.WithContext(ctx).
		Where("form_id = ?", formID).
		Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&rows).Error
	return rows, errFind
}

// CountByForm counts a form's submissions.
func (s *Store) CountByForm(ctx context.Context, formID uint64) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var total int64
	errCount := s.db.WithContext(ctx).Model(&models.Submission{}).Where("form_id = ?", formID).Count(&total).Error
	return total, errCount
}

// Values decodes a stored payload into string values, skipping non-string entries.
func Values(row *models.Submission) map[string]string {
	out := map[string]string{}
	if row == nil || len(row.Payload) == 0 {
		return out
	}
	var decoded map[string]any
	if errUnmarshal := json.Unmarshal(row.Payload, &decoded); errUnmarshal != nil {
		return out
	}
	for key, value := range decoded {
		if s, ok := value.(string); ok {
			out[key] = s
		}
	}
	return out
}
