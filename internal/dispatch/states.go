package dispatch

import (
	"context"
	"time"

	"github.com/formrelay/formrelay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateFilter narrows ListStates.
type StateFilter struct {
	SubmissionID uint64
	FormID       uint64
	Provider     string
	State        string
	Page         int
	Limit        int
}

// StateStore persists the per-provider dispatch state of submissions.
type StateStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStateStore builds a store on db.
func NewStateStore(db *gorm.DB) *StateStore {
	return &StateStore{db: db, now: time.Now}
}

// Set upserts the state row of (submissionID, provider).
func (s *StateStore) Set(ctx context.Context, formID, submissionID uint64, provider, state string, attempts int, lastError string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.now().UTC()
	row := models.DispatchState{
		SubmissionID: submissionID,
		ProviderID:   provider,
		FormID:       formID,
		State:        state,
		Attempts:     attempts,
		LastError:    lastError,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "submission_id"}, {Name: "provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "attempts", "last_error", "updated_at"}),
	}).Create(&row).Error
}

// Get returns the state row of (submissionID, provider).
func (s *StateStore) Get(ctx context.Context, submissionID uint64, provider string) (*models.DispatchState, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var row models.DispatchState
	if errFind := s.db.WithContext(ctx).
		Where("submission_id = ? AND provider_id = ?", submissionID, provider).
		Take(&row).Error; errFind != nil {
		return nil, errFind
	}
	return &row, nil
}

// List returns matching rows, most recently updated first, and the total count.
func (s *StateStore) List(ctx context.Context, f StateFilter) ([]models.DispatchState, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 200 {
		f.Limit = 50
	}
	q := s.db.WithContext(ctx).Model(&models.DispatchState{})
	if f.SubmissionID != 0 {
		q = q.Where("submission_id = ?", f.SubmissionID)
	}
	if f.FormID != 0 {
		q = q.Where("form_id = ?", f.FormID)
	}
	if f.Provider != "" {
		q = q.Where("provider_id = ?", f.Provider)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, errCount
	}
	var rows []models.DispatchState
	errFind := q.Order("updated_at DESC, id DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&rows).Error
	return rows, total, errFind
}
