// Package retry keeps dispatch retries durable and runs them when due.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/formrelay/formrelay/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("retry: task not found")

// Store is the database-backed retry queue. A claimed task carries a lease in
// locked_until; an expired lease makes it claimable again, so a task may run
// more than once.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore builds a store on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Enqueue persists a new task.
func (s *Store) Enqueue(ctx context.Context, task *models.RetryTask) error {
	if task == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = s.now().UTC()
	}
	task.LockedUntil = nil
	return s.db.WithContext(ctx).Create(task).Error
}

// Claim leases up to limit due tasks for lease.
func (s *Store) Claim(ctx context.Context, limit int, lease time.Duration) ([]models.RetryTask, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 1
	}
	now := s.now().UTC()
	var due []models.RetryTask
	errFind := s.db.WithContext(ctx).
		Where("scheduled_at <= ?", now).
		Where("locked_until IS NULL OR locked_until < ?", now).
		Order("scheduled_at ASC, id ASC").
		Limit(limit).
		Find(&due).Error
	if errFind != nil {
		return nil, errFind
	}

	lockedUntil := now.Add(lease)
	claimed := make([]models.RetryTask, 0, len(due))
	for _, task := range due {
		res := s.db.WithContext(ctx).Model(&models.RetryTask{}).
			Where("id = ?", task.ID).
			Where("locked_until IS NULL OR locked_until < ?", now).
			Updates(map[string]any{"locked_until": lockedUntil, "updated_at": now})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 1 {
			task.LockedUntil = &lockedUntil
			claimed = append(claimed, task)
		}
	}
	return claimed, nil
}

// Delete removes a processed task.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res := s.db.WithContext(ctx).Delete(&models.RetryTask{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Release drops the lease and reschedules the task after delay.
func (s *Store) Release(ctx context.Context, id uint64, delay time.Duration, lastError string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.now().UTC()
	return s.db.WithContext(ctx).Model(&models.RetryTask{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"locked_until": nil,
			"scheduled_at": now.Add(delay),
			"last_error":   lastError,
			"updated_at":   now,
		}).Error
}

// RunNow makes a task due immediately.
func (s *Store) RunNow(ctx context.Context, id uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.RetryTask{}).
		Where("id = ?", id).
		Updates(map[string]any{"scheduled_at": now, "locked_until": nil, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns queued tasks ordered by due time and the total count.
func (s *Store) List(ctx context.Context, provider string, page, limit int) ([]models.RetryTask, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&models.RetryTask{})
	if provider != "" {
		q = q.Where("provider_id = ?", provider)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, errCount
	}
	var rows []models.RetryTask
	errFind := q.Order("scheduled_at ASC, id ASC").Offset((page - 1) * limit).Limit(limit).Find(&rows).Error
	return rows, total, errFind
}
