package audit

import (
	"context"
	"time"

	"github.com/formrelay/formrelay/internal/models"
	"github.com/formrelay/formrelay/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun   = 2000
)

// RetentionCleaner periodically deletes old integration log rows. Info and
// success rows expire sooner than warning and error rows.
type RetentionCleaner struct {
	db        *gorm.DB
	settings  *settings.Store
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionCleaner builds a cleaner reading retention days from store.
func NewRetentionCleaner(db *gorm.DB, store *settings.Store) *RetentionCleaner {
	if db == nil {
		return nil
	}
	return &RetentionCleaner{
		db:        db,
		settings:  store,
		interval:  defaultRetentionInterval,
		batchSize: defaultDeleteBatchSize,
		now:       time.Now,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go c.run(ctx)
	log.Infof("integration log retention cleaner started (interval=%s)", c.interval)
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.CleanupOnce(ctx)
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// CleanupOnce runs one sweep and returns the number of deleted rows.
func (c *RetentionCleaner) CleanupOnce(ctx context.Context) int64 {
	if c == nil || c.db == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}
	routineDays := c.settings.Int(settings.LogRetentionDaysKey, settings.DefaultLogRetentionDays)
	errorDays := c.settings.Int(settings.ErrorLogRetentionDaysKey, settings.DefaultErrorLogRetentionDays)

	now := c.now().UTC()
	var deleted int64
	deleted += c.sweep(ctx, []string{models.LogStatusInfo, models.LogStatusSuccess}, routineDays, now)
	deleted += c.sweep(ctx, []string{models.LogStatusWarning, models.LogStatusError}, errorDays, now)
	return deleted
}

func (c *RetentionCleaner) sweep(ctx context.Context, statuses []string, days int, now time.Time) int64 {
	if days <= 0 {
		return 0
	}
	cutoff := now.AddDate(0, 0, -days)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, err := c.deleteBatch(ctx, statuses, cutoff)
		if err != nil {
			log.WithError(err).Warn("integration log retention: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}
	if deletedTotal > 0 {
		log.Infof("integration log retention: deleted %d rows (statuses=%v cutoff=%s retention_days=%d)", deletedTotal, statuses, cutoff.Format(time.RFC3339), days)
	}
	return deletedTotal
}

func (c *RetentionCleaner) deleteBatch(ctx context.Context, statuses []string, cutoff time.Time) (int64, error) {
	limit := c.batchSize
	if limit <= 0 {
		limit = defaultDeleteBatchSize
	}

	// Bounded subquery keeps each transaction short.
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM integration_logs
		WHERE id IN (
			SELECT id FROM integration_logs
			WHERE status IN ? AND created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, statuses, cutoff, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
