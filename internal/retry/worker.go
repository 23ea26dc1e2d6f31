package retry

import (
	"context"
	"sync"
	"time"

	"github.com/formrelay/formrelay/internal/models"
	"github.com/formrelay/formrelay/internal/settings"
	log "github.com/sirupsen/logrus"
)

const (
	defaultLease          = 2 * time.Minute
	releaseDelay          = 30 * time.Second
	maxConcurrentRequests = 16
	claimBatchFactor      = 4
)

// Executor runs one due task. A nil error means the task is done and can be
// removed; an error keeps it queued.
type Executor interface {
	Execute(ctx context.Context, task *models.RetryTask) error
}

// Worker polls the store and executes due tasks with bounded concurrency.
type Worker struct {
	store    *Store
	exec     Executor
	settings *settings.Store
	lease    time.Duration
	interval time.Duration
}

// NewWorker builds a worker. lease bounds how long a claimed task is hidden
// from other workers.
func NewWorker(store *Store, exec Executor, cfg *settings.Store, lease time.Duration) *Worker {
	if store == nil || exec == nil {
		return nil
	}
	if lease <= 0 {
		lease = defaultLease
	}
	return &Worker{
		store:    store,
		exec:     exec,
		settings: cfg,
		lease:    lease,
		interval: time.Duration(settings.DefaultRetryPollIntervalSeconds) * time.Second,
	}
}

// Start launches the polling loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go w.run(ctx)
	log.Infof("retry worker started (interval=%s lease=%s)", w.interval, w.lease)
}

func (w *Worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		interval := w.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if interval <= 0 {
			interval = w.interval
		}
		timer := time.NewTimer(interval)
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

// Poll claims and executes one batch of due tasks and returns the wait
// before the next poll.
func (w *Worker) Poll(ctx context.Context) time.Duration {
	if w == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}
	interval, maxConcurrency := w.resolvePollConfig()

	tasks, errClaim := w.store.Claim(ctx, maxConcurrency*claimBatchFactor, w.lease)
	if errClaim != nil {
		log.WithError(errClaim).Warn("retry worker: claim failed")
		return interval
	}
	if len(tasks) == 0 {
		return interval
	}

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	shouldStop := false

	for i := range tasks {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			shouldStop = true
		}
		if shouldStop {
			break
		}

		wg.Add(1)
		task := tasks[i]
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.execute(ctx, &task)
		}()
	}

	wg.Wait()
	return interval
}

func (w *Worker) execute(ctx context.Context, task *models.RetryTask) {
	logger := log.WithFields(log.Fields{
		"task_id":       task.ID,
		"provider":      task.ProviderID,
		"submission_id": task.SubmissionID,
	})
	if errExec := w.exec.Execute(ctx, task); errExec != nil {
		logger.WithError(errExec).Warn("retry worker: execute failed, task kept")
		if errRelease := w.store.Release(ctx, task.ID, releaseDelay, errExec.Error()); errRelease != nil {
			logger.WithError(errRelease).Warn("retry worker: release failed")
		}
		return
	}
	if errDelete := w.store.Delete(ctx, task.ID); errDelete != nil {
		logger.WithError(errDelete).Warn("retry worker: delete failed")
	}
}

func (w *Worker) resolvePollConfig() (time.Duration, int) {
	interval := w.settings.Seconds(settings.RetryPollIntervalSecondsKey, settings.DefaultRetryPollIntervalSeconds)
	maxConcurrency := w.settings.PositiveInt(settings.RetryMaxConcurrencyKey, settings.DefaultRetryMaxConcurrency)
	if maxConcurrency > maxConcurrentRequests {
		maxConcurrency = maxConcurrentRequests
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return interval, maxConcurrency
}
