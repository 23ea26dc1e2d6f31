package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/formrelay/formrelay/internal/models"
	"github.com/formrelay/formrelay/internal/settings"
	"github.com/glebarez/sqlite"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

func openStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:retry_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, _ := conn.DB()
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := conn.AutoMigrate(&models.RetryTask{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return NewStore(conn), conn
}

type recordingExecutor struct {
	mu   sync.Mutex
	seen []uint64
	fail map[uint64]bool
}

func (r *recordingExecutor) Execute(_ context.Context, task *models.RetryTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, task.ID)
	if r.fail[task.ID] {
		return errors.New("database unavailable")
	}
	return nil
}

func TestClaimSkipsFutureAndLeasedTasks(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := &models.RetryTask{ProviderID: "hubspot", FormID: 1, SubmissionID: 1, Attempt: 1, ScheduledAt: now.Add(-time.Minute)}
	future := &models.RetryTask{ProviderID: "hubspot", FormID: 1, SubmissionID: 2, Attempt: 1, ScheduledAt: now.Add(time.Hour)}
	for _, task := range []*models.RetryTask{due, future} {
		if err := store.Enqueue(ctx, task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	claimed, err := store.Claim(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID || claimed[0].LockedUntil == nil {
		t.Fatalf("unexpected claim %+v", claimed)
	}
	again, _ := store.Claim(ctx, 10, time.Minute)
	if len(again) != 0 {
		t.Fatalf("leased task claimed twice: %+v", again)
	}

	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	expired, _ := store.Claim(ctx, 10, time.Minute)
	if len(expired) != 1 || expired[0].ID != due.ID {
		t.Fatalf("expired lease must be claimable, got %+v", expired)
	}
}

func TestWorkerDeletesDoneTasksAndKeepsFailed(t *testing.T) {
	store, conn := openStore(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Second)

	ok := &models.RetryTask{ProviderID: "webhook", FormID: 1, SubmissionID: 1, Attempt: 1, ScheduledAt: past}
	bad := &models.RetryTask{ProviderID: "webhook", FormID: 1, SubmissionID: 2, Attempt: 1, ScheduledAt: past}
	_ = store.Enqueue(ctx, ok)
	_ = store.Enqueue(ctx, bad)

	exec := &recordingExecutor{fail: map[uint64]bool{bad.ID: true}}
	cfg := settings.NewStore()
	cfg.Replace(time.Now(), map[string]json.RawMessage{
		settings.RetryPollIntervalSecondsKey: json.RawMessage(`5`),
		settings.RetryMaxConcurrencyKey:      json.RawMessage(`2`),
	})
	worker := NewWorker(store, exec, cfg, time.Minute)
	if next := worker.Poll(ctx); next != 5*time.Second {
		t.Fatalf("poll interval = %s", next)
	}
	if len(exec.seen) != 2 {
		t.Fatalf("expected 2 executions, got %v", exec.seen)
	}

	var left []models.RetryTask
	conn.Find(&left)
	if len(left) != 1 || left[0].ID != bad.ID {
		t.Fatalf("unexpected remaining tasks %+v", left)
	}
	if left[0].LockedUntil != nil || !left[0].ScheduledAt.After(time.Now().UTC()) || left[0].LastError != "database unavailable" {
		t.Fatalf("failed task not released: %+v", left[0])
	}
}

func TestListAndRunNow(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	task := &models.RetryTask{ProviderID: "mailchimp", FormID: 3, SubmissionID: 9, Attempt: 2, ScheduledAt: time.Now().UTC().Add(time.Hour)}
	_ = store.Enqueue(ctx, task)

	rows, total, err := store.List(ctx, "mailchimp", 1, 10)
	if err != nil || total != 1 || len(rows) != 1 {
		t.Fatalf("list: %v %d %+v", err, total, rows)
	}
	if err = store.RunNow(ctx, task.ID); err != nil {
		t.Fatalf("run now: %v", err)
	}
	claimed, _ := store.Claim(ctx, 1, time.Minute)
	if len(claimed) != 1 {
		t.Fatalf("task not due after RunNow")
	}
	if err = store.Delete(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAsynqTaskRoundTrip(t *testing.T) {
	task := &models.RetryTask{ID: 4, ProviderID: "hubspot", FormID: 1, SubmissionID: 12, Attempt: 2, ScheduledAt: time.Now().Add(time.Minute)}
	at, opts, err := newAsynqTask(task)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if at.Type() != TypeDispatchRetry || len(opts) != 3 {
		t.Fatalf("unexpected task %s with %d options", at.Type(), len(opts))
	}
	if taskID(task) != "retry-12-hubspot-2" {
		t.Fatalf("task id = %s", taskID(task))
	}

	exec := &recordingExecutor{}
	if errHandle := NewAsynqHandler(exec)(context.Background(), at); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	if len(exec.seen) != 1 || exec.seen[0] != 4 {
		t.Fatalf("executor saw %v", exec.seen)
	}
	errBad := NewAsynqHandler(exec)(context.Background(), asynq.NewTask(TypeDispatchRetry, []byte("{")))
	if !errors.Is(errBad, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", errBad)
	}
}
