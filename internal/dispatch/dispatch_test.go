package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/formrelay/formrelay/internal/audit"
	"github.com/formrelay/formrelay/internal/db"
	"github.com/formrelay/formrelay/internal/integrations"
	"github.com/formrelay/formrelay/internal/mapping"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/formrelay/formrelay/internal/submissions"
	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type stubIntegration struct {
	id     string
	calls  atomic.Int32
	result integrations.Result
	last   atomic.Value
}

func (s *stubIntegration) ID() string { return s.id }

func (s *stubIntegration) Dispatch(_ context.Context, req integrations.Request) integrations.Result {
	s.calls.Add(1)
	s.last.Store(req)
	return s.result
}

type stubProviders map[string]integrations.Integration

func (p stubProviders) Active() []integrations.Integration {
	out := make([]integrations.Integration, 0, len(p))
	for _, in := range p {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (p stubProviders) Get(id string) (integrations.Integration, bool) {
	in, ok := p[id]
	return in, ok
}

type memQueue struct {
	mu    sync.Mutex
	tasks []*models.RetryTask
}

func (q *memQueue) Enqueue(_ context.Context, task *models.RetryTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

type metaStore struct {
	conn *gorm.DB
}

func (m metaStore) ListMeta(ctx context.Context, formID uint64, prefix string) ([]models.FormMeta, error) {
	var rows []models.FormMeta
	err := m.conn.WithContext(ctx).Where("form_id = ? AND meta_key LIKE ?", formID, prefix+"%").Find(&rows).Error
	return rows, err
}

type fixture struct {
	conn         *gorm.DB
	dispatcher   *Dispatcher
	queue        *memQueue
	audit        *audit.Logger
	formID       uint64
	submissionID uint64
}

func newFixture(t *testing.T, providers stubProviders, enabled ...string) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:dispatch_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, _ := conn.DB()
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	form := models.Form{Title: "Contact"}
	if errCreate := conn.Create(&form).Error; errCreate != nil {
		t.Fatalf("create form: %v", errCreate)
	}
	for _, id := range enabled {
		meta := models.FormMeta{FormID: form.ID, MetaKey: integrations.MetaKey(id), MetaValue: datatypes.JSON(`{"enabled":true}`)}
		if errCreate := conn.Create(&meta).Error; errCreate != nil {
			t.Fatalf("create meta: %v", errCreate)
		}
	}
	store := submissions.NewStore(conn)
	submissionID, errSave := store.Save(context.Background(), form.ID, map[string]any{"email": "a@example.com", "name": "Jane"})
	if errSave != nil {
		t.Fatalf("save submission: %v", errSave)
	}

	queue := &memQueue{}
	logger := audit.NewLogger(conn)
	d := New(conn, Config{
		Providers:   providers,
		Meta:        metaStore{conn: conn},
		Mappings:    mapping.NewRepository(conn),
		Submissions: store,
		Audit:       logger,
		Queue:       queue,
	})
	return &fixture{conn: conn, dispatcher: d, queue: queue, audit: logger, formID: form.ID, submissionID: submissionID}
}

func unavailable() integrations.Result {
	return integrations.Result{
		Message:    "Service Unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Err:        apperr.Provider(http.StatusServiceUnavailable, "Service Unavailable"),
	}
}

func TestRecoverableFailureStopsAfterThreeAttempts(t *testing.T) {
	hub := &stubIntegration{id: "hubspot", result: unavailable()}
	f := newFixture(t, stubProviders{"hubspot": hub}, "hubspot")
	ctx := context.Background()

	var before models.Submission
	f.conn.First(&before, f.submissionID)

	outcomes := f.dispatcher.Run(ctx, f.formID, f.submissionID, map[string]string{"email": "a@example.com"})
	if len(outcomes) != 1 || outcomes[0].State != models.DispatchRetrying {
		t.Fatalf("first attempt: %+v", outcomes)
	}
	for i := 0; i < 2; i++ {
		if len(f.queue.tasks) != i+1 {
			t.Fatalf("expected %d queued tasks, got %d", i+1, len(f.queue.tasks))
		}
		task := f.queue.tasks[i]
		if task.Attempt != i+1 {
			t.Fatalf("task %d attempt = %d", i, task.Attempt)
		}
		if errExec := f.dispatcher.Execute(ctx, task); errExec != nil {
			t.Fatalf("execute: %v", errExec)
		}
	}

	if calls := hub.calls.Load(); calls != MaxAttempts {
		t.Fatalf("expected %d calls, got %d", MaxAttempts, calls)
	}
	if len(f.queue.tasks) != 2 {
		t.Fatalf("no retry may follow the last attempt, got %d tasks", len(f.queue.tasks))
	}
	state, errState := f.dispatcher.States().Get(ctx, f.submissionID, "hubspot")
	if errState != nil {
		t.Fatalf("state: %v", errState)
	}
	if state.State != models.DispatchFailedTerminal || state.Attempts != 3 {
		t.Fatalf("unexpected state %+v", state)
	}
	page, _ := f.audit.Query(ctx, audit.Filter{SubmissionID: f.submissionID, State: models.DispatchFailedTerminal})
	if page.Total != 1 {
		t.Fatalf("expected one terminal log entry, got %d", page.Total)
	}

	var after models.Submission
	f.conn.First(&after, f.submissionID)
	if string(after.Payload) != string(before.Payload) || after.FormID != before.FormID {
		t.Fatalf("submission changed: %s -> %s", before.Payload, after.Payload)
	}
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	hub := &stubIntegration{id: "hubspot", result: integrations.Result{
		Message: "Unauthorized",
		Err:     apperr.Provider(http.StatusUnauthorized, "Unauthorized"),
	}}
	f := newFixture(t, stubProviders{"hubspot": hub}, "hubspot")

	outcomes := f.dispatcher.Run(context.Background(), f.formID, f.submissionID, map[string]string{"email": "a@example.com"})
	if len(outcomes) != 1 || outcomes[0].State != models.DispatchFailedFatal {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if len(f.queue.tasks) != 0 {
		t.Fatalf("fatal failure must not be queued")
	}
}

func TestMappingLoadFailureIsRetried(t *testing.T) {
	hub := &stubIntegration{id: "hubspot", result: integrations.Result{Success: true}}
	f := newFixture(t, stubProviders{"hubspot": hub}, "hubspot")
	pairs := mapping.Mapping{{FormField: "email", ProviderField: "email"}}
	if errReplace := mapping.NewRepository(f.conn).Replace(context.Background(), f.formID, "hubspot", pairs); errReplace != nil {
		t.Fatalf("save mapping: %v", errReplace)
	}
	if errDrop := f.conn.Exec("DROP TABLE field_mappings").Error; errDrop != nil {
		t.Fatalf("drop table: %v", errDrop)
	}

	outcomes := f.dispatcher.Run(context.Background(), f.formID, f.submissionID, map[string]string{"email": "a@example.com"})
	if len(outcomes) != 1 || outcomes[0].State != models.DispatchRetrying {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if calls := hub.calls.Load(); calls != 0 {
		t.Fatalf("provider called %d times without a mapping", calls)
	}
	if len(f.queue.tasks) != 1 || f.queue.tasks[0].Reason != string(ReasonTransient) {
		t.Fatalf("expected one transient retry task, got %+v", f.queue.tasks)
	}
}

func TestMappedFieldsOnly(t *testing.T) {
	hub := &stubIntegration{id: "hubspot", result: integrations.Result{Success: true}}
	f := newFixture(t, stubProviders{"hubspot": hub}, "hubspot")
	values := map[string]string{"email": "a@example.com", "name": "Jane"}

	f.dispatcher.Run(context.Background(), f.formID, f.submissionID, values)
	req := hub.last.Load().(integrations.Request)
	if len(req.Fields) != 0 {
		t.Fatalf("fields sent without a saved mapping: %v", req.Fields)
	}

	pairs := mapping.Mapping{{FormField: "email", ProviderField: "contact_email"}}
	if errReplace := mapping.NewRepository(f.conn).Replace(context.Background(), f.formID, "hubspot", pairs); errReplace != nil {
		t.Fatalf("save mapping: %v", errReplace)
	}
	f.dispatcher.Run(context.Background(), f.formID, f.submissionID, values)
	req = hub.last.Load().(integrations.Request)
	if len(req.Fields) != 1 || req.Fields["contact_email"] != "a@example.com" {
		t.Fatalf("unexpected mapped fields %v", req.Fields)
	}
}

func TestProvidersAreIndependent(t *testing.T) {
	bad := &stubIntegration{id: "hubspot", result: integrations.Result{Err: apperr.Provider(http.StatusBadRequest, "bad")}}
	good := &stubIntegration{id: "webhook", result: integrations.Result{Success: true, Message: "ok"}}
	idle := &stubIntegration{id: "kafka", result: integrations.Result{Success: true}}
	f := newFixture(t, stubProviders{"hubspot": bad, "webhook": good, "kafka": idle}, "hubspot", "webhook")

	if errMap := mapping.NewRepository(f.conn).Replace(context.Background(), f.formID, "webhook", mapping.Mapping{{FormField: "email", ProviderField: "Email"}}); errMap != nil {
		t.Fatalf("mapping: %v", errMap)
	}
	outcomes := f.dispatcher.Run(context.Background(), f.formID, f.submissionID, map[string]string{"email": "a@example.com", "name": "Jane"})
	states := map[string]string{}
	for _, o := range outcomes {
		states[o.Provider] = o.State
	}
	if states["hubspot"] != models.DispatchFailedFatal || states["webhook"] != models.DispatchSucceeded {
		t.Fatalf("unexpected states %v", states)
	}
	if _, ok := states["kafka"]; ok || idle.calls.Load() != 0 {
		t.Fatalf("disabled integration must not be called")
	}
	req := good.last.Load().(integrations.Request)
	if len(req.Fields) != 1 || req.Fields["Email"] != "a@example.com" {
		t.Fatalf("mapped fields = %v", req.Fields)
	}
}

func TestExecuteInactiveProviderIsTerminal(t *testing.T) {
	f := newFixture(t, stubProviders{}, "hubspot")
	task := &models.RetryTask{ProviderID: "hubspot", FormID: f.formID, SubmissionID: f.submissionID, Attempt: 1}
	if err := f.dispatcher.Execute(context.Background(), task); err != nil {
		t.Fatalf("execute: %v", err)
	}
	state, _ := f.dispatcher.States().Get(context.Background(), f.submissionID, "hubspot")
	if state == nil || state.State != models.DispatchFailedTerminal {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestSubmitAndShutdown(t *testing.T) {
	hook := &stubIntegration{id: "webhook", result: integrations.Result{Success: true}}
	f := newFixture(t, stubProviders{"webhook": hook}, "webhook")

	f.dispatcher.Submit(f.formID, f.submissionID, map[string]string{"email": "a@example.com"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.dispatcher.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if hook.calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", hook.calls.Load())
	}
	f.dispatcher.Submit(f.formID, f.submissionID, nil)
	if hook.calls.Load() != 1 {
		t.Fatalf("submit after shutdown must be ignored")
	}
}

func TestRedispatchSingleProvider(t *testing.T) {
	hook := &stubIntegration{id: "webhook", result: integrations.Result{Success: true}}
	f := newFixture(t, stubProviders{"webhook": hook}, "webhook")

	outcomes, err := f.dispatcher.Redispatch(context.Background(), f.submissionID, "webhook")
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].State != models.DispatchSucceeded {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	req := hook.last.Load().(integrations.Request)
	if req.Values["name"] != "Jane" {
		t.Fatalf("stored values not used: %v", req.Values)
	}
	if _, err = f.dispatcher.Redispatch(context.Background(), f.submissionID, "hubspot"); err == nil {
		t.Fatalf("expected error for provider not enabled")
	}
}

func TestErrorHandlerPlan(t *testing.T) {
	h := NewErrorHandler()
	rateLimited := apperr.Provider(http.StatusTooManyRequests, "Rate limit exceeded")
	rateLimitedAfter := apperr.Provider(http.StatusTooManyRequests, "Rate limit exceeded")
	rateLimitedAfter.RetryAfter = 10 * time.Second
	timeout := apperr.Wrap(apperr.TransportError, "request timeout", context.DeadlineExceeded)

	cases := []struct {
		name    string
		err     error
		attempt int
		timeout time.Duration
		ok      bool
		want    RetryPlan
	}{
		{"service unavailable", apperr.Provider(http.StatusServiceUnavailable, "x"), 1, 0, true, RetryPlan{Reason: ReasonTransient, Delay: 30 * time.Second, Timeout: 30 * time.Second}},
		{"rate limit default", rateLimited, 1, 0, true, RetryPlan{Reason: ReasonRateLimit, Delay: 60 * time.Second, Timeout: 30 * time.Second}},
		{"rate limit retry-after", rateLimitedAfter, 2, 0, true, RetryPlan{Reason: ReasonRateLimit, Delay: 10 * time.Second, Timeout: 30 * time.Second}},
		{"timeout doubles", timeout, 1, 0, true, RetryPlan{Reason: ReasonTimeout, Delay: 5 * time.Second, Timeout: 60 * time.Second}},
		{"timeout only once", timeout, 2, 60 * time.Second, false, RetryPlan{}},
		{"exhausted", apperr.Provider(http.StatusBadGateway, "x"), 3, 0, false, RetryPlan{}},
		{"rejected", apperr.Provider(http.StatusBadRequest, "x"), 1, 0, false, RetryPlan{}},
		{"message marker", errors.New("API under maintenance"), 1, 0, true, RetryPlan{Reason: ReasonTransient, Delay: 30 * time.Second, Timeout: 30 * time.Second}},
		{"schema missing", apperr.New(apperr.SchemaMissing, "network"), 1, 0, false, RetryPlan{}},
	}
	for _, tc := range cases {
		got, ok := h.Plan(tc.err, tc.attempt, tc.timeout)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: got (%+v, %v), want (%+v, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
	if !h.Classify(apperr.Provider(http.StatusServiceUnavailable, "")) {
		t.Fatalf("503 must be recoverable")
	}
}
