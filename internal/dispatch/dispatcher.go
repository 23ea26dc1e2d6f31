// Package dispatch delivers stored submissions to the enabled integrations
// and drives their retry state machine.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/formrelay/formrelay/internal/audit"
	"github.com/formrelay/formrelay/internal/integrations"
	"github.com/formrelay/formrelay/internal/mapping"
	"github.com/formrelay/formrelay/internal/metrics"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/formrelay/formrelay/internal/submissions"
	"github.com/formrelay/formrelay/internal/tracing"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errDispatcherClosed = errors.New("dispatch: dispatcher is shutting down")

// Providers resolves integrations by id.
type Providers interface {
	Active() []integrations.Integration
	Get(id string) (integrations.Integration, bool)
}

// Queue persists retry tasks until they are due.
type Queue interface {
	Enqueue(ctx context.Context, task *models.RetryTask) error
}

// Config wires a Dispatcher.
type Config struct {
	Providers   Providers
	Meta        integrations.MetaLister
	Mappings    *mapping.Repository
	Submissions *submissions.Store
	Audit       *audit.Logger
	Queue       Queue
	Handler     *ErrorHandler
}

// Outcome is the result of one provider attempt.
type Outcome struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
	Attempt  int    `json:"attempt"`
	Message  string `json:"message,omitempty"`
}

type target struct {
	integration integrations.Integration
	config      integrations.FormConfig
}

type job struct {
	formID       uint64
	submissionID uint64
	values       map[string]string
	attempt      int
	timeout      time.Duration
}

// retryPayload is the serialized request context stored on a retry task.
type retryPayload struct {
	Values map[string]string `json:"values"`
}

// Dispatcher fans a submission out to every enabled integration. Each
// provider runs in its own goroutine and never sees another provider's state.
type Dispatcher struct {
	cfg    Config
	states *StateStore
	now    func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// New builds a dispatcher.
func New(db *gorm.DB, cfg Config) *Dispatcher {
	if cfg.Handler == nil {
		cfg.Handler = NewErrorHandler()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		states:  NewStateStore(db),
		now:     time.Now,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// States exposes the dispatch state store.
func (d *Dispatcher) States() *StateStore {
	return d.states
}

// Handler returns the error handler in use.
func (d *Dispatcher) Handler() *ErrorHandler {
	return d.cfg.Handler
}

// Submit dispatches a stored submission in the background. It never blocks on
// providers and never reports their failures to the caller.
func (d *Dispatcher) Submit(formID, submissionID uint64, values map[string]string) {
	if d == nil {
		return
	}
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	_ = d.goTracked(func(ctx context.Context) {
		d.Run(ctx, formID, submissionID, copied)
	})
}

// Run dispatches synchronously to every enabled integration of formID and
// returns one outcome per provider.
func (d *Dispatcher) Run(ctx context.Context, formID, submissionID uint64, values map[string]string) []Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	targets, errTargets := d.enabled(ctx, formID)
	if errTargets != nil {
		log.WithError(errTargets).WithField("form_id", formID).Warn("dispatch: resolve integrations failed")
		return nil
	}
	if len(targets) == 0 {
		return nil
	}
	for _, t := range targets {
		if errState := d.states.Set(ctx, formID, submissionID, t.integration.ID(), models.DispatchPending, 0, ""); errState != nil {
			log.WithError(errState).Warnf("dispatch: set pending state for %s", t.integration.ID())
		}
	}

	outcomes := make([]Outcome, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			outcomes[i] = d.attempt(ctx, t, job{
				formID:       formID,
				submissionID: submissionID,
				values:       values,
				attempt:      1,
			})
		}(i, t)
	}
	wg.Wait()
	return outcomes
}

// Execute runs a due retry task. It returns an error only when the task
// could not be evaluated and should stay queued.
func (d *Dispatcher) Execute(ctx context.Context, task *models.RetryTask) error {
	if task == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var payload retryPayload
	if len(task.Payload) > 0 {
		if errUnmarshal := json.Unmarshal(task.Payload, &payload); errUnmarshal != nil {
			d.finish(ctx, task.FormID, task.SubmissionID, task.ProviderID, task.Attempt, models.DispatchFailedTerminal, "corrupt retry payload")
			return nil
		}
	}
	in, ok := d.cfg.Providers.Get(task.ProviderID)
	if !ok {
		d.finish(ctx, task.FormID, task.SubmissionID, task.ProviderID, task.Attempt, models.DispatchFailedTerminal, "integration is no longer active")
		return nil
	}
	configs, errConfigs := integrations.LoadFormConfigs(ctx, d.cfg.Meta, task.FormID)
	if errConfigs != nil {
		return errConfigs
	}
	cfg, okCfg := configs[task.ProviderID]
	if !okCfg || !cfg.Enabled {
		d.finish(ctx, task.FormID, task.SubmissionID, task.ProviderID, task.Attempt, models.DispatchFailedTerminal, "integration disabled for form")
		return nil
	}
	d.attempt(ctx, target{integration: in, config: cfg}, job{
		formID:       task.FormID,
		submissionID: task.SubmissionID,
		values:       payload.Values,
		attempt:      task.Attempt + 1,
		timeout:      time.Duration(task.TimeoutSeconds) * time.Second,
	})
	return nil
}

// Redispatch sends a stored submission again, starting a fresh attempt count.
// An empty provider targets every enabled integration.
func (d *Dispatcher) Redispatch(ctx context.Context, submissionID uint64, provider string) ([]Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.cfg.Submissions == nil {
		return nil, errors.New("dispatch: submission store not configured")
	}
	row, errGet := d.cfg.Submissions.Get(ctx, submissionID)
	if errGet != nil {
		return nil, errGet
	}
	values := submissions.Values(row)
	if provider == "" {
		return d.Run(ctx, row.FormID, row.ID, values), nil
	}
	targets, errTargets := d.enabled(ctx, row.FormID)
	if errTargets != nil {
		return nil, errTargets
	}
	for _, t := range targets {
		if t.integration.ID() != provider {
			continue
		}
		out := d.attempt(ctx, t, job{formID: row.FormID, submissionID: row.ID, values: values, attempt: 1})
		return []Outcome{out}, nil
	}
	return nil, fmt.Errorf("dispatch: %s is not enabled for form %d", provider, row.FormID)
}

// Shutdown stops accepting work and waits for in-flight dispatches until ctx ends.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

// Go runs fn in the background with the dispatcher's lifetime context.
// Shutdown waits for it.
func (d *Dispatcher) Go(fn func(ctx context.Context)) error {
	if d == nil {
		return errDispatcherClosed
	}
	return d.goTracked(fn)
}

func (d *Dispatcher) goTracked(fn func(ctx context.Context)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		fn(d.baseCtx)
	}()
	return nil
}

// enabled returns the active integrations whose per-form config is enabled.
func (d *Dispatcher) enabled(ctx context.Context, formID uint64) ([]target, error) {
	active := d.cfg.Providers.Active()
	if len(active) == 0 {
		return nil, nil
	}
	configs, errConfigs := integrations.LoadFormConfigs(ctx, d.cfg.Meta, formID)
	if errConfigs != nil {
		return nil, errConfigs
	}
	var out []target
	for _, in := range active {
		cfg, ok := configs[in.ID()]
		if !ok || !cfg.Enabled {
			continue
		}
		out = append(out, target{integration: in, config: cfg})
	}
	return out, nil
}

// attempt performs one provider call and records the resulting state.
func (d *Dispatcher) attempt(ctx context.Context, t target, j job) Outcome {
	provider := t.integration.ID()
	logger := log.WithFields(log.Fields{
		"provider":      provider,
		"form_id":       j.formID,
		"submission_id": j.submissionID,
		"attempt":       j.attempt,
	})
	if errState := d.states.Set(ctx, j.formID, j.submissionID, provider, models.DispatchDispatching, j.attempt, ""); errState != nil {
		logger.WithError(errState).Warn("dispatch: set dispatching state")
	}

	var result integrations.Result
	m, errLoad := d.loadMapping(ctx, j.formID, provider)
	if errLoad != nil {
		logger.WithError(errLoad).Warn("dispatch: load mapping")
		result = integrations.Result{
			Message: "field mapping unavailable",
			Err:     apperr.Wrap(apperr.TransportError, "load mapping", errLoad),
		}
	} else {
		result = d.call(ctx, t, j, m)
	}

	if result.Success {
		data := map[string]any{"state": models.DispatchSucceeded, "attempt": j.attempt}
		for k, v := range result.Data {
			data[k] = v
		}
		d.record(ctx, j, provider, models.LogStatusSuccess, result.Message, data)
		d.setFinal(ctx, j, provider, models.DispatchSucceeded, "")
		logger.Debug("dispatch: succeeded")
		return Outcome{Provider: provider, State: models.DispatchSucceeded, Attempt: j.attempt, Message: result.Message}
	}

	errDispatch := result.Err
	if errDispatch == nil {
		errDispatch = apperr.New(apperr.ProviderRejected, result.Message)
	}
	message := result.Message
	if message == "" {
		message = errDispatch.Error()
	}
	base := map[string]any{
		"attempt": j.attempt,
		"kind":    string(apperr.KindOf(errDispatch)),
	}
	if result.StatusCode != 0 {
		base["status_code"] = result.StatusCode
	}

	if !d.cfg.Handler.Classify(errDispatch) {
		base["state"] = models.DispatchFailedFatal
		d.record(ctx, j, provider, models.LogStatusError, message, base)
		d.setFinal(ctx, j, provider, models.DispatchFailedFatal, message)
		logger.WithError(errDispatch).Warn("dispatch: failed, not retrying")
		return Outcome{Provider: provider, State: models.DispatchFailedFatal, Attempt: j.attempt, Message: message}
	}

	plan, retry := d.cfg.Handler.Plan(errDispatch, j.attempt, j.timeout)
	if !retry {
		base["state"] = models.DispatchFailedTerminal
		d.record(ctx, j, provider, models.LogStatusError, fmt.Sprintf("giving up after %d attempts: %s", j.attempt, message), base)
		d.setFinal(ctx, j, provider, models.DispatchFailedTerminal, message)
		logger.WithError(errDispatch).Warn("dispatch: retries exhausted")
		return Outcome{Provider: provider, State: models.DispatchFailedTerminal, Attempt: j.attempt, Message: message}
	}

	scheduledAt := d.now().UTC().Add(plan.Delay)
	if errEnqueue := d.enqueue(ctx, j, provider, plan, scheduledAt, message); errEnqueue != nil {
		base["state"] = models.DispatchFailedTerminal
		base["enqueue_error"] = errEnqueue.Error()
		d.record(ctx, j, provider, models.LogStatusError, "retry could not be scheduled: "+message, base)
		d.setFinal(ctx, j, provider, models.DispatchFailedTerminal, message)
		logger.WithError(errEnqueue).Error("dispatch: enqueue retry failed")
		return Outcome{Provider: provider, State: models.DispatchFailedTerminal, Attempt: j.attempt, Message: message}
	}
	metrics.RetriesScheduledTotal.WithLabelValues(provider, string(plan.Reason)).Inc()
	base["state"] = models.DispatchRetrying
	base["reason"] = string(plan.Reason)
	base["next_attempt_at"] = scheduledAt.Format(time.RFC3339)
	d.record(ctx, j, provider, models.LogStatusWarning, message, base)
	d.setFinal(ctx, j, provider, models.DispatchRetrying, message)
	logger.WithError(errDispatch).Infof("dispatch: retry scheduled in %s (%s)", plan.Delay, plan.Reason)
	return Outcome{Provider: provider, State: models.DispatchRetrying, Attempt: j.attempt, Message: message}
}

// loadMapping returns the saved mapping of (formID, provider). A form with no
// saved pairs sends no mapped fields.
func (d *Dispatcher) loadMapping(ctx context.Context, formID uint64, provider string) (mapping.Mapping, error) {
	if d.cfg.Mappings == nil {
		return nil, nil
	}
	return d.cfg.Mappings.Load(ctx, formID, provider)
}

func (d *Dispatcher) call(ctx context.Context, t target, j job, m mapping.Mapping) integrations.Result {
	provider := t.integration.ID()
	req := integrations.Request{
		FormID:       j.formID,
		SubmissionID: j.submissionID,
		Fields:       mapping.Map(j.values, m),
		Values:       j.values,
		Config:       t.config,
		Timeout:      j.timeout,
		Attempt:      j.attempt,
	}
	spanCtx, span := tracing.Tracer().Start(ctx, "dispatch "+provider)
	defer span.End()
	span.SetAttributes(
		attribute.String("formrelay.provider", provider),
		attribute.Int64("formrelay.form_id", int64(j.formID)),
		attribute.Int64("formrelay.submission_id", int64(j.submissionID)),
		attribute.Int("formrelay.attempt", j.attempt),
	)
	result := t.integration.Dispatch(spanCtx, req)
	if result.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, result.Message)
	}
	return result
}

func (d *Dispatcher) enqueue(ctx context.Context, j job, provider string, plan RetryPlan, scheduledAt time.Time, lastError string) error {
	if d.cfg.Queue == nil {
		return errors.New("dispatch: retry queue not configured")
	}
	raw, errMarshal := json.Marshal(retryPayload{Values: j.values})
	if errMarshal != nil {
		return errMarshal
	}
	task := &models.RetryTask{
		ProviderID:     provider,
		FormID:         j.formID,
		SubmissionID:   j.submissionID,
		Payload:        datatypes.JSON(raw),
		Attempt:        j.attempt,
		Reason:         string(plan.Reason),
		TimeoutSeconds: int(plan.Timeout / time.Second),
		LastError:      lastError,
		ScheduledAt:    scheduledAt,
	}
	return d.cfg.Queue.Enqueue(ctx, task)
}

func (d *Dispatcher) setFinal(ctx context.Context, j job, provider, state, lastError string) {
	metrics.DispatchAttemptsTotal.WithLabelValues(provider, state).Inc()
	if errState := d.states.Set(ctx, j.formID, j.submissionID, provider, state, j.attempt, lastError); errState != nil {
		log.WithError(errState).Warnf("dispatch: set %s state for %s", state, provider)
	}
}

// finish closes a retry task that can no longer run.
func (d *Dispatcher) finish(ctx context.Context, formID, submissionID uint64, provider string, attempts int, state, message string) {
	j := job{formID: formID, submissionID: submissionID, attempt: attempts}
	d.record(ctx, j, provider, models.LogStatusError, message, map[string]any{"state": state, "attempt": attempts})
	d.setFinal(ctx, j, provider, state, message)
}

func (d *Dispatcher) record(ctx context.Context, j job, provider, status, message string, data map[string]any) {
	if d.cfg.Audit == nil {
		return
	}
	_ = d.cfg.Audit.Record(ctx, audit.Entry{
		FormID:       j.formID,
		SubmissionID: j.submissionID,
		Provider:     provider,
		Status:       status,
		Message:      message,
		Data:         data,
	})
}
