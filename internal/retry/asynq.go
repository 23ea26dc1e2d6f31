package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/formrelay/formrelay/internal/models"
	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

// TypeDispatchRetry is the asynq task type of a dispatch retry.
const TypeDispatchRetry = "dispatch:retry"

// AsynqQueue schedules retries in Redis through asynq instead of the database.
type AsynqQueue struct {
	client *asynq.Client
}

// NewAsynqQueue wraps an asynq client.
func NewAsynqQueue(client *asynq.Client) *AsynqQueue {
	return &AsynqQueue{client: client}
}

// Enqueue schedules task at its ScheduledAt. Re-enqueueing the same
// (submission, provider, attempt) is a no-op.
func (q *AsynqQueue) Enqueue(ctx context.Context, task *models.RetryTask) error {
	if q == nil || q.client == nil {
		return errors.New("retry: asynq client not configured")
	}
	t, opts, errTask := newAsynqTask(task)
	if errTask != nil {
		return errTask
	}
	info, errEnqueue := q.client.EnqueueContext(ctx, t, opts...)
	if errors.Is(errEnqueue, asynq.ErrTaskIDConflict) {
		return nil
	}
	if errEnqueue != nil {
		return fmt.Errorf("retry: asynq enqueue: %w", errEnqueue)
	}
	log.Debugf("retry: asynq task %s scheduled for %s", info.ID, task.ScheduledAt.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}

func newAsynqTask(task *models.RetryTask) (*asynq.Task, []asynq.Option, error) {
	if task == nil {
		return nil, nil, errors.New("retry: nil task")
	}
	payload, errMarshal := json.Marshal(task)
	if errMarshal != nil {
		return nil, nil, fmt.Errorf("retry: marshal task: %w", errMarshal)
	}
	opts := []asynq.Option{
		asynq.TaskID(taskID(task)),
		asynq.MaxRetry(3),
	}
	if !task.ScheduledAt.IsZero() {
		opts = append(opts, asynq.ProcessAt(task.ScheduledAt))
	}
	return asynq.NewTask(TypeDispatchRetry, payload), opts, nil
}

func taskID(task *models.RetryTask) string {
	return fmt.Sprintf("retry-%d-%s-%d", task.SubmissionID, task.ProviderID, task.Attempt)
}

// NewAsynqHandler adapts exec to an asynq handler.
func NewAsynqHandler(exec Executor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var task models.RetryTask
		if errUnmarshal := json.Unmarshal(t.Payload(), &task); errUnmarshal != nil {
			return fmt.Errorf("retry: decode task: %w: %w", errUnmarshal, asynq.SkipRetry)
		}
		return exec.Execute(ctx, &task)
	}
}

// NewAsynqServer builds a server processing dispatch retries with concurrency workers.
func NewAsynqServer(redisOpt asynq.RedisClientOpt, concurrency int, exec Executor) (*asynq.Server, *asynq.ServeMux) {
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Logger:      log.StandardLogger(),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TypeDispatchRetry, NewAsynqHandler(exec))
	return srv, mux
}
