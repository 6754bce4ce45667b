package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/tally/pkg/observability"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// run executes one attempt of a task and records its metrics
func run(ctx context.Context, log logrus.FieldLogger, executor Executor, task Task) Result {
	start := time.Now()

	observability.RecordTaskStart(task.Type)

	result := executor.Execute(ctx, task)

	observability.RecordTaskComplete(task.Type, string(result.Status), time.Since(start).Seconds())

	fields := logrus.Fields{
		"task_id":  task.ID,
		"type":     task.Type,
		"status":   result.Status,
		"duration": time.Since(start),
	}

	switch result.Status {
	case StatusOK:
		log.WithFields(fields).Debug("Task completed")
	case StatusRetry:
		log.WithFields(fields).WithError(result.Err).Debug("Task deferred")
	default:
		log.WithFields(fields).WithError(result.Err).Warn("Task failed")
	}

	return result
}

// TaskHandler adapts an Executor to asynq handlers
type TaskHandler struct {
	executor Executor
	log      logrus.FieldLogger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(log logrus.FieldLogger, executor Executor) *TaskHandler {
	return &TaskHandler{
		executor: executor,
		log:      log.WithField("component", "task-handler"),
	}
}

func fromAsynq(ctx context.Context, t *asynq.Task) Task {
	id, _ := asynq.GetTaskID(ctx)

	return Task{ID: id, Type: t.Type(), Payload: t.Payload()}
}

// ProcessTask runs the task. Retry results are returned as errors so asynq
// requeues them with backoff; failures skip the remaining retries.
func (h *TaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	task := fromAsynq(ctx, t)
	result := run(ctx, h.log, h.executor, task)

	switch result.Status {
	case StatusOK:
		return nil
	case StatusRetry:
		if result.Err != nil {
			return fmt.Errorf("%w: %w", ErrRetry, result.Err)
		}

		return ErrRetry
	default:
		h.executor.OnFailure(ctx, task, result.Err)

		return fmt.Errorf("%w: %w", result.Err, asynq.SkipRetry)
	}
}

// HandleError reports tasks that used up their last retry to the executor
func (h *TaskHandler) HandleError(ctx context.Context, t *asynq.Task, err error) {
	if errors.Is(err, asynq.SkipRetry) {
		return
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	if retried < maxRetry {
		return
	}

	observability.RecordError("task-handler", "retries_exhausted")

	h.executor.OnFailure(ctx, fromAsynq(ctx, t), fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
}

// Routes returns the task handler routes for Asynq
func (h *TaskHandler) Routes() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		TypeCalculate: h.ProcessTask,
		TypeUpdate:    h.ProcessTask,
		TypeRemove:    h.ProcessTask,
	}
}

// RetryDelay doubles the delay on every retry, starting at base and capped at maxDelay
func RetryDelay(base, maxDelay time.Duration) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		delay := base
		for i := 0; i < n && delay < maxDelay; i++ {
			delay *= 2
		}

		if delay > maxDelay {
			return maxDelay
		}

		return delay
	}
}
