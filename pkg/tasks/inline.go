package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethpandaops/tally/pkg/observability"
	"github.com/sirupsen/logrus"
)

type attempt struct {
	task    Task
	retries int
}

// InlineDispatcher runs tasks in process, in FIFO order. Dispatch drains the
// queue before returning unless a drain is already in progress, in which case
// the task runs after the tasks queued before it. Deferred tasks go to the back
// of the queue until they exhaust maxRetry.
type InlineDispatcher struct {
	log      logrus.FieldLogger
	maxRetry int

	mu       sync.Mutex
	executor Executor
	queue    []attempt
	draining bool
}

// NewInlineDispatcher creates an in-process dispatcher
func NewInlineDispatcher(log logrus.FieldLogger, maxRetry int) *InlineDispatcher {
	return &InlineDispatcher{
		log:      log.WithField("component", "inline-dispatcher"),
		maxRetry: maxRetry,
	}
}

// SetExecutor sets the executor tasks are handed to
func (d *InlineDispatcher) SetExecutor(executor Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.executor = executor
}

// Dispatch queues the task and drains the queue
func (d *InlineDispatcher) Dispatch(ctx context.Context, task Task) error {
	d.mu.Lock()

	if d.executor == nil {
		d.mu.Unlock()

		return fmt.Errorf("no executor set for %s task", task.Type)
	}

	d.queue = append(d.queue, attempt{task: task})
	observability.RecordTaskEnqueued(task.Type, "inline")

	if d.draining {
		d.mu.Unlock()

		return nil
	}

	d.draining = true
	d.mu.Unlock()

	d.drain(ctx)

	return nil
}

// Pending returns the number of queued tasks
func (d *InlineDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.queue)
}

func (d *InlineDispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()

		if len(d.queue) == 0 {
			d.draining = false
			d.mu.Unlock()

			return
		}

		next := d.queue[0]
		d.queue = d.queue[1:]
		executor := d.executor
		d.mu.Unlock()

		result := run(ctx, d.log, executor, next.task)

		switch result.Status {
		case StatusOK:
		case StatusRetry:
			if next.retries >= d.maxRetry {
				executor.OnFailure(ctx, next.task, fmt.Errorf("%w: %w", ErrRetriesExhausted, result.Err))
				continue
			}

			next.retries++

			d.mu.Lock()
			d.queue = append(d.queue, next)
			d.mu.Unlock()
		default:
			executor.OnFailure(ctx, next.task, result.Err)
		}
	}
}

var _ Dispatcher = (*InlineDispatcher)(nil)
