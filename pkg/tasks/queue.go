package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/tally/pkg/observability"
	"github.com/hibiken/asynq"
)

// QueueManager dispatches tasks onto an asynq queue
type QueueManager struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	maxRetry  int
	timeout   time.Duration
}

// NewQueueManager creates a new queue manager
func NewQueueManager(redisOpt *asynq.RedisClientOpt, queue string, maxRetry int, timeout time.Duration) *QueueManager {
	return &QueueManager{
		client:    asynq.NewClient(*redisOpt),
		inspector: asynq.NewInspector(*redisOpt),
		queue:     queue,
		maxRetry:  maxRetry,
		timeout:   timeout,
	}
}

// Dispatch enqueues the task. A task whose id is already queued is skipped.
func (q *QueueManager) Dispatch(ctx context.Context, task Task) error {
	opts := []asynq.Option{
		asynq.TaskID(task.ID),
		asynq.Queue(q.queue),
		asynq.MaxRetry(q.maxRetry),
		asynq.Timeout(q.timeout),
	}

	if _, err := q.client.EnqueueContext(ctx, asynq.NewTask(task.Type, task.Payload), opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}

		return fmt.Errorf("failed to enqueue %s task: %w", task.Type, err)
	}

	observability.RecordTaskEnqueued(task.Type, "asynq")

	return nil
}

// RecordDepth publishes the queue's task counts by state
func (q *QueueManager) RecordDepth() error {
	info, err := q.inspector.GetQueueInfo(q.queue)
	if err != nil {
		return err
	}

	observability.RecordQueueDepth(q.queue, map[string]int{
		"pending":   info.Pending,
		"active":    info.Active,
		"scheduled": info.Scheduled,
		"retry":     info.Retry,
	})

	return nil
}

// Close closes the queue manager
func (q *QueueManager) Close() error {
	if err := q.inspector.Close(); err != nil {
		return err
	}

	return q.client.Close()
}

var _ Dispatcher = (*QueueManager)(nil)
