// Package tasks defines the units of work of the calculation engine and the
// dispatchers that run them, either on an asynq queue or in process.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// TypeCalculate computes a batch of calculations on one table
	TypeCalculate = "tally:calculate"
	// TypeUpdate absorbs a row change into one table
	TypeUpdate = "tally:update"
	// TypeRemove drops a deleted calculation's columns
	TypeRemove = "tally:remove"
)

var (
	// ErrUnknownTaskType is returned for task types no handler is registered for
	ErrUnknownTaskType = errors.New("unknown task type")
	// ErrRetry marks a task that should be requeued with backoff
	ErrRetry = errors.New("task deferred")
	// ErrRetriesExhausted is reported when a task kept asking to be retried past the ceiling
	ErrRetriesExhausted = errors.New("retry ceiling reached")
)

// Status is the outcome of running a task
type Status string

const (
	// StatusOK means the task completed
	StatusOK Status = "ok"
	// StatusRetry asks the runner to requeue the task with backoff
	StatusRetry Status = "retry"
	// StatusFailed means the task failed and must not be retried
	StatusFailed Status = "failed"
)

// Result is returned by an Executor for every task it runs
type Result struct {
	Status Status
	Err    error
}

// OK returns a successful result
func OK() Result {
	return Result{Status: StatusOK}
}

// Retry returns a result asking for the task to be requeued
func Retry(err error) Result {
	return Result{Status: StatusRetry, Err: err}
}

// Failed returns a terminal failure
func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

// Task is a serialized unit of work
type Task struct {
	// ID deduplicates the task on the queue
	ID      string
	Type    string
	Payload []byte
}

// Decode unmarshals the task payload into v
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", t.Type, err)
	}

	return nil
}

func newTask(id, taskType string, payload any) (Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	return Task{ID: id, Type: taskType, Payload: data}, nil
}

// Executor runs tasks. OnFailure is invoked once a task failed for good, either
// with a terminal result or after exhausting its retries.
type Executor interface {
	Execute(ctx context.Context, task Task) Result
	OnFailure(ctx context.Context, task Task, err error)
}

// Dispatcher schedules tasks to run later
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}
