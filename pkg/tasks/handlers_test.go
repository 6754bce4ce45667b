package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// scriptedExecutor returns queued results per task id and records calls
type scriptedExecutor struct {
	mu       sync.Mutex
	results  map[string][]Result
	executed []string
	failures map[string]error
	onRun    func(task Task)
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		results:  make(map[string][]Result),
		failures: make(map[string]error),
	}
}

func (e *scriptedExecutor) script(id string, results ...Result) {
	e.results[id] = append(e.results[id], results...)
}

func (e *scriptedExecutor) Execute(_ context.Context, task Task) Result {
	e.mu.Lock()
	e.executed = append(e.executed, task.ID)

	result := OK()
	if queued := e.results[task.ID]; len(queued) > 0 {
		result = queued[0]
		e.results[task.ID] = queued[1:]
	}

	onRun := e.onRun
	e.mu.Unlock()

	if onRun != nil {
		onRun(task)
	}

	return result
}

func (e *scriptedExecutor) OnFailure(_ context.Context, task Task, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures[task.ID] = err
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestProcessTask(t *testing.T) {
	tests := []struct {
		name       string
		result     Result
		wantErr    error
		wantFailed bool
	}{
		{name: "ok", result: OK()},
		{name: "retry", result: Retry(errBoom), wantErr: ErrRetry},
		{name: "retry without cause", result: Retry(nil), wantErr: ErrRetry},
		{name: "failed", result: Failed(errBoom), wantErr: asynq.SkipRetry, wantFailed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := newScriptedExecutor()
			executor.script("", tt.result)

			handler := NewTaskHandler(testLogger(), executor)
			err := handler.ProcessTask(context.Background(), asynq.NewTask(TypeUpdate, []byte(`{}`)))

			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}

			_, failed := executor.failures[""]
			assert.Equal(t, tt.wantFailed, failed)
		})
	}
}

func TestHandleError(t *testing.T) {
	executor := newScriptedExecutor()
	handler := NewTaskHandler(testLogger(), executor)
	task := asynq.NewTask(TypeCalculate, nil)

	handler.HandleError(context.Background(), task, asynq.SkipRetry)
	assert.Empty(t, executor.failures)

	// without retry metadata the attempt counts as the last one
	handler.HandleError(context.Background(), task, errBoom)
	require.Contains(t, executor.failures, "")
	assert.ErrorIs(t, executor.failures[""], ErrRetriesExhausted)
	assert.ErrorIs(t, executor.failures[""], errBoom)
}

func TestRoutes(t *testing.T) {
	routes := NewTaskHandler(testLogger(), newScriptedExecutor()).Routes()

	assert.Len(t, routes, 3)

	for _, typ := range []string{TypeCalculate, TypeUpdate, TypeRemove} {
		assert.Contains(t, routes, typ)
	}
}

func TestRetryDelay(t *testing.T) {
	delay := RetryDelay(time.Second, 10*time.Second)

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{retries: 0, want: time.Second},
		{retries: 1, want: 2 * time.Second},
		{retries: 3, want: 8 * time.Second},
		{retries: 4, want: 10 * time.Second},
		{retries: 50, want: 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, delay(tt.retries, nil, nil), "retries=%d", tt.retries)
	}
}

func TestPayloadTasks(t *testing.T) {
	update := UpdatePayload{
		TableID:  "t1",
		UpdateID: "u1",
		Kind:     UpdateAdd,
		Rows:     []map[string]any{{"amount": 1.0}},
		Batch:    []string{"u1", "u2"},
	}

	task, err := NewUpdateTask(update)
	require.NoError(t, err)
	assert.Equal(t, "update:u1", task.ID)
	assert.Equal(t, TypeUpdate, task.Type)

	var decoded UpdatePayload
	require.NoError(t, task.Decode(&decoded))
	assert.Equal(t, update.Rows, decoded.Rows)
	assert.Equal(t, update.Batch, decoded.Batch)

	calc, err := NewCalculationTask(CalculationPayload{TableID: "t1", CalculationIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "calculate:t1:a,b", calc.ID)

	removal, err := NewRemovalTask(RemovalPayload{TableID: "t1", CalculationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, TypeRemove, removal.Type)

	require.Error(t, Task{Type: TypeUpdate, Payload: []byte("{")}.Decode(&decoded))
}
