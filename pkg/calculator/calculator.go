// Package calculator orchestrates calculations on datasets: it computes new
// calculated columns and aggregate tables, absorbs row changes, and cascades
// them through the tables merged, joined or aggregated from a dataset.
package calculator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethpandaops/tally/pkg/aggregations"
	"github.com/ethpandaops/tally/pkg/aggregator"
	"github.com/ethpandaops/tally/pkg/calculation"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
	"github.com/ethpandaops/tally/pkg/observability"
	"github.com/ethpandaops/tally/pkg/tasks"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrInvalidBatchSize is returned when the update batch size is not positive
var ErrInvalidBatchSize = errors.New("update batch size must be positive")

// Config tunes the calculator
type Config struct {
	// UpdateBatchSize splits large appends into update tasks of at most this many rows
	UpdateBatchSize int `yaml:"updateBatchSize" default:"500"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.UpdateBatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	return nil
}

// SummaryInvalidator drops cached summary statistics of a table
type SummaryInvalidator interface {
	Invalidate(ctx context.Context, tableID string) error
}

// Calculator implements tasks.Executor for every task it schedules
type Calculator struct {
	log        logrus.FieldLogger
	config     *Config
	store      dataset.Store
	parser     *formula.Parser
	aggregator *aggregator.Aggregator
	dispatcher tasks.Dispatcher
	summary    SummaryInvalidator
}

// New creates a calculator
func New(
	log logrus.FieldLogger,
	cfg *Config,
	store dataset.Store,
	parser *formula.Parser,
	catalog *aggregations.Catalog,
	dispatcher tasks.Dispatcher,
	summary SummaryInvalidator,
) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Calculator{
		log:        log.WithField("component", "calculator"),
		config:     cfg,
		store:      store,
		parser:     parser,
		aggregator: aggregator.New(log, store, catalog, parser),
		dispatcher: dispatcher,
		summary:    summary,
	}, nil
}

// Execute runs a task scheduled by the calculator
func (c *Calculator) Execute(ctx context.Context, task tasks.Task) tasks.Result {
	switch task.Type {
	case tasks.TypeCalculate:
		var p tasks.CalculationPayload
		if err := task.Decode(&p); err != nil {
			return tasks.Failed(err)
		}

		return c.runCalculation(ctx, p)
	case tasks.TypeUpdate:
		var p tasks.UpdatePayload
		if err := task.Decode(&p); err != nil {
			return tasks.Failed(err)
		}

		return c.CalculateUpdates(ctx, p)
	case tasks.TypeRemove:
		var p tasks.RemovalPayload
		if err := task.Decode(&p); err != nil {
			return tasks.Failed(err)
		}

		return c.runRemoval(ctx, p)
	}

	return tasks.Failed(fmt.Errorf("%w: %s", tasks.ErrUnknownTaskType, task.Type))
}

// OnFailure records a task that failed for good on the state it was about and
// releases its place in the pending queue
func (c *Calculator) OnFailure(ctx context.Context, task tasks.Task, err error) {
	log := c.log.WithFields(logrus.Fields{"task_id": task.ID, "type": task.Type}).WithError(err)

	observability.RecordError("calculator", task.Type)

	switch task.Type {
	case tasks.TypeCalculate:
		var p tasks.CalculationPayload
		if derr := task.Decode(&p); derr != nil {
			log.WithError(derr).Error("Failed to decode failed task")
			return
		}

		for _, id := range p.CalculationIDs {
			calc, gerr := c.store.GetCalculation(ctx, id)
			if gerr != nil {
				continue
			}

			if calc.State == calculation.StatePending {
				c.fail(ctx, calc, err)
			}
		}

		c.release(ctx, p.TableID, p.Batch...)
	case tasks.TypeUpdate:
		var p tasks.UpdatePayload
		if derr := task.Decode(&p); derr != nil {
			log.WithError(derr).Error("Failed to decode failed task")
			return
		}

		c.recordTableError(ctx, p.TableID, err)
		c.release(ctx, p.TableID, p.UpdateID)
	case tasks.TypeRemove:
		var p tasks.RemovalPayload
		if derr := task.Decode(&p); derr == nil {
			c.release(ctx, p.TableID, p.PendingID)
		}
	}

	log.Error("Task failed")
}

// headOfQueue reports whether id is still pending and whether every pending id
// before it belongs to its own batch
func headOfQueue(pending []string, id string, batch []string) (present, ready bool) {
	for _, p := range pending {
		if p == id {
			return true, true
		}

		if !slices.Contains(batch, p) {
			return slices.Contains(pending, id), false
		}
	}

	return false, false
}

// release removes ids from the table's pending queue
func (c *Calculator) release(ctx context.Context, tableID string, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}

		if err := c.store.RemovePendingUpdate(ctx, tableID, id); err != nil && !errors.Is(err, dataset.ErrTableNotFound) {
			c.log.WithError(err).WithFields(logrus.Fields{
				"table":     tableID,
				"update_id": id,
			}).Warn("Failed to remove pending update")
		}
	}
}

// recordTableError surfaces a failure on the table it happened on
func (c *Calculator) recordTableError(ctx context.Context, tableID string, cause error) {
	table, err := c.store.GetTable(ctx, tableID)
	if err != nil {
		return
	}

	table.LastError = cause.Error()
	table.Touch()

	if err := c.store.SaveTable(ctx, table); err != nil {
		c.log.WithError(err).WithField("table", tableID).Warn("Failed to record table error")
	}
}

// enqueueUpdates queues the updates on their tables, then dispatches them. Every
// update gets the ids of the whole set as its batch.
func (c *Calculator) enqueueUpdates(ctx context.Context, payloads ...tasks.UpdatePayload) ([]string, error) {
	ids := make([]string, len(payloads))

	for i := range payloads {
		if payloads[i].UpdateID == "" {
			payloads[i].UpdateID = uuid.NewString()
		}

		payloads[i].EnqueuedAt = time.Now().UTC()
		ids[i] = payloads[i].UpdateID
	}

	for i := range payloads {
		if len(payloads) > 1 {
			payloads[i].Batch = ids
		}

		if err := c.store.PushPendingUpdate(ctx, payloads[i].TableID, payloads[i].UpdateID); err != nil {
			return nil, err
		}
	}

	for _, p := range payloads {
		task, err := tasks.NewUpdateTask(p)
		if err != nil {
			return nil, err
		}

		if err := c.dispatcher.Dispatch(ctx, task); err != nil {
			return nil, err
		}
	}

	return ids, nil
}
