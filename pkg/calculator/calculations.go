package calculator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethpandaops/tally/pkg/calculation"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
	"github.com/ethpandaops/tally/pkg/observability"
	"github.com/ethpandaops/tally/pkg/tasks"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Definition describes a calculation to create
type Definition struct {
	Formula string   `json:"formula"`
	Name    string   `json:"name"`
	Group   []string `json:"group,omitempty"`
}

func kind(calc *calculation.Calculation) string {
	if calc.IsAggregation() {
		return "aggregation"
	}

	return "row"
}

// CreateCalculation validates the formula, persists the calculation as pending
// and schedules its computation
func (c *Calculator) CreateCalculation(ctx context.Context, tableID, formulaText, name string, group []string) (*calculation.Calculation, error) {
	calcs, err := c.CreateCalculations(ctx, tableID, []Definition{{Formula: formulaText, Name: name, Group: group}})
	if err != nil {
		return nil, err
	}

	return calcs[0], nil
}

// CreateCalculations validates every definition before persisting any, then
// schedules them as one task
func (c *Calculator) CreateCalculations(ctx context.Context, tableID string, defs []Definition) ([]*calculation.Calculation, error) {
	table, err := c.store.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}

	existing, err := c.store.ListCalculations(ctx, tableID)
	if err != nil {
		return nil, err
	}

	calcs := make([]*calculation.Calculation, 0, len(defs))

	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			return nil, ErrInvalidName
		}

		parsed, err := c.parser.Validate(table.Schema, def.Formula, def.Group)
		if err != nil {
			return nil, err
		}

		calc := calculation.New(uuid.NewString(), tableID, def.Formula, dataset.Slugify(def.Name), def.Group, parsed.Aggregation)

		if err := nameAvailable(table, append(existing, calcs...), calc); err != nil {
			return nil, err
		}

		calcs = append(calcs, calc)
	}

	for _, calc := range calcs {
		if err := c.store.SaveCalculation(ctx, calc); err != nil {
			return nil, err
		}

		observability.RecordCalculation(kind(calc), string(calculation.StatePending))
	}

	pendingID := uuid.NewString()
	payload := tasks.CalculationPayload{
		TableID:    tableID,
		Batch:      []string{pendingID},
		EnqueuedAt: time.Now().UTC(),
	}

	for _, calc := range calcs {
		payload.CalculationIDs = append(payload.CalculationIDs, calc.ID)
	}

	task, err := tasks.NewCalculationTask(payload)
	if err != nil {
		return nil, err
	}

	if err := c.store.PushPendingUpdate(ctx, tableID, pendingID); err != nil {
		return nil, err
	}

	if err := c.dispatcher.Dispatch(ctx, task); err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"table":        tableID,
		"calculations": payload.CalculationIDs,
	}).Debug("Scheduled calculations")

	return calcs, nil
}

// nameAvailable checks a row-wise name against the table's columns and
// calculations, and an aggregation name against the aggregations sharing its grouping
func nameAvailable(table *dataset.Table, others []*calculation.Calculation, calc *calculation.Calculation) error {
	taken := fmt.Errorf("%w: %s", ErrNameTaken, calc.Name)

	if calc.IsAggregation() {
		if slices.Contains(calc.Group, calc.Name) {
			return taken
		}

		for _, other := range others {
			if other.IsAggregation() && other.Name == calc.Name && other.GroupSignature() == calc.GroupSignature() {
				return taken
			}
		}

		return nil
	}

	if table.Schema.Has(calc.Name) {
		return taken
	}

	for _, other := range others {
		if !other.IsAggregation() && other.Name == calc.Name {
			return taken
		}
	}

	return nil
}

// runCalculation computes the calculations of a task once the table's earlier
// updates have landed
func (c *Calculator) runCalculation(ctx context.Context, p tasks.CalculationPayload) tasks.Result {
	pending, err := c.store.PendingUpdates(ctx, p.TableID)
	if err != nil {
		return tasks.Retry(err)
	}

	if len(p.Batch) > 0 {
		if present, ready := headOfQueue(pending, p.Batch[0], p.Batch); present && !ready {
			return tasks.Retry(ErrNotAtHead)
		}
	}

	table, err := c.store.GetTable(ctx, p.TableID)
	if err != nil {
		return tasks.Failed(err)
	}

	calcs := make([]*calculation.Calculation, 0, len(p.CalculationIDs))

	for _, id := range p.CalculationIDs {
		calc, err := c.store.GetCalculation(ctx, id)
		if err != nil {
			if errors.Is(err, dataset.ErrCalculationNotFound) {
				continue
			}

			return tasks.Retry(err)
		}

		if calc.State == calculation.StatePending {
			calcs = append(calcs, calc)
		}
	}

	if err := c.CalculateColumns(ctx, table, calcs); err != nil {
		return tasks.Failed(err)
	}

	c.release(ctx, p.TableID, p.Batch...)

	return tasks.OK()
}

// CalculateColumns computes calculations on table. Aggregations are handed to
// the aggregator one by one; row-wise calculations are evaluated over every row
// and written together in one batched write, then copied down into the tables
// merged from this one. Failures of single calculations are recorded on them.
func (c *Calculator) CalculateColumns(ctx context.Context, table *dataset.Table, calcs []*calculation.Calculation) error {
	rowWise := make([]*calculation.Calculation, 0, len(calcs))

	for _, calc := range calcs {
		if calc.IsAggregation() {
			c.saveAggregation(ctx, table, calc)
			continue
		}

		rowWise = append(rowWise, calc)
	}

	if len(rowWise) == 0 {
		return nil
	}

	return c.applyColumns(ctx, table, rowWise)
}

func (c *Calculator) saveAggregation(ctx context.Context, table *dataset.Table, calc *calculation.Calculation) {
	id, err := c.aggregator.Save(ctx, table, calc)
	if err != nil {
		c.fail(ctx, calc, err)
		return
	}

	calc.AggregateTableID = id

	parsed, err := c.parser.Parse(calc.Formula)
	if err != nil {
		c.fail(ctx, calc, err)
		return
	}

	c.ready(ctx, calc, parsed)

	outputs, err := c.aggregator.Outputs(calc)
	if err != nil {
		return
	}

	slugs := make([]string, 0, len(outputs))
	for _, out := range outputs {
		slugs = append(slugs, out.Slug)
	}

	if err := c.copyDown(ctx, id, slugs); err != nil {
		c.log.WithError(err).WithField("aggregate_table", id).Warn("Failed to copy aggregate columns into merged tables")
		c.recordTableError(ctx, id, err)
	}
}

// evaluation is one row-wise calculation evaluated over a table
type evaluation struct {
	calc   *calculation.Calculation
	parsed *formula.Parsed
	column dataset.Column
	values map[int]any
	err    error
}

func (c *Calculator) applyColumns(ctx context.Context, table *dataset.Table, calcs []*calculation.Calculation) error {
	rows, err := c.store.Rows(ctx, table.ID, dataset.Query{})
	if err != nil {
		return err
	}

	frame := dataset.NewFrame(table, rows)
	results := make([]evaluation, len(calcs))

	g, gctx := errgroup.WithContext(ctx)

	for i, calc := range calcs {
		g.Go(func() error {
			results[i] = c.evaluateColumn(gctx, table, frame, rows, calc)
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	columns := make(map[string]map[int]any, len(results))
	written := make([]evaluation, 0, len(results))

	for _, res := range results {
		if res.err != nil {
			c.fail(ctx, res.calc, res.err)
			continue
		}

		columns[res.column.Slug] = res.values
		written = append(written, res)
	}

	if len(written) == 0 {
		return nil
	}

	if err := c.store.AddColumns(ctx, table.ID, columns); err != nil {
		for _, res := range written {
			c.fail(ctx, res.calc, err)
		}

		return nil
	}

	for _, res := range written {
		table.Schema.Put(res.column)
	}

	table.Touch()

	if err := c.store.SaveTable(ctx, table); err != nil {
		for _, res := range written {
			c.fail(ctx, res.calc, err)
		}

		return nil
	}

	slugs := make([]string, 0, len(written))

	for _, res := range written {
		c.ready(ctx, res.calc, res.parsed)
		slugs = append(slugs, res.column.Slug)
	}

	if err := c.copyDown(ctx, table.ID, slugs); err != nil {
		c.log.WithError(err).WithField("table", table.ID).Warn("Failed to copy columns into merged tables")
	}

	return nil
}

func (c *Calculator) evaluateColumn(ctx context.Context, table *dataset.Table, frame *dataset.Frame, rows []dataset.Row, calc *calculation.Calculation) evaluation {
	res := evaluation{calc: calc}

	parsed, err := c.parser.Validate(table.Schema, calc.Formula, nil)
	if err != nil {
		res.err = err
		return res
	}

	res.parsed = parsed
	fn := parsed.Functions[0]
	raw := make([]any, len(rows))

	for i, row := range rows {
		if i%1024 == 0 && ctx.Err() != nil {
			res.err = ctx.Err()
			return res
		}

		raw[i] = fn.Eval(row, frame)
	}

	res.column = resultColumn(calc.Name, raw)
	res.values = make(map[int]any, len(rows))

	for i, row := range rows {
		res.values[row.Index()] = dataset.CoerceValue(raw[i], res.column.SimpleType)
	}

	return res
}

// resultColumn types a calculated column from the Go types its formula produced
func resultColumn(slug string, values []any) dataset.Column {
	var numbers, bools, times, other int

	for _, v := range values {
		if formula.Missing(v) {
			continue
		}

		switch v.(type) {
		case float64, int64, int:
			numbers++
		case bool:
			bools++
		case time.Time:
			times++
		default:
			other++
		}
	}

	col := dataset.Column{Slug: slug, Label: slug, OLAPType: dataset.OLAPDimension}

	switch {
	case other > 0 || (numbers > 0 && (bools > 0 || times > 0)) || (bools > 0 && times > 0):
		col = dataset.ColumnForValues(slug, values)
		col.SimpleType = dataset.TypeString
		col.OLAPType = dataset.OLAPDimension
	case bools > 0:
		col.SimpleType = dataset.TypeBoolean
	case times > 0:
		col.SimpleType = dataset.TypeDatetime
	default:
		col.SimpleType = dataset.TypeFloat
		col.OLAPType = dataset.OLAPMeasure
	}

	col.Cardinality = dataset.ColumnForValues(slug, values).Cardinality

	return col
}

// ready marks the calculation ready and records its dependencies on the other
// calculations of the table whose columns it reads
func (c *Calculator) ready(ctx context.Context, calc *calculation.Calculation, parsed *formula.Parsed) {
	others, err := c.store.ListCalculations(ctx, calc.TableID)
	if err != nil {
		c.log.WithError(err).WithField("calculation", calc.ID).Warn("Failed to list calculations for dependencies")
	}

	referenced := parsed.ReferencedColumns()

	for _, other := range others {
		if other.ID == calc.ID || other.IsAggregation() || !slices.Contains(referenced, other.Name) {
			continue
		}

		calc.AddDependency(other.ID)
		other.AddDependent(calc.ID)

		if err := c.store.SaveCalculation(ctx, other); err != nil {
			c.log.WithError(err).WithField("calculation", other.ID).Warn("Failed to record dependent")
		}
	}

	calc.MarkReady()

	if err := c.store.SaveCalculation(ctx, calc); err != nil {
		c.log.WithError(err).WithField("calculation", calc.ID).Error("Failed to save calculation")
		return
	}

	observability.RecordCalculation(kind(calc), string(calculation.StateReady))
}

// fail records a background failure on the calculation
func (c *Calculator) fail(ctx context.Context, calc *calculation.Calculation, cause error) {
	calc.MarkFailed(cause)

	c.log.WithError(cause).WithFields(logrus.Fields{
		"calculation": calc.ID,
		"table":       calc.TableID,
	}).Warn("Calculation failed")

	if err := c.store.SaveCalculation(ctx, calc); err != nil {
		c.log.WithError(err).WithField("calculation", calc.ID).Error("Failed to save calculation")
	}

	observability.RecordCalculation(kind(calc), string(calculation.StateFailed))
}

// DeleteCalculation schedules the removal of a calculation's columns. It fails
// with a DependencyError while other calculations read the calculation.
func (c *Calculator) DeleteCalculation(ctx context.Context, id string) error {
	calc, err := c.store.GetCalculation(ctx, id)
	if err != nil {
		return err
	}

	if calc.HasDependents() {
		return &DependencyError{ID: calc.ID, Dependents: slices.Clone(calc.Dependents)}
	}

	payload := tasks.RemovalPayload{
		TableID:       calc.TableID,
		CalculationID: calc.ID,
		PendingID:     uuid.NewString(),
		EnqueuedAt:    time.Now().UTC(),
	}

	task, err := tasks.NewRemovalTask(payload)
	if err != nil {
		return err
	}

	if err := c.store.PushPendingUpdate(ctx, calc.TableID, payload.PendingID); err != nil {
		return err
	}

	return c.dispatcher.Dispatch(ctx, task)
}

// runRemoval drops a deleted calculation's column from its table and the tables
// merged from it, or its value columns from its aggregate table
func (c *Calculator) runRemoval(ctx context.Context, p tasks.RemovalPayload) tasks.Result {
	pending, err := c.store.PendingUpdates(ctx, p.TableID)
	if err != nil {
		return tasks.Retry(err)
	}

	if present, ready := headOfQueue(pending, p.PendingID, nil); present && !ready {
		return tasks.Retry(ErrNotAtHead)
	}

	calc, err := c.store.GetCalculation(ctx, p.CalculationID)
	if err != nil {
		c.release(ctx, p.TableID, p.PendingID)

		if errors.Is(err, dataset.ErrCalculationNotFound) {
			return tasks.OK()
		}

		return tasks.Failed(err)
	}

	if calc.HasDependents() {
		c.release(ctx, p.TableID, p.PendingID)
		return tasks.Failed(&DependencyError{ID: calc.ID, Dependents: slices.Clone(calc.Dependents)})
	}

	if calc.IsAggregation() {
		err = c.aggregator.Drop(ctx, calc)
	} else if calc.IsReady() {
		err = c.dropColumn(ctx, calc.TableID, calc.Name)
	}

	if err != nil {
		return tasks.Failed(err)
	}

	for _, depID := range calc.Dependencies {
		dep, err := c.store.GetCalculation(ctx, depID)
		if err != nil {
			continue
		}

		dep.RemoveDependent(calc.ID)

		if err := c.store.SaveCalculation(ctx, dep); err != nil {
			return tasks.Retry(err)
		}
	}

	if err := c.store.DeleteCalculation(ctx, calc.ID); err != nil {
		return tasks.Retry(err)
	}

	c.release(ctx, p.TableID, p.PendingID)

	observability.RecordCalculation(kind(calc), "removed")

	c.log.WithFields(logrus.Fields{
		"calculation": calc.ID,
		"table":       calc.TableID,
	}).Info("Removed calculation")

	return tasks.OK()
}

// dropColumn removes a column from a table and, renamed, from every table merged from it
func (c *Calculator) dropColumn(ctx context.Context, tableID, slug string) error {
	table, err := c.store.GetTable(ctx, tableID)
	if err != nil {
		if errors.Is(err, dataset.ErrTableNotFound) {
			return nil
		}

		return err
	}

	if !table.Schema.Has(slug) {
		return nil
	}

	if err := c.store.DropColumns(ctx, tableID, []string{slug}); err != nil {
		return err
	}

	table.Schema.Remove(slug)
	table.Touch()

	if err := c.store.SaveTable(ctx, table); err != nil {
		return err
	}

	if err := c.summary.Invalidate(ctx, tableID); err != nil {
		c.log.WithError(err).WithField("table", tableID).Warn("Failed to invalidate summary")
	}

	for _, link := range table.MergedTables {
		if err := c.dropColumn(ctx, link.ChildID, link.Rename(slug)); err != nil {
			return err
		}
	}

	return nil
}
