package calculator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/tally/pkg/aggregations"
	"github.com/ethpandaops/tally/pkg/calculation"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
	"github.com/ethpandaops/tally/pkg/observability"
	"github.com/ethpandaops/tally/pkg/tasks"
	"github.com/sirupsen/logrus"
)

// Change is a row change applied to a table
type Change struct {
	Kind tasks.UpdateKind
	// Rows holds the appended rows, the edited row, the deleted row, or every
	// row of the table after a sync
	Rows []dataset.Row
	// Previous is the row as it was before an edit
	Previous dataset.Row
	// ParentID is the table the change fanned in from
	ParentID string
}

func (c *Calculator) writableTable(ctx context.Context, tableID string) (*dataset.Table, error) {
	table, err := c.store.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}

	if table.IsAggregate() {
		return nil, fmt.Errorf("%w: %s", ErrAggregateTable, tableID)
	}

	return table, nil
}

// AppendRows schedules rows to be appended to a table. Large appends are split
// into a batch of updates that do not wait on one another.
func (c *Calculator) AppendRows(ctx context.Context, tableID string, rows []map[string]any) ([]string, error) {
	if _, err := c.writableTable(ctx, tableID); err != nil {
		return nil, err
	}

	size := c.config.UpdateBatchSize
	payloads := make([]tasks.UpdatePayload, 0, len(rows)/size+1)

	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))

		payloads = append(payloads, tasks.UpdatePayload{
			TableID: tableID,
			Kind:    tasks.UpdateAdd,
			Rows:    rows[start:end],
		})
	}

	if len(payloads) == 0 {
		return nil, nil
	}

	return c.enqueueUpdates(ctx, payloads...)
}

// DeleteRow schedules the removal of the row at index
func (c *Calculator) DeleteRow(ctx context.Context, tableID string, index int) (string, error) {
	if _, err := c.writableTable(ctx, tableID); err != nil {
		return "", err
	}

	ids, err := c.enqueueUpdates(ctx, tasks.UpdatePayload{TableID: tableID, Kind: tasks.UpdateDelete, Index: index})
	if err != nil {
		return "", err
	}

	return ids[0], nil
}

// EditRow schedules fields to be merged into the row at index
func (c *Calculator) EditRow(ctx context.Context, tableID string, index int, fields map[string]any) (string, error) {
	if _, err := c.writableTable(ctx, tableID); err != nil {
		return "", err
	}

	ids, err := c.enqueueUpdates(ctx, tasks.UpdatePayload{
		TableID: tableID,
		Kind:    tasks.UpdateEdit,
		Index:   index,
		Rows:    []map[string]any{fields},
	})
	if err != nil {
		return "", err
	}

	return ids[0], nil
}

// CalculateUpdates absorbs one row change into a table once it reaches the head
// of the table's pending queue, then propagates it to the derived tables
func (c *Calculator) CalculateUpdates(ctx context.Context, p tasks.UpdatePayload) tasks.Result {
	log := c.log.WithFields(logrus.Fields{
		"table":     p.TableID,
		"update_id": p.UpdateID,
		"kind":      p.Kind,
	})

	pending, err := c.store.PendingUpdates(ctx, p.TableID)
	if err != nil {
		if errors.Is(err, dataset.ErrTableNotFound) {
			return tasks.Failed(err)
		}

		return tasks.Retry(err)
	}

	present, ready := headOfQueue(pending, p.UpdateID, p.Batch)
	if !present {
		log.Debug("Update no longer pending")
		return tasks.OK()
	}

	if !ready {
		return tasks.Retry(ErrNotAtHead)
	}

	table, err := c.store.GetTable(ctx, p.TableID)
	if err != nil {
		return tasks.Failed(err)
	}

	var change *Change

	switch p.Kind {
	case tasks.UpdateAdd:
		change, err = c.applyAdd(ctx, table, p.Rows, p.ParentID, false)
	case tasks.UpdateSync:
		change, err = c.applyAdd(ctx, table, p.Rows, p.ParentID, true)
	case tasks.UpdateDelete:
		change, err = c.applyDelete(ctx, table, p)
	case tasks.UpdateEdit:
		change, err = c.applyEdit(ctx, table, p)
	default:
		err = fmt.Errorf("unknown update kind %q", p.Kind)
	}

	if err != nil {
		if errors.Is(err, ErrJoinKeyNotUnique) {
			return tasks.Retry(err)
		}

		return tasks.Failed(err)
	}

	if change != nil {
		if err := c.summary.Invalidate(ctx, table.ID); err != nil {
			log.WithError(err).Warn("Failed to invalidate summary")
		}

		c.Propagate(ctx, table, *change)
	}

	c.release(ctx, table.ID, p.UpdateID)

	return tasks.OK()
}

// applyAdd coerces and appends raw rows. With replace set, the rows previously
// contributed by parentID are deleted first.
func (c *Calculator) applyAdd(ctx context.Context, table *dataset.Table, raw []map[string]any, parentID string, replace bool) (*Change, error) {
	rows := make([]dataset.Row, 0, len(raw))

	for _, r := range raw {
		row := dataset.Coerce(table.Schema, r)
		if parentID != "" {
			row[dataset.ParentIDColumn] = parentID
		}

		rows = append(rows, row)
	}

	existing, err := c.store.Rows(ctx, table.ID, dataset.Query{})
	if err != nil {
		return nil, err
	}

	var replaced []int

	if replace {
		kept := existing[:0:0]

		for _, row := range existing {
			if row.ParentID() == parentID {
				replaced = append(replaced, row.Index())
				continue
			}

			kept = append(kept, row)
		}

		existing = kept
	}

	if err := checkUnique(table, existing, rows, -1); err != nil {
		return nil, err
	}

	frame := dataset.NewFrame(table, append(existing[:len(existing):len(existing)], rows...))

	if err := c.evaluateRows(ctx, table, frame, rows); err != nil {
		return nil, err
	}

	for _, index := range replaced {
		if err := c.store.DeleteRow(ctx, table.ID, index); err != nil {
			return nil, err
		}
	}

	before, err := c.store.SlotCount(ctx, table.ID)
	if err != nil {
		return nil, err
	}

	if err := c.store.AppendRows(ctx, table.ID, rows); err != nil {
		return nil, err
	}

	for i, row := range rows {
		row[dataset.IndexColumn] = before + i
	}

	all := append(existing, rows...)

	if err := c.saveCardinality(ctx, table, all); err != nil {
		return nil, err
	}

	origin := "client"
	if parentID != "" {
		origin = "derived"
	}

	observability.RecordRowsAppended(origin, len(rows))

	if replace {
		return &Change{Kind: tasks.UpdateSync, Rows: all, ParentID: parentID}, nil
	}

	return &Change{Kind: tasks.UpdateAdd, Rows: rows, ParentID: parentID}, nil
}

// resolveIndex maps the index of an update to a local slot. Updates fanned in
// from a parent carry the parent's slot, found through the lineage fields.
func (c *Calculator) resolveIndex(ctx context.Context, table *dataset.Table, p tasks.UpdatePayload) (dataset.Row, error) {
	where := map[string]any{dataset.IndexColumn: p.Index}
	if p.ParentID != "" {
		where = map[string]any{
			dataset.ParentIDColumn:    p.ParentID,
			dataset.SourceIndexColumn: p.Index,
		}
	}

	rows, err := c.store.Rows(ctx, table.ID, dataset.Query{Where: where})
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		if p.ParentID != "" {
			// the parent row never reached this table
			return nil, nil
		}

		return nil, fmt.Errorf("%w: %s[%d]", dataset.ErrRowNotFound, table.ID, p.Index)
	}

	return rows[0], nil
}

func (c *Calculator) applyDelete(ctx context.Context, table *dataset.Table, p tasks.UpdatePayload) (*Change, error) {
	row, err := c.resolveIndex(ctx, table, p)
	if err != nil || row == nil {
		return nil, err
	}

	if err := c.store.DeleteRow(ctx, table.ID, row.Index()); err != nil {
		return nil, err
	}

	if err := c.refreshCardinality(ctx, table); err != nil {
		return nil, err
	}

	return &Change{Kind: tasks.UpdateDelete, Rows: []dataset.Row{row}, ParentID: p.ParentID}, nil
}

func (c *Calculator) applyEdit(ctx context.Context, table *dataset.Table, p tasks.UpdatePayload) (*Change, error) {
	if len(p.Rows) == 0 {
		return nil, fmt.Errorf("edit of %s[%d] carries no fields", table.ID, p.Index)
	}

	previous, err := c.resolveIndex(ctx, table, p)
	if err != nil || previous == nil {
		return nil, err
	}

	edited := previous.Clone()
	for k, v := range dataset.Coerce(table.Schema, p.Rows[0]) {
		edited[k] = v
	}

	existing, err := c.store.Rows(ctx, table.ID, dataset.Query{})
	if err != nil {
		return nil, err
	}

	if err := checkUnique(table, existing, []dataset.Row{edited}, previous.Index()); err != nil {
		return nil, err
	}

	if err := c.evaluateRows(ctx, table, dataset.NewFrame(table, existing), []dataset.Row{edited}); err != nil {
		return nil, err
	}

	fields := edited.Clone()
	delete(fields, dataset.IndexColumn)

	if err := c.store.UpdateRow(ctx, table.ID, previous.Index(), fields); err != nil {
		return nil, err
	}

	if err := c.refreshCardinality(ctx, table); err != nil {
		return nil, err
	}

	return &Change{Kind: tasks.UpdateEdit, Rows: []dataset.Row{edited}, Previous: previous, ParentID: p.ParentID}, nil
}

// evaluateRows fills the columns of the table's ready row-wise calculations on
// rows, in creation order so calculations reading other calculations see their values
func (c *Calculator) evaluateRows(ctx context.Context, table *dataset.Table, frame *dataset.Frame, rows []dataset.Row) error {
	calcs, err := c.store.ListCalculations(ctx, table.ID)
	if err != nil {
		return err
	}

	for _, calc := range calcs {
		col, ok := readyColumn(table, calc)
		if !ok {
			continue
		}

		parsed, err := c.parser.Parse(calc.Formula)
		if err != nil || parsed.IsAggregation() {
			c.log.WithError(err).WithField("calculation", calc.ID).Warn("Skipping unparsable calculation")
			continue
		}

		fn := parsed.Functions[0]

		for _, row := range rows {
			row[col.Slug] = dataset.CoerceValue(fn.Eval(row, frame), col.SimpleType)
		}
	}

	return nil
}

func readyColumn(table *dataset.Table, calc *calculation.Calculation) (dataset.Column, bool) {
	if calc.IsAggregation() || !calc.IsReady() {
		return dataset.Column{}, false
	}

	return table.Schema.Lookup(calc.Name)
}

// checkUnique rejects incoming rows that would repeat a value of a column the
// table's join dependents rely on being unique. The row at skip is ignored.
func checkUnique(table *dataset.Table, existing, incoming []dataset.Row, skip int) error {
	for _, col := range table.UniqueJoinColumns() {
		seen := make(map[string]struct{}, len(existing)+len(incoming))

		for _, row := range existing {
			if row.Index() == skip || formula.Missing(row[col]) {
				continue
			}

			seen[aggregations.KeyString([]any{row[col]})] = struct{}{}
		}

		for _, row := range incoming {
			if formula.Missing(row[col]) {
				continue
			}

			key := aggregations.KeyString([]any{row[col]})
			if _, dup := seen[key]; dup {
				return fmt.Errorf("%w: %s=%v", ErrJoinKeyNotUnique, col, row[col])
			}

			seen[key] = struct{}{}
		}
	}

	return nil
}

func (c *Calculator) refreshCardinality(ctx context.Context, table *dataset.Table) error {
	rows, err := c.store.Rows(ctx, table.ID, dataset.Query{})
	if err != nil {
		return err
	}

	return c.saveCardinality(ctx, table, rows)
}

func (c *Calculator) saveCardinality(ctx context.Context, table *dataset.Table, rows []dataset.Row) error {
	table.Schema.RefreshCardinality(rows)
	table.Touch()

	return c.store.SaveTable(ctx, table)
}
