package calculator

import (
	"context"
	"slices"

	"github.com/ethpandaops/tally/pkg/aggregations"
	"github.com/ethpandaops/tally/pkg/aggregator"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/tasks"
	"github.com/sirupsen/logrus"
)

// Propagate cascades a change applied to table into its aggregate tables, the
// tables merged from it and the join results it takes part in. Aggregates are
// updated inline; merged and joined tables receive their own update tasks.
// Failures are recorded on the dependent table and never undo the change.
func (c *Calculator) Propagate(ctx context.Context, table *dataset.Table, change Change) {
	c.propagateAggregations(ctx, table, change)

	for _, link := range table.MergedTables {
		c.propagateMerge(ctx, table, link, change)
	}

	for _, link := range table.JoinedTables {
		c.propagateJoin(ctx, table, link, change)
	}
}

func (c *Calculator) propagateAggregations(ctx context.Context, table *dataset.Table, change Change) {
	calcs, err := c.store.ListCalculations(ctx, table.ID)
	if err != nil {
		c.log.WithError(err).WithField("table", table.ID).Error("Failed to list calculations")
		return
	}

	parentID := change.ParentID
	if parentID == "" {
		parentID = table.ID
	}

	var updated []string

	for _, calc := range calcs {
		if !calc.IsAggregation() || !calc.IsReady() {
			continue
		}

		err := c.aggregator.Update(ctx, table, calc, aggregator.Change{
			Rows:     change.Rows,
			ParentID: parentID,
			Addition: change.Kind == tasks.UpdateAdd,
		})
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"calculation":     calc.ID,
				"aggregate_table": calc.AggregateTableID,
			}).Warn("Failed to update aggregate")
			c.recordTableError(ctx, calc.AggregateTableID, err)

			continue
		}

		if !slices.Contains(updated, calc.AggregateTableID) {
			updated = append(updated, calc.AggregateTableID)
		}
	}

	for _, id := range updated {
		aggTable, err := c.store.GetTable(ctx, id)
		if err != nil || len(aggTable.MergedTables) == 0 {
			continue
		}

		rows, err := c.store.Rows(ctx, id, dataset.Query{})
		if err != nil {
			c.recordTableError(ctx, id, err)
			continue
		}

		c.Propagate(ctx, aggTable, Change{Kind: tasks.UpdateSync, Rows: rows})
	}
}

// relabel renames a row's columns for a merged child and records the slot it came from
func relabel(schema dataset.Schema, link dataset.MergeLink, row dataset.Row) map[string]any {
	out := make(map[string]any, len(schema.Columns)+1)

	for _, col := range schema.Columns {
		if v, ok := row[col.Slug]; ok {
			out[link.Rename(col.Slug)] = v
		}
	}

	out[dataset.SourceIndexColumn] = row.Index()

	return out
}

func (c *Calculator) propagateMerge(ctx context.Context, table *dataset.Table, link dataset.MergeLink, change Change) {
	p := tasks.UpdatePayload{
		TableID:  link.ChildID,
		Kind:     change.Kind,
		ParentID: table.ID,
	}

	switch change.Kind {
	case tasks.UpdateAdd, tasks.UpdateSync:
		for _, row := range change.Rows {
			p.Rows = append(p.Rows, relabel(table.Schema, link, row))
		}
	case tasks.UpdateDelete:
		p.Index = change.Rows[0].Index()
	case tasks.UpdateEdit:
		p.Index = change.Rows[0].Index()
		p.Rows = []map[string]any{relabel(table.Schema, link, change.Rows[0])}
	}

	c.dispatchDerived(ctx, p)
}

func (c *Calculator) dispatchDerived(ctx context.Context, p tasks.UpdatePayload) {
	if _, err := c.enqueueUpdates(ctx, p); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"table":  p.TableID,
			"parent": p.ParentID,
		}).Error("Failed to dispatch derived update")
		c.recordTableError(ctx, p.TableID, err)
	}
}

func (c *Calculator) propagateJoin(ctx context.Context, table *dataset.Table, link dataset.JoinLink, change Change) {
	other, err := c.store.GetTable(ctx, link.OtherID)
	if err != nil {
		c.recordTableError(ctx, link.ResultID, err)
		return
	}

	left, right := table, other
	if link.Direction == dataset.JoinRight {
		left, right = other, table
	}

	j, err := c.loadJoin(ctx, left, right, link.On)
	if err != nil {
		c.recordTableError(ctx, link.ResultID, err)
		return
	}

	if link.Direction == dataset.JoinLeft {
		p := tasks.UpdatePayload{TableID: link.ResultID, Kind: change.Kind, ParentID: left.ID}

		switch change.Kind {
		case tasks.UpdateAdd, tasks.UpdateSync:
			for _, row := range change.Rows {
				p.Rows = append(p.Rows, j.row(row))
			}
		case tasks.UpdateDelete:
			p.Index = change.Rows[0].Index()
		case tasks.UpdateEdit:
			p.Index = change.Rows[0].Index()
			p.Rows = []map[string]any{j.row(change.Rows[0])}
		}

		c.dispatchDerived(ctx, p)

		return
	}

	// right-hand side: rebuild the join rows of the left rows whose key was touched
	if change.Kind == tasks.UpdateSync {
		leftRows, err := c.store.Rows(ctx, left.ID, dataset.Query{})
		if err != nil {
			c.recordTableError(ctx, link.ResultID, err)
			return
		}

		p := tasks.UpdatePayload{TableID: link.ResultID, Kind: tasks.UpdateSync, ParentID: left.ID}
		for _, row := range leftRows {
			p.Rows = append(p.Rows, j.row(row))
		}

		c.dispatchDerived(ctx, p)

		return
	}

	touched := make(map[string]struct{})

	rows := change.Rows
	if change.Previous != nil {
		rows = append([]dataset.Row{change.Previous}, rows...)
	}

	for _, row := range rows {
		touched[aggregations.KeyString([]any{row[link.On]})] = struct{}{}
	}

	leftRows, err := c.store.Rows(ctx, left.ID, dataset.Query{})
	if err != nil {
		c.recordTableError(ctx, link.ResultID, err)
		return
	}

	for _, row := range leftRows {
		if _, ok := touched[aggregations.KeyString([]any{row[link.On]})]; !ok {
			continue
		}

		c.dispatchDerived(ctx, tasks.UpdatePayload{
			TableID:  link.ResultID,
			Kind:     tasks.UpdateEdit,
			Index:    row.Index(),
			ParentID: left.ID,
			Rows:     []map[string]any{j.row(row)},
		})
	}
}
