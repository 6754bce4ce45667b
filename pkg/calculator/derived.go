package calculator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/ethpandaops/tally/pkg/aggregations"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/dependencies"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrSelfJoin is returned when joining a table with itself
var ErrSelfJoin = errors.New("cannot join a table with itself")

// MergeSource is one parent of a merged table
type MergeSource struct {
	TableID string `json:"table_id"`
	// Mapping renames parent columns in the merged table, by slug
	Mapping map[string]string `json:"mapping,omitempty"`
}

// Merge creates a table holding the union of the rows of the sources, renamed
// per source, and links it so later changes to the sources flow into it
func (c *Calculator) Merge(ctx context.Context, sources []MergeSource) (*dataset.Table, error) {
	if len(sources) == 0 {
		return nil, ErrNoParents
	}

	parents := make([]*dataset.Table, 0, len(sources))
	links := make([]dataset.MergeLink, 0, len(sources))
	schema := dataset.Schema{}
	childID := uuid.NewString()

	for _, src := range sources {
		parent, err := c.store.GetTable(ctx, src.TableID)
		if err != nil {
			return nil, err
		}

		link := dataset.MergeLink{ChildID: childID, Mapping: make(map[string]string, len(src.Mapping))}

		for from, to := range src.Mapping {
			col, ok := parent.Schema.Lookup(from)
			if !ok {
				return nil, fmt.Errorf("%w: %s in %s", ErrUnknownColumn, from, parent.ID)
			}

			link.Mapping[col.Slug] = dataset.Slugify(to)
		}

		for _, col := range parent.Schema.Columns {
			renamed := link.Rename(col.Slug)
			if schema.Has(renamed) {
				continue
			}

			if renamed != col.Slug {
				col.Label = renamed
			}

			col.Slug = renamed
			schema.Put(col)
		}

		parents = append(parents, parent)
		links = append(links, link)
	}

	var rows []dataset.Row

	for i, parent := range parents {
		parentRows, err := c.store.Rows(ctx, parent.ID, dataset.Query{})
		if err != nil {
			return nil, err
		}

		for _, row := range parentRows {
			child := dataset.Coerce(schema, relabel(parent.Schema, links[i], row))
			child[dataset.ParentIDColumn] = parent.ID
			rows = append(rows, child)
		}
	}

	schema.RefreshCardinality(rows)

	merged := dataset.NewTable(childID, schema)
	for _, parent := range parents {
		merged.MergeParents = append(merged.MergeParents, parent.ID)
	}

	if err := c.store.CreateTable(ctx, merged, rows); err != nil {
		return nil, err
	}

	for i, parent := range parents {
		parent.AddMergeLink(links[i])
		parent.Touch()

		if err := c.store.SaveTable(ctx, parent); err != nil {
			return nil, err
		}
	}

	c.log.WithFields(logrus.Fields{
		"table":   merged.ID,
		"parents": merged.MergeParents,
		"rows":    len(rows),
	}).Info("Created merged table")

	return merged, nil
}

// join builds the rows of a left join against a right table unique on the join column
type join struct {
	left       *dataset.Table
	on         string
	rightSlugs []string
	rightCols  []dataset.Column
	byKey      map[string]dataset.Row
}

func newJoin(left, right *dataset.Table, on string, rightRows []dataset.Row) *join {
	j := &join{
		left:  left,
		on:    on,
		byKey: make(map[string]dataset.Row, len(rightRows)),
	}

	for _, col := range right.Schema.Columns {
		if col.Slug != on {
			j.rightSlugs = append(j.rightSlugs, col.Slug)
			j.rightCols = append(j.rightCols, col)
		}
	}

	renamed := dataset.SlugifyAll(j.rightSlugs, left.Schema.Slugs()...)
	for i := range j.rightCols {
		j.rightCols[i].Slug = renamed[i]
	}

	for _, row := range rightRows {
		j.byKey[aggregations.KeyString([]any{row[on]})] = row
	}

	return j
}

func (c *Calculator) loadJoin(ctx context.Context, left, right *dataset.Table, on string) (*join, error) {
	rightRows, err := c.store.Rows(ctx, right.ID, dataset.Query{})
	if err != nil {
		return nil, err
	}

	return newJoin(left, right, on, rightRows), nil
}

func (j *join) schema() dataset.Schema {
	schema := j.left.Schema.Clone()
	for _, col := range j.rightCols {
		schema.Put(col)
	}

	return schema
}

// row joins one left row; right fields are nil when the key has no match
func (j *join) row(left dataset.Row) map[string]any {
	out := make(map[string]any, len(j.left.Schema.Columns)+len(j.rightCols)+1)

	for _, col := range j.left.Schema.Columns {
		out[col.Slug] = left[col.Slug]
	}

	var match dataset.Row
	if v := left[j.on]; v != nil {
		match = j.byKey[aggregations.KeyString([]any{v})]
	}

	for i, col := range j.rightCols {
		out[col.Slug] = match[j.rightSlugs[i]]
	}

	out[dataset.SourceIndexColumn] = left.Index()

	return out
}

// Join creates the left join of two tables on a column the right table holds
// unique values of, and links both sides so later changes flow into the result
func (c *Calculator) Join(ctx context.Context, leftID, rightID, on string) (*dataset.Table, error) {
	if leftID == rightID {
		return nil, ErrSelfJoin
	}

	left, err := c.store.GetTable(ctx, leftID)
	if err != nil {
		return nil, err
	}

	right, err := c.store.GetTable(ctx, rightID)
	if err != nil {
		return nil, err
	}

	leftCol, ok := left.Schema.Lookup(on)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownColumn, on, leftID)
	}

	rightCol, ok := right.Schema.Lookup(on)
	if !ok || rightCol.Slug != leftCol.Slug {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownColumn, on, rightID)
	}

	on = leftCol.Slug

	rightRows, err := c.store.Rows(ctx, rightID, dataset.Query{})
	if err != nil {
		return nil, err
	}

	probe := &dataset.Table{ID: rightID, JoinedTables: []dataset.JoinLink{{Direction: dataset.JoinRight, On: on}}}
	if err := checkUnique(probe, nil, rightRows, -1); err != nil {
		return nil, err
	}

	leftRows, err := c.store.Rows(ctx, leftID, dataset.Query{})
	if err != nil {
		return nil, err
	}

	j := newJoin(left, right, on, rightRows)
	schema := j.schema()
	rows := make([]dataset.Row, 0, len(leftRows))

	for _, row := range leftRows {
		joined := dataset.Coerce(schema, j.row(row))
		joined[dataset.ParentIDColumn] = leftID
		rows = append(rows, joined)
	}

	schema.RefreshCardinality(rows)

	result := dataset.NewTable(uuid.NewString(), schema)
	result.JoinedFrom = []string{leftID, rightID}

	if err := c.store.CreateTable(ctx, result, rows); err != nil {
		return nil, err
	}

	left.AddJoinLink(dataset.JoinLink{Direction: dataset.JoinLeft, OtherID: rightID, On: on, ResultID: result.ID})
	right.AddJoinLink(dataset.JoinLink{Direction: dataset.JoinRight, OtherID: leftID, On: on, ResultID: result.ID})

	for _, table := range []*dataset.Table{left, right} {
		table.Touch()

		if err := c.store.SaveTable(ctx, table); err != nil {
			return nil, err
		}
	}

	c.log.WithFields(logrus.Fields{
		"table": result.ID,
		"left":  leftID,
		"right": rightID,
		"on":    on,
	}).Info("Created join table")

	return result, nil
}

// copyDown copies freshly computed columns of a table into the tables merged
// from it, matching child rows to their source rows through the lineage fields
func (c *Calculator) copyDown(ctx context.Context, tableID string, slugs []string) error {
	table, err := c.store.GetTable(ctx, tableID)
	if err != nil {
		return err
	}

	if len(table.MergedTables) == 0 || len(slugs) == 0 {
		return nil
	}

	rows, err := c.store.Rows(ctx, tableID, dataset.Query{})
	if err != nil {
		return err
	}

	byIndex := make(map[int]dataset.Row, len(rows))
	for _, row := range rows {
		byIndex[row.Index()] = row
	}

	for _, link := range table.MergedTables {
		child, err := c.store.GetTable(ctx, link.ChildID)
		if err != nil {
			if errors.Is(err, dataset.ErrTableNotFound) {
				continue
			}

			return err
		}

		childRows, err := c.store.Rows(ctx, child.ID, dataset.Query{
			Where: map[string]any{dataset.ParentIDColumn: tableID},
		})
		if err != nil {
			return err
		}

		columns := make(map[string]map[int]any, len(slugs))
		renamed := make([]string, 0, len(slugs))

		for _, slug := range slugs {
			col, ok := table.Schema.Lookup(slug)
			if !ok {
				continue
			}

			name := link.Rename(slug)
			values := make(map[int]any, len(childRows))

			for _, row := range childRows {
				if src, ok := byIndex[row.SourceIndex()]; ok {
					values[row.Index()] = src[slug]
				}
			}

			columns[name] = values
			renamed = append(renamed, name)

			if !child.Schema.Has(name) {
				col.Slug = name
				child.Schema.Put(col)
			}
		}

		if err := c.store.AddColumns(ctx, child.ID, columns); err != nil {
			return err
		}

		if err := c.refreshCardinality(ctx, child); err != nil {
			return err
		}

		if err := c.summary.Invalidate(ctx, child.ID); err != nil {
			c.log.WithError(err).WithField("table", child.ID).Warn("Failed to invalidate summary")
		}

		if err := c.copyDown(ctx, child.ID, renamed); err != nil {
			return err
		}
	}

	return nil
}

// Lineage returns the derived-table graph around a table
func (c *Calculator) Lineage(ctx context.Context, tableID string) (*dependencies.Lineage, error) {
	graph, err := dependencies.Load(ctx, c.store, tableID)
	if err != nil {
		return nil, err
	}

	return graph.GetLineage(tableID), nil
}

// DeleteTable deletes a table together with its calculations and aggregate
// tables. It fails with a DependencyError while merged or joined tables are
// derived from it or from one of its aggregate tables.
func (c *Calculator) DeleteTable(ctx context.Context, tableID string) error {
	table, err := c.store.GetTable(ctx, tableID)
	if err != nil {
		return err
	}

	if table.IsAggregate() {
		return fmt.Errorf("%w: %s", ErrAggregateTable, tableID)
	}

	graph, err := dependencies.Load(ctx, c.store, tableID)
	if err != nil {
		return err
	}

	owned := slices.Sorted(maps.Values(table.AggregatedTables))

	var blockers []string

	for _, id := range graph.GetDerived(tableID) {
		if !slices.Contains(owned, id) {
			blockers = append(blockers, id)
		}
	}

	for _, id := range owned {
		blockers = append(blockers, graph.GetDerived(id)...)
	}

	if len(blockers) > 0 {
		return &DependencyError{ID: tableID, Dependents: blockers}
	}

	for _, id := range append([]string{tableID}, owned...) {
		calcs, err := c.store.ListCalculations(ctx, id)
		if err != nil && !errors.Is(err, dataset.ErrTableNotFound) {
			return err
		}

		for _, calc := range calcs {
			if err := c.store.DeleteCalculation(ctx, calc.ID); err != nil {
				return err
			}
		}
	}

	for _, id := range owned {
		if err := c.store.DeleteTable(ctx, id); err != nil && !errors.Is(err, dataset.ErrTableNotFound) {
			return err
		}
	}

	for _, sourceID := range graph.GetSources(tableID) {
		source, err := c.store.GetTable(ctx, sourceID)
		if err != nil {
			continue
		}

		source.Unlink(tableID)
		source.Touch()

		if err := c.store.SaveTable(ctx, source); err != nil {
			return err
		}
	}

	if err := c.store.DeleteTable(ctx, tableID); err != nil {
		return err
	}

	if err := c.summary.Invalidate(ctx, tableID); err != nil {
		c.log.WithError(err).WithField("table", tableID).Warn("Failed to invalidate summary")
	}

	return nil
}
