// Package aggregator materializes aggregation calculations into derived aggregate
// tables, one per distinct grouping of a source table, and keeps them current as
// rows arrive.
package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/tally/pkg/aggregations"
	"github.com/ethpandaops/tally/pkg/calculation"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
	"github.com/ethpandaops/tally/pkg/observability"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotAggregation is returned when a row-wise calculation is handed to the aggregator
	ErrNotAggregation = errors.New("calculation is not an aggregation")
	// ErrNoAggregateTable is returned when updating an aggregation that was never saved
	ErrNoAggregateTable = errors.New("aggregation has no aggregate table")
)

// Change describes rows newly attributed to a table
type Change struct {
	Rows []dataset.Row
	// ParentID is the lineage id the rows arrived under
	ParentID string
	// Addition is true when the rows were only appended, never edited or deleted
	Addition bool
}

// Aggregator applies parsed aggregations to tables
type Aggregator struct {
	log     logrus.FieldLogger
	store   dataset.Store
	catalog *aggregations.Catalog
	parser  *formula.Parser
}

// New creates an aggregator
func New(log logrus.FieldLogger, store dataset.Store, catalog *aggregations.Catalog, parser *formula.Parser) *Aggregator {
	return &Aggregator{
		log:     log.WithField("component", "aggregator"),
		store:   store,
		catalog: catalog,
		parser:  parser,
	}
}

func (a *Aggregator) prepare(calc *calculation.Calculation) (*formula.Parsed, aggregations.Aggregation, error) {
	parsed, err := a.parser.Parse(calc.Formula)
	if err != nil {
		return nil, nil, err
	}

	if !parsed.IsAggregation() {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotAggregation, calc.Name)
	}

	agg, err := a.catalog.Get(parsed.Aggregation)
	if err != nil {
		return nil, nil, err
	}

	return parsed, agg, nil
}

// evaluate computes the aggregation over rows, one result row per group
func (a *Aggregator) evaluate(table *dataset.Table, calc *calculation.Calculation, rows []dataset.Row) ([]dataset.Row, aggregations.Aggregation, error) {
	parsed, agg, err := a.prepare(calc)
	if err != nil {
		return nil, nil, err
	}

	frame := dataset.NewFrame(table, rows)
	in := aggregations.NewInput(parsed.Functions, rows, frame)

	return aggregations.Evaluate(agg, calc.Name, calc.Group, rows, in), agg, nil
}

// Save evaluates the aggregation over the table's current rows and writes the
// result onto the aggregate table for the calculation's grouping, creating and
// registering that table when it does not exist yet. It returns the aggregate table id.
func (a *Aggregator) Save(ctx context.Context, table *dataset.Table, calc *calculation.Calculation) (string, error) {
	rows, err := a.store.Rows(ctx, table.ID, dataset.Query{})
	if err != nil {
		return "", err
	}

	results, agg, err := a.evaluate(table, calc, rows)
	if err != nil {
		return "", err
	}

	log := a.log.WithFields(logrus.Fields{
		"table":       table.ID,
		"calculation": calc.ID,
		"aggregation": agg.Name(),
	})

	id, ok := table.AggregateTable(calc.Group)
	if !ok {
		id, err = a.create(ctx, table, calc, agg, results)
		if err != nil {
			return "", err
		}

		log.WithField("aggregate_table", id).Debug("Created aggregate table")
	} else if err := a.merge(ctx, id, calc, agg, results, ""); err != nil {
		return "", err
	}

	observability.RecordAggregationUpdate(agg.Name(), "save")

	return id, nil
}

// create builds a new aggregate table holding results and registers it on table
func (a *Aggregator) create(ctx context.Context, table *dataset.Table, calc *calculation.Calculation, agg aggregations.Aggregation, results []dataset.Row) (string, error) {
	schema := dataset.Schema{}

	for _, group := range calc.Group {
		col, ok := table.Schema.Lookup(group)
		if !ok {
			return "", fmt.Errorf("group column %s missing from %s", group, table.ID)
		}

		schema.Put(col)
	}

	for _, out := range agg.Outputs(calc.Name) {
		schema.Put(outputColumn(out, results))
	}

	rows := coerceRows(schema, results)
	schema.RefreshCardinality(rows)

	aggTable := dataset.NewTable(uuid.NewString(), schema)
	aggTable.AggregatedFrom = table.ID
	aggTable.Groups = append([]string(nil), calc.Group...)

	if err := a.store.CreateTable(ctx, aggTable, rows); err != nil {
		return "", err
	}

	table.SetAggregateTable(calc.Group, aggTable.ID)
	table.Touch()

	if err := a.store.SaveTable(ctx, table); err != nil {
		return "", err
	}

	return aggTable.ID, nil
}

// merge outer-joins results onto the aggregate table by group key. Existing
// groups missing from results lose this calculation's values.
func (a *Aggregator) merge(ctx context.Context, aggID string, calc *calculation.Calculation, agg aggregations.Aggregation, results []dataset.Row, parentID string) error {
	aggTable, err := a.store.GetTable(ctx, aggID)
	if err != nil {
		return err
	}

	existing, err := a.store.Rows(ctx, aggID, dataset.Query{})
	if err != nil {
		return err
	}

	outputs := agg.Outputs(calc.Name)
	for _, out := range outputs {
		aggTable.Schema.Put(outputColumn(out, results))
	}

	byKey := make(map[string]dataset.Row, len(results))
	for _, r := range results {
		byKey[aggregations.KeyString(aggregations.RowKey(r, aggTable.Groups))] = r
	}

	merged := make([]dataset.Row, 0, len(existing)+len(results))

	for _, row := range existing {
		key := aggregations.KeyString(aggregations.RowKey(row, aggTable.Groups))
		fresh, ok := byKey[key]

		for _, out := range outputs {
			row[out.Slug] = nil
			if ok {
				row[out.Slug] = fresh[out.Slug]
			}
		}

		if ok {
			delete(byKey, key)
			tag(row, parentID)
		}

		merged = append(merged, row)
	}

	for _, r := range results {
		key := aggregations.KeyString(aggregations.RowKey(r, aggTable.Groups))
		if _, pending := byKey[key]; !pending {
			continue
		}

		tag(r, parentID)
		merged = append(merged, r)
	}

	merged = coerceRows(aggTable.Schema, merged)
	aggTable.Schema.RefreshCardinality(merged)
	aggTable.Touch()

	if err := a.store.ReplaceRows(ctx, aggID, merged); err != nil {
		return err
	}

	return a.store.SaveTable(ctx, aggTable)
}

// Update refreshes the aggregate after change landed on table. Ungrouped reducible
// aggregations fold pure additions into the stored value; everything else is
// recomputed from the table's current rows and merged by group key.
func (a *Aggregator) Update(ctx context.Context, table *dataset.Table, calc *calculation.Calculation, change Change) error {
	if calc.AggregateTableID == "" {
		return fmt.Errorf("%w: %s", ErrNoAggregateTable, calc.ID)
	}

	parsed, agg, err := a.prepare(calc)
	if err != nil {
		return err
	}

	if len(calc.Group) == 0 && agg.Reducible() && change.Addition {
		reduced, err := a.reduce(ctx, table, calc, parsed, agg, change)
		if err != nil {
			return err
		}

		if reduced {
			observability.RecordAggregationUpdate(agg.Name(), "reduce")
			return nil
		}
	}

	rows, err := a.store.Rows(ctx, table.ID, dataset.Query{})
	if err != nil {
		return err
	}

	results, _, err := a.evaluate(table, calc, rows)
	if err != nil {
		return err
	}

	if err := a.merge(ctx, calc.AggregateTableID, calc, agg, results, change.ParentID); err != nil {
		return err
	}

	observability.RecordAggregationUpdate(agg.Name(), "recompute")

	return nil
}

// reduce folds the change into the single stored aggregate row. It reports false
// when there is no stored row to fold into.
func (a *Aggregator) reduce(ctx context.Context, table *dataset.Table, calc *calculation.Calculation, parsed *formula.Parsed, agg aggregations.Aggregation, change Change) (bool, error) {
	aggTable, err := a.store.GetTable(ctx, calc.AggregateTableID)
	if err != nil {
		return false, err
	}

	stored, err := a.store.Rows(ctx, aggTable.ID, dataset.Query{})
	if err != nil {
		return false, err
	}

	if len(stored) != 1 {
		return false, nil
	}

	previous := stored[0]
	frame := dataset.NewFrame(table, change.Rows)
	in := aggregations.NewInput(parsed.Functions, change.Rows, frame)

	next, err := agg.Reduce(calc.Name, previous, in)
	if err != nil {
		return false, err
	}

	tag(next, change.ParentID)

	fields := coerceRows(aggTable.Schema, []dataset.Row{next})[0]

	a.log.WithFields(logrus.Fields{
		"calculation": calc.ID,
		"rows":        len(change.Rows),
	}).Debug("Reduced aggregate")

	return true, a.store.UpdateRow(ctx, aggTable.ID, previous.Index(), fields)
}

// Drop removes the calculation's value columns from its aggregate table
func (a *Aggregator) Drop(ctx context.Context, calc *calculation.Calculation) error {
	if calc.AggregateTableID == "" {
		return nil
	}

	_, agg, err := a.prepare(calc)
	if err != nil {
		return err
	}

	aggTable, err := a.store.GetTable(ctx, calc.AggregateTableID)
	if err != nil {
		if errors.Is(err, dataset.ErrTableNotFound) {
			return nil
		}

		return err
	}

	outputs := agg.Outputs(calc.Name)
	slugs := make([]string, 0, len(outputs))

	for _, out := range outputs {
		slugs = append(slugs, out.Slug)
	}

	if err := a.store.DropColumns(ctx, aggTable.ID, slugs); err != nil {
		return err
	}

	aggTable.Schema.Remove(slugs...)
	aggTable.Touch()

	return a.store.SaveTable(ctx, aggTable)
}

// Outputs returns the aggregate table columns written for calc
func (a *Aggregator) Outputs(calc *calculation.Calculation) ([]aggregations.Output, error) {
	_, agg, err := a.prepare(calc)
	if err != nil {
		return nil, err
	}

	return agg.Outputs(calc.Name), nil
}

func tag(row dataset.Row, parentID string) {
	if parentID != "" {
		row[dataset.ParentIDColumn] = parentID
	}
}

// outputColumn types an aggregate value column: numeric results are float
// measures, anything else (newest of a text column) follows its values.
func outputColumn(out aggregations.Output, results []dataset.Row) dataset.Column {
	values := make([]any, 0, len(results))
	numeric := true

	for _, r := range results {
		v := r[out.Slug]
		values = append(values, v)

		if !formula.Missing(v) {
			switch v.(type) {
			case float64, int64, int:
			default:
				numeric = false
			}
		}
	}

	col := dataset.Column{
		Slug:       out.Slug,
		Label:      out.Slug,
		SimpleType: dataset.TypeFloat,
		OLAPType:   dataset.OLAPMeasure,
		Hidden:     out.Hidden,
	}

	if !numeric {
		col = dataset.ColumnForValues(out.Slug, values)
		col.Hidden = out.Hidden
	}

	return col
}

// coerceRows converts every schema column of rows to its declared type
func coerceRows(schema dataset.Schema, rows []dataset.Row) []dataset.Row {
	for _, row := range rows {
		for _, col := range schema.Columns {
			if v, ok := row[col.Slug]; ok {
				row[col.Slug] = dataset.CoerceValue(v, col.SimpleType)
			}
		}
	}

	return rows
}
