package calculator

import (
	"context"
	"testing"

	"github.com/ethpandaops/tally/pkg/aggregations"
	"github.com/ethpandaops/tally/pkg/aggregator"
	"github.com/ethpandaops/tally/pkg/calculation"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
	"github.com/ethpandaops/tally/pkg/summary"
	"github.com/ethpandaops/tally/pkg/tasks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	calc       *Calculator
	store      *dataset.MemoryStore
	dispatcher *tasks.InlineDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	catalog := aggregations.NewCatalog()
	store := dataset.NewMemoryStore()
	dispatcher := tasks.NewInlineDispatcher(log, 2)

	c, err := New(log, &Config{UpdateBatchSize: 2}, store, formula.NewParser(catalog), catalog, dispatcher, summary.NewMemoryCache())
	require.NoError(t, err)

	dispatcher.SetExecutor(c)

	return &fixture{calc: c, store: store, dispatcher: dispatcher}
}

func (f *fixture) table(t *testing.T, id string, columns []dataset.Column, rows ...dataset.Row) {
	t.Helper()

	require.NoError(t, f.store.CreateTable(context.Background(), dataset.NewTable(id, dataset.Schema{Columns: columns}), rows))
}

func (f *fixture) meals(t *testing.T) {
	t.Helper()

	f.table(t, "meals", []dataset.Column{
		{Slug: "amount", Label: "amount", SimpleType: dataset.TypeInteger, OLAPType: dataset.OLAPMeasure},
		{Slug: "type", Label: "type", SimpleType: dataset.TypeString, OLAPType: dataset.OLAPDimension},
	},
		dataset.Row{"amount": int64(9), "type": "lunch"},
		dataset.Row{"amount": int64(20), "type": "dinner"},
	)
}

func (f *fixture) rows(t *testing.T, id string) []dataset.Row {
	t.Helper()

	rows, err := f.store.Rows(context.Background(), id, dataset.Query{})
	require.NoError(t, err)

	return rows
}

func (f *fixture) column(t *testing.T, id, slug string) []any {
	t.Helper()

	var out []any
	for _, row := range f.rows(t, id) {
		out = append(out, row[slug])
	}

	return out
}

func (f *fixture) calculation(t *testing.T, id string) *calculation.Calculation {
	t.Helper()

	calc, err := f.store.GetCalculation(context.Background(), id)
	require.NoError(t, err)

	return calc
}

func (f *fixture) pending(t *testing.T, id string) []string {
	t.Helper()

	pending, err := f.store.PendingUpdates(context.Background(), id)
	require.NoError(t, err)

	return pending
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{name: "positive", size: 1},
		{name: "zero", size: 0, wantErr: ErrInvalidBatchSize},
		{name: "negative", size: -3, wantErr: ErrInvalidBatchSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{UpdateBatchSize: tt.size}
			err := cfg.Validate()

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
		})
	}
}

func TestHeadOfQueue(t *testing.T) {
	tests := []struct {
		name        string
		pending     []string
		id          string
		batch       []string
		wantPresent bool
		wantReady   bool
	}{
		{name: "at head", pending: []string{"a", "b"}, id: "a", wantPresent: true, wantReady: true},
		{name: "behind", pending: []string{"a", "b"}, id: "b", wantPresent: true},
		{name: "behind own batch", pending: []string{"a", "b", "c"}, id: "b", batch: []string{"a", "b"}, wantPresent: true, wantReady: true},
		{name: "behind other batch", pending: []string{"x", "a", "b"}, id: "b", batch: []string{"a", "b"}, wantPresent: true},
		{name: "gone", pending: []string{"a"}, id: "z"},
		{name: "empty", id: "z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			present, ready := headOfQueue(tt.pending, tt.id, tt.batch)
			assert.Equal(t, tt.wantPresent, present)
			assert.Equal(t, tt.wantReady, ready)
		})
	}
}

func TestAggregationReducesOnAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	created, err := f.calc.CreateCalculation(ctx, "meals", "sum(amount)", "sum amount", nil)
	require.NoError(t, err)
	assert.Equal(t, "sum_amount", created.Name)

	calc := f.calculation(t, created.ID)
	require.Equal(t, calculation.StateReady, calc.State)
	require.NotEmpty(t, calc.AggregateTableID)

	assert.Equal(t, []any{29.0}, f.column(t, calc.AggregateTableID, "sum_amount"))

	ids, err := f.calc.AppendRows(ctx, "meals", []map[string]any{{"amount": 1, "type": "lunch"}})
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	assert.Equal(t, []any{30.0}, f.column(t, calc.AggregateTableID, "sum_amount"))
	assert.Empty(t, f.pending(t, "meals"))

	// recomputing over the three rows lands on the reduced value
	table, err := f.store.GetTable(ctx, "meals")
	require.NoError(t, err)
	require.NoError(t, f.calc.aggregator.Update(ctx, table, calc, aggregator.Change{ParentID: "meals"}))
	assert.Equal(t, []any{30.0}, f.column(t, calc.AggregateTableID, "sum_amount"))
}

func TestRowWiseColumnsTrackAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	calcs, err := f.calc.CreateCalculations(ctx, "meals", []Definition{
		{Formula: "amount * 2", Name: "double"},
		{Formula: `amount in ["9.0", "20.0"]`, Name: "known amount"},
	})
	require.NoError(t, err)
	require.Len(t, calcs, 2)

	for _, c := range calcs {
		assert.Equal(t, calculation.StateReady, f.calculation(t, c.ID).State)
	}

	assert.Equal(t, []any{18.0, 40.0}, f.column(t, "meals", "double"))
	assert.Equal(t, []any{true, true}, f.column(t, "meals", "known_amount"))

	table, err := f.store.GetTable(ctx, "meals")
	require.NoError(t, err)

	col, ok := table.Schema.Lookup("known_amount")
	require.True(t, ok)
	assert.Equal(t, dataset.TypeBoolean, col.SimpleType)

	_, err = f.calc.AppendRows(ctx, "meals", []map[string]any{{"amount": 5, "type": "snack"}})
	require.NoError(t, err)

	assert.Equal(t, []any{18.0, 40.0, 10.0}, f.column(t, "meals", "double"))
	assert.Equal(t, []any{true, true, false}, f.column(t, "meals", "known_amount"))
}

func TestNewestOverDateColumn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.table(t, "prices", []dataset.Column{
		{Slug: "date", Label: "date", SimpleType: dataset.TypeDatetime, OLAPType: dataset.OLAPDimension},
		{Slug: "price", Label: "price", SimpleType: dataset.TypeInteger, OLAPType: dataset.OLAPMeasure},
	},
		dataset.Row{"date": dataset.CoerceValue("2013-01-01", dataset.TypeDatetime), "price": int64(5)},
		dataset.Row{"date": dataset.CoerceValue("2013-01-03", dataset.TypeDatetime), "price": int64(7)},
	)

	created, err := f.calc.CreateCalculation(ctx, "prices", "newest(date, price)", "latest", nil)
	require.NoError(t, err)

	calc := f.calculation(t, created.ID)
	require.Equal(t, calculation.StateReady, calc.State)
	assert.Equal(t, []any{7.0}, f.column(t, calc.AggregateTableID, "latest"))

	recent, err := f.calc.CreateCalculation(ctx, "prices", `date > date("2013-01-02")`, "recent", nil)
	require.NoError(t, err)
	assert.Equal(t, calculation.StateReady, f.calculation(t, recent.ID).State)
	assert.Equal(t, []any{false, true}, f.column(t, "prices", "recent"))
}

func TestCreateCalculationsRejectsBeforeSaving(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	tests := []struct {
		name    string
		defs    []Definition
		wantErr error
	}{
		{
			name:    "syntax",
			defs:    []Definition{{Formula: "amount * 2", Name: "ok"}, {Formula: "amount +", Name: "broken"}},
			wantErr: formula.ErrSyntax,
		},
		{
			name:    "unknown column",
			defs:    []Definition{{Formula: "price * 2", Name: "p"}},
			wantErr: formula.ErrUnknownColumn,
		},
		{
			name:    "column name",
			defs:    []Definition{{Formula: "amount * 2", Name: "Amount"}},
			wantErr: ErrNameTaken,
		},
		{
			name:    "duplicate in request",
			defs:    []Definition{{Formula: "amount * 2", Name: "x"}, {Formula: "amount * 3", Name: "x"}},
			wantErr: ErrNameTaken,
		},
		{
			name:    "blank name",
			defs:    []Definition{{Formula: "amount * 2", Name: "  "}},
			wantErr: ErrInvalidName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.calc.CreateCalculations(ctx, "meals", tt.defs)
			require.ErrorIs(t, err, tt.wantErr)

			calcs, err := f.store.ListCalculations(ctx, "meals")
			require.NoError(t, err)
			assert.Empty(t, calcs)
		})
	}
}

func TestAggregationNamesAreScopedByGrouping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	_, err := f.calc.CreateCalculation(ctx, "meals", "max(amount)", "top", nil)
	require.NoError(t, err)

	_, err = f.calc.CreateCalculation(ctx, "meals", "max(amount)", "top", []string{"type"})
	require.NoError(t, err)

	_, err = f.calc.CreateCalculation(ctx, "meals", "min(amount)", "top", nil)
	require.ErrorIs(t, err, ErrNameTaken)
}

func TestGroupedAggregationRecomputesOnDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	created, err := f.calc.CreateCalculation(ctx, "meals", "count()", "meals", []string{"type"})
	require.NoError(t, err)

	calc := f.calculation(t, created.ID)
	require.Equal(t, calculation.StateReady, calc.State)

	_, err = f.calc.AppendRows(ctx, "meals", []map[string]any{{"amount": 3, "type": "lunch"}})
	require.NoError(t, err)

	_, err = f.calc.DeleteRow(ctx, "meals", 0)
	require.NoError(t, err)

	byType := make(map[string]any)
	for _, row := range f.rows(t, calc.AggregateTableID) {
		byType[row["type"].(string)] = row["meals"]
	}

	assert.Equal(t, 1.0, byType["lunch"])
	assert.Equal(t, 1.0, byType["dinner"])
}

func TestAppendRowsSplitsIntoBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	rows := make([]map[string]any, 0, 5)
	for i := range 5 {
		rows = append(rows, map[string]any{"amount": i, "type": "snack"})
	}

	ids, err := f.calc.AppendRows(ctx, "meals", rows)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	assert.Equal(t, []any{int64(9), int64(20), int64(0), int64(1), int64(2), int64(3), int64(4)}, f.column(t, "meals", "amount"))
	assert.Empty(t, f.pending(t, "meals"))
}

func TestUpdatesWaitForTheHeadOfQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	require.NoError(t, f.store.PushPendingUpdate(ctx, "meals", "first"))
	require.NoError(t, f.store.PushPendingUpdate(ctx, "meals", "second"))

	add := tasks.UpdatePayload{
		TableID:  "meals",
		UpdateID: "second",
		Kind:     tasks.UpdateAdd,
		Rows:     []map[string]any{{"amount": 4, "type": "snack"}},
	}

	res := f.calc.CalculateUpdates(ctx, add)
	assert.Equal(t, tasks.StatusRetry, res.Status)
	require.ErrorIs(t, res.Err, ErrNotAtHead)
	assert.Len(t, f.rows(t, "meals"), 2)

	gone := add
	gone.UpdateID = "unknown"
	assert.Equal(t, tasks.StatusOK, f.calc.CalculateUpdates(ctx, gone).Status)
	assert.Len(t, f.rows(t, "meals"), 2)

	add.Batch = []string{"first", "second"}
	assert.Equal(t, tasks.StatusOK, f.calc.CalculateUpdates(ctx, add).Status)
	assert.Len(t, f.rows(t, "meals"), 3)
	assert.Equal(t, []string{"first"}, f.pending(t, "meals"))
}

func TestEditRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	_, err := f.calc.CreateCalculation(ctx, "meals", "amount * 2", "double", nil)
	require.NoError(t, err)

	_, err = f.calc.EditRow(ctx, "meals", 1, map[string]any{"amount": "25"})
	require.NoError(t, err)

	rows := f.rows(t, "meals")
	assert.Equal(t, int64(25), rows[1]["amount"])
	assert.Equal(t, "dinner", rows[1]["type"])
	assert.Equal(t, 50.0, rows[1]["double"])
}

func TestAggregateTablesAreReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	created, err := f.calc.CreateCalculation(ctx, "meals", "sum(amount)", "total", nil)
	require.NoError(t, err)

	aggID := f.calculation(t, created.ID).AggregateTableID

	_, err = f.calc.AppendRows(ctx, aggID, []map[string]any{{"total": 1}})
	require.ErrorIs(t, err, ErrAggregateTable)

	_, err = f.calc.DeleteRow(ctx, aggID, 0)
	require.ErrorIs(t, err, ErrAggregateTable)
}

func TestDeleteCalculation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	double, err := f.calc.CreateCalculation(ctx, "meals", "amount * 2", "double", nil)
	require.NoError(t, err)

	plus, err := f.calc.CreateCalculation(ctx, "meals", "double + 1", "double plus", nil)
	require.NoError(t, err)

	assert.Equal(t, []any{19.0, 41.0}, f.column(t, "meals", "double_plus"))
	assert.Equal(t, []string{plus.ID}, f.calculation(t, double.ID).Dependents)

	err = f.calc.DeleteCalculation(ctx, double.ID)
	require.ErrorIs(t, err, ErrHasDependents)

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, []string{plus.ID}, depErr.Dependents)

	require.NoError(t, f.calc.DeleteCalculation(ctx, plus.ID))
	require.NoError(t, f.calc.DeleteCalculation(ctx, double.ID))

	table, err := f.store.GetTable(ctx, "meals")
	require.NoError(t, err)
	assert.Equal(t, []string{"amount", "type"}, table.Schema.Slugs())

	for _, row := range f.rows(t, "meals") {
		assert.NotContains(t, row, "double")
		assert.NotContains(t, row, "double_plus")
	}

	_, err = f.store.GetCalculation(ctx, double.ID)
	require.ErrorIs(t, err, dataset.ErrCalculationNotFound)
	assert.Empty(t, f.pending(t, "meals"))
}

func TestDeleteAggregation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.meals(t)

	created, err := f.calc.CreateCalculation(ctx, "meals", "mean(amount)", "avg", nil)
	require.NoError(t, err)

	aggID := f.calculation(t, created.ID).AggregateTableID

	require.NoError(t, f.calc.DeleteCalculation(ctx, created.ID))

	aggTable, err := f.store.GetTable(ctx, aggID)
	require.NoError(t, err)
	assert.False(t, aggTable.Schema.Has("avg"))
	assert.False(t, aggTable.Schema.Has("avg_numerator"))
}

func (f *fixture) parents(t *testing.T) {
	t.Helper()

	f.table(t, "p1", []dataset.Column{
		{Slug: "amount", Label: "amount", SimpleType: dataset.TypeInteger, OLAPType: dataset.OLAPMeasure},
		{Slug: "type", Label: "type", SimpleType: dataset.TypeString, OLAPType: dataset.OLAPDimension},
	},
		dataset.Row{"amount": int64(1), "type": "a"},
		dataset.Row{"amount": int64(2), "type": "b"},
	)

	f.table(t, "p2", []dataset.Column{
		{Slug: "amount", Label: "amount", SimpleType: dataset.TypeInteger, OLAPType: dataset.OLAPMeasure},
		{Slug: "kind", Label: "kind", SimpleType: dataset.TypeString, OLAPType: dataset.OLAPDimension},
	},
		dataset.Row{"amount": int64(3), "kind": "c"},
		dataset.Row{"amount": int64(4), "kind": "d"},
	)
}

func TestMergeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.parents(t)

	_, err := f.calc.Merge(ctx, nil)
	require.ErrorIs(t, err, ErrNoParents)

	_, err = f.calc.Merge(ctx, []MergeSource{{TableID: "p1", Mapping: map[string]string{"missing": "x"}}})
	require.ErrorIs(t, err, ErrUnknownColumn)

	_, err = f.calc.Merge(ctx, []MergeSource{{TableID: "nope"}})
	require.ErrorIs(t, err, dataset.ErrTableNotFound)
}

func TestMergePropagatesChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.parents(t)

	merged, err := f.calc.Merge(ctx, []MergeSource{
		{TableID: "p1"},
		{TableID: "p2", Mapping: map[string]string{"kind": "type"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, merged.MergeParents)
	assert.Equal(t, []string{"amount", "type"}, merged.Schema.Slugs())
	assert.Equal(t, []any{"a", "b", "c", "d"}, f.column(t, merged.ID, "type"))

	_, err = f.calc.AppendRows(ctx, "p2", []map[string]any{{"amount": 5, "kind": "e"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, f.column(t, merged.ID, "type"))

	_, err = f.calc.DeleteRow(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "c", "d", "e"}, f.column(t, merged.ID, "type"))

	_, err = f.calc.EditRow(ctx, "p2", 1, map[string]any{"amount": 40})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(3), int64(40), int64(5)}, f.column(t, merged.ID, "amount"))

	for _, row := range f.rows(t, merged.ID) {
		assert.Contains(t, []string{"p1", "p2"}, row.ParentID())
	}
}

func TestCalculatedColumnsCopyDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.parents(t)

	merged, err := f.calc.Merge(ctx, []MergeSource{{TableID: "p1"}, {TableID: "p2"}})
	require.NoError(t, err)

	_, err = f.calc.CreateCalculation(ctx, "p1", "amount + 1", "plus one", nil)
	require.NoError(t, err)

	child, err := f.store.GetTable(ctx, merged.ID)
	require.NoError(t, err)
	assert.True(t, child.Schema.Has("plus_one"))

	assert.Equal(t, []any{2.0, 3.0, nil, nil}, f.column(t, merged.ID, "plus_one"))

	_, err = f.calc.AppendRows(ctx, "p1", []map[string]any{{"amount": 9, "type": "z"}})
	require.NoError(t, err)

	assert.Equal(t, []any{2.0, 3.0, nil, nil, 10.0}, f.column(t, merged.ID, "plus_one"))
}

func (f *fixture) joinTables(t *testing.T) {
	t.Helper()

	f.table(t, "left", []dataset.Column{
		{Slug: "k", Label: "k", SimpleType: dataset.TypeInteger, OLAPType: dataset.OLAPDimension},
		{Slug: "x", Label: "x", SimpleType: dataset.TypeInteger, OLAPType: dataset.OLAPMeasure},
	},
		dataset.Row{"k": int64(1), "x": int64(10)},
		dataset.Row{"k": int64(2), "x": int64(20)},
	)

	f.table(t, "right", []dataset.Column{
		{Slug: "k", Label: "k", SimpleType: dataset.TypeInteger, OLAPType: dataset.OLAPDimension},
		{Slug: "label", Label: "label", SimpleType: dataset.TypeString, OLAPType: dataset.OLAPDimension},
	},
		dataset.Row{"k": int64(1), "label": "one"},
	)
}

func TestJoinValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.joinTables(t)

	_, err := f.calc.Join(ctx, "left", "left", "k")
	require.ErrorIs(t, err, ErrSelfJoin)

	_, err = f.calc.Join(ctx, "left", "right", "x")
	require.ErrorIs(t, err, ErrUnknownColumn)

	_, err = f.calc.AppendRows(ctx, "right", []map[string]any{{"k": 1, "label": "again"}})
	require.NoError(t, err)

	_, err = f.calc.Join(ctx, "left", "right", "k")
	require.ErrorIs(t, err, ErrJoinKeyNotUnique)
}

func TestJoinKeepsRightKeysUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.joinTables(t)

	result, err := f.calc.Join(ctx, "left", "right", "k")
	require.NoError(t, err)

	assert.Equal(t, []string{"k", "x", "label"}, result.Schema.Slugs())
	assert.Equal(t, []any{"one", nil}, f.column(t, result.ID, "label"))

	// a duplicate key is deferred until it gives up, leaving both tables untouched
	_, err = f.calc.AppendRows(ctx, "right", []map[string]any{{"k": 1, "label": "uno"}})
	require.NoError(t, err)

	assert.Len(t, f.rows(t, "right"), 1)
	assert.Equal(t, []any{"one", nil}, f.column(t, result.ID, "label"))
	assert.Empty(t, f.pending(t, "right"))

	right, err := f.store.GetTable(ctx, "right")
	require.NoError(t, err)
	assert.Contains(t, right.LastError, ErrJoinKeyNotUnique.Error())

	_, err = f.calc.AppendRows(ctx, "right", []map[string]any{{"k": 2, "label": "two"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"one", "two"}, f.column(t, result.ID, "label"))

	_, err = f.calc.AppendRows(ctx, "left", []map[string]any{{"k": 1, "x": 30}})
	require.NoError(t, err)
	assert.Equal(t, []any{"one", "two", "one"}, f.column(t, result.ID, "label"))
	assert.Equal(t, []any{int64(10), int64(20), int64(30)}, f.column(t, result.ID, "x"))

	_, err = f.calc.EditRow(ctx, "right", 0, map[string]any{"label": "ein"})
	require.NoError(t, err)
	assert.Equal(t, []any{"ein", "two", "ein"}, f.column(t, result.ID, "label"))
}

func TestDeleteTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.parents(t)

	created, err := f.calc.CreateCalculation(ctx, "p1", "sum(amount)", "total", nil)
	require.NoError(t, err)

	aggID := f.calculation(t, created.ID).AggregateTableID

	merged, err := f.calc.Merge(ctx, []MergeSource{{TableID: "p1"}, {TableID: "p2"}})
	require.NoError(t, err)

	lineage, err := f.calc.Lineage(ctx, merged.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, lineage.Sources)

	err = f.calc.DeleteTable(ctx, "p1")
	require.ErrorIs(t, err, ErrHasDependents)

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, []string{merged.ID}, depErr.Dependents)

	require.ErrorIs(t, f.calc.DeleteTable(ctx, aggID), ErrAggregateTable)

	require.NoError(t, f.calc.DeleteTable(ctx, merged.ID))

	p1, err := f.store.GetTable(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, p1.MergedTables)

	require.NoError(t, f.calc.DeleteTable(ctx, "p1"))

	_, err = f.store.GetTable(ctx, aggID)
	require.ErrorIs(t, err, dataset.ErrTableNotFound)

	_, err = f.store.GetCalculation(ctx, created.ID)
	require.ErrorIs(t, err, dataset.ErrCalculationNotFound)
}
