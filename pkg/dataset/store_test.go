package dataset

import (
	"context"
	"testing"

	"github.com/ethpandaops/tally/internal/testutil"
	"github.com/ethpandaops/tally/pkg/calculation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{Columns: []Column{
		{Slug: "amount", Label: "Amount", SimpleType: TypeInteger, OLAPType: OLAPMeasure},
		{Slug: "type", Label: "Type", SimpleType: TypeString, OLAPType: OLAPDimension},
	}}
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	_, client := testutil.NewRedis(t)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, "test"),
	}
}

func seed(t *testing.T, store Store) *Table {
	t.Helper()

	table := NewTable("t1", testSchema())
	err := store.CreateTable(context.Background(), table, []Row{
		{"amount": int64(9), "type": "lunch"},
		{"amount": int64(20), "type": "dinner"},
	})
	require.NoError(t, err)

	return table
}

func TestStoreCreateAndRead(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, store)

			err := store.CreateTable(ctx, NewTable("t1", testSchema()), nil)
			require.ErrorIs(t, err, ErrTableExists)

			table, err := store.GetTable(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []string{"amount", "type"}, table.Schema.Slugs())

			rows, err := store.Rows(ctx, "t1", Query{})
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, int64(9), rows[0]["amount"])
			assert.Equal(t, 0, rows[0].Index())
			assert.Equal(t, 1, rows[1].Index())

			_, err = store.GetTable(ctx, "missing")
			require.ErrorIs(t, err, ErrTableNotFound)
		})
	}
}

func TestStoreQuery(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, store)

			rows, err := store.Rows(ctx, "t1", Query{
				Columns: []string{"amount"},
				Where:   map[string]any{"type": "dinner"},
			})
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, Row{"amount": int64(20), IndexColumn: 1}, rows[0])
		})
	}
}

func TestStoreRowMutations(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, store)

			require.NoError(t, store.AppendRows(ctx, "t1", []Row{{"amount": int64(1), "type": "lunch"}}))
			require.NoError(t, store.DeleteRow(ctx, "t1", 0))
			require.ErrorIs(t, store.DeleteRow(ctx, "t1", 0), ErrRowNotFound)
			require.NoError(t, store.UpdateRow(ctx, "t1", 2, Row{"amount": int64(3)}))

			count, err := store.SlotCount(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, 3, count)

			rows, err := store.Rows(ctx, "t1", Query{})
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, 1, rows[0].Index())
			assert.Equal(t, 2, rows[1].Index())
			assert.Equal(t, int64(3), rows[1]["amount"])
			assert.Equal(t, "lunch", rows[1]["type"])

			require.NoError(t, store.ReplaceRows(ctx, "t1", []Row{{"amount": int64(7), "type": "x"}}))

			rows, err = store.Rows(ctx, "t1", Query{})
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, 0, rows[0].Index())
		})
	}
}

func TestStoreColumns(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, store)

			table, err := store.GetTable(ctx, "t1")
			require.NoError(t, err)

			table.Schema.Put(Column{Slug: "double", SimpleType: TypeFloat, OLAPType: OLAPMeasure})
			require.NoError(t, store.SaveTable(ctx, table))

			err = store.AddColumns(ctx, "t1", map[string]map[int]any{
				"double": {0: 18.0, 1: 40.0},
			})
			require.NoError(t, err)

			rows, err := store.Rows(ctx, "t1", Query{Columns: []string{"double"}})
			require.NoError(t, err)
			assert.Equal(t, 18.0, rows[0]["double"])
			assert.Equal(t, 40.0, rows[1]["double"])

			require.NoError(t, store.DropColumns(ctx, "t1", []string{"double"}))

			rows, err = store.Rows(ctx, "t1", Query{})
			require.NoError(t, err)
			assert.NotContains(t, rows[0], "double")
		})
	}
}

func TestStorePendingQueue(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, store)

			require.NoError(t, store.PushPendingUpdate(ctx, "t1", "u1"))
			require.NoError(t, store.PushPendingUpdate(ctx, "t1", "u2"))

			pending, err := store.PendingUpdates(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []string{"u1", "u2"}, pending)

			require.NoError(t, store.RemovePendingUpdate(ctx, "t1", "u1"))

			pending, err = store.PendingUpdates(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []string{"u2"}, pending)
		})
	}
}

func TestStoreCalculations(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, store)

			first := calculation.New("c1", "t1", "amount * 2", "double", nil, "")
			second := calculation.New("c2", "t1", "sum(amount)", "total", nil, "sum")

			require.NoError(t, store.SaveCalculation(ctx, first))
			require.NoError(t, store.SaveCalculation(ctx, second))

			first.MarkReady()
			require.NoError(t, store.SaveCalculation(ctx, first))

			calcs, err := store.ListCalculations(ctx, "t1")
			require.NoError(t, err)
			require.Len(t, calcs, 2)
			assert.Equal(t, "c1", calcs[0].ID)
			assert.Equal(t, calculation.StateReady, calcs[0].State)
			assert.Equal(t, "c2", calcs[1].ID)

			require.NoError(t, store.DeleteCalculation(ctx, "c1"))

			_, err = store.GetCalculation(ctx, "c1")
			require.ErrorIs(t, err, ErrCalculationNotFound)

			calcs, err = store.ListCalculations(ctx, "t1")
			require.NoError(t, err)
			require.Len(t, calcs, 1)

			require.NoError(t, store.DeleteTable(ctx, "t1"))

			_, err = store.GetCalculation(ctx, "c2")
			require.ErrorIs(t, err, ErrCalculationNotFound)
		})
	}
}
