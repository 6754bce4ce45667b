package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/tally/pkg/calculation"
)

var (
	// ErrTableNotFound is returned when a table id is unknown
	ErrTableNotFound = errors.New("table not found")
	// ErrTableExists is returned when creating a table with a used id
	ErrTableExists = errors.New("table already exists")
	// ErrRowNotFound is returned when a row index is out of range or deleted
	ErrRowNotFound = errors.New("row not found")
	// ErrCalculationNotFound is returned when a calculation id is unknown
	ErrCalculationNotFound = errors.New("calculation not found")
)

// Query selects a projection of a table's live rows
type Query struct {
	// Columns restricts the returned fields; empty returns every field
	Columns []string
	// Where keeps rows whose fields equal every given value
	Where map[string]any
}

// Store is the table storage the calculation engine consumes
type Store interface {
	CreateTable(ctx context.Context, table *Table, rows []Row) error
	GetTable(ctx context.Context, id string) (*Table, error)
	SaveTable(ctx context.Context, table *Table) error
	DeleteTable(ctx context.Context, id string) error

	// Rows returns live rows in slot order, each carrying IndexColumn
	Rows(ctx context.Context, id string, q Query) ([]Row, error)
	// SlotCount returns the number of row slots, deleted ones included
	SlotCount(ctx context.Context, id string) (int, error)
	AppendRows(ctx context.Context, id string, rows []Row) error
	ReplaceRows(ctx context.Context, id string, rows []Row) error
	DeleteRow(ctx context.Context, id string, index int) error
	// UpdateRow merges fields into the row at index
	UpdateRow(ctx context.Context, id string, index int, fields Row) error
	// AddColumns writes column values keyed by slot index in one batched write
	AddColumns(ctx context.Context, id string, columns map[string]map[int]any) error
	DropColumns(ctx context.Context, id string, slugs []string) error

	PushPendingUpdate(ctx context.Context, id, updateID string) error
	PendingUpdates(ctx context.Context, id string) ([]string, error)
	RemovePendingUpdate(ctx context.Context, id, updateID string) error

	SaveCalculation(ctx context.Context, calc *calculation.Calculation) error
	GetCalculation(ctx context.Context, id string) (*calculation.Calculation, error)
	ListCalculations(ctx context.Context, tableID string) ([]*calculation.Calculation, error)
	DeleteCalculation(ctx context.Context, id string) error
}

// Matches reports whether the row satisfies the equality filter
func (q Query) Matches(row Row) bool {
	for k, want := range q.Where {
		if !valuesEqual(row[k], want) {
			return false
		}
	}

	return true
}

// Project returns a copy of row restricted to the query's columns
func (q Query) Project(row Row) Row {
	if len(q.Columns) == 0 {
		return row.Clone()
	}

	out := make(Row, len(q.Columns)+1)
	for _, c := range q.Columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}

	out[IndexColumn] = row[IndexColumn]

	return out
}

func valuesEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}

	return fmt.Sprint(a) == fmt.Sprint(b)
}
