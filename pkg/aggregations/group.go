package aggregations

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
)

// Group is the set of rows sharing one composite group key
type Group struct {
	Key  []any
	Rows []int
}

// KeyString renders a composite key so it can be compared across tables
func KeyString(key []any) string {
	parts := make([]string, len(key))

	for i, v := range key {
		switch tv := v.(type) {
		case nil:
			parts[i] = "\x00"
		case time.Time:
			parts[i] = tv.UTC().Format(time.RFC3339Nano)
		case float64:
			if tv == float64(int64(tv)) {
				parts[i] = fmt.Sprint(int64(tv))
			} else {
				parts[i] = fmt.Sprint(tv)
			}
		default:
			parts[i] = fmt.Sprint(tv)
		}
	}

	return strings.Join(parts, "\x1f")
}

// RowKey returns the group key of a row for the given group columns
func RowKey(row dataset.Row, groups []string) []any {
	key := make([]any, len(groups))
	for i, g := range groups {
		key[i] = row[g]
	}

	return key
}

// Partition splits rows into groups by the given columns, in first-seen order
func Partition(rows []dataset.Row, groups []string) []Group {
	var out []Group

	positions := make(map[string]int)

	for i, row := range rows {
		key := RowKey(row, groups)
		ks := KeyString(key)

		pos, ok := positions[ks]
		if !ok {
			pos = len(out)
			positions[ks] = pos
			out = append(out, Group{Key: key})
		}

		out[pos].Rows = append(out[pos].Rows, i)
	}

	return out
}

// Evaluate computes agg for each group of rows. Every result row carries the
// group column values followed by the aggregation outputs. Ungrouped evaluation
// yields a single row, even over no input rows.
func Evaluate(agg Aggregation, name string, groups []string, rows []dataset.Row, in Input) []dataset.Row {
	if len(groups) == 0 {
		return []dataset.Row{agg.Compute(name, in)}
	}

	partitions := Partition(rows, groups)
	out := make([]dataset.Row, 0, len(partitions))

	for _, g := range partitions {
		result := agg.Compute(name, in.subset(g.Rows))
		for i, col := range groups {
			result[col] = g.Key[i]
		}

		out = append(out, result)
	}

	return out
}

// NewInput evaluates every argument expression against rows
func NewInput(functions []formula.Node, rows []dataset.Row, table formula.Table) Input {
	in := Input{
		Columns: make([][]any, len(functions)),
		Index:   make([]int, len(rows)),
	}

	for i, row := range rows {
		in.Index[i] = row.Index()
	}

	for c, fn := range functions {
		col := make([]any, len(rows))
		for i, row := range rows {
			col[i] = fn.Eval(row, table)
		}

		in.Columns[c] = col
	}

	return in
}
