// Package aggregations holds the catalog of aggregation operators available to
// formulas, their grouped evaluation and the incremental reduce of reducible kinds.
package aggregations

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethpandaops/tally/pkg/dataset"
)

var (
	// ErrUnknownAggregation is returned when a kind is not in the catalog
	ErrUnknownAggregation = errors.New("unknown aggregation")
	// ErrNotReducible is returned by Reduce for kinds that need a full recompute
	ErrNotReducible = errors.New("aggregation is not reducible")
)

// Input is the evaluated argument columns of an aggregation, row aligned
type Input struct {
	// Columns holds one column per formula argument
	Columns [][]any
	// Index holds the slot index of each row
	Index []int
}

// Len returns the number of rows
func (in Input) Len() int {
	return len(in.Index)
}

// subset returns the rows at the given positions
func (in Input) subset(rows []int) Input {
	out := Input{
		Columns: make([][]any, len(in.Columns)),
		Index:   make([]int, len(rows)),
	}

	for c := range in.Columns {
		out.Columns[c] = make([]any, len(rows))
	}

	for i, r := range rows {
		out.Index[i] = in.Index[r]

		for c := range in.Columns {
			out.Columns[c][i] = in.Columns[c][r]
		}
	}

	return out
}

// Output is a column an aggregation writes on its aggregate table
type Output struct {
	Slug   string
	Hidden bool
}

// Aggregation is one operator of the catalog
type Aggregation interface {
	Name() string
	Arity() (minArgs, maxArgs int)
	Reducible() bool
	// Outputs lists the aggregate table columns for a calculation called name
	Outputs(name string) []Output
	// Compute evaluates the aggregation over every row of in
	Compute(name string, in Input) dataset.Row
	// Reduce folds newly added rows into a previous result. Only reducible kinds implement it.
	Reduce(name string, previous dataset.Row, in Input) (dataset.Row, error)
}

// Catalog is the fixed set of aggregation operators
type Catalog struct {
	kinds map[string]Aggregation
}

// NewCatalog returns the catalog of every supported aggregation
func NewCatalog() *Catalog {
	c := &Catalog{kinds: make(map[string]Aggregation)}

	for _, agg := range []Aggregation{
		countAgg{},
		sumAgg{},
		extremeAgg{name: "max", better: func(a, b float64) bool { return a > b }},
		extremeAgg{name: "min", better: func(a, b float64) bool { return a < b }},
		medianAgg{},
		spreadAgg{name: "std"},
		spreadAgg{name: "var"},
		ratioAgg{name: "mean"},
		ratioAgg{name: "ratio"},
		argmaxAgg{},
		newestAgg{},
		pearsonAgg{},
	} {
		c.kinds[agg.Name()] = agg
	}

	return c
}

// Get returns the aggregation of the given kind
func (c *Catalog) Get(kind string) (Aggregation, error) {
	agg, ok := c.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregation, kind)
	}

	return agg, nil
}

// Arity returns the argument bounds of kind
func (c *Catalog) Arity(kind string) (minArgs, maxArgs int, ok bool) {
	agg, ok := c.kinds[kind]
	if !ok {
		return 0, 0, false
	}

	minArgs, maxArgs = agg.Arity()

	return minArgs, maxArgs, true
}

// Names returns every aggregation kind, sorted
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.kinds))
	for name := range c.kinds {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// IsReducible reports whether kind supports Reduce
func (c *Catalog) IsReducible(kind string) bool {
	agg, ok := c.kinds[kind]
	return ok && agg.Reducible()
}
