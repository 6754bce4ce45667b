package aggregations

import (
	"math"
	"sort"
	"time"

	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	numeratorSuffix   = "_numerator"
	denominatorSuffix = "_denominator"
	pvalueSuffix      = "_pvalue"
)

// base supplies the defaults shared by single-output, non-reducible operators
type base struct{}

func (base) Reducible() bool { return false }

func (base) Outputs(name string) []Output {
	return []Output{{Slug: name}}
}

func (base) Reduce(string, dataset.Row, Input) (dataset.Row, error) {
	return nil, ErrNotReducible
}

// present returns the non-missing numeric values of a column
func present(col []any) []float64 {
	out := make([]float64, 0, len(col))

	for _, v := range col {
		f := formula.Number(v)
		if !math.IsNaN(f) {
			out = append(out, f)
		}
	}

	return out
}

func total(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}

	return s
}

type countAgg struct{ base }

func (countAgg) Name() string                  { return "count" }
func (countAgg) Arity() (minArgs, maxArgs int) { return 0, 1 }

func (countAgg) Compute(name string, in Input) dataset.Row {
	if len(in.Columns) == 0 {
		return dataset.Row{name: float64(in.Len())}
	}

	n := 0

	for _, v := range in.Columns[0] {
		if formula.Truthy(v) {
			n++
		}
	}

	return dataset.Row{name: float64(n)}
}

type sumAgg struct{}

func (sumAgg) Name() string                  { return "sum" }
func (sumAgg) Arity() (minArgs, maxArgs int) { return 1, 1 }
func (sumAgg) Reducible() bool               { return true }

func (sumAgg) Outputs(name string) []Output {
	return []Output{{Slug: name}}
}

func (sumAgg) Compute(name string, in Input) dataset.Row {
	return dataset.Row{name: total(present(in.Columns[0]))}
}

func (sumAgg) Reduce(name string, previous dataset.Row, in Input) (dataset.Row, error) {
	old := formula.Number(previous[name])
	if math.IsNaN(old) {
		old = 0
	}

	return dataset.Row{name: old + total(present(in.Columns[0]))}, nil
}

type extremeAgg struct {
	base

	name   string
	better func(a, b float64) bool
}

func (a extremeAgg) Name() string                { return a.name }
func (extremeAgg) Arity() (minArgs, maxArgs int) { return 1, 1 }

func (a extremeAgg) Compute(name string, in Input) dataset.Row {
	best := math.NaN()

	for _, v := range present(in.Columns[0]) {
		if math.IsNaN(best) || a.better(v, best) {
			best = v
		}
	}

	return dataset.Row{name: best}
}

type medianAgg struct{ base }

func (medianAgg) Name() string                  { return "median" }
func (medianAgg) Arity() (minArgs, maxArgs int) { return 1, 1 }

func (medianAgg) Compute(name string, in Input) dataset.Row {
	values := present(in.Columns[0])
	if len(values) == 0 {
		return dataset.Row{name: math.NaN()}
	}

	sort.Float64s(values)

	median := stat.Quantile(0.5, stat.Empirical, values, nil)

	// Empirical lands on the lower middle value of an even count
	if len(values)%2 == 0 {
		median = (median + values[len(values)/2]) / 2
	}

	return dataset.Row{name: median}
}

// spreadAgg computes the sample standard deviation or variance
type spreadAgg struct {
	base

	name string
}

func (a spreadAgg) Name() string                { return a.name }
func (spreadAgg) Arity() (minArgs, maxArgs int) { return 1, 1 }

func (a spreadAgg) Compute(name string, in Input) dataset.Row {
	values := present(in.Columns[0])
	if len(values) < 2 {
		return dataset.Row{name: math.NaN()}
	}

	if a.name == "std" {
		return dataset.Row{name: stat.StdDev(values, nil)}
	}

	return dataset.Row{name: stat.Variance(values, nil)}
}

// ratioAgg keeps numerator and denominator sums so partial results combine by addition.
// mean(x) is ratio(x, 1).
type ratioAgg struct {
	name string
}

func (a ratioAgg) Name() string  { return a.name }
func (ratioAgg) Reducible() bool { return true }

func (a ratioAgg) Arity() (minArgs, maxArgs int) {
	if a.name == "mean" {
		return 1, 1
	}

	return 2, 2
}

func (ratioAgg) Outputs(name string) []Output {
	return []Output{
		{Slug: name},
		{Slug: name + numeratorSuffix, Hidden: true},
		{Slug: name + denominatorSuffix, Hidden: true},
	}
}

func (a ratioAgg) sums(in Input) (float64, float64) {
	var num, den float64

	for i := range in.Len() {
		n := formula.Number(in.Columns[0][i])

		d := 1.0
		if a.name != "mean" {
			d = formula.Number(in.Columns[1][i])
		}

		if math.IsNaN(n) || math.IsNaN(d) {
			continue
		}

		num += n
		den += d
	}

	return num, den
}

func ratioRow(name string, num, den float64) dataset.Row {
	value := math.NaN()
	if den != 0 {
		value = num / den
	}

	return dataset.Row{
		name:                     value,
		name + numeratorSuffix:   num,
		name + denominatorSuffix: den,
	}
}

func (a ratioAgg) Compute(name string, in Input) dataset.Row {
	num, den := a.sums(in)
	return ratioRow(name, num, den)
}

func (a ratioAgg) Reduce(name string, previous dataset.Row, in Input) (dataset.Row, error) {
	num, den := a.sums(in)

	if old := formula.Number(previous[name+numeratorSuffix]); !math.IsNaN(old) {
		num += old
	}

	if old := formula.Number(previous[name+denominatorSuffix]); !math.IsNaN(old) {
		den += old
	}

	return ratioRow(name, num, den), nil
}

type argmaxAgg struct{ base }

func (argmaxAgg) Name() string                  { return "argmax" }
func (argmaxAgg) Arity() (minArgs, maxArgs int) { return 1, 1 }

// Compute returns the slot index of the maximum; ties go to the highest index
func (argmaxAgg) Compute(name string, in Input) dataset.Row {
	best := math.NaN()
	index := -1

	for i, v := range in.Columns[0] {
		f := formula.Number(v)
		if math.IsNaN(f) {
			continue
		}

		if index < 0 || f > best || (f == best && in.Index[i] > index) {
			best = f
			index = in.Index[i]
		}
	}

	if index < 0 {
		return dataset.Row{name: math.NaN()}
	}

	return dataset.Row{name: float64(index)}
}

type newestAgg struct{ base }

func (newestAgg) Name() string                  { return "newest" }
func (newestAgg) Arity() (minArgs, maxArgs int) { return 2, 2 }

// Compute returns the value at the row with the greatest ordering key; ties go to the later row
func (newestAgg) Compute(name string, in Input) dataset.Row {
	var (
		best  float64
		value any = math.NaN()
		found bool
	)

	for i := range in.Len() {
		key, ok := orderKey(in.Columns[0][i])
		if !ok {
			continue
		}

		if !found || key >= best {
			best = key
			value = in.Columns[1][i]
			found = true
		}
	}

	return dataset.Row{name: value}
}

// orderKey maps dates and numbers onto a comparable float
func orderKey(v any) (float64, bool) {
	switch tv := v.(type) {
	case time.Time:
		return float64(tv.UnixNano()), true
	case string:
		if t, err := dataset.ParseDate(tv); err == nil {
			return float64(t.UnixNano()), true
		}
	}

	f := formula.Number(v)

	return f, !math.IsNaN(f)
}

type pearsonAgg struct{}

func (pearsonAgg) Name() string                  { return "pearson" }
func (pearsonAgg) Arity() (minArgs, maxArgs int) { return 2, 2 }
func (pearsonAgg) Reducible() bool               { return false }

func (pearsonAgg) Outputs(name string) []Output {
	return []Output{{Slug: name}, {Slug: name + pvalueSuffix}}
}

func (pearsonAgg) Reduce(string, dataset.Row, Input) (dataset.Row, error) {
	return nil, ErrNotReducible
}

// Compute returns the correlation coefficient and its two-sided p-value after
// dropping rows missing either input
func (pearsonAgg) Compute(name string, in Input) dataset.Row {
	xs := make([]float64, 0, in.Len())
	ys := make([]float64, 0, in.Len())

	for i := range in.Len() {
		x := formula.Number(in.Columns[0][i])
		y := formula.Number(in.Columns[1][i])

		if math.IsNaN(x) || math.IsNaN(y) {
			continue
		}

		xs = append(xs, x)
		ys = append(ys, y)
	}

	r, p := pearson(xs, ys)

	return dataset.Row{name: r, name + pvalueSuffix: p}
}

func pearson(xs, ys []float64) (float64, float64) {
	n := len(xs)
	if n < 2 {
		return math.NaN(), math.NaN()
	}

	r := stat.Correlation(xs, ys, nil)
	if math.IsNaN(r) {
		return r, math.NaN()
	}

	// two points always lie on a line
	if n == 2 {
		return r, 1
	}

	if math.Abs(r) >= 1 {
		return r, 0
	}

	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}

	return r, 2 * (1 - dist.CDF(math.Abs(t)))
}
