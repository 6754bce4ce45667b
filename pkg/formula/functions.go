package formula

import (
	"math"
	"sort"
	"time"

	"github.com/ethpandaops/tally/pkg/dataset"
)

type builtin struct {
	arity int
	// column requires the single argument to be a bare column reference
	column bool
	eval   func(call *Call, row dataset.Row, table Table) any
}

//nolint:gochecknoglobals // fixed function catalog
var builtins = map[string]builtin{
	"date": {
		arity: 1,
		eval: func(call *Call, row dataset.Row, table Table) any {
			switch v := call.Args[0].Eval(row, table).(type) {
			case time.Time:
				return v
			case string:
				t, err := dataset.ParseDate(v)
				if err != nil {
					return nil
				}

				return t
			}

			return nil
		},
	},
	"today": {
		arity: 0,
		eval: func(*Call, dataset.Row, Table) any {
			return now().UTC().Truncate(24 * time.Hour)
		},
	},
	"percentile": {
		arity:  1,
		column: true,
		eval:   evalPercentile,
	},
}

// evalPercentile ranks the row's value against the whole column: the average rank
// of tied values divided by the number of non-missing values.
func evalPercentile(call *Call, row dataset.Row, table Table) any {
	v, ok := numeric(call.Args[0].Eval(row, table))
	if !ok || math.IsNaN(v) || table == nil {
		return math.NaN()
	}

	name := call.Args[0].(*Variable).Name

	ranks, _ := table.Memo("percentile:"+name, func() any {
		return percentileRanks(table.ColumnValues(name))
	}).(map[float64]float64)

	pct, ok := ranks[v]
	if !ok {
		return math.NaN()
	}

	return pct
}

func percentileRanks(values []any) map[float64]float64 {
	sorted := make([]float64, 0, len(values))

	for _, v := range values {
		if f, ok := numeric(v); ok && !math.IsNaN(f) {
			sorted = append(sorted, f)
		}
	}

	sort.Float64s(sorted)

	n := float64(len(sorted))
	out := make(map[float64]float64)

	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[i] {
			j++
		}

		// ranks are 1-based, ties share the mean of their ranks
		avg := float64(i+j+2) / 2
		out[sorted[i]] = avg / n

		i = j + 1
	}

	return out
}
