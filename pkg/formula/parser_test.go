package formula

import (
	"math"
	"testing"
	"time"

	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCatalog map[string][2]int

func (c stubCatalog) Arity(name string) (minArgs, maxArgs int, ok bool) {
	a, ok := c[name]
	return a[0], a[1], ok
}

func newTestParser() *Parser {
	return NewParser(stubCatalog{
		"count":  {0, 1},
		"sum":    {1, 1},
		"mean":   {1, 1},
		"ratio":  {2, 2},
		"newest": {2, 2},
	})
}

func testSchema() dataset.Schema {
	return dataset.Schema{Columns: []dataset.Column{
		{Slug: "amount", Label: "Amount", SimpleType: dataset.TypeInteger, OLAPType: dataset.OLAPMeasure},
		{Slug: "price", Label: "Price", SimpleType: dataset.TypeFloat, OLAPType: dataset.OLAPMeasure},
		{Slug: "type", Label: "Type", SimpleType: dataset.TypeString, OLAPType: dataset.OLAPDimension},
		{Slug: "when", Label: "When", SimpleType: dataset.TypeDatetime, OLAPType: dataset.OLAPDimension},
	}}
}

func evalOne(t *testing.T, text string, row dataset.Row) any {
	t.Helper()

	parsed, err := newTestParser().Parse(text)
	require.NoError(t, err)
	require.Len(t, parsed.Functions, 1)

	frame := dataset.NewFrame(dataset.NewTable("t", testSchema()), []dataset.Row{row})

	return parsed.Functions[0].Eval(row, frame)
}

func TestParsePrecedence(t *testing.T) {
	tests := []struct {
		formula string
		want    string
	}{
		{formula: "1 + 2 * 3", want: "(1 + (2 * 3))"},
		{formula: "(1 + 2) * 3", want: "((1 + 2) * 3)"},
		{formula: "2 ^ 3 ^ 2", want: "(2 ^ (3 ^ 2))"},
		{formula: "8 - 4 - 2", want: "((8 - 4) - 2)"},
		{formula: "8 / 4 / 2", want: "((8 / 4) / 2)"},
		{formula: "-2 ^ 2", want: "(-2 ^ 2)"},
		{formula: "a < b <= c", want: "(a < b <= c)"},
		{formula: "a or b and c", want: "(a or (b and c))"},
		{formula: "not a and b", want: "(not a and b)"},
		{formula: "a + 1 in [1, 2]", want: "((a + 1) in [1, 2])"},
		{formula: "not a in [1]", want: "not (a in [1])"},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			parsed, err := newTestParser().Parse(tt.formula)
			require.NoError(t, err)
			require.Len(t, parsed.Functions, 1)
			assert.Equal(t, tt.want, parsed.Functions[0].String())
			assert.False(t, parsed.IsAggregation())
		})
	}
}

func TestParseAggregation(t *testing.T) {
	tests := []struct {
		name      string
		formula   string
		wantKind  string
		wantFuncs int
		wantErr   bool
	}{
		{name: "count without criterion", formula: "count()", wantKind: "count", wantFuncs: 0},
		{name: "count with criterion", formula: "count(amount > 5)", wantKind: "count", wantFuncs: 1},
		{name: "ratio yields two functions", formula: "ratio(amount, price)", wantKind: "ratio", wantFuncs: 2},
		{name: "expression argument", formula: "sum(amount * 2)", wantKind: "sum", wantFuncs: 1},
		{name: "too many arguments", formula: "sum(amount, price)", wantErr: true},
		{name: "too few arguments", formula: "ratio(amount)", wantErr: true},
		{name: "nested aggregation", formula: "1 + sum(amount)", wantErr: true},
		{name: "trailing tokens", formula: "sum(amount) + 1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := newTestParser().Parse(tt.formula)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrSyntax)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, parsed.Aggregation)
			assert.Len(t, parsed.Functions, tt.wantFuncs)
		})
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	tests := []string{
		"",
		"1 +",
		"(1 + 2",
		"a = 1",
		"amount in 1",
		"\"unterminated",
		"sum(",
		"today(",
		"and",
		"percentile(amount + 1)",
		"date()",
		"case",
		"1 2",
	}

	for _, formula := range tests {
		t.Run(formula, func(t *testing.T) {
			_, err := newTestParser().Parse(formula)
			require.Error(t, err)

			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, KindSyntax, perr.Kind)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		formula  string
		groups   []string
		wantKind ErrorKind
	}{
		{name: "valid row-wise", formula: "amount * price"},
		{name: "valid grouped", formula: "sum(amount)", groups: []string{"type"}},
		{name: "valid reserved words only", formula: "today()"},
		{name: "syntax", formula: "amount *", wantKind: KindSyntax},
		{name: "unknown column", formula: "amount * tax", wantKind: KindUnknownColumn},
		{name: "label is not a slug", formula: "Amount * 2", wantKind: KindUnknownColumn},
		{name: "unknown group", formula: "sum(amount)", groups: []string{"region"}, wantKind: KindUnknownGroup},
		{name: "measure group", formula: "sum(amount)", groups: []string{"price"}, wantKind: KindUnknownGroup},
		{name: "group without aggregation", formula: "amount", groups: []string{"type"}, wantKind: KindUnknownGroup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestParser().Validate(testSchema(), tt.formula, tt.groups)
			if tt.wantKind == "" {
				require.NoError(t, err)
				return
			}

			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.wantKind, perr.Kind)
		})
	}
}

func TestValidateAcceptsOnlyReservedWordsAndColumns(t *testing.T) {
	p := newTestParser()

	identifiers := []string{"amount", "price", "type", "tax", "count", "in", "default", "today", "date", "percentile"}
	for _, ident := range identifiers {
		formula := ident + " == 1"
		_, err := p.Validate(testSchema(), formula, nil)

		_, isColumn := columnBySlug(testSchema(), ident)
		if isColumn {
			assert.NoError(t, err, formula)
		} else {
			assert.Error(t, err, formula)
		}
	}
}

func TestFunctionNamesAsColumns(t *testing.T) {
	schema := dataset.Schema{Columns: []dataset.Column{
		{Slug: "date", SimpleType: dataset.TypeDatetime, OLAPType: dataset.OLAPDimension},
		{Slug: "percentile", SimpleType: dataset.TypeFloat, OLAPType: dataset.OLAPMeasure},
		{Slug: "sum", SimpleType: dataset.TypeInteger, OLAPType: dataset.OLAPMeasure},
		{Slug: "price", SimpleType: dataset.TypeInteger, OLAPType: dataset.OLAPMeasure},
	}}

	tests := []struct {
		name            string
		formula         string
		wantAggregation string
		wantColumns     []string
	}{
		{name: "newest over date column", formula: "newest(date, price)", wantAggregation: "newest", wantColumns: []string{"date", "price"}},
		{name: "date column against date call", formula: `date > date("2012-01-01")`, wantColumns: []string{"date"}},
		{name: "percentile column in arithmetic", formula: "percentile * 2", wantColumns: []string{"percentile"}},
		{name: "percentile of percentile column", formula: "percentile(percentile)", wantColumns: []string{"percentile"}},
		{name: "aggregation name as column", formula: "sum + price", wantColumns: []string{"price", "sum"}},
		{name: "aggregation over same-named column", formula: "sum(sum)", wantAggregation: "sum", wantColumns: []string{"sum"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := newTestParser().Validate(schema, tt.formula, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.wantAggregation, parsed.Aggregation)
			assert.ElementsMatch(t, tt.wantColumns, parsed.ReferencedColumns())
		})
	}

	_, err := newTestParser().Validate(testSchema(), "date > 1", nil)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindUnknownColumn, perr.Kind)
}

func TestEvalDateColumnComparison(t *testing.T) {
	schema := dataset.Schema{Columns: []dataset.Column{
		{Slug: "date", SimpleType: dataset.TypeDatetime, OLAPType: dataset.OLAPDimension},
	}}

	parsed, err := newTestParser().Validate(schema, `date > date("2012-01-01")`, nil)
	require.NoError(t, err)

	rows := []dataset.Row{
		{"date": dataset.CoerceValue("2013-01-01", dataset.TypeDatetime)},
		{"date": dataset.CoerceValue("2011-06-30", dataset.TypeDatetime)},
	}
	frame := dataset.NewFrame(dataset.NewTable("t", schema), rows)

	assert.Equal(t, true, parsed.Functions[0].Eval(rows[0], frame))
	assert.Equal(t, false, parsed.Functions[0].Eval(rows[1], frame))
}

func TestReferencedColumns(t *testing.T) {
	parsed, err := newTestParser().Parse(`case amount > 1: price, type == "x": amount, default: percentile(price)`)
	require.NoError(t, err)

	assert.Equal(t, []string{"amount", "price", "type"}, parsed.ReferencedColumns())

	parsed, err = newTestParser().Parse(`"amount" + 1`)
	require.NoError(t, err)
	assert.Empty(t, parsed.ReferencedColumns())

	parsed, err = newTestParser().Parse("ratio(amount, price * 2)")
	require.NoError(t, err)
	assert.Equal(t, []string{"amount"}, parsed.Functions[0].ReferencedColumns())
	assert.Equal(t, []string{"price"}, parsed.Functions[1].ReferencedColumns())
}

func TestEvalArithmetic(t *testing.T) {
	row := dataset.Row{"amount": int64(9), "price": 2.5}

	tests := []struct {
		formula string
		want    float64
	}{
		{formula: "amount * price", want: 22.5},
		{formula: "amount + 1 - 2", want: 8},
		{formula: "2 ^ 3 ^ 2", want: 512},
		{formula: "-amount", want: -9},
		{formula: "-2 ^ 2", want: 4},
		{formula: "amount / 2", want: 4.5},
		{formula: "1e2 + .5", want: 100.5},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			assert.InDelta(t, tt.want, evalOne(t, tt.formula, row), 1e-9)
		})
	}
}

func TestEvalDivisionByZeroIsNaN(t *testing.T) {
	row := dataset.Row{"amount": int64(9)}

	for _, formula := range []string{"amount / 0", "-amount / 0", "0 / 0", "missing_col + 1"} {
		v, ok := evalOne(t, formula, row).(float64)
		require.True(t, ok)
		assert.True(t, math.IsNaN(v), formula)
	}
}

func TestEvalComparisons(t *testing.T) {
	row := dataset.Row{"amount": int64(9), "type": "lunch", "when": "2013-01-03"}

	tests := []struct {
		formula string
		want    bool
	}{
		{formula: "amount > 5", want: true},
		{formula: "1 < amount < 10", want: true},
		{formula: "1 < amount < 5", want: false},
		{formula: "10 < amount < 20", want: false},
		{formula: `type == "lunch"`, want: true},
		{formula: `type != "lunch"`, want: false},
		{formula: `when > date("2013-01-01")`, want: true},
		{formula: `when == date("2013/01/03")`, want: true},
		{formula: "amount > 5 and not amount > 8", want: false},
		{formula: "amount > 10 or amount == 9", want: true},
		{formula: "amount > 100 and unknown > 1", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			assert.Equal(t, tt.want, evalOne(t, tt.formula, row))
		})
	}
}

func TestEvalChainedComparisonShortCircuits(t *testing.T) {
	counter := &countingNode{value: 5.0}
	cmp := &Comparison{
		Operands: []Node{&NumberLit{Value: 10}, &NumberLit{Value: 1}, counter},
		Ops:      []TokenType{TokenLT, TokenLT},
	}

	assert.Equal(t, false, cmp.Eval(dataset.Row{}, nil))
	assert.Equal(t, 0, counter.calls)
}

type countingNode struct {
	Variable
	value any
	calls int
}

func (c *countingNode) Eval(dataset.Row, Table) any {
	c.calls++
	return c.value
}

func TestEvalIn(t *testing.T) {
	tests := []struct {
		name string
		row  dataset.Row
		want bool
	}{
		{name: "nine", row: dataset.Row{"amount": int64(9), "type": "lunch"}, want: true},
		{name: "twenty", row: dataset.Row{"amount": int64(20), "type": "dinner"}, want: true},
		{name: "five", row: dataset.Row{"amount": int64(5)}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalOne(t, `amount in ["9.0", "20.0"]`, tt.row))
		})
	}

	assert.Equal(t, true, evalOne(t, `type in ["lunch", "dinner"]`, dataset.Row{"type": "lunch"}))
	assert.Equal(t, false, evalOne(t, `type in []`, dataset.Row{"type": "lunch"}))
}

func TestEvalCase(t *testing.T) {
	formula := "case amount > 10: 1, amount > 5: 2, default: 3"

	assert.Equal(t, 1.0, evalOne(t, formula, dataset.Row{"amount": int64(20)}))
	assert.Equal(t, 2.0, evalOne(t, formula, dataset.Row{"amount": int64(7)}))
	assert.Equal(t, 3.0, evalOne(t, formula, dataset.Row{"amount": int64(1)}))

	v, ok := evalOne(t, "case amount > 10: 1, amount > 5: 2", dataset.Row{"amount": int64(1)}).(float64)
	require.True(t, ok)
	assert.True(t, math.IsNaN(v))

	assert.Equal(t, "big", evalOne(t, `case amount > 5: "big", default: "small"`, dataset.Row{"amount": int64(9)}))
}

func TestCaseInsideAggregationArguments(t *testing.T) {
	parsed, err := newTestParser().Parse("ratio(case amount > 5: 1, default: 0, price)")
	require.NoError(t, err)
	require.Len(t, parsed.Functions, 2)
	assert.IsType(t, &Case{}, parsed.Functions[0])
	assert.IsType(t, &Variable{}, parsed.Functions[1])

	parsed, err = newTestParser().Parse("ratio(case amount > 5: 1, price)")
	require.NoError(t, err)
	require.Len(t, parsed.Functions, 2)
}

func TestEvalFunctions(t *testing.T) {
	original := now
	now = func() time.Time { return time.Date(2024, 5, 6, 13, 14, 15, 0, time.UTC) }

	t.Cleanup(func() { now = original })

	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), evalOne(t, "today()", dataset.Row{}))
	assert.Equal(t, time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC), evalOne(t, `date("2013-01-01")`, dataset.Row{}))
	assert.Nil(t, evalOne(t, `date("not a date")`, dataset.Row{}))
	assert.Equal(t, true, evalOne(t, `today() > date("2013-01-01")`, dataset.Row{}))
}

func TestEvalPercentile(t *testing.T) {
	rows := []dataset.Row{
		{"price": 1.0},
		{"price": 2.0},
		{"price": 2.0},
		{"price": 4.0},
		{"price": nil},
	}

	parsed, err := newTestParser().Parse("percentile(price)")
	require.NoError(t, err)

	frame := dataset.NewFrame(dataset.NewTable("t", testSchema()), rows)
	fn := parsed.Functions[0]

	assert.InDelta(t, 0.25, fn.Eval(rows[0], frame), 1e-9)
	assert.InDelta(t, 0.625, fn.Eval(rows[1], frame), 1e-9)
	assert.InDelta(t, 0.625, fn.Eval(rows[2], frame), 1e-9)
	assert.InDelta(t, 1.0, fn.Eval(rows[3], frame), 1e-9)

	v, ok := fn.Eval(rows[4], frame).(float64)
	require.True(t, ok)
	assert.True(t, math.IsNaN(v))
}

func TestChildren(t *testing.T) {
	parsed, err := newTestParser().Parse("a + b * 2")
	require.NoError(t, err)

	root := parsed.Functions[0]
	require.Len(t, root.Children(), 2)
	assert.Equal(t, "a", root.Children()[0].String())
	assert.Len(t, root.Children()[1].Children(), 2)
}
