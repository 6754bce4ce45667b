package dataset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		simple SimpleType
		want   any
	}{
		{name: "nil stays missing", value: nil, simple: TypeFloat, want: nil},
		{name: "string to integer", value: "42", simple: TypeInteger, want: int64(42)},
		{name: "integral float to integer", value: 9.0, simple: TypeInteger, want: int64(9)},
		{name: "fractional float to integer", value: 9.5, simple: TypeInteger, want: nil},
		{name: "string to float", value: "2.5", simple: TypeFloat, want: 2.5},
		{name: "blank string to float", value: "  ", simple: TypeFloat, want: nil},
		{name: "garbage to float", value: "abc", simple: TypeFloat, want: nil},
		{name: "string to boolean", value: "true", simple: TypeBoolean, want: true},
		{name: "number to string", value: int64(7), simple: TypeString, want: "7"},
		{
			name:   "slashed date",
			value:  "2013/01/03",
			simple: TypeDatetime,
			want:   time.Date(2013, 1, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "iso date",
			value:  "2013-01-01",
			simple: TypeDatetime,
			want:   time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CoerceValue(tt.value, tt.simple)

			if want, ok := tt.want.(time.Time); ok {
				gotTime, ok := got.(time.Time)
				require.True(t, ok)
				assert.True(t, want.Equal(gotTime))

				return
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceMapsLabelsToSlugs(t *testing.T) {
	row := Coerce(testSchema(), map[string]any{
		"Amount":       "12",
		"type":         "lunch",
		"unknown":      1,
		ParentIDColumn: "parent",
	})

	assert.Equal(t, Row{"amount": int64(12), "type": "lunch", ParentIDColumn: "parent"}, row)
}

func TestInferSchema(t *testing.T) {
	schema, rows := InferSchema([]map[string]any{
		{"Amount": 9.0, "Type": "lunch", "When": "2013-01-01", "Paid": true, "Rate": "1.5"},
		{"Amount": 20.0, "Type": "dinner", "When": "2013-01-03", "Paid": false, "Rate": "2"},
	})

	byLabel := func(label string) Column {
		col, ok := schema.Lookup(label)
		require.True(t, ok, label)

		return col
	}

	assert.Equal(t, TypeInteger, byLabel("Amount").SimpleType)
	assert.Equal(t, OLAPMeasure, byLabel("Amount").OLAPType)
	assert.Equal(t, TypeString, byLabel("Type").SimpleType)
	assert.Equal(t, OLAPDimension, byLabel("Type").OLAPType)
	assert.Equal(t, 2, byLabel("Type").Cardinality)
	assert.Equal(t, TypeDatetime, byLabel("When").SimpleType)
	assert.Equal(t, TypeBoolean, byLabel("Paid").SimpleType)
	assert.Equal(t, TypeFloat, byLabel("Rate").SimpleType)

	require.Len(t, rows, 2)
	assert.Equal(t, int64(9), rows[0]["amount"])
	assert.Equal(t, 2.0, rows[1]["rate"])
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{label: "Amount", want: "amount"},
		{label: "Unit Price ($)", want: "unit_price"},
		{label: "Café au lait", want: "cafe_au_lait"},
		{label: "2019 total", want: "_2019_total"},
		{label: "!!!", want: "column"},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.label))
		})
	}
}

func TestSlugifyAllResolvesCollisions(t *testing.T) {
	got := SlugifyAll([]string{"Total", "total", "TOTAL"}, "total_1")

	assert.Equal(t, []string{"total", "total_2", "total_3"}, got)
}

func TestFrameMemo(t *testing.T) {
	frame := NewFrame(NewTable("t", testSchema()), []Row{{"amount": int64(1)}, {"amount": int64(2)}})

	calls := 0
	build := func() any {
		calls++
		return calls
	}

	assert.Equal(t, 1, frame.Memo("k", build))
	assert.Equal(t, 1, frame.Memo("k", build))
	assert.Equal(t, []any{int64(1), int64(2)}, frame.ColumnValues("amount"))

	simple, ok := frame.ColumnType("Amount")
	require.True(t, ok)
	assert.Equal(t, TypeInteger, simple)
}
