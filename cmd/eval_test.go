package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethpandaops/tally/pkg/aggregations"
	"github.com/ethpandaops/tally/pkg/calculation"
	"github.com/ethpandaops/tally/pkg/calculator"
	"github.com/ethpandaops/tally/pkg/formula"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefinition(t *testing.T) {
	parser := formula.NewParser(aggregations.NewCatalog())

	tests := []struct {
		name    string
		raw     string
		want    calculator.Definition
		wantErr bool
	}{
		{
			name: "simple",
			raw:  "double=amount * 2",
			want: calculator.Definition{Name: "double", Formula: "amount * 2"},
		},
		{
			name: "formula with comparison",
			raw:  "big = amount >= 10",
			want: calculator.Definition{Name: "big", Formula: "amount >= 10"},
		},
		{
			name: "aggregation takes the grouping",
			raw:  "total=sum(amount)",
			want: calculator.Definition{Name: "total", Formula: "sum(amount)", Group: []string{"type"}},
		},
		{
			name:    "missing name",
			raw:     "=amount",
			wantErr: true,
		},
		{
			name:    "no separator",
			raw:     "amount",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDefinition(parser, tt.raw, []string{"type"})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidDefinition)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadRecords(t *testing.T) {
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "meals.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("amount,type\n9,lunch\n,dinner\n"), 0o600))

	records, err := readRecords(nil, csvPath)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "9", records[0]["amount"])
	assert.Nil(t, records[1]["amount"])

	records, err = readRecords(strings.NewReader(`[{"amount": 9}, {"amount": 20}]`), "-")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.InDelta(t, 20.0, records[1]["amount"], 0)

	_, err = readRecords(nil, filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	records := []map[string]any{
		{"amount": "9", "type": "lunch"},
		{"amount": "20", "type": "dinner"},
		{"amount": "1", "type": "lunch"},
	}

	result, err := evaluate(context.Background(), log, records, []calculator.Definition{
		{Name: "double", Formula: "amount * 2"},
		{Name: "total", Formula: "sum(amount)", Group: []string{"type"}},
	})
	require.NoError(t, err)

	require.Len(t, result.Calculations, 2)

	for _, calc := range result.Calculations {
		assert.Equal(t, calculation.StateReady, calc.State, calc.Error)
	}

	assert.Equal(t, []string{"amount", "type", "double"}, result.Table.Schema.Visible())
	require.Len(t, result.Rows, 3)
	assert.InDelta(t, 18.0, result.Rows[0]["double"], 1e-9)

	require.Len(t, result.Aggregates, 1)

	for _, agg := range result.Aggregates {
		assert.Equal(t, []string{"type", "total"}, agg.Columns)
		require.Len(t, agg.Rows, 2)
		assert.Equal(t, "lunch", agg.Rows[0]["type"])
		assert.InDelta(t, 10.0, agg.Rows[0]["total"], 1e-9)
	}

	var out bytes.Buffer
	require.NoError(t, result.print(&out))
	assert.Contains(t, out.String(), "Aggregated by type:")
	assert.Contains(t, out.String(), "DOUBLE")
}
