package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/ethpandaops/tally/pkg/aggregations"
	"github.com/ethpandaops/tally/pkg/calculation"
	"github.com/ethpandaops/tally/pkg/calculator"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
	"github.com/ethpandaops/tally/pkg/summary"
	"github.com/ethpandaops/tally/pkg/tasks"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// ErrInvalidDefinition is returned for a --calc flag not shaped name=formula
	ErrInvalidDefinition = errors.New("calculation must be given as name=formula")
	// ErrCalculationFailed is returned when any evaluated calculation failed
	ErrCalculationFailed = errors.New("calculation failed")
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	evalInput  string
	evalCalcs  []string
	evalGroup  []string
	evalOutput string
)

//nolint:gochecknoglobals // Cobra commands are typically global
var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate calculations over a local file",
	Long: `Loads rows from a JSON array or a CSV file with a header line, runs the given
calculations in memory and prints the resulting table and aggregate tables.`,
	Example: `  tally eval --input meals.csv --calc 'double=amount * 2' --calc 'total=sum(amount)' --group type`,
	RunE:    runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)

	evalCmd.Flags().StringVarP(&evalInput, "input", "i", "-", "JSON or CSV file to read rows from, - for JSON on stdin")
	evalCmd.Flags().StringArrayVarP(&evalCalcs, "calc", "c", nil, "calculation as name=formula, repeatable")
	evalCmd.Flags().StringSliceVarP(&evalGroup, "group", "g", nil, "columns to group aggregations by")
	evalCmd.Flags().StringVarP(&evalOutput, "output", "o", "table", "output format (table, json)")
}

// evaluation is the state of an in-memory dataset after its calculations ran
type evaluation struct {
	Table        *dataset.Table             `json:"table"`
	Rows         []dataset.Row              `json:"rows"`
	Calculations []*calculation.Calculation `json:"calculations"`
	// Aggregates holds every aggregate table, keyed by table id
	Aggregates map[string]aggregate `json:"aggregates,omitempty"`
}

type aggregate struct {
	Group   []string      `json:"group,omitempty"`
	Columns []string      `json:"columns"`
	Rows    []dataset.Row `json:"rows"`
}

func runEval(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	if err := setLogLevel(cmd, "warn"); err != nil {
		return err
	}

	parser := formula.NewParser(aggregations.NewCatalog())
	defs := make([]calculator.Definition, 0, len(evalCalcs))

	for _, raw := range evalCalcs {
		def, err := parseDefinition(parser, raw, evalGroup)
		if err != nil {
			return err
		}

		defs = append(defs, def)
	}

	records, err := readRecords(cmd.InOrStdin(), evalInput)
	if err != nil {
		return err
	}

	result, err := evaluate(cmd.Context(), logger, records, defs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if evalOutput == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		if err := enc.Encode(result); err != nil {
			return err
		}
	} else if err := result.print(out); err != nil {
		return err
	}

	for _, calc := range result.Calculations {
		if calc.State == calculation.StateFailed {
			return fmt.Errorf("%w: %s: %s", ErrCalculationFailed, calc.Name, calc.Error)
		}
	}

	return nil
}

// parseDefinition splits name=formula. Aggregations pick up the group columns.
func parseDefinition(parser *formula.Parser, raw string, group []string) (calculator.Definition, error) {
	name, text, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(text) == "" {
		return calculator.Definition{}, fmt.Errorf("%w: %q", ErrInvalidDefinition, raw)
	}

	def := calculator.Definition{
		Name:    strings.TrimSpace(name),
		Formula: strings.TrimSpace(text),
	}

	parsed, err := parser.Parse(def.Formula)
	if err != nil {
		return calculator.Definition{}, fmt.Errorf("%s: %w", def.Name, err)
	}

	if parsed.IsAggregation() {
		def.Group = group
	}

	return def, nil
}

// readRecords loads rows from path, choosing the decoder by file extension
func readRecords(stdin io.Reader, path string) ([]map[string]any, error) {
	r := stdin

	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // User-provided input file
		if err != nil {
			return nil, err
		}

		defer f.Close()

		r = f
	}

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return readCSV(r)
	}

	var records []map[string]any
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}

	return records, nil
}

func readCSV(r io.Reader) ([]map[string]any, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	lines, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}

	if len(lines) == 0 {
		return nil, nil
	}

	header := lines[0]
	records := make([]map[string]any, 0, len(lines)-1)

	for _, line := range lines[1:] {
		rec := make(map[string]any, len(header))

		for i, label := range header {
			if i < len(line) && line[i] != "" {
				rec[label] = line[i]
			} else {
				rec[label] = nil
			}
		}

		records = append(records, rec)
	}

	return records, nil
}

// evaluate loads records into an in-memory store and runs defs to completion
func evaluate(ctx context.Context, log logrus.FieldLogger, records []map[string]any, defs []calculator.Definition) (*evaluation, error) {
	catalog := aggregations.NewCatalog()
	store := dataset.NewMemoryStore()
	dispatcher := tasks.NewInlineDispatcher(log, 3)

	calc, err := calculator.New(log, &calculator.Config{UpdateBatchSize: len(records) + 1}, store,
		formula.NewParser(catalog), catalog, dispatcher, summary.NewService(log, store, summary.NewMemoryCache()))
	if err != nil {
		return nil, err
	}

	dispatcher.SetExecutor(calc)

	schema, rows := dataset.InferSchema(records)
	schema.RefreshCardinality(rows)

	table := dataset.NewTable("input", schema)
	if err := store.CreateTable(ctx, table, rows); err != nil {
		return nil, err
	}

	created := []*calculation.Calculation{}
	if len(defs) > 0 {
		created, err = calc.CreateCalculations(ctx, table.ID, defs)
		if err != nil {
			return nil, err
		}
	}

	result := &evaluation{Aggregates: make(map[string]aggregate)}

	if result.Table, err = store.GetTable(ctx, table.ID); err != nil {
		return nil, err
	}

	if result.Rows, err = store.Rows(ctx, table.ID, dataset.Query{Columns: result.Table.Schema.Visible()}); err != nil {
		return nil, err
	}

	for _, c := range created {
		current, err := store.GetCalculation(ctx, c.ID)
		if err != nil {
			return nil, err
		}

		result.Calculations = append(result.Calculations, current)

		if current.AggregateTableID == "" {
			continue
		}

		if _, ok := result.Aggregates[current.AggregateTableID]; ok {
			continue
		}

		aggTable, err := store.GetTable(ctx, current.AggregateTableID)
		if err != nil {
			return nil, err
		}

		columns := aggTable.Schema.Visible()

		aggRows, err := store.Rows(ctx, aggTable.ID, dataset.Query{Columns: columns})
		if err != nil {
			return nil, err
		}

		result.Aggregates[aggTable.ID] = aggregate{Group: aggTable.Groups, Columns: columns, Rows: aggRows}
	}

	return result, nil
}

func (e *evaluation) print(out io.Writer) error {
	if err := printRows(out, e.Table.Schema.Visible(), e.Rows); err != nil {
		return err
	}

	ids := make([]string, 0, len(e.Aggregates))

	for _, calc := range e.Calculations {
		if _, ok := e.Aggregates[calc.AggregateTableID]; ok && !slices.Contains(ids, calc.AggregateTableID) {
			ids = append(ids, calc.AggregateTableID)
		}
	}

	for _, id := range ids {
		agg := e.Aggregates[id]

		group := "all rows"
		if len(agg.Group) > 0 {
			group = strings.Join(agg.Group, ", ")
		}

		fmt.Fprintf(out, "\nAggregated by %s:\n", group)

		if err := printRows(out, agg.Columns, agg.Rows); err != nil {
			return err
		}
	}

	return nil
}

func printRows(out io.Writer, columns []string, rows []dataset.Row) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, strings.ToUpper(strings.Join(columns, "\t")))

	for _, row := range rows {
		cells := make([]string, len(columns))

		for i, col := range columns {
			if v := row[col]; !formula.Missing(v) {
				cells[i] = fmt.Sprint(v)
			}
		}

		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}

	return w.Flush()
}
