// Package summary computes plain per-column statistics of a dataset and caches
// them until the dataset changes.
package summary

import (
	"context"
	"math"
	"time"

	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
	"github.com/ethpandaops/tally/pkg/observability"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ColumnStats describes the values of one visible column
type ColumnStats struct {
	Slug        string             `json:"slug"`
	Label       string             `json:"label"`
	SimpleType  dataset.SimpleType `json:"simple_type"`
	OLAPType    dataset.OLAPType   `json:"olap_type"`
	Count       int                `json:"count"`
	Missing     int                `json:"missing"`
	Cardinality int                `json:"cardinality"`
	Min         *float64           `json:"min,omitempty"`
	Max         *float64           `json:"max,omitempty"`
	Mean        *float64           `json:"mean,omitempty"`
	Std         *float64           `json:"std,omitempty"`
}

// Summary is the cached statistics of a table
type Summary struct {
	TableID    string        `json:"table_id"`
	Rows       int           `json:"rows"`
	Columns    []ColumnStats `json:"columns"`
	ComputedAt time.Time     `json:"computed_at"`
}

// Compute builds the summary of the visible columns of table
func Compute(table *dataset.Table, rows []dataset.Row) *Summary {
	s := &Summary{
		TableID:    table.ID,
		Rows:       len(rows),
		ComputedAt: time.Now().UTC(),
	}

	for _, col := range table.Schema.Columns {
		if col.Hidden {
			continue
		}

		stats := ColumnStats{
			Slug:       col.Slug,
			Label:      col.Label,
			SimpleType: col.SimpleType,
			OLAPType:   col.OLAPType,
		}

		distinct := make(map[any]struct{})
		numbers := make([]float64, 0, len(rows))

		for _, row := range rows {
			v := row[col.Slug]
			if formula.Missing(v) {
				stats.Missing++
				continue
			}

			stats.Count++

			if t, ok := v.(time.Time); ok {
				distinct[t.UnixNano()] = struct{}{}
			} else {
				distinct[v] = struct{}{}
			}

			if col.IsNumeric() {
				if f := formula.Number(v); !math.IsNaN(f) {
					numbers = append(numbers, f)
				}
			}
		}

		stats.Cardinality = len(distinct)

		if len(numbers) > 0 {
			lo, hi := floats.Min(numbers), floats.Max(numbers)
			mean := stat.Mean(numbers, nil)

			stats.Min, stats.Max, stats.Mean = &lo, &hi, &mean

			if len(numbers) > 1 {
				std := stat.StdDev(numbers, nil)
				stats.Std = &std
			}
		}

		s.Columns = append(s.Columns, stats)
	}

	return s
}

// Cache stores summaries by table id
type Cache interface {
	// Get returns nil without error on a miss
	Get(ctx context.Context, tableID string) (*Summary, error)
	Set(ctx context.Context, s *Summary) error
	Invalidate(ctx context.Context, tableID string) error
}

// Service serves summaries from the cache, computing them on a miss
type Service struct {
	log   logrus.FieldLogger
	store dataset.Store
	cache Cache
}

// NewService creates a summary service
func NewService(log logrus.FieldLogger, store dataset.Store, cache Cache) *Service {
	return &Service{
		log:   log.WithField("component", "summary"),
		store: store,
		cache: cache,
	}
}

// Summary returns the summary of a table
func (s *Service) Summary(ctx context.Context, tableID string) (*Summary, error) {
	cached, err := s.cache.Get(ctx, tableID)
	if err != nil {
		s.log.WithError(err).WithField("table", tableID).Warn("Failed to read cached summary")
	}

	observability.RecordSummaryCache(cached != nil)

	if cached != nil {
		return cached, nil
	}

	table, err := s.store.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.Rows(ctx, tableID, dataset.Query{})
	if err != nil {
		return nil, err
	}

	computed := Compute(table, rows)

	if err := s.cache.Set(ctx, computed); err != nil {
		s.log.WithError(err).WithField("table", tableID).Warn("Failed to cache summary")
	}

	return computed, nil
}

// Invalidate drops the cached summary of a table
func (s *Service) Invalidate(ctx context.Context, tableID string) error {
	return s.cache.Invalidate(ctx, tableID)
}
