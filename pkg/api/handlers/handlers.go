// Package handlers implements the HTTP handlers of the tally API.
package handlers

import (
	"context"

	"github.com/ethpandaops/tally/pkg/calculation"
	"github.com/ethpandaops/tally/pkg/calculator"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/dependencies"
	"github.com/ethpandaops/tally/pkg/summary"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// Calculator is the part of the calculator the API drives
type Calculator interface {
	CreateCalculations(ctx context.Context, tableID string, defs []calculator.Definition) ([]*calculation.Calculation, error)
	DeleteCalculation(ctx context.Context, id string) error
	AppendRows(ctx context.Context, tableID string, rows []map[string]any) ([]string, error)
	EditRow(ctx context.Context, tableID string, index int, fields map[string]any) (string, error)
	DeleteRow(ctx context.Context, tableID string, index int) (string, error)
	Merge(ctx context.Context, sources []calculator.MergeSource) (*dataset.Table, error)
	Join(ctx context.Context, leftID, rightID, on string) (*dataset.Table, error)
	DeleteTable(ctx context.Context, tableID string) error
	Lineage(ctx context.Context, tableID string) (*dependencies.Lineage, error)
}

// Summaries serves summary statistics of tables
type Summaries interface {
	Summary(ctx context.Context, tableID string) (*summary.Summary, error)
}

// Server holds the dependencies of the request handlers
type Server struct {
	calculator Calculator
	store      dataset.Store
	summaries  Summaries
	log        logrus.FieldLogger
}

// NewServer creates a new API server instance
func NewServer(calc Calculator, store dataset.Store, summaries Summaries, log logrus.FieldLogger) *Server {
	return &Server{
		calculator: calc,
		store:      store,
		summaries:  summaries,
		log:        log.WithField("component", "api.handlers"),
	}
}

// Register mounts every route on router
func (s *Server) Register(router fiber.Router) {
	router.Post("/datasets", s.CreateDataset)
	router.Post("/datasets/merge", s.MergeDatasets)
	router.Get("/datasets/:id", s.GetDataset)
	router.Delete("/datasets/:id", s.DeleteDataset)
	router.Get("/datasets/:id/rows", s.ListRows)
	router.Post("/datasets/:id/rows", s.AppendRows)
	router.Put("/datasets/:id/rows/:index", s.EditRow)
	router.Delete("/datasets/:id/rows/:index", s.DeleteRow)
	router.Get("/datasets/:id/summary", s.GetSummary)
	router.Get("/datasets/:id/aggregations", s.ListAggregations)
	router.Get("/datasets/:id/lineage", s.GetLineage)
	router.Post("/datasets/:id/join", s.JoinDataset)
	router.Get("/datasets/:id/calculations", s.ListCalculations)
	router.Post("/datasets/:id/calculations", s.CreateCalculations)
	router.Delete("/calculations/:id", s.DeleteCalculation)
}
