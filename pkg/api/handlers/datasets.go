package handlers

import (
	"strconv"
	"strings"

	"github.com/ethpandaops/tally/pkg/calculator"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type rowsRequest struct {
	Rows []map[string]any `json:"rows"`
}

type mergeRequest struct {
	Sources []calculator.MergeSource `json:"sources"`
}

type joinRequest struct {
	Right string `json:"right"`
	On    string `json:"on"`
}

// CreateDataset handles POST /api/v1/datasets
func (s *Server) CreateDataset(c fiber.Ctx) error {
	var req rowsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return respondError(c, ErrInvalidBody)
	}

	schema, rows := dataset.InferSchema(req.Rows)
	schema.RefreshCardinality(rows)

	table := dataset.NewTable(uuid.NewString(), schema)
	if err := s.store.CreateTable(c.Context(), table, rows); err != nil {
		return respondError(c, err)
	}

	s.log.WithFields(logrus.Fields{
		"table": table.ID,
		"rows":  len(rows),
	}).Info("Created dataset")

	return c.Status(fiber.StatusCreated).JSON(table)
}

// GetDataset handles GET /api/v1/datasets/:id
func (s *Server) GetDataset(c fiber.Ctx) error {
	table, err := s.store.GetTable(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(table)
}

// DeleteDataset handles DELETE /api/v1/datasets/:id
func (s *Server) DeleteDataset(c fiber.Ctx) error {
	if err := s.calculator.DeleteTable(c.Context(), c.Params("id")); err != nil {
		return respondError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ListRows handles GET /api/v1/datasets/:id/rows. The optional columns query
// parameter narrows the visible columns returned.
func (s *Server) ListRows(c fiber.Ctx) error {
	table, err := s.store.GetTable(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	columns := table.Schema.Visible()

	if requested := c.Query("columns"); requested != "" {
		columns = columns[:0]

		for _, name := range strings.Split(requested, ",") {
			col, ok := table.Schema.Lookup(strings.TrimSpace(name))
			if !ok || col.Hidden {
				return respondError(c, fiber.NewError(fiber.StatusBadRequest, "unknown column "+name))
			}

			columns = append(columns, col.Slug)
		}
	}

	rows, err := s.store.Rows(c.Context(), table.ID, dataset.Query{Columns: columns})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"rows":  rows,
		"total": len(rows),
	})
}

// AppendRows handles POST /api/v1/datasets/:id/rows
func (s *Server) AppendRows(c fiber.Ctx) error {
	var req rowsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return respondError(c, ErrInvalidBody)
	}

	ids, err := s.calculator.AppendRows(c.Context(), c.Params("id"), req.Rows)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"update_ids": ids})
}

func rowIndex(c fiber.Ctx) (int, error) {
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil || index < 0 {
		return 0, ErrInvalidIndex
	}

	return index, nil
}

// EditRow handles PUT /api/v1/datasets/:id/rows/:index
func (s *Server) EditRow(c fiber.Ctx) error {
	index, err := rowIndex(c)
	if err != nil {
		return respondError(c, err)
	}

	var fields map[string]any
	if err := c.Bind().JSON(&fields); err != nil || len(fields) == 0 {
		return respondError(c, ErrInvalidBody)
	}

	id, err := s.calculator.EditRow(c.Context(), c.Params("id"), index, fields)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"update_id": id})
}

// DeleteRow handles DELETE /api/v1/datasets/:id/rows/:index
func (s *Server) DeleteRow(c fiber.Ctx) error {
	index, err := rowIndex(c)
	if err != nil {
		return respondError(c, err)
	}

	id, err := s.calculator.DeleteRow(c.Context(), c.Params("id"), index)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"update_id": id})
}

// GetSummary handles GET /api/v1/datasets/:id/summary
func (s *Server) GetSummary(c fiber.Ctx) error {
	sum, err := s.summaries.Summary(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(sum)
}

// ListAggregations handles GET /api/v1/datasets/:id/aggregations
func (s *Server) ListAggregations(c fiber.Ctx) error {
	table, err := s.store.GetTable(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	aggregations := table.AggregatedTables
	if aggregations == nil {
		aggregations = map[string]string{}
	}

	return c.JSON(aggregations)
}

// GetLineage handles GET /api/v1/datasets/:id/lineage
func (s *Server) GetLineage(c fiber.Ctx) error {
	lineage, err := s.calculator.Lineage(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(lineage)
}

// MergeDatasets handles POST /api/v1/datasets/merge
func (s *Server) MergeDatasets(c fiber.Ctx) error {
	var req mergeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return respondError(c, ErrInvalidBody)
	}

	table, err := s.calculator.Merge(c.Context(), req.Sources)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(table)
}

// JoinDataset handles POST /api/v1/datasets/:id/join
func (s *Server) JoinDataset(c fiber.Ctx) error {
	var req joinRequest
	if err := c.Bind().JSON(&req); err != nil || req.Right == "" || req.On == "" {
		return respondError(c, ErrInvalidBody)
	}

	table, err := s.calculator.Join(c.Context(), c.Params("id"), req.Right, req.On)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(table)
}
