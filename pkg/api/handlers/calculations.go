package handlers

import (
	"github.com/ethpandaops/tally/pkg/calculator"
	"github.com/gofiber/fiber/v3"
)

// calculationsRequest accepts one definition inline or several under calculations
type calculationsRequest struct {
	calculator.Definition
	Calculations []calculator.Definition `json:"calculations,omitempty"`
}

func (r calculationsRequest) definitions() []calculator.Definition {
	if len(r.Calculations) > 0 {
		return r.Calculations
	}

	return []calculator.Definition{r.Definition}
}

// CreateCalculations handles POST /api/v1/datasets/:id/calculations
func (s *Server) CreateCalculations(c fiber.Ctx) error {
	var req calculationsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return respondError(c, ErrInvalidBody)
	}

	calcs, err := s.calculator.CreateCalculations(c.Context(), c.Params("id"), req.definitions())
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"calculations": calcs})
}

// ListCalculations handles GET /api/v1/datasets/:id/calculations
func (s *Server) ListCalculations(c fiber.Ctx) error {
	calcs, err := s.store.ListCalculations(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"calculations": calcs,
		"total":        len(calcs),
	})
}

// DeleteCalculation handles DELETE /api/v1/calculations/:id
func (s *Server) DeleteCalculation(c fiber.Ctx) error {
	if err := s.calculator.DeleteCalculation(c.Context(), c.Params("id")); err != nil {
		return respondError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}
