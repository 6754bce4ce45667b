package handlers

import (
	"errors"

	"github.com/ethpandaops/tally/pkg/calculator"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
	"github.com/gofiber/fiber/v3"
)

// ErrInvalidIndex is returned when a row index path segment is not a number
var ErrInvalidIndex = fiber.NewError(fiber.StatusBadRequest, "row index must be a non-negative integer")

// ErrInvalidBody is returned when the request body cannot be decoded
var ErrInvalidBody = fiber.NewError(fiber.StatusBadRequest, "invalid request body")

// respondError writes err as a JSON error response. Formula errors carry their
// kind, dependency errors their dependents.
func respondError(c fiber.Ctx, err error) error {
	var (
		parseErr *formula.ParseError
		depErr   *calculator.DependencyError
		fiberErr *fiber.Error
	)

	switch {
	case errors.As(err, &fiberErr):
		return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message, "code": fiberErr.Code})
	case errors.As(err, &parseErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": parseErr.Error(),
			"kind":  parseErr.Kind,
			"code":  fiber.StatusBadRequest,
		})
	case errors.As(err, &depErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":      depErr.Error(),
			"dependents": depErr.Dependents,
			"code":       fiber.StatusConflict,
		})
	}

	code := statusOf(err)

	return c.Status(code).JSON(fiber.Map{"error": err.Error(), "code": code})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, dataset.ErrTableNotFound),
		errors.Is(err, dataset.ErrCalculationNotFound),
		errors.Is(err, dataset.ErrRowNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, calculator.ErrNameTaken),
		errors.Is(err, calculator.ErrAggregateTable):
		return fiber.StatusConflict
	case errors.Is(err, calculator.ErrInvalidName),
		errors.Is(err, calculator.ErrUnknownColumn),
		errors.Is(err, calculator.ErrNoParents),
		errors.Is(err, calculator.ErrSelfJoin),
		errors.Is(err, calculator.ErrJoinKeyNotUnique):
		return fiber.StatusBadRequest
	}

	return fiber.StatusInternalServerError
}
