package calculator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHasDependents is wrapped by DependencyError
	ErrHasDependents = errors.New("has dependents")
	// ErrNameTaken is returned when a calculation name collides with a column or calculation
	ErrNameTaken = errors.New("name already in use")
	// ErrInvalidName is returned for names without a usable slug
	ErrInvalidName = errors.New("invalid calculation name")
	// ErrNotAtHead defers an update queued behind other pending updates
	ErrNotAtHead = errors.New("update is not at the head of the pending queue")
	// ErrJoinKeyNotUnique defers rows that would duplicate a unique join key
	ErrJoinKeyNotUnique = errors.New("join key would not be unique")
	// ErrUnknownColumn is returned when a merge or join names a missing column
	ErrUnknownColumn = errors.New("unknown column")
	// ErrAggregateTable is returned for direct changes to an aggregate table
	ErrAggregateTable = errors.New("aggregate tables are maintained by their aggregations")
	// ErrNoParents is returned when merging fewer than one table
	ErrNoParents = errors.New("merge needs at least one table")
)

// DependencyError is returned when deleting something other calculations or
// tables still depend on
type DependencyError struct {
	ID         string
	Dependents []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.ID, ErrHasDependents, strings.Join(e.Dependents, ", "))
}

// Unwrap returns ErrHasDependents
func (e *DependencyError) Unwrap() error {
	return ErrHasDependents
}
