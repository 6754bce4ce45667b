// Package calculation defines the persisted record of a formula attached to a dataset.
package calculation

import (
	"slices"
	"strings"
	"time"
)

// State represents the lifecycle state of a calculation
type State string

const (
	// StatePending is set once a calculation passed validation and awaits computation
	StatePending State = "pending"
	// StateReady is set once the calculation's column (or aggregate) has been written
	StateReady State = "ready"
	// StateFailed is set when background computation failed
	StateFailed State = "failed"
)

// Calculation is a named formula attached to a table
type Calculation struct {
	ID      string   `json:"id"`
	TableID string   `json:"table_id"`
	Formula string   `json:"formula"`
	Name    string   `json:"name"`
	Group   []string `json:"group,omitempty"`

	// Aggregation is the aggregation kind, empty for row-wise calculations
	Aggregation string `json:"aggregation,omitempty"`

	State State  `json:"state"`
	Error string `json:"error,omitempty"`

	// Dependencies holds ids of calculations whose columns this formula reads
	Dependencies []string `json:"dependencies,omitempty"`
	// Dependents holds ids of calculations reading this calculation's column
	Dependents []string `json:"dependents,omitempty"`

	// AggregateTableID is the derived table holding this aggregation's values
	AggregateTableID string `json:"aggregate_table_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a pending calculation
func New(id, tableID, formula, name string, group []string, aggregation string) *Calculation {
	now := time.Now().UTC()

	return &Calculation{
		ID:          id,
		TableID:     tableID,
		Formula:     formula,
		Name:        name,
		Group:       group,
		Aggregation: aggregation,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsAggregation reports whether the calculation produces an aggregate table
func (c *Calculation) IsAggregation() bool {
	return c.Aggregation != ""
}

// GroupSignature returns the order-preserving comma joined group list
func (c *Calculation) GroupSignature() string {
	return strings.Join(c.Group, ",")
}

// IsReady reports whether the calculation has been computed
func (c *Calculation) IsReady() bool {
	return c.State == StateReady
}

// MarkReady transitions the calculation to ready
func (c *Calculation) MarkReady() {
	c.State = StateReady
	c.Error = ""
	c.UpdatedAt = time.Now().UTC()
}

// MarkFailed transitions the calculation to failed with the captured diagnostic
func (c *Calculation) MarkFailed(err error) {
	c.State = StateFailed
	if err != nil {
		c.Error = err.Error()
	}
	c.UpdatedAt = time.Now().UTC()
}

// AddDependency records that this calculation reads the column of id
func (c *Calculation) AddDependency(id string) {
	if !slices.Contains(c.Dependencies, id) {
		c.Dependencies = append(c.Dependencies, id)
	}
}

// AddDependent records that calculation id reads this calculation's column
func (c *Calculation) AddDependent(id string) {
	if !slices.Contains(c.Dependents, id) {
		c.Dependents = append(c.Dependents, id)
	}
}

// RemoveDependent drops id from the dependent-of set
func (c *Calculation) RemoveDependent(id string) {
	c.Dependents = slices.DeleteFunc(c.Dependents, func(d string) bool { return d == id })
}

// HasDependents reports whether other calculations read this one
func (c *Calculation) HasDependents() bool {
	return len(c.Dependents) > 0
}
