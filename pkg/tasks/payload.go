package tasks

import (
	"strings"
	"time"
)

// UpdateKind identifies the row change an update carries
type UpdateKind string

const (
	// UpdateAdd appends rows
	UpdateAdd UpdateKind = "add"
	// UpdateDelete soft-deletes the row at Index
	UpdateDelete UpdateKind = "delete"
	// UpdateEdit merges the first row's fields into the row at Index
	UpdateEdit UpdateKind = "edit"
	// UpdateSync replaces every row contributed by ParentID with Rows
	UpdateSync UpdateKind = "sync"
)

// CalculationPayload computes calculations on a table
type CalculationPayload struct {
	TableID        string   `json:"table_id"`
	CalculationIDs []string `json:"calculation_ids"`
	// Batch holds the pending ids submitted together with these calculations
	Batch      []string  `json:"batch,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// UniqueID returns a unique identifier for this task
func (p CalculationPayload) UniqueID() string {
	return "calculate:" + p.TableID + ":" + strings.Join(p.CalculationIDs, ",")
}

// UpdatePayload carries a row change into one table
type UpdatePayload struct {
	TableID  string           `json:"table_id"`
	UpdateID string           `json:"update_id"`
	Kind     UpdateKind       `json:"kind"`
	Rows     []map[string]any `json:"rows,omitempty"`
	Index    int              `json:"index,omitempty"`
	// ParentID is the table the change fanned in from
	ParentID string `json:"parent_id,omitempty"`
	// Batch holds update ids submitted together; they never block one another
	Batch      []string  `json:"batch,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// UniqueID returns a unique identifier for this task
func (p UpdatePayload) UniqueID() string {
	return "update:" + p.UpdateID
}

// RemovalPayload removes a deleted calculation's columns
type RemovalPayload struct {
	TableID       string    `json:"table_id"`
	CalculationID string    `json:"calculation_id"`
	PendingID     string    `json:"pending_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// UniqueID returns a unique identifier for this task
func (p RemovalPayload) UniqueID() string {
	return "remove:" + p.CalculationID
}

// NewCalculationTask wraps p in a task
func NewCalculationTask(p CalculationPayload) (Task, error) {
	return newTask(p.UniqueID(), TypeCalculate, p)
}

// NewUpdateTask wraps p in a task
func NewUpdateTask(p UpdatePayload) (Task, error) {
	return newTask(p.UniqueID(), TypeUpdate, p)
}

// NewRemovalTask wraps p in a task
func NewRemovalTask(p RemovalPayload) (Task, error) {
	return newTask(p.UniqueID(), TypeRemove, p)
}
