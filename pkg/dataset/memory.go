package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/ethpandaops/tally/pkg/calculation"
)

type memoryTable struct {
	meta    []byte
	slots   []Row // nil slot = deleted row
	pending []string
	calcs   []string
}

// MemoryStore keeps tables in process memory
type MemoryStore struct {
	mu           sync.RWMutex
	tables       map[string]*memoryTable
	calculations map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:       make(map[string]*memoryTable),
		calculations: make(map[string][]byte),
	}
}

func (m *MemoryStore) table(id string) (*memoryTable, error) {
	t, ok := m.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
	}

	return t, nil
}

// CreateTable stores a new table and its initial rows
func (m *MemoryStore) CreateTable(_ context.Context, table *Table, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tables[table.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTableExists, table.ID)
	}

	meta, err := json.Marshal(table)
	if err != nil {
		return err
	}

	t := &memoryTable{meta: meta}
	for _, r := range rows {
		t.slots = append(t.slots, stripIndex(r))
	}

	m.tables[table.ID] = t

	return nil
}

// GetTable returns a copy of the table metadata
func (m *MemoryStore) GetTable(_ context.Context, id string) (*Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.table(id)
	if err != nil {
		return nil, err
	}

	var out Table
	if err := json.Unmarshal(t.meta, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// SaveTable persists table metadata
func (m *MemoryStore) SaveTable(_ context.Context, table *Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(table.ID)
	if err != nil {
		return err
	}

	meta, err := json.Marshal(table)
	if err != nil {
		return err
	}

	t.meta = meta

	return nil
}

// DeleteTable removes a table with its rows and calculations
func (m *MemoryStore) DeleteTable(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(id)
	if err != nil {
		return err
	}

	for _, calcID := range t.calcs {
		delete(m.calculations, calcID)
	}

	delete(m.tables, id)

	return nil
}

// Rows returns live rows matching the query
func (m *MemoryStore) Rows(_ context.Context, id string, q Query) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.table(id)
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(t.slots))

	for i, slot := range t.slots {
		if slot == nil {
			continue
		}

		row := slot.Clone()
		row[IndexColumn] = i

		if q.Matches(row) {
			out = append(out, q.Project(row))
		}
	}

	return out, nil
}

// SlotCount returns the number of slots including deleted rows
func (m *MemoryStore) SlotCount(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.table(id)
	if err != nil {
		return 0, err
	}

	return len(t.slots), nil
}

// AppendRows adds rows to the end of the table
func (m *MemoryStore) AppendRows(_ context.Context, id string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(id)
	if err != nil {
		return err
	}

	for _, r := range rows {
		t.slots = append(t.slots, stripIndex(r))
	}

	return nil
}

// ReplaceRows replaces every row of the table
func (m *MemoryStore) ReplaceRows(_ context.Context, id string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(id)
	if err != nil {
		return err
	}

	t.slots = make([]Row, 0, len(rows))
	for _, r := range rows {
		t.slots = append(t.slots, stripIndex(r))
	}

	return nil
}

// DeleteRow marks the row at index as deleted
func (m *MemoryStore) DeleteRow(_ context.Context, id string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(id)
	if err != nil {
		return err
	}

	if index < 0 || index >= len(t.slots) || t.slots[index] == nil {
		return fmt.Errorf("%w: %s[%d]", ErrRowNotFound, id, index)
	}

	t.slots[index] = nil

	return nil
}

// UpdateRow merges fields into the row at index
func (m *MemoryStore) UpdateRow(_ context.Context, id string, index int, fields Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(id)
	if err != nil {
		return err
	}

	if index < 0 || index >= len(t.slots) || t.slots[index] == nil {
		return fmt.Errorf("%w: %s[%d]", ErrRowNotFound, id, index)
	}

	for k, v := range stripIndex(fields) {
		t.slots[index][k] = v
	}

	return nil
}

// AddColumns writes column values keyed by slot index
func (m *MemoryStore) AddColumns(_ context.Context, id string, columns map[string]map[int]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(id)
	if err != nil {
		return err
	}

	for slug, values := range columns {
		for idx, v := range values {
			if idx < 0 || idx >= len(t.slots) || t.slots[idx] == nil {
				continue
			}

			t.slots[idx][slug] = v
		}
	}

	return nil
}

// DropColumns removes fields from every row
func (m *MemoryStore) DropColumns(_ context.Context, id string, slugs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(id)
	if err != nil {
		return err
	}

	for _, slot := range t.slots {
		for _, slug := range slugs {
			delete(slot, slug)
		}
	}

	return nil
}

// PushPendingUpdate appends an update id to the table's pending queue
func (m *MemoryStore) PushPendingUpdate(_ context.Context, id, updateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(id)
	if err != nil {
		return err
	}

	t.pending = append(t.pending, updateID)

	return nil
}

// PendingUpdates returns the pending queue in FIFO order
func (m *MemoryStore) PendingUpdates(_ context.Context, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.table(id)
	if err != nil {
		return nil, err
	}

	return slices.Clone(t.pending), nil
}

// RemovePendingUpdate drops an update id from the pending queue
func (m *MemoryStore) RemovePendingUpdate(_ context.Context, id, updateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(id)
	if err != nil {
		return err
	}

	t.pending = slices.DeleteFunc(t.pending, func(p string) bool { return p == updateID })

	return nil
}

// SaveCalculation persists a calculation record
func (m *MemoryStore) SaveCalculation(_ context.Context, calc *calculation.Calculation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.table(calc.TableID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(calc)
	if err != nil {
		return err
	}

	if !slices.Contains(t.calcs, calc.ID) {
		t.calcs = append(t.calcs, calc.ID)
	}

	m.calculations[calc.ID] = data

	return nil
}

// GetCalculation loads a calculation record
func (m *MemoryStore) GetCalculation(_ context.Context, id string) (*calculation.Calculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.calculation(id)
}

func (m *MemoryStore) calculation(id string) (*calculation.Calculation, error) {
	data, ok := m.calculations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCalculationNotFound, id)
	}

	var calc calculation.Calculation
	if err := json.Unmarshal(data, &calc); err != nil {
		return nil, err
	}

	return &calc, nil
}

// ListCalculations returns the table's calculations in creation order
func (m *MemoryStore) ListCalculations(_ context.Context, tableID string) ([]*calculation.Calculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.table(tableID)
	if err != nil {
		return nil, err
	}

	out := make([]*calculation.Calculation, 0, len(t.calcs))

	for _, id := range t.calcs {
		calc, err := m.calculation(id)
		if err != nil {
			return nil, err
		}

		out = append(out, calc)
	}

	return out, nil
}

// DeleteCalculation removes a calculation record
func (m *MemoryStore) DeleteCalculation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	calc, err := m.calculation(id)
	if err != nil {
		return err
	}

	if t, ok := m.tables[calc.TableID]; ok {
		t.calcs = slices.DeleteFunc(t.calcs, func(c string) bool { return c == id })
	}

	delete(m.calculations, id)

	return nil
}

func stripIndex(r Row) Row {
	out := r.Clone()
	delete(out, IndexColumn)

	return out
}

var _ Store = (*MemoryStore)(nil)
