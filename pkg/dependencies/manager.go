// Package dependencies tracks the lineage graph of derived tables: aggregate
// tables, merged tables and join results hang off the tables they came from.
package dependencies

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/heimdalr/dag"
)

// ErrUnknownTable is returned when a table is not part of the graph
var ErrUnknownTable = errors.New("table not in lineage graph")

// TableReader is the part of the store the graph is loaded from
type TableReader interface {
	GetTable(ctx context.Context, id string) (*dataset.Table, error)
}

// DependencyGraph holds derived-table edges, source → derived
type DependencyGraph struct {
	dag   *dag.DAG
	mutex sync.RWMutex
}

// NewDependencyGraph creates an empty graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{dag: dag.NewDAG()}
}

// Load walks the links of the table id in both directions and returns the
// connected lineage graph
func Load(ctx context.Context, store TableReader, id string) (*DependencyGraph, error) {
	g := NewDependencyGraph()

	seen := map[string]bool{id: true}
	queue := []string{id}
	tables := make(map[string]*dataset.Table)

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		table, err := store.GetTable(ctx, next)
		if err != nil {
			if errors.Is(err, dataset.ErrTableNotFound) && next != id {
				continue
			}

			return nil, err
		}

		tables[next] = table

		for _, other := range append(table.Sources(), table.Derived()...) {
			if !seen[other] {
				seen[other] = true
				queue = append(queue, other)
			}
		}
	}

	ids := make([]string, 0, len(tables))
	for tableID := range tables {
		ids = append(ids, tableID)
	}

	sort.Strings(ids)

	for _, tableID := range ids {
		if err := g.AddTable(tableID); err != nil {
			return nil, err
		}
	}

	for _, tableID := range ids {
		for _, derived := range tables[tableID].Derived() {
			if _, ok := tables[derived]; !ok {
				continue
			}

			if err := g.Link(tableID, derived); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

// AddTable adds a vertex for the table
func (d *DependencyGraph) AddTable(id string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, err := d.dag.GetVertex(id); err == nil {
		return nil
	}

	if err := d.dag.AddVertexByID(id, id); err != nil {
		return fmt.Errorf("failed to add vertex %s: %w", id, err)
	}

	return nil
}

// Link adds an edge from a source table to a table derived from it. Edges that
// would close a cycle are rejected.
func (d *DependencyGraph) Link(sourceID, derivedID string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, id := range []string{sourceID, derivedID} {
		if _, err := d.dag.GetVertex(id); err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownTable, id)
		}
	}

	if ok, _ := d.dag.IsEdge(sourceID, derivedID); ok {
		return nil
	}

	if err := d.dag.AddEdge(sourceID, derivedID); err != nil {
		return fmt.Errorf("invalid lineage %s → %s: %w", sourceID, derivedID, err)
	}

	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

// GetDerived returns the tables directly derived from id
func (d *DependencyGraph) GetDerived(id string) []string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	children, err := d.dag.GetChildren(id)
	if err != nil {
		return nil
	}

	return sortedKeys(children)
}

// GetSources returns the tables id was directly derived from
func (d *DependencyGraph) GetSources(id string) []string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	parents, err := d.dag.GetParents(id)
	if err != nil {
		return nil
	}

	return sortedKeys(parents)
}

// GetAllDerived returns every table downstream of id
func (d *DependencyGraph) GetAllDerived(id string) []string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	descendants, err := d.dag.GetDescendants(id)
	if err != nil {
		return nil
	}

	return sortedKeys(descendants)
}

// GetAllSources returns every table upstream of id
func (d *DependencyGraph) GetAllSources(id string) []string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	ancestors, err := d.dag.GetAncestors(id)
	if err != nil {
		return nil
	}

	return sortedKeys(ancestors)
}

// GetAllTableIDs returns every table of the graph
func (d *DependencyGraph) GetAllTableIDs() []string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return sortedKeys(d.dag.GetVertices())
}
