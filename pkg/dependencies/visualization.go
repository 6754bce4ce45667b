package dependencies

import (
	"sort"
)

// Lineage is the layered view of a lineage graph served to clients
type Lineage struct {
	TableID string `json:"table_id"`
	// Sources and Derived are the direct neighbours of the table
	Sources []string `json:"sources"`
	Derived []string `json:"derived"`
	// Upstream and Downstream are every table a change travels from or to
	Upstream   []string         `json:"upstream"`
	Downstream []string         `json:"downstream"`
	Tables     []string         `json:"tables"`
	Levels     map[int][]string `json:"levels"`
	MaxLevel   int              `json:"max_level"`
	Roots      []string         `json:"roots"`
}

// GetLineage returns the lineage of id, with every table of the graph placed on
// the level of its longest path from a root
func (d *DependencyGraph) GetLineage(id string) *Lineage {
	info := &Lineage{
		TableID:    id,
		Sources:    d.GetSources(id),
		Derived:    d.GetDerived(id),
		Upstream:   d.GetAllSources(id),
		Downstream: d.GetAllDerived(id),
		Tables:     d.GetAllTableIDs(),
		Levels:     make(map[int][]string),
	}

	levels := d.calculateLevels()

	for tableID, level := range levels {
		if level > info.MaxLevel {
			info.MaxLevel = level
		}

		info.Levels[level] = append(info.Levels[level], tableID)

		if level == 0 {
			info.Roots = append(info.Roots, tableID)
		}
	}

	for level := range info.Levels {
		sort.Strings(info.Levels[level])
	}

	sort.Strings(info.Roots)

	return info
}

// calculateLevels assigns each table its longest distance from a root
func (d *DependencyGraph) calculateLevels() map[string]int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	vertices := d.dag.GetVertices()
	levels := make(map[string]int, len(vertices))

	for id := range vertices {
		levels[id] = 0
	}

	changed := true
	for changed {
		changed = false

		for id := range vertices {
			parents, err := d.dag.GetParents(id)
			if err != nil {
				continue
			}

			for parent := range parents {
				if levels[parent]+1 > levels[id] {
					levels[id] = levels[parent] + 1
					changed = true
				}
			}
		}
	}

	return levels
}
