package dataset

import (
	"slices"
	"strings"
	"time"
)

// JoinDirection identifies which side of a join a table sits on
type JoinDirection string

const (
	// JoinLeft marks the table as the left-hand side of a join
	JoinLeft JoinDirection = "left"
	// JoinRight marks the table as the unique right-hand side of a join
	JoinRight JoinDirection = "right"
)

// MergeLink records a table built by merging this table with others
type MergeLink struct {
	ChildID string `json:"child_id"`
	// Mapping renames this table's columns in the child, by slug
	Mapping map[string]string `json:"mapping,omitempty"`
}

// Rename returns the child column slug for a parent column slug
func (m MergeLink) Rename(slug string) string {
	if renamed, ok := m.Mapping[slug]; ok && renamed != "" {
		return renamed
	}

	return slug
}

// JoinLink records a join result table this table participates in
type JoinLink struct {
	Direction JoinDirection `json:"direction"`
	OtherID   string        `json:"other_id"`
	On        string        `json:"on"`
	ResultID  string        `json:"result_id"`
}

// Table is an identified, ordered collection of rows with a typed schema
type Table struct {
	ID     string `json:"id"`
	Schema Schema `json:"schema"`

	// AggregatedTables maps a group signature to its aggregate table
	AggregatedTables map[string]string `json:"aggregated_tables,omitempty"`
	// AggregatedFrom and Groups are set on aggregate tables
	AggregatedFrom string   `json:"aggregated_from,omitempty"`
	Groups         []string `json:"groups,omitempty"`

	MergedTables []MergeLink `json:"merged_tables,omitempty"`
	// MergeParents lists, in merge order, the tables a merged table was built from
	MergeParents []string `json:"merge_parents,omitempty"`

	JoinedTables []JoinLink `json:"joined_tables,omitempty"`
	// JoinedFrom holds the left and right tables of a join result
	JoinedFrom []string `json:"joined_from,omitempty"`

	// LastError surfaces the most recent propagation failure on this table
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTable returns a table with the given schema
func NewTable(id string, schema Schema) *Table {
	now := time.Now().UTC()

	return &Table{
		ID:               id,
		Schema:           schema,
		AggregatedTables: make(map[string]string),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// GroupSignature joins group names into the order-preserving aggregate key
func GroupSignature(groups []string) string {
	return strings.Join(groups, ",")
}

// AggregateTable returns the aggregate table id registered for groups
func (t *Table) AggregateTable(groups []string) (string, bool) {
	id, ok := t.AggregatedTables[GroupSignature(groups)]
	return id, ok
}

// SetAggregateTable registers the aggregate table for groups
func (t *Table) SetAggregateTable(groups []string, id string) {
	if t.AggregatedTables == nil {
		t.AggregatedTables = make(map[string]string)
	}

	t.AggregatedTables[GroupSignature(groups)] = id
}

// AddMergeLink registers a merged child
func (t *Table) AddMergeLink(link MergeLink) {
	for i := range t.MergedTables {
		if t.MergedTables[i].ChildID == link.ChildID {
			t.MergedTables[i] = link
			return
		}
	}

	t.MergedTables = append(t.MergedTables, link)
}

// AddJoinLink registers a join the table participates in
func (t *Table) AddJoinLink(link JoinLink) {
	if !slices.Contains(t.JoinedTables, link) {
		t.JoinedTables = append(t.JoinedTables, link)
	}
}

// Joins returns the join links for the given direction
func (t *Table) Joins(direction JoinDirection) []JoinLink {
	out := make([]JoinLink, 0, len(t.JoinedTables))
	for _, j := range t.JoinedTables {
		if j.Direction == direction {
			out = append(out, j)
		}
	}

	return out
}

// UniqueJoinColumns returns the columns this table must keep unique for dependent joins
func (t *Table) UniqueJoinColumns() []string {
	var out []string

	for _, j := range t.Joins(JoinRight) {
		if !slices.Contains(out, j.On) {
			out = append(out, j.On)
		}
	}

	return out
}

// Sources returns the tables this table was derived from
func (t *Table) Sources() []string {
	var out []string

	if t.AggregatedFrom != "" {
		out = append(out, t.AggregatedFrom)
	}

	out = append(out, t.MergeParents...)

	return append(out, t.JoinedFrom...)
}

// Derived returns the tables derived from this table
func (t *Table) Derived() []string {
	out := make([]string, 0, len(t.AggregatedTables)+len(t.MergedTables)+len(t.JoinedTables))

	for _, id := range t.AggregatedTables {
		out = append(out, id)
	}

	for _, m := range t.MergedTables {
		out = append(out, m.ChildID)
	}

	for _, j := range t.JoinedTables {
		if !slices.Contains(out, j.ResultID) {
			out = append(out, j.ResultID)
		}
	}

	slices.Sort(out)

	return out
}

// Unlink drops every link to a derived table that is going away
func (t *Table) Unlink(id string) {
	for sig, aggID := range t.AggregatedTables {
		if aggID == id {
			delete(t.AggregatedTables, sig)
		}
	}

	t.MergedTables = slices.DeleteFunc(t.MergedTables, func(m MergeLink) bool { return m.ChildID == id })
	t.JoinedTables = slices.DeleteFunc(t.JoinedTables, func(j JoinLink) bool { return j.ResultID == id })
}

// IsAggregate reports whether the table was derived by an aggregation
func (t *Table) IsAggregate() bool {
	return t.AggregatedFrom != ""
}

// Touch bumps the update timestamp
func (t *Table) Touch() {
	t.UpdatedAt = time.Now().UTC()
}
