// Package dataset provides the table model, schema handling and row storage used by the
// calculation engine.
package dataset

import (
	"time"
)

// SimpleType is the storage type of a column
type SimpleType string

const (
	// TypeString is a textual column
	TypeString SimpleType = "string"
	// TypeInteger is a 64-bit integer column
	TypeInteger SimpleType = "integer"
	// TypeFloat is a 64-bit float column
	TypeFloat SimpleType = "float"
	// TypeBoolean is a boolean column
	TypeBoolean SimpleType = "boolean"
	// TypeDatetime is a timestamp column
	TypeDatetime SimpleType = "datetime"
)

// OLAPType classifies a column for grouping and aggregation
type OLAPType string

const (
	// OLAPDimension is a categorical, groupable column
	OLAPDimension OLAPType = "dimension"
	// OLAPMeasure is a numeric, aggregatable column
	OLAPMeasure OLAPType = "measure"
)

const (
	// IndexColumn holds the stable slot index of a row; injected on read
	IndexColumn = "_index"
	// ParentIDColumn tags rows with the table that contributed them
	ParentIDColumn = "_parent_id"
	// SourceIndexColumn holds the slot index of the parent row a derived row came from
	SourceIndexColumn = "_source_index"
)

// Row is a single record keyed by column slug
type Row map[string]any

// Index returns the stable slot index injected by the store, or -1
func (r Row) Index() int {
	return intField(r, IndexColumn)
}

// SourceIndex returns the parent slot index of a derived row, or -1
func (r Row) SourceIndex() int {
	return intField(r, SourceIndexColumn)
}

func intField(r Row, key string) int {
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}

	return -1
}

// ParentID returns the lineage tag of the row
func (r Row) ParentID() string {
	s, _ := r[ParentIDColumn].(string)
	return s
}

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}

// Column describes one column of a table
type Column struct {
	Slug        string     `json:"slug"`
	Label       string     `json:"label"`
	SimpleType  SimpleType `json:"simple_type"`
	OLAPType    OLAPType   `json:"olap_type"`
	Cardinality int        `json:"cardinality"`

	// Hidden columns are bookkeeping fields excluded from client projections
	Hidden bool `json:"hidden,omitempty"`
}

// IsNumeric reports whether the column holds numbers
func (c Column) IsNumeric() bool {
	return c.SimpleType == TypeInteger || c.SimpleType == TypeFloat
}

// Schema is the ordered set of columns of a table
type Schema struct {
	Columns []Column `json:"columns"`
}

// Lookup resolves a column by slug first, then by label
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Slug == name {
			return c, true
		}
	}

	for _, c := range s.Columns {
		if c.Label == name {
			return c, true
		}
	}

	return Column{}, false
}

// Has reports whether name resolves to a column
func (s Schema) Has(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// Slugs returns all column slugs in schema order
func (s Schema) Slugs() []string {
	out := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		out = append(out, c.Slug)
	}

	return out
}

// Visible returns the slugs of columns not marked hidden
func (s Schema) Visible() []string {
	out := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		if !c.Hidden {
			out = append(out, c.Slug)
		}
	}

	return out
}

// Put adds the column or replaces the column with the same slug
func (s *Schema) Put(col Column) {
	if col.Label == "" {
		col.Label = col.Slug
	}

	for i := range s.Columns {
		if s.Columns[i].Slug == col.Slug {
			s.Columns[i] = col
			return
		}
	}

	s.Columns = append(s.Columns, col)
}

// Remove drops the columns with the given slugs
func (s *Schema) Remove(slugs ...string) {
	drop := make(map[string]struct{}, len(slugs))
	for _, slug := range slugs {
		drop[slug] = struct{}{}
	}

	kept := s.Columns[:0]
	for _, c := range s.Columns {
		if _, ok := drop[c.Slug]; !ok {
			kept = append(kept, c)
		}
	}

	s.Columns = kept
}

// Clone returns a deep copy of the schema
func (s Schema) Clone() Schema {
	out := Schema{Columns: make([]Column, len(s.Columns))}
	copy(out.Columns, s.Columns)

	return out
}

// ColumnForValues builds a derived column whose types follow the given values
func ColumnForValues(slug string, values []any) Column {
	simple := inferType(values)

	olap := OLAPDimension
	if simple == TypeInteger || simple == TypeFloat {
		olap = OLAPMeasure
	}

	return Column{
		Slug:        slug,
		Label:       slug,
		SimpleType:  simple,
		OLAPType:    olap,
		Cardinality: cardinality(values),
	}
}

// RefreshCardinality recomputes the cardinality of each column from rows
func (s *Schema) RefreshCardinality(rows []Row) {
	for i := range s.Columns {
		values := make([]any, 0, len(rows))
		for _, r := range rows {
			values = append(values, r[s.Columns[i].Slug])
		}

		s.Columns[i].Cardinality = cardinality(values)
	}
}

func cardinality(values []any) int {
	seen := make(map[any]struct{}, len(values))

	for _, v := range values {
		if v == nil {
			continue
		}

		if t, ok := v.(time.Time); ok {
			v = t.UnixNano()
		}

		seen[v] = struct{}{}
	}

	return len(seen)
}
