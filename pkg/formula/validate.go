package formula

import (
	"github.com/ethpandaops/tally/pkg/dataset"
)

// Validate parses the formula and checks it against a table schema: every
// referenced column must exist and every group must be an existing dimension.
func (p *Parser) Validate(schema dataset.Schema, text string, groups []string) (*Parsed, error) {
	parsed, err := p.Parse(text)
	if err != nil {
		return nil, err
	}

	for _, name := range parsed.ReferencedColumns() {
		if _, ok := columnBySlug(schema, name); !ok {
			return nil, &ParseError{Kind: KindUnknownColumn, Name: name}
		}
	}

	if len(groups) > 0 && !parsed.IsAggregation() {
		return nil, &ParseError{Kind: KindUnknownGroup, Name: groups[0], Message: "grouping requires an aggregation"}
	}

	for _, group := range groups {
		col, ok := columnBySlug(schema, group)
		if !ok {
			return nil, &ParseError{Kind: KindUnknownGroup, Name: group}
		}

		if col.OLAPType != dataset.OLAPDimension {
			return nil, &ParseError{Kind: KindUnknownGroup, Name: group, Message: "not a dimension"}
		}
	}

	return parsed, nil
}

// Formulas address columns by slug only; labels may not be valid identifiers.
func columnBySlug(schema dataset.Schema, slug string) (dataset.Column, bool) {
	for _, c := range schema.Columns {
		if c.Slug == slug {
			return c, true
		}
	}

	return dataset.Column{}, false
}
