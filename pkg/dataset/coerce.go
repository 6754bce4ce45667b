package dataset

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"
)

// ParseDate interprets free-form date text
func ParseDate(s string) (time.Time, error) {
	t, err := dateparse.ParseAny(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}

	return t.UTC(), nil
}

// CoerceValue converts v to the Go representation of the simple type.
// Values that cannot be converted become nil (missing).
func CoerceValue(v any, simple SimpleType) any {
	if v == nil {
		return nil
	}

	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" && simple != TypeString {
		return nil
	}

	switch simple {
	case TypeInteger:
		if f, ok := v.(float64); ok {
			if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
				return nil
			}

			return int64(f)
		}

		i, err := cast.ToInt64E(v)
		if err != nil {
			f, ferr := cast.ToFloat64E(v)
			if ferr != nil || f != math.Trunc(f) {
				return nil
			}

			return int64(f)
		}

		return i
	case TypeFloat:
		f, err := cast.ToFloat64E(v)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}

		return f
	case TypeBoolean:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return nil
		}

		return b
	case TypeDatetime:
		switch tv := v.(type) {
		case time.Time:
			return tv.UTC()
		case string:
			t, err := ParseDate(tv)
			if err != nil {
				return nil
			}

			return t
		}

		t, err := cast.ToTimeE(v)
		if err != nil {
			return nil
		}

		return t.UTC()
	default:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339)
		}

		s, err := cast.ToStringE(v)
		if err != nil {
			return nil
		}

		return s
	}
}

// Coerce maps the fields of raw onto schema slugs and converts each value to its
// declared type. Fields not in the schema are dropped; the lineage fields are kept.
func Coerce(schema Schema, raw map[string]any) Row {
	row := make(Row, len(raw))

	for key, value := range raw {
		switch key {
		case ParentIDColumn:
			if s, ok := value.(string); ok {
				row[ParentIDColumn] = s
			}

			continue
		case SourceIndexColumn:
			if idx, err := cast.ToIntE(value); err == nil {
				row[SourceIndexColumn] = idx
			}

			continue
		}

		col, ok := schema.Lookup(key)
		if !ok {
			continue
		}

		row[col.Slug] = CoerceValue(value, col.SimpleType)
	}

	return row
}

// Normalize restores typed values on a row that went through a JSON round trip
func Normalize(schema Schema, row Row) Row {
	for _, col := range schema.Columns {
		v, ok := row[col.Slug]
		if !ok || v == nil {
			continue
		}

		row[col.Slug] = CoerceValue(v, col.SimpleType)
	}

	for _, key := range []string{IndexColumn, SourceIndexColumn} {
		if idx, ok := row[key].(float64); ok {
			row[key] = int(idx)
		}
	}

	return row
}

// InferSchema derives a schema from raw records keyed by label and returns the
// records re-keyed by slug and converted to the inferred types.
func InferSchema(records []map[string]any) (Schema, []Row) {
	labelSet := make(map[string]struct{})

	for _, rec := range records {
		for k := range rec {
			switch k {
			case IndexColumn, ParentIDColumn, SourceIndexColumn:
				continue
			}

			labelSet[k] = struct{}{}
		}
	}

	labels := make([]string, 0, len(labelSet))
	for k := range labelSet {
		labels = append(labels, k)
	}

	sort.Strings(labels)

	slugs := SlugifyAll(labels)
	schema := Schema{Columns: make([]Column, 0, len(labels))}

	for i, label := range labels {
		values := make([]any, 0, len(records))
		for _, rec := range records {
			values = append(values, rec[label])
		}

		col := ColumnForValues(slugs[i], values)
		col.Label = label
		schema.Columns = append(schema.Columns, col)
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Coerce(schema, rec))
	}

	return schema, rows
}

// inferType picks the narrowest simple type able to hold every non-missing value
func inferType(values []any) SimpleType {
	seen := false
	allBool, allInt, allFloat, allTime := true, true, true, true

	for _, v := range values {
		if v == nil {
			continue
		}

		seen = true

		switch tv := v.(type) {
		case bool:
			allInt, allFloat, allTime = false, false, false
		case int, int32, int64:
			allBool, allTime = false, false
		case float32, float64:
			f := cast.ToFloat64(tv)

			allBool, allTime = false, false
			if !math.IsNaN(f) && f != math.Trunc(f) {
				allInt = false
			}
		case time.Time:
			allBool, allInt, allFloat = false, false, false
		case string:
			allBool = false

			f, err := cast.ToFloat64E(strings.TrimSpace(tv))
			if err != nil {
				allInt, allFloat = false, false
			} else if f != math.Trunc(f) || strings.ContainsAny(tv, ".eE") {
				allInt = false
			}

			if allTime && !allFloat {
				if _, err := ParseDate(tv); err != nil {
					allTime = false
				}
			} else if allFloat {
				allTime = false
			}
		default:
			return TypeString
		}
	}

	switch {
	case !seen:
		return TypeString
	case allBool:
		return TypeBoolean
	case allInt:
		return TypeInteger
	case allFloat:
		return TypeFloat
	case allTime:
		return TypeDatetime
	}

	return TypeString
}
