package dataset

import "sync"

type memoEntry struct {
	once  sync.Once
	value any
}

// Frame is a read-only snapshot of a table's rows used during formula evaluation.
// It is safe for concurrent use.
type Frame struct {
	Table *Table
	Rows  []Row

	mu   sync.Mutex
	memo map[string]*memoEntry
}

// NewFrame wraps the table metadata and a row snapshot
func NewFrame(table *Table, rows []Row) *Frame {
	return &Frame{
		Table: table,
		Rows:  rows,
		memo:  make(map[string]*memoEntry),
	}
}

// Len returns the number of rows in the snapshot
func (f *Frame) Len() int {
	return len(f.Rows)
}

// ColumnType returns the simple type of a column
func (f *Frame) ColumnType(name string) (SimpleType, bool) {
	if f.Table == nil {
		return "", false
	}

	col, ok := f.Table.Schema.Lookup(name)
	if !ok {
		return "", false
	}

	return col.SimpleType, true
}

// ColumnValues returns every value of a column in row order
func (f *Frame) ColumnValues(name string) []any {
	values, _ := f.Memo("column:"+name, func() any {
		out := make([]any, len(f.Rows))
		for i, r := range f.Rows {
			out[i] = r[name]
		}

		return out
	}).([]any)

	return values
}

// Memo returns the cached value for key, building it on first use
func (f *Frame) Memo(key string, build func() any) any {
	f.mu.Lock()

	if f.memo == nil {
		f.memo = make(map[string]*memoEntry)
	}

	entry, ok := f.memo[key]
	if !ok {
		entry = &memoEntry{}
		f.memo[key] = entry
	}

	f.mu.Unlock()

	entry.once.Do(func() {
		entry.value = build()
	})

	return entry.value
}
