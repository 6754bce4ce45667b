package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethpandaops/tally/pkg/calculation"
	"github.com/redis/go-redis/v9"
)

const deletedSlot = "null"

// RedisStore keeps table metadata, rows and pending queues in Redis.
//
// Layout, all keys under the configured prefix:
//
//	table:<id>          JSON table metadata
//	table:<id>:rows     list of JSON rows, "null" marks a deleted slot
//	table:<id>:pending  list of pending update ids, FIFO
//	table:<id>:calcs    list of calculation ids in creation order
//	calc:<id>           JSON calculation record
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tally"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) tableKey(id string) string   { return fmt.Sprintf("%s:table:%s", r.prefix, id) }
func (r *RedisStore) rowsKey(id string) string    { return r.tableKey(id) + ":rows" }
func (r *RedisStore) pendingKey(id string) string { return r.tableKey(id) + ":pending" }
func (r *RedisStore) calcsKey(id string) string   { return r.tableKey(id) + ":calcs" }
func (r *RedisStore) calcSetKey(id string) string { return r.tableKey(id) + ":calcset" }
func (r *RedisStore) calcKey(id string) string    { return fmt.Sprintf("%s:calc:%s", r.prefix, id) }

func encodeRows(rows []Row) ([]interface{}, error) {
	out := make([]interface{}, 0, len(rows))

	for _, row := range rows {
		data, err := json.Marshal(stripIndex(row))
		if err != nil {
			return nil, err
		}

		out = append(out, string(data))
	}

	return out, nil
}

// CreateTable stores a new table and its initial rows
func (r *RedisStore) CreateTable(ctx context.Context, table *Table, rows []Row) error {
	meta, err := json.Marshal(table)
	if err != nil {
		return err
	}

	created, err := r.client.SetNX(ctx, r.tableKey(table.ID), meta, 0).Result()
	if err != nil {
		return err
	}

	if !created {
		return fmt.Errorf("%w: %s", ErrTableExists, table.ID)
	}

	if len(rows) == 0 {
		return nil
	}

	encoded, err := encodeRows(rows)
	if err != nil {
		return err
	}

	return r.client.RPush(ctx, r.rowsKey(table.ID), encoded...).Err()
}

// GetTable loads table metadata
func (r *RedisStore) GetTable(ctx context.Context, id string) (*Table, error) {
	data, err := r.client.Get(ctx, r.tableKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
		}

		return nil, err
	}

	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, err
	}

	return &table, nil
}

// SaveTable persists table metadata
func (r *RedisStore) SaveTable(ctx context.Context, table *Table) error {
	meta, err := json.Marshal(table)
	if err != nil {
		return err
	}

	updated, err := r.client.SetXX(ctx, r.tableKey(table.ID), meta, 0).Result()
	if err != nil {
		return err
	}

	if !updated {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table.ID)
	}

	return nil
}

// DeleteTable removes a table with its rows and calculations
func (r *RedisStore) DeleteTable(ctx context.Context, id string) error {
	calcIDs, err := r.client.LRange(ctx, r.calcsKey(id), 0, -1).Result()
	if err != nil {
		return err
	}

	keys := []string{r.tableKey(id), r.rowsKey(id), r.pendingKey(id), r.calcsKey(id), r.calcSetKey(id)}
	for _, calcID := range calcIDs {
		keys = append(keys, r.calcKey(calcID))
	}

	return r.client.Del(ctx, keys...).Err()
}

// slots loads every row slot; deleted slots are nil
func (r *RedisStore) slots(ctx context.Context, id string) (*Table, []Row, error) {
	table, err := r.GetTable(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	raw, err := r.client.LRange(ctx, r.rowsKey(id), 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}

	slots := make([]Row, len(raw))

	for i, item := range raw {
		if item == deletedSlot {
			continue
		}

		var row Row
		if err := json.Unmarshal([]byte(item), &row); err != nil {
			return nil, nil, fmt.Errorf("failed to decode row %d of %s: %w", i, id, err)
		}

		slots[i] = Normalize(table.Schema, row)
	}

	return table, slots, nil
}

// Rows returns live rows matching the query
func (r *RedisStore) Rows(ctx context.Context, id string, q Query) ([]Row, error) {
	_, slots, err := r.slots(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(slots))

	for i, row := range slots {
		if row == nil {
			continue
		}

		row[IndexColumn] = i

		if q.Matches(row) {
			out = append(out, q.Project(row))
		}
	}

	return out, nil
}

// SlotCount returns the number of slots including deleted rows
func (r *RedisStore) SlotCount(ctx context.Context, id string) (int, error) {
	if _, err := r.GetTable(ctx, id); err != nil {
		return 0, err
	}

	n, err := r.client.LLen(ctx, r.rowsKey(id)).Result()
	if err != nil {
		return 0, err
	}

	return int(n), nil
}

// AppendRows adds rows to the end of the table
func (r *RedisStore) AppendRows(ctx context.Context, id string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	encoded, err := encodeRows(rows)
	if err != nil {
		return err
	}

	return r.client.RPush(ctx, r.rowsKey(id), encoded...).Err()
}

// ReplaceRows replaces every row of the table atomically
func (r *RedisStore) ReplaceRows(ctx context.Context, id string, rows []Row) error {
	encoded, err := encodeRows(rows)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.rowsKey(id))

		if len(encoded) > 0 {
			pipe.RPush(ctx, r.rowsKey(id), encoded...)
		}

		return nil
	})

	return err
}

func (r *RedisStore) slot(ctx context.Context, id string, index int) (Row, error) {
	item, err := r.client.LIndex(ctx, r.rowsKey(id), int64(index)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s[%d]", ErrRowNotFound, id, index)
		}

		return nil, err
	}

	if item == deletedSlot {
		return nil, fmt.Errorf("%w: %s[%d]", ErrRowNotFound, id, index)
	}

	var row Row
	if err := json.Unmarshal([]byte(item), &row); err != nil {
		return nil, err
	}

	return row, nil
}

// DeleteRow marks the slot at index as deleted
func (r *RedisStore) DeleteRow(ctx context.Context, id string, index int) error {
	if index < 0 {
		return fmt.Errorf("%w: %s[%d]", ErrRowNotFound, id, index)
	}

	if _, err := r.slot(ctx, id, index); err != nil {
		return err
	}

	return r.client.LSet(ctx, r.rowsKey(id), int64(index), deletedSlot).Err()
}

// UpdateRow merges fields into the row at index
func (r *RedisStore) UpdateRow(ctx context.Context, id string, index int, fields Row) error {
	if index < 0 {
		return fmt.Errorf("%w: %s[%d]", ErrRowNotFound, id, index)
	}

	row, err := r.slot(ctx, id, index)
	if err != nil {
		return err
	}

	for k, v := range stripIndex(fields) {
		row[k] = v
	}

	data, err := json.Marshal(row)
	if err != nil {
		return err
	}

	return r.client.LSet(ctx, r.rowsKey(id), int64(index), string(data)).Err()
}

// rewriteSlots applies fn to every live row and writes changed rows in one transaction
func (r *RedisStore) rewriteSlots(ctx context.Context, id string, fn func(index int, row Row) bool) error {
	_, slots, err := r.slots(ctx, id)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, row := range slots {
			if row == nil || !fn(i, row) {
				continue
			}

			data, err := json.Marshal(row)
			if err != nil {
				return err
			}

			pipe.LSet(ctx, r.rowsKey(id), int64(i), string(data))
		}

		return nil
	})

	return err
}

// AddColumns writes column values keyed by slot index in one transaction
func (r *RedisStore) AddColumns(ctx context.Context, id string, columns map[string]map[int]any) error {
	return r.rewriteSlots(ctx, id, func(index int, row Row) bool {
		changed := false

		for slug, values := range columns {
			if v, ok := values[index]; ok {
				row[slug] = v
				changed = true
			}
		}

		return changed
	})
}

// DropColumns removes fields from every row in one transaction
func (r *RedisStore) DropColumns(ctx context.Context, id string, slugs []string) error {
	return r.rewriteSlots(ctx, id, func(_ int, row Row) bool {
		changed := false

		for _, slug := range slugs {
			if _, ok := row[slug]; ok {
				delete(row, slug)

				changed = true
			}
		}

		return changed
	})
}

// PushPendingUpdate appends an update id to the table's pending queue
func (r *RedisStore) PushPendingUpdate(ctx context.Context, id, updateID string) error {
	return r.client.RPush(ctx, r.pendingKey(id), updateID).Err()
}

// PendingUpdates returns the pending queue in FIFO order
func (r *RedisStore) PendingUpdates(ctx context.Context, id string) ([]string, error) {
	return r.client.LRange(ctx, r.pendingKey(id), 0, -1).Result()
}

// RemovePendingUpdate drops an update id from the pending queue
func (r *RedisStore) RemovePendingUpdate(ctx context.Context, id, updateID string) error {
	return r.client.LRem(ctx, r.pendingKey(id), 0, updateID).Err()
}

// SaveCalculation persists a calculation record
func (r *RedisStore) SaveCalculation(ctx context.Context, calc *calculation.Calculation) error {
	data, err := json.Marshal(calc)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.calcKey(calc.ID), data, 0).Err(); err != nil {
		return err
	}

	added, err := r.client.SAdd(ctx, r.calcSetKey(calc.TableID), calc.ID).Result()
	if err != nil {
		return err
	}

	if added == 1 {
		return r.client.RPush(ctx, r.calcsKey(calc.TableID), calc.ID).Err()
	}

	return nil
}

// GetCalculation loads a calculation record
func (r *RedisStore) GetCalculation(ctx context.Context, id string) (*calculation.Calculation, error) {
	data, err := r.client.Get(ctx, r.calcKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrCalculationNotFound, id)
		}

		return nil, err
	}

	var calc calculation.Calculation
	if err := json.Unmarshal(data, &calc); err != nil {
		return nil, err
	}

	return &calc, nil
}

// ListCalculations returns the table's calculations in creation order
func (r *RedisStore) ListCalculations(ctx context.Context, tableID string) ([]*calculation.Calculation, error) {
	if _, err := r.GetTable(ctx, tableID); err != nil {
		return nil, err
	}

	ids, err := r.client.LRange(ctx, r.calcsKey(tableID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*calculation.Calculation, 0, len(ids))

	for _, id := range ids {
		calc, err := r.GetCalculation(ctx, id)
		if err != nil {
			return nil, err
		}

		out = append(out, calc)
	}

	return out, nil
}

// DeleteCalculation removes a calculation record
func (r *RedisStore) DeleteCalculation(ctx context.Context, id string) error {
	calc, err := r.GetCalculation(ctx, id)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.calcsKey(calc.TableID), 0, id)
		pipe.SRem(ctx, r.calcSetKey(calc.TableID), id)
		pipe.Del(ctx, r.calcKey(id))

		return nil
	})

	return err
}

var _ Store = (*RedisStore)(nil)
