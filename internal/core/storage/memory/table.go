package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
)

type rowKey struct {
	groupKey  string
	timestamp int64
	shardID   string
}

// Table is an in-process storage.Table. Used for single-node deployments
// without durable storage and by tests.
type Table struct {
	mu   sync.RWMutex
	rows map[rowKey]aggregation.Row
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{rows: make(map[rowKey]aggregation.Row)}
}

func keyOf(r aggregation.Row) rowKey {
	return rowKey{groupKey: r.GroupKey, timestamp: r.Timestamp, shardID: r.ShardID}
}

// Insert appends rows; an existing key fails the whole batch.
func (t *Table) Insert(_ context.Context, rows []aggregation.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range rows {
		if _, exists := t.rows[keyOf(r)]; exists {
			return fmt.Errorf("insert %q at %d: %w", r.GroupKey, r.Timestamp, storage.ErrDuplicate)
		}
	}
	for _, r := range rows {
		t.rows[keyOf(r)] = r.Clone()
	}
	return nil
}

// Update writes rows, replacing existing ones.
func (t *Table) Update(_ context.Context, rows []aggregation.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range rows {
		t.rows[keyOf(r)] = r.Clone()
	}
	return nil
}

// Find scans the table.
func (t *Table) Find(_ context.Context, lookup *storage.TableLookup, params storage.LookupParams) ([]aggregation.Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []aggregation.Row
	for _, r := range t.rows {
		ok, err := lookup.Matches(r, params)
		if err != nil {
			return nil, fmt.Errorf("memory table find: %w", err)
		}
		if ok {
			out = append(out, r.Clone())
		}
	}
	storage.SortRows(out)
	return out, nil
}

// CompileCondition prepares a lookup.
func (t *Table) CompileCondition(cond storage.Condition) (*storage.TableLookup, error) {
	return storage.NewTableLookup(cond)
}

// Latest returns the newest bucket start for the shard, or -1.
func (t *Table) Latest(_ context.Context, shardID string) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	latest := int64(-1)
	for k := range t.rows {
		if shardID != "" && k.shardID != shardID {
			continue
		}
		if k.timestamp > latest {
			latest = k.timestamp
		}
	}
	return latest, nil
}

// DeleteBefore removes rows older than ts.
func (t *Table) DeleteBefore(_ context.Context, ts int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed int64
	for k := range t.rows {
		if k.timestamp < ts {
			delete(t.rows, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
