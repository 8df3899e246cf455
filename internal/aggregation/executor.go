package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
)

// noBucket marks an executor without an open bucket.
const noBucket int64 = -1

// Executor accumulates the open bucket of one duration. On rollover it
// inserts the closed rows into its table and forwards them to the next
// coarser executor. Executors of one aggregation form a chain from the
// finest duration to the coarsest.
type Executor struct {
	def      *aggregation.Definition
	duration aggregation.Duration
	table    storage.Table
	next     *Executor
	policy   mergePolicy
	now      func() int64

	mu        sync.Mutex
	openStart int64
	open      map[string]*aggregation.Row

	// persistedEnd is the end of the newest bucket known to be in the table,
	// or noBucket. Rows older than it are late.
	persistedEnd int64
}

// NewExecutor creates an executor with no open bucket.
func NewExecutor(def *aggregation.Definition, d aggregation.Duration, table storage.Table, next *Executor, policy mergePolicy, now func() int64) *Executor {
	return &Executor{
		def:          def,
		duration:     d,
		table:        table,
		next:         next,
		policy:       policy,
		now:          now,
		openStart:    noBucket,
		open:         make(map[string]*aggregation.Row),
		persistedEnd: noBucket,
	}
}

// Duration returns the granularity of the executor.
func (e *Executor) Duration() aggregation.Duration { return e.duration }

// OldestOpenBucketStart returns the start of the open bucket, or -1.
func (e *Executor) OldestOpenBucketStart() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openStart
}

// Snapshot returns copies of the open rows, ordered by group key.
func (e *Executor) Snapshot() []aggregation.Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openRows()
}

// Execute folds rows into the executor. Each row is re-aligned to the
// executor's duration.
func (e *Executor) Execute(ctx context.Context, rows []aggregation.Row) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range rows {
		if err := e.process(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Tick closes the open bucket once now has passed its end. Only meaningful
// on processing time, where no later event may arrive to trigger rollover.
func (e *Executor) Tick(ctx context.Context, now int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openStart == noBucket || now < aggregation.NextBucketStart(e.openStart, e.duration) {
		return nil
	}
	return e.rollover(ctx)
}

func (e *Executor) process(ctx context.Context, r aggregation.Row) error {
	bucket := aggregation.BucketStart(r.Timestamp, e.duration)

	switch {
	case e.openStart == noBucket && (e.persistedEnd == noBucket || bucket >= e.persistedEnd):
		e.openStart = bucket
	case e.openStart == bucket:
	case e.openStart != noBucket && bucket > e.openStart:
		if err := e.rollover(ctx); err != nil {
			return err
		}
		e.openStart = bucket
	default:
		return e.late(ctx, r, bucket)
	}

	return e.fold(r, bucket)
}

func (e *Executor) fold(r aggregation.Row, bucket int64) error {
	existing, ok := e.open[r.GroupKey]
	if !ok {
		row := r.Clone()
		row.Timestamp = bucket
		row.ShardID = e.def.ShardID
		e.open[r.GroupKey] = &row
		return nil
	}
	return e.policy.merge(existing, r)
}

func (e *Executor) rollover(ctx context.Context) error {
	closed := e.openRows()
	if err := e.table.Insert(ctx, closed); err != nil {
		return fmt.Errorf("flush %s bucket %d of %q: %w", e.duration, e.openStart, e.def.Name, err)
	}

	slog.Debug("[Executor] Bucket rolled over",
		"aggregation", e.def.Name,
		"duration", e.duration,
		"bucket_start", time.UnixMilli(e.openStart).UTC(),
		"rows", len(closed),
	)

	e.persistedEnd = aggregation.NextBucketStart(e.openStart, e.duration)
	e.openStart = noBucket
	e.open = make(map[string]*aggregation.Row)

	if e.next == nil {
		return nil
	}
	return e.next.Execute(ctx, closed)
}

// late handles a row whose bucket is already closed. Rows older than the
// retention floor are dropped. With a should-update expression the persisted
// row is corrected and the delta is forwarded; otherwise the row is folded
// into the open bucket, or dropped when none is open.
func (e *Executor) late(ctx context.Context, r aggregation.Row, bucket int64) error {
	if floor, ok := e.retentionFloor(); ok && bucket < floor {
		slog.Debug("[Executor] Dropping event older than retention",
			"aggregation", e.def.Name,
			"duration", e.duration,
			"bucket_start", bucket,
		)
		return nil
	}

	if e.policy.shouldUpdate == nil {
		if e.openStart == noBucket {
			slog.Debug("[Executor] Dropping late event, no open bucket",
				"aggregation", e.def.Name,
				"duration", e.duration,
				"bucket_start", bucket,
			)
			return nil
		}
		return e.fold(r, e.openStart)
	}

	delta := r.Clone()
	delta.Timestamp = bucket
	delta.ShardID = e.def.ShardID

	persisted, found, err := e.persistedRow(ctx, delta.GroupKey, bucket)
	if err != nil {
		return err
	}
	if !found {
		if err := e.table.Insert(ctx, []aggregation.Row{delta}); err != nil {
			return fmt.Errorf("insert late %s bucket %d of %q: %w", e.duration, bucket, e.def.Name, err)
		}
	} else {
		replace, err := e.policy.supersedes(persisted, delta)
		if err != nil {
			return err
		}
		if !replace {
			slog.Debug("[Executor] Late event not authorized by should-update",
				"aggregation", e.def.Name,
				"duration", e.duration,
				"bucket_start", bucket,
			)
			return nil
		}
		e.def.Merge(&persisted, delta, true)
		if err := e.table.Update(ctx, []aggregation.Row{persisted}); err != nil {
			return fmt.Errorf("update late %s bucket %d of %q: %w", e.duration, bucket, e.def.Name, err)
		}
	}

	if e.next == nil {
		return nil
	}
	return e.next.Execute(ctx, []aggregation.Row{delta})
}

func (e *Executor) persistedRow(ctx context.Context, groupKey string, bucket int64) (aggregation.Row, bool, error) {
	lookup, err := e.table.CompileCondition(storage.Condition{Duration: e.duration})
	if err != nil {
		return aggregation.Row{}, false, err
	}
	rows, err := e.table.Find(ctx, lookup, storage.LookupParams{
		Start:   bucket,
		End:     bucket + 1,
		ShardID: e.def.ShardID,
	})
	if err != nil {
		return aggregation.Row{}, false, fmt.Errorf("load %s bucket %d of %q: %w", e.duration, bucket, e.def.Name, err)
	}
	for _, r := range rows {
		if r.GroupKey == groupKey && r.ShardID == e.def.ShardID {
			return r, true, nil
		}
	}
	return aggregation.Row{}, false, nil
}

func (e *Executor) retentionFloor() (int64, bool) {
	keep, ok := e.def.Retention[e.duration]
	if !ok {
		return 0, false
	}
	return e.now() - keep.Milliseconds(), true
}

// Restore discards the open bucket, sets the end of the newest persisted
// bucket (or -1) and refolds rows into the executor.
func (e *Executor) Restore(ctx context.Context, persistedEnd int64, rows []aggregation.Row) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.openStart = noBucket
	e.open = make(map[string]*aggregation.Row)
	e.persistedEnd = persistedEnd

	for _, r := range rows {
		if err := e.process(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) openRows() []aggregation.Row {
	keys := make([]string, 0, len(e.open))
	for k := range e.open {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]aggregation.Row, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, e.open[k].Clone())
	}
	return rows
}
