package storage

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/expression"
)

// ErrDuplicate is returned when a row for the same (group key, bucket start, shard) already exists.
var ErrDuplicate = errors.New("aggregate row already exists")

// Table persists the completed rows of one granularity of one aggregation.
// Rows are written once per closed bucket; Update is reserved for corrections
// authorized by the aggregation's should-update predicate.
type Table interface {
	// Insert appends closed bucket rows. Returns ErrDuplicate if any row exists.
	Insert(ctx context.Context, rows []aggregation.Row) error

	// Update writes rows, replacing any existing row for the same key.
	Update(ctx context.Context, rows []aggregation.Row) error

	// Find returns rows matching a compiled lookup, ordered by bucket start and group key.
	Find(ctx context.Context, lookup *TableLookup, params LookupParams) ([]aggregation.Row, error)

	// CompileCondition prepares a lookup against this table.
	CompileCondition(cond Condition) (*TableLookup, error)

	// Latest returns the newest bucket start stored for a shard ("" for any), or -1.
	Latest(ctx context.Context, shardID string) (int64, error)

	// DeleteBefore removes rows whose bucket starts before ts and returns how many were removed.
	DeleteBefore(ctx context.Context, ts int64) (int64, error)
}

// Condition is the uncompiled form of a table lookup.
type Condition struct {
	Duration aggregation.Duration
	GroupBy  []string // group-by attributes visible to the residual filter
	RowAlias string   // name under which row attributes are visible

	// Residual is an optional filter over group-by attributes and query
	// variables. Empty accepts every row within the bounds.
	Residual string

	// SinceBound adds the LookupParams.Since lower bound, used for the
	// distributed lower-granularity lookups.
	SinceBound bool
}

// LookupParams carries the per-invocation values of a lookup.
type LookupParams struct {
	Start   int64 // inclusive bucket start
	End     int64 // exclusive bucket start
	Since   int64 // inclusive lower bound, honoured only by SinceBound lookups
	ShardID string
	Vars    map[string]interface{}
}

// AllTime returns params that match every bucket.
func AllTime() LookupParams {
	return LookupParams{Start: math.MinInt64, End: math.MaxInt64}
}

// TableLookup is a compiled table condition: time bounds resolved per call
// plus a residual group filter. The residual owns scratch state, so one
// lookup must not be used by concurrent Find calls; Clone it instead.
type TableLookup struct {
	Duration   aggregation.Duration
	groupBy    []string
	rowAlias   string
	residual   expression.Evaluator
	sinceBound bool
}

// NewTableLookup compiles a condition. Backends call it from CompileCondition.
func NewTableLookup(cond Condition) (*TableLookup, error) {
	lookup := &TableLookup{
		Duration:   cond.Duration,
		groupBy:    append([]string(nil), cond.GroupBy...),
		rowAlias:   cond.RowAlias,
		sinceBound: cond.SinceBound,
	}
	if cond.Residual != "" {
		ev, err := expression.Compile(cond.Residual)
		if err != nil {
			return nil, err
		}
		lookup.residual = ev
	}
	return lookup, nil
}

// Clone returns an independent copy of the lookup.
func (l *TableLookup) Clone() *TableLookup {
	if l == nil {
		return nil
	}
	out := *l
	out.residual = expression.CloneOrNil(l.residual)
	return &out
}

// Residual returns the source of the residual filter, or "".
func (l *TableLookup) Residual() string {
	if l.residual == nil {
		return ""
	}
	return l.residual.Source()
}

// Bounds returns the effective [lower, upper) range on bucket start.
func (l *TableLookup) Bounds(p LookupParams) (int64, int64) {
	lower := p.Start
	if l.sinceBound && p.Since > lower {
		lower = p.Since
	}
	return lower, p.End
}

// Matches reports whether a stored row satisfies the lookup.
func (l *TableLookup) Matches(row aggregation.Row, p LookupParams) (bool, error) {
	lower, upper := l.Bounds(p)
	if row.Timestamp < lower || row.Timestamp >= upper {
		return false, nil
	}
	if p.ShardID != "" && row.ShardID != p.ShardID {
		return false, nil
	}
	if l.residual == nil {
		return true, nil
	}

	vars := make(map[string]interface{}, len(p.Vars)+1)
	for k, v := range p.Vars {
		vars[k] = v
	}
	vars[l.rowAlias] = l.rowVars(row)
	return expression.EvaluateBool(l.residual, vars)
}

func (l *TableLookup) rowVars(row aggregation.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(l.groupBy)+3)
	out[aggregation.AttrTimestamp] = row.Timestamp
	out[aggregation.AttrEventTimestamp] = row.Timestamp
	out[aggregation.AttrLastEventTimestamp] = row.LastEventTimestamp
	for i, g := range l.groupBy {
		if i < len(row.GroupValues) {
			out[g] = row.GroupValues[i]
		}
	}
	return out
}

// SortRows orders rows by bucket start, then group key, then shard.
func SortRows(rows []aggregation.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Timestamp != rows[j].Timestamp {
			return rows[i].Timestamp < rows[j].Timestamp
		}
		if rows[i].GroupKey != rows[j].GroupKey {
			return rows[i].GroupKey < rows[j].GroupKey
		}
		return rows[i].ShardID < rows[j].ShardID
	})
}
