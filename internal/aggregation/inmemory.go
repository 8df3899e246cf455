package aggregation

import (
	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/expression"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
)

// IncrementalDataAggregator rebuilds rows of one duration from the open
// buckets of that executor and every finer one. Used on processing time,
// where everything not yet persisted at the requested duration lives in
// those open buckets.
type IncrementalDataAggregator struct {
	per        aggregation.Duration
	oldestOpen int64
	policy     mergePolicy
}

// NewIncrementalDataAggregator creates an aggregator for per. oldestOpen is
// the cutoff read once by the retrieval: open rows starting before it are
// ignored, and -1 keeps every row. The should-update expression is cloned.
func NewIncrementalDataAggregator(def *aggregation.Definition, per aggregation.Duration, oldestOpen int64, shouldUpdate expression.Evaluator) *IncrementalDataAggregator {
	return &IncrementalDataAggregator{per: per, oldestOpen: oldestOpen, policy: newMergePolicy(def, shouldUpdate)}
}

// Aggregate walks the executors from per down to the finest and merges
// their open rows by (group, bucket of per). Coarser executors hold older
// data, so finer rows are merged last.
func (a *IncrementalDataAggregator) Aggregate(executors []*Executor) ([]aggregation.Row, error) {
	var rows []aggregation.Row
	for i := len(executors) - 1; i >= 0; i-- {
		if executors[i].Duration() > a.per {
			continue
		}
		for _, r := range executors[i].Snapshot() {
			if r.Timestamp >= a.oldestOpen {
				rows = append(rows, r)
			}
		}
	}

	out, err := regroup(a.policy, rows, a.per)
	if err != nil {
		return nil, err
	}
	storage.SortRows(out)
	return out, nil
}

// InMemoryLookup filters in-memory aggregated rows with the same bounds and
// group filter as the table lookups.
type InMemoryLookup struct {
	lookup *storage.TableLookup
}

// NewInMemoryLookup compiles the condition for in-memory rows.
func NewInMemoryLookup(cond storage.Condition) (*InMemoryLookup, error) {
	lookup, err := storage.NewTableLookup(cond)
	if err != nil {
		return nil, err
	}
	return &InMemoryLookup{lookup: lookup}, nil
}

// Find returns the rows matching the lookup.
func (l *InMemoryLookup) Find(rows []aggregation.Row, params storage.LookupParams) ([]aggregation.Row, error) {
	var out []aggregation.Row
	for _, r := range rows {
		ok, err := l.lookup.Matches(r, params)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Clone returns an independent copy.
func (l *InMemoryLookup) Clone() *InMemoryLookup {
	if l == nil {
		return nil
	}
	return &InMemoryLookup{lookup: l.lookup.Clone()}
}
