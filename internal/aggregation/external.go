package aggregation

import (
	"sort"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/expression"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
)

// ExternalTimestampAggregator collapses rows into one row per (group, bucket)
// at a duration. Needed when buckets follow an event-carried timestamp, and
// in distributed mode where finer shard rows overlap the requested bucket.
type ExternalTimestampAggregator struct {
	per    aggregation.Duration
	policy mergePolicy
}

// NewExternalTimestampAggregator creates an aggregator for per. The
// should-update expression is cloned.
func NewExternalTimestampAggregator(def *aggregation.Definition, per aggregation.Duration, shouldUpdate expression.Evaluator) *ExternalTimestampAggregator {
	return &ExternalTimestampAggregator{per: per, policy: newMergePolicy(def, shouldUpdate)}
}

// Aggregate regroups rows. Rows are merged in event-time order so that
// order-sensitive attributes see the latest event last.
func (a *ExternalTimestampAggregator) Aggregate(rows []aggregation.Row) ([]aggregation.Row, error) {
	ordered := make([]aggregation.Row, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].LastEventTimestamp < ordered[j].LastEventTimestamp
	})

	out, err := regroup(a.policy, ordered, a.per)
	if err != nil {
		return nil, err
	}
	storage.SortRows(out)
	return out, nil
}
