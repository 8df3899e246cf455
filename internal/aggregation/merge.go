package aggregation

import (
	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	aggerr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
	"github.com/aevon-lab/incremental-aggregation/internal/core/expression"
	"github.com/shopspring/decimal"
)

// mergePolicy decides, for two rows of the same group and bucket, whether the
// incoming one supersedes the current one. Without a should-update
// expression the row with the later last-event timestamp wins.
type mergePolicy struct {
	def          *aggregation.Definition
	shouldUpdate expression.Evaluator
}

func newMergePolicy(def *aggregation.Definition, shouldUpdate expression.Evaluator) mergePolicy {
	return mergePolicy{def: def, shouldUpdate: expression.CloneOrNil(shouldUpdate)}
}

func (p mergePolicy) supersedes(current, incoming aggregation.Row) (bool, error) {
	if p.shouldUpdate == nil {
		return incoming.LastEventTimestamp >= current.LastEventTimestamp, nil
	}
	ok, err := expression.EvaluateBool(p.shouldUpdate, map[string]interface{}{
		"current":  exprRow(p.def, current),
		"incoming": exprRow(p.def, incoming),
	})
	if err != nil {
		return false, aggerr.Runtimef("should-update for %q: %w", p.def.Name, err)
	}
	return ok, nil
}

// merge folds incoming into current.
func (p mergePolicy) merge(current *aggregation.Row, incoming aggregation.Row) error {
	replace, err := p.supersedes(*current, incoming)
	if err != nil {
		return err
	}
	p.def.Merge(current, incoming, replace)
	return nil
}

// exprRow projects a row into values expressions can compare. Decimals
// become float64 since expressions only do native arithmetic.
func exprRow(def *aggregation.Definition, r aggregation.Row) map[string]interface{} {
	out := def.Project(r)
	out[aggregation.AttrEventTimestamp] = r.Timestamp
	for k, v := range out {
		out[k] = exprValue(v)
	}
	return out
}

func exprValue(v interface{}) interface{} {
	if d, ok := v.(decimal.Decimal); ok {
		return d.InexactFloat64()
	}
	return v
}

// rowKey addresses one (group, bucket) pair while regrouping rows.
type rowKey struct {
	group  string
	bucket int64
}

// regroup merges rows into one row per group at the bucket of d. Rows are
// merged in the order given.
func regroup(policy mergePolicy, rows []aggregation.Row, d aggregation.Duration) ([]aggregation.Row, error) {
	merged := make(map[rowKey]*aggregation.Row, len(rows))
	order := make([]rowKey, 0, len(rows))
	for _, r := range rows {
		key := rowKey{group: r.GroupKey, bucket: aggregation.BucketStart(r.Timestamp, d)}
		existing, ok := merged[key]
		if !ok {
			row := r.Clone()
			row.Timestamp = key.bucket
			row.ShardID = ""
			merged[key] = &row
			order = append(order, key)
			continue
		}
		if err := policy.merge(existing, r); err != nil {
			return nil, err
		}
	}

	out := make([]aggregation.Row, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	return out, nil
}
