package aggregation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Supported aggregation operators.
const (
	OpCount         = "count"
	OpSum           = "sum"
	OpMin           = "min"
	OpMax           = "max"
	OpAvg           = "avg"
	OpDistinctCount = "distinctCount"
	OpLast          = "last"
)

// Attribute names every aggregate row exposes next to its declared attributes.
const (
	AttrTimestamp          = "AGG_TIMESTAMP"
	AttrLastEventTimestamp = "AGG_LAST_EVENT_TIMESTAMP"
	// AttrEventTimestamp is accepted as an alias of AttrTimestamp when the
	// aggregation runs on an event-carried timestamp.
	AttrEventTimestamp = "AGG_EVENT_TIMESTAMP"
)

// groupKeySeparator joins group-by values into a single key.
const groupKeySeparator = ":::"

// Partial is the mergeable state of one aggregate attribute inside a bucket.
// Which fields are meaningful depends on the operator:
// count uses Count; sum uses Value; avg uses Value (sum) and Count;
// min, max and last use Value guarded by Valid; distinctCount uses Distinct.
type Partial struct {
	Value    decimal.Decimal  `json:"value"`
	Count    int64            `json:"count,omitempty"`
	Distinct map[string]int64 `json:"distinct,omitempty"`
	Valid    bool             `json:"valid,omitempty"`
}

// Clone returns a copy that shares no map with p.
func (p Partial) Clone() Partial {
	if p.Distinct != nil {
		distinct := make(map[string]int64, len(p.Distinct))
		for k, v := range p.Distinct {
			distinct[k] = v
		}
		p.Distinct = distinct
	}
	return p
}

// Row is one aggregate bucket for one group key: the unit executors
// accumulate, tables persist and retrieval returns.
type Row struct {
	GroupKey           string        `json:"group_key"`
	GroupValues        []interface{} `json:"group_values"`
	Timestamp          int64         `json:"agg_timestamp"` // bucket start, epoch millis
	LastEventTimestamp int64         `json:"agg_last_event_timestamp"`
	ShardID            string        `json:"shard_id,omitempty"`
	Values             []Partial     `json:"values"` // aligned with Definition.Attributes
}

// Clone deep-copies the row so the copy can be mutated independently.
func (r Row) Clone() Row {
	out := r
	out.GroupValues = append([]interface{}(nil), r.GroupValues...)
	out.Values = make([]Partial, len(r.Values))
	for i, p := range r.Values {
		out.Values[i] = p.Clone()
	}
	return out
}

// GroupKey generates the deterministic key for a set of group-by values.
// An aggregation without group-by attributes has the empty key.
func GroupKey(values []interface{}) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, groupKeySeparator)
}
