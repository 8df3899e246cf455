package aggregation

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Aggregator defines the reduce semantics of an aggregation operator.
// To add a new operator: implement this interface and register it in Operators.
type Aggregator interface {
	// Initial returns the partial after the very first event for a key.
	// incoming is the raw value of the attribute's field (nil when absent).
	Initial(incoming interface{}) Partial

	// Merge combines two partials of the same bucket, or of a finer bucket
	// rolled into a coarser one. other wins for order-sensitive operators.
	Merge(current, other Partial) Partial

	// Result returns the query-visible value of a partial.
	Result(p Partial) interface{}
}

// Operators is the registry of all supported aggregation operators.
var Operators = map[string]Aggregator{
	OpCount:         countAgg{},
	OpSum:           sumAgg{},
	OpMin:           minAgg{},
	OpMax:           maxAgg{},
	OpAvg:           avgAgg{},
	OpDistinctCount: distinctCountAgg{},
	OpLast:          lastAgg{},
}

// ValidOperator reports whether op is a registered aggregation operator.
func ValidOperator(op string) bool {
	_, ok := Operators[op]
	return ok
}

// countAgg counts events. The incoming value is ignored.
type countAgg struct{}

func (countAgg) Initial(_ interface{}) Partial    { return Partial{Count: 1} }
func (countAgg) Merge(cur, other Partial) Partial { return Partial{Count: cur.Count + other.Count} }
func (countAgg) Result(p Partial) interface{}     { return p.Count }

// sumAgg accumulates the sum of incoming values.
type sumAgg struct{}

func (sumAgg) Initial(v interface{}) Partial {
	d, _ := ToDecimal(v)
	return Partial{Value: d}
}
func (sumAgg) Merge(cur, other Partial) Partial { return Partial{Value: cur.Value.Add(other.Value)} }
func (sumAgg) Result(p Partial) interface{}     { return p.Value }

// minAgg tracks the minimum value seen.
type minAgg struct{}

func (minAgg) Initial(v interface{}) Partial { return validPartial(v) }
func (minAgg) Merge(cur, other Partial) Partial {
	if !cur.Valid || (other.Valid && other.Value.LessThan(cur.Value)) {
		return other
	}
	return cur
}
func (minAgg) Result(p Partial) interface{} { return optionalValue(p) }

// maxAgg tracks the maximum value seen.
type maxAgg struct{}

func (maxAgg) Initial(v interface{}) Partial { return validPartial(v) }
func (maxAgg) Merge(cur, other Partial) Partial {
	if !cur.Valid || (other.Valid && other.Value.GreaterThan(cur.Value)) {
		return other
	}
	return cur
}
func (maxAgg) Result(p Partial) interface{} { return optionalValue(p) }

// avgAgg keeps sum and count so that averages stay mergeable across buckets.
type avgAgg struct{}

func (avgAgg) Initial(v interface{}) Partial {
	d, ok := ToDecimal(v)
	if !ok {
		return Partial{}
	}
	return Partial{Value: d, Count: 1}
}
func (avgAgg) Merge(cur, other Partial) Partial {
	return Partial{Value: cur.Value.Add(other.Value), Count: cur.Count + other.Count}
}
func (avgAgg) Result(p Partial) interface{} {
	if p.Count == 0 {
		return nil
	}
	return p.Value.Div(decimal.NewFromInt(p.Count))
}

// distinctCountAgg keeps a multiplicity per distinct value.
type distinctCountAgg struct{}

func (distinctCountAgg) Initial(v interface{}) Partial {
	if v == nil {
		return Partial{}
	}
	return Partial{Distinct: map[string]int64{fmt.Sprint(v): 1}}
}
func (distinctCountAgg) Merge(cur, other Partial) Partial {
	out := cur.Clone()
	if out.Distinct == nil && len(other.Distinct) > 0 {
		out.Distinct = make(map[string]int64, len(other.Distinct))
	}
	for k, n := range other.Distinct {
		out.Distinct[k] += n
	}
	return out
}
func (distinctCountAgg) Result(p Partial) interface{} { return int64(len(p.Distinct)) }

// lastAgg keeps the value of the most recent event. Whether other is more
// recent than cur is decided by the caller's should-update predicate.
type lastAgg struct{}

func (lastAgg) Initial(v interface{}) Partial { return validPartial(v) }
func (lastAgg) Merge(cur, other Partial) Partial {
	if !other.Valid {
		return cur
	}
	return other
}
func (lastAgg) Result(p Partial) interface{} { return optionalValue(p) }

func validPartial(v interface{}) Partial {
	d, ok := ToDecimal(v)
	if !ok {
		return Partial{}
	}
	return Partial{Value: d, Valid: true}
}

func optionalValue(p Partial) interface{} {
	if !p.Valid {
		return nil
	}
	return p.Value
}
