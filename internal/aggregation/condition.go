package aggregation

import (
	"fmt"
	"strings"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	aggerr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
	"github.com/aevon-lab/incremental-aggregation/internal/core/expression"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
	"github.com/google/uuid"
)

// Default aliases under which the matching event and the aggregate row are
// visible to query expressions.
const (
	DefaultStreamAlias      = "event"
	DefaultAggregationAlias = "agg"
)

// QuerySpec is the uncompiled form of a retrieval query.
type QuerySpec struct {
	// Condition is the optional on predicate between the matching event and
	// each aggregate row.
	Condition string

	// Within holds one expression (a pattern or a startTimeEndTime pair) or
	// two expressions (start and end).
	Within []string

	// Per evaluates to the name of the requested duration.
	Per string

	StreamAlias      string
	AggregationAlias string
}

// ConditionKind tags the variant held by a CompiledCondition.
type ConditionKind int

const (
	KindTableLookup ConditionKind = iota + 1
	KindInMemoryLookup
	KindAggregation
)

func (k ConditionKind) String() string {
	switch k {
	case KindTableLookup:
		return "table-lookup"
	case KindInMemoryLookup:
		return "in-memory-lookup"
	case KindAggregation:
		return "aggregation"
	default:
		return fmt.Sprintf("ConditionKind(%d)", int(k))
	}
}

// CompiledCondition is one of a table lookup, an in-memory lookup or a full
// aggregation retrieval plan. Exactly the field matching Kind is set.
type CompiledCondition struct {
	Kind        ConditionKind
	Table       *storage.TableLookup
	InMemory    *InMemoryLookup
	Aggregation *AggregationCondition
}

// Clone deep-copies the condition so the copy can run concurrently with the
// original.
func (c *CompiledCondition) Clone() *CompiledCondition {
	switch c.Kind {
	case KindTableLookup:
		return &CompiledCondition{Kind: c.Kind, Table: c.Table.Clone()}
	case KindInMemoryLookup:
		return &CompiledCondition{Kind: c.Kind, InMemory: c.InMemory.Clone()}
	case KindAggregation:
		return &CompiledCondition{Kind: c.Kind, Aggregation: c.Aggregation.Clone()}
	default:
		return &CompiledCondition{Kind: c.Kind}
	}
}

// AggregationCondition is the compiled retrieval plan of one query.
type AggregationCondition struct {
	ID string

	def         *aggregation.Definition
	streamAlias string
	aggAlias    string

	per    expression.Evaluator
	within []expression.Evaluator
	on     expression.Evaluator

	// pushedDown is the part of on evaluated inside lookups.
	pushedDown string

	perLookups   map[aggregation.Duration]*storage.TableLookup
	lowerLookups map[aggregation.Duration]*storage.TableLookup
	inMemory     *InMemoryLookup

	// timestampFilters[d] yields, for a lower duration d, the start of the
	// current bucket of the next coarser duration; rows of d before it are
	// already rolled up.
	timestampFilters map[aggregation.Duration]expression.Evaluator

	shouldUpdate expression.Evaluator
}

// PushedDown returns the conjuncts of the on condition evaluated inside the
// table and in-memory lookups.
func (c *AggregationCondition) PushedDown() string { return c.pushedDown }

// Clone deep-copies every evaluator and lookup of the plan.
func (c *AggregationCondition) Clone() *AggregationCondition {
	out := *c
	out.per = c.per.Clone()
	out.within = make([]expression.Evaluator, len(c.within))
	for i, w := range c.within {
		out.within[i] = w.Clone()
	}
	out.on = expression.CloneOrNil(c.on)
	out.perLookups = cloneLookups(c.perLookups)
	out.lowerLookups = cloneLookups(c.lowerLookups)
	out.inMemory = c.inMemory.Clone()
	out.timestampFilters = make(map[aggregation.Duration]expression.Evaluator, len(c.timestampFilters))
	for d, ev := range c.timestampFilters {
		out.timestampFilters[d] = ev.Clone()
	}
	out.shouldUpdate = expression.CloneOrNil(c.shouldUpdate)
	return &out
}

func cloneLookups(in map[aggregation.Duration]*storage.TableLookup) map[aggregation.Duration]*storage.TableLookup {
	out := make(map[aggregation.Duration]*storage.TableLookup, len(in))
	for d, l := range in {
		out[d] = l.Clone()
	}
	return out
}

// compileAggregation builds the retrieval plan of spec against c.
func compileAggregation(c *Context, spec QuerySpec, shouldUpdate expression.Evaluator) (*AggregationCondition, error) {
	def := c.Definition

	streamAlias := spec.StreamAlias
	if streamAlias == "" {
		streamAlias = DefaultStreamAlias
	}
	aggAlias := spec.AggregationAlias
	if aggAlias == "" {
		aggAlias = DefaultAggregationAlias
	}
	if streamAlias == aggAlias {
		return nil, aggerr.Configurationf("stream alias and aggregation alias must differ, both are %q", aggAlias)
	}

	switch len(spec.Within) {
	case 0:
		return nil, aggerr.Configurationf("aggregation %q query requires a within clause", def.Name)
	case 1, 2:
	default:
		return nil, aggerr.Configurationf("within takes one or two values, got %d", len(spec.Within))
	}
	if strings.TrimSpace(spec.Per) == "" {
		return nil, aggerr.Configurationf("aggregation %q query requires a per clause", def.Name)
	}

	per, err := compilePer(c, spec.Per)
	if err != nil {
		return nil, err
	}

	within := make([]expression.Evaluator, len(spec.Within))
	for i, w := range spec.Within {
		if within[i], err = compileExpr("within", w); err != nil {
			return nil, err
		}
	}

	plan := &AggregationCondition{
		ID:               uuid.NewString(),
		def:              def,
		streamAlias:      streamAlias,
		aggAlias:         aggAlias,
		per:              per,
		within:           within,
		perLookups:       make(map[aggregation.Duration]*storage.TableLookup, len(c.Durations)),
		lowerLookups:     make(map[aggregation.Duration]*storage.TableLookup),
		timestampFilters: make(map[aggregation.Duration]expression.Evaluator),
		shouldUpdate:     expression.CloneOrNil(shouldUpdate),
	}
	if strings.TrimSpace(spec.Condition) != "" {
		if plan.on, err = compileExpr("on", spec.Condition); err != nil {
			return nil, err
		}
	}

	full, groupOnly := splitPushdown(def, spec.Condition, streamAlias, aggAlias)
	plan.pushedDown = full

	for i, d := range c.Durations {
		table, ok := c.Tables[d]
		if !ok {
			return nil, aggerr.Configurationf("aggregation %q has no table for %s", def.Name, d)
		}
		plan.perLookups[d], err = table.CompileCondition(storage.Condition{
			Duration: d,
			GroupBy:  def.GroupBy,
			RowAlias: aggAlias,
			Residual: full,
		})
		if err != nil {
			return nil, aggerr.Configurationf("compiling %s lookup: %v", d, err)
		}

		if !def.Distributed || i == len(c.Durations)-1 {
			continue
		}
		plan.lowerLookups[d], err = table.CompileCondition(storage.Condition{
			Duration:   d,
			GroupBy:    def.GroupBy,
			RowAlias:   aggAlias,
			Residual:   groupOnly,
			SinceBound: true,
		})
		if err != nil {
			return nil, aggerr.Configurationf("compiling %s lower lookup: %v", d, err)
		}
		plan.timestampFilters[d], err = compileExpr("timestamp filter",
			fmt.Sprintf("aggregationStartTime(currentTimeMillis(), %q)", c.Durations[i+1]))
		if err != nil {
			return nil, err
		}
	}

	plan.inMemory, err = NewInMemoryLookup(storage.Condition{
		GroupBy:  def.GroupBy,
		RowAlias: aggAlias,
		Residual: full,
	})
	if err != nil {
		return nil, aggerr.Configurationf("compiling in-memory lookup: %v", err)
	}

	return plan, nil
}

// compilePer validates a constant per value up front; dynamic values are
// checked on every Find.
func compilePer(c *Context, source string) (expression.Evaluator, error) {
	if name, ok := expression.StringConstant(source); ok {
		d, err := aggregation.NormalizeDuration(name)
		if err != nil {
			return nil, err
		}
		if !c.Durations.Contains(d) {
			return nil, aggerr.Configurationf("aggregation %q does not contain %s duration", c.Definition.Name, d)
		}
		return expression.Constant(d.String()), nil
	}
	return compileExpr("per", source)
}

func compileExpr(clause, source string) (expression.Evaluator, error) {
	ev, err := expression.Compile(source)
	if err != nil {
		return nil, aggerr.Configurationf("%s clause: %v", clause, err)
	}
	return ev, nil
}

// splitPushdown selects the conjuncts of an on condition that only read the
// matching event and attributes every stored row of a bucket agrees on.
// full may also read AGG_TIMESTAMP and serves lookups whose rows are aligned
// to the requested duration; groupOnly serves the finer lower lookups.
func splitPushdown(def *aggregation.Definition, condition, streamAlias, aggAlias string) (full, groupOnly string) {
	var fullParts, groupParts []string
	for _, conjunct := range expression.SplitConjuncts(condition) {
		refs, ok := expression.References(conjunct)
		if !ok {
			continue
		}
		pushable, readsTimestamp := true, false
		for _, r := range refs {
			switch {
			case r.Alias == streamAlias:
			case r.Alias == aggAlias && def.IsGroupByAttribute(r.Attribute):
			case r.Alias == aggAlias && (r.Attribute == aggregation.AttrTimestamp || r.Attribute == aggregation.AttrEventTimestamp):
				readsTimestamp = true
			default:
				pushable = false
			}
		}
		if !pushable {
			continue
		}
		fullParts = append(fullParts, conjunct)
		if !readsTimestamp {
			groupParts = append(groupParts, conjunct)
		}
	}
	if len(fullParts) > 0 {
		full = expression.JoinConjuncts(fullParts)
	}
	if len(groupParts) > 0 {
		groupOnly = expression.JoinConjuncts(groupParts)
	}
	return full, groupOnly
}
