package aggregation

import (
	"testing"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPushdown(t *testing.T) {
	def := testDefinition(func(d *aggregation.Definition) {
		d.GroupBy = []string{"symbol", "region"}
	})

	tests := []struct {
		name          string
		condition     string
		wantFull      string
		wantGroupOnly string
	}{
		{name: "empty", condition: ""},
		{
			name:          "group attribute against event",
			condition:     `agg.symbol == event.symbol`,
			wantFull:      `agg.symbol == event.symbol`,
			wantGroupOnly: `agg.symbol == event.symbol`,
		},
		{
			name:          "aggregate attribute stays behind",
			condition:     `agg.symbol == event.symbol && agg.total > 10`,
			wantFull:      `agg.symbol == event.symbol`,
			wantGroupOnly: `agg.symbol == event.symbol`,
		},
		{
			name:          "timestamp only pushed to aligned lookups",
			condition:     `agg.region == "eu" and agg.AGG_TIMESTAMP >= event.since`,
			wantFull:      `(agg.region == "eu") && (agg.AGG_TIMESTAMP >= event.since)`,
			wantGroupOnly: `agg.region == "eu"`,
		},
		{
			name:      "last event timestamp is never pushed",
			condition: `agg.AGG_LAST_EVENT_TIMESTAMP > 5`,
		},
		{
			name:      "disjunction is kept whole",
			condition: `agg.symbol == "IBM" || agg.total > 1`,
		},
		{
			name:      "bare identifiers are ambiguous",
			condition: `symbol == "IBM"`,
		},
		{
			name:          "stream-only conjunct",
			condition:     `event.enabled && agg.total > 1`,
			wantFull:      `event.enabled`,
			wantGroupOnly: `event.enabled`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			full, groupOnly := splitPushdown(def, tc.condition, "event", "agg")
			assert.Equal(t, tc.wantFull, full)
			assert.Equal(t, tc.wantGroupOnly, groupOnly)
		})
	}
}

func TestCompile_DistributedPlan(t *testing.T) {
	def := testDefinition(func(d *aggregation.Definition) {
		d.Distributed = true
		d.ShardID = "node-1"
	})
	rt := newTestRuntime(t, def, memoryTables(def), newTestClock(0))

	cond, err := rt.Compile(QuerySpec{
		Condition: `agg.symbol == event.symbol && agg.AGG_TIMESTAMP > 0`,
		Within:    []string{"0", "1"},
		Per:       `"hours"`,
	})
	require.NoError(t, err)

	plan := cond.Aggregation
	require.Len(t, plan.perLookups, 3)
	require.Len(t, plan.lowerLookups, 2)
	require.Len(t, plan.timestampFilters, 2)
	assert.Equal(t, `aggregationStartTime(currentTimeMillis(), "MINUTES")`, plan.timestampFilters[aggregation.Seconds].Source())
	assert.Equal(t, `agg.symbol == event.symbol`, plan.lowerLookups[aggregation.Minutes].Residual())
	assert.Equal(t, `(agg.symbol == event.symbol) && (agg.AGG_TIMESTAMP > 0)`, plan.perLookups[aggregation.Hours].Residual())
}

func TestCompiledCondition_CloneIsDeep(t *testing.T) {
	def := testDefinition()
	rt := newTestRuntime(t, def, memoryTables(def), newTestClock(0))

	cond, err := rt.Compile(QuerySpec{
		Condition: `agg.symbol == event.symbol`,
		Within:    []string{`event.from`, `event.to`},
		Per:       `event.per`,
	})
	require.NoError(t, err)

	clone := cond.Clone()
	require.Equal(t, KindAggregation, clone.Kind)
	require.NotSame(t, cond.Aggregation, clone.Aggregation)
	assert.Equal(t, cond.Aggregation.ID, clone.Aggregation.ID)
	assert.NotSame(t, cond.Aggregation.perLookups[aggregation.Seconds], clone.Aggregation.perLookups[aggregation.Seconds])
	assert.NotSame(t, cond.Aggregation.inMemory, clone.Aggregation.inMemory)
	assert.Equal(t, cond.Aggregation.on.Source(), clone.Aggregation.on.Source())

	table, err := rt.CompileTableLookup(aggregation.Minutes, "")
	require.NoError(t, err)
	assert.NotSame(t, table.Table, table.Clone().Table)

	open, err := rt.CompileInMemoryLookup("")
	require.NoError(t, err)
	assert.NotSame(t, open.InMemory, open.Clone().InMemory)
}

func TestConditionKind_String(t *testing.T) {
	assert.Equal(t, "table-lookup", KindTableLookup.String())
	assert.Equal(t, "in-memory-lookup", KindInMemoryLookup.String())
	assert.Equal(t, "aggregation", KindAggregation.String())
	assert.Equal(t, "ConditionKind(9)", ConditionKind(9).String())
}
