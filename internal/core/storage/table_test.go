package storage

import (
	"testing"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/stretchr/testify/require"
)

func row(group string, ts int64, shard string) aggregation.Row {
	return aggregation.Row{GroupKey: group, GroupValues: []interface{}{group}, Timestamp: ts, ShardID: shard}
}

func TestTableLookup_Bounds(t *testing.T) {
	plain, err := NewTableLookup(Condition{Duration: aggregation.Minutes})
	require.NoError(t, err)
	filtered, err := NewTableLookup(Condition{Duration: aggregation.Seconds, SinceBound: true})
	require.NoError(t, err)

	params := LookupParams{Start: 1000, End: 5000, Since: 3000}

	tests := []struct {
		name   string
		lookup *TableLookup
		ts     int64
		want   bool
	}{
		{name: "start inclusive", lookup: plain, ts: 1000, want: true},
		{name: "end exclusive", lookup: plain, ts: 5000, want: false},
		{name: "before start", lookup: plain, ts: 999, want: false},
		{name: "since ignored without filter", lookup: plain, ts: 2000, want: true},
		{name: "since applies with filter", lookup: filtered, ts: 2000, want: false},
		{name: "since inclusive", lookup: filtered, ts: 3000, want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := tc.lookup.Matches(row("IBM", tc.ts, ""), params)
			require.NoError(t, err)
			require.Equal(t, tc.want, ok)
		})
	}

	lower, upper := filtered.Bounds(params)
	require.Equal(t, int64(3000), lower)
	require.Equal(t, int64(5000), upper)
}

func TestTableLookup_ResidualAndShard(t *testing.T) {
	lookup, err := NewTableLookup(Condition{
		Duration: aggregation.Minutes,
		GroupBy:  []string{"symbol"},
		RowAlias: "agg",
		Residual: `agg.symbol == q.symbol`,
	})
	require.NoError(t, err)
	require.Equal(t, `agg.symbol == q.symbol`, lookup.Residual())

	params := AllTime()
	params.Vars = map[string]interface{}{"q": map[string]interface{}{"symbol": "IBM"}}

	ok, err := lookup.Matches(row("IBM", 0, "node-1"), params)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lookup.Matches(row("WSO2", 0, "node-1"), params)
	require.NoError(t, err)
	require.False(t, ok)

	params.ShardID = "node-2"
	ok, err = lookup.Matches(row("IBM", 0, "node-1"), params)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTableLookup_CloneIsIndependent(t *testing.T) {
	lookup, err := NewTableLookup(Condition{Residual: `true`, GroupBy: []string{"a"}})
	require.NoError(t, err)

	clone := lookup.Clone()
	require.NotSame(t, lookup, clone)
	require.Equal(t, lookup.Residual(), clone.Residual())

	var nilLookup *TableLookup
	require.Nil(t, nilLookup.Clone())
}

func TestNewTableLookup_BadResidual(t *testing.T) {
	_, err := NewTableLookup(Condition{Residual: `agg.symbol ==`})
	require.Error(t, err)
}

func TestSortRows(t *testing.T) {
	rows := []aggregation.Row{row("b", 2, ""), row("a", 2, "s2"), row("a", 2, "s1"), row("z", 1, "")}
	SortRows(rows)

	require.Equal(t, "z", rows[0].GroupKey)
	require.Equal(t, "s1", rows[1].ShardID)
	require.Equal(t, "s2", rows[2].ShardID)
	require.Equal(t, "b", rows[3].GroupKey)
}
