package aggregation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	aggerr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const tradeDefinitionYAML = `
name: trade_aggregation
stream: trades
group_by: [symbol]
timestamp: event_time
durations: ["sec ... year"]
attributes:
  - name: total_price
    operator: sum
    field: price
  - name: trade_count
    operator: count
  - name: last_price
    operator: last
    field: price
should_update: "incoming.AGG_LAST_EVENT_TIMESTAMP >= current.AGG_LAST_EVENT_TIMESTAMP"
retention:
  seconds: 2h
  minutes: 3d
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(tradeDefinitionYAML))
	require.NoError(t, err)

	require.Equal(t, "trade_aggregation", def.Name)
	require.Equal(t, "trades", def.Stream)
	require.Equal(t, []string{"symbol"}, def.GroupBy)
	require.True(t, def.ExternalTime())
	require.Equal(t, Ladder{Seconds, Minutes, Hours, Days, Months, Years}, def.Durations)
	require.Len(t, def.Attributes, 3)
	require.Equal(t, 2*time.Hour, def.Retention[Seconds])
	require.Equal(t, 72*time.Hour, def.Retention[Minutes])
	require.NotEmpty(t, def.Fingerprint)
	require.False(t, def.Distributed)
}

func TestParseDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no name", yaml: "stream: s\ndurations: [sec]\nattributes: [{name: c, operator: count}]"},
		{name: "no stream", yaml: "name: a\ndurations: [sec]\nattributes: [{name: c, operator: count}]"},
		{name: "no durations", yaml: "name: a\nstream: s\nattributes: [{name: c, operator: count}]"},
		{name: "no attributes", yaml: "name: a\nstream: s\ndurations: [sec]"},
		{name: "bad operator", yaml: "name: a\nstream: s\ndurations: [sec]\nattributes: [{name: c, operator: median, field: x}]"},
		{name: "missing field", yaml: "name: a\nstream: s\ndurations: [sec]\nattributes: [{name: c, operator: sum}]"},
		{name: "reserved name", yaml: "name: a\nstream: s\ndurations: [sec]\nattributes: [{name: AGG_TIMESTAMP, operator: count}]"},
		{name: "duplicate attribute", yaml: "name: a\nstream: s\ngroup_by: [c]\ndurations: [sec]\nattributes: [{name: c, operator: count}]"},
		{name: "bad retention", yaml: "name: a\nstream: s\ndurations: [sec]\nattributes: [{name: c, operator: count}]\nretention: {seconds: forever}"},
		{name: "distributed without shard", yaml: "name: a\nstream: s\ndurations: [sec]\nattributes: [{name: c, operator: count}]\ndistributed: {enabled: true}"},
		{name: "malformed yaml", yaml: "name: [a"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tc.yaml))
			require.ErrorIs(t, err, aggerr.ErrConfiguration)
		})
	}
}

func TestParseRetention(t *testing.T) {
	tests := []struct {
		input     string
		want      time.Duration
		wantError bool
	}{
		{input: "90m", want: 90 * time.Minute},
		{input: "2d", want: 48 * time.Hour},
		{input: "", wantError: true},
		{input: "0h", wantError: true},
		{input: "-1d", wantError: true},
		{input: "xd", wantError: true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := parseRetention(tc.input)
			if tc.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestFileSystemDefinitionRepository(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trades.yaml"), []byte(tradeDefinitionYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.yml"), []byte("\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	repo, err := NewFileSystemDefinitionRepository(dir)
	require.NoError(t, err)

	def, err := repo.Get(context.Background(), "trade_aggregation")
	require.NoError(t, err)
	require.Equal(t, "trades", def.Stream)

	_, err = repo.Get(context.Background(), "missing")
	require.Error(t, err)

	defs, err := repo.List(context.Background(), "trades")
	require.NoError(t, err)
	require.Len(t, defs, 1)

	defs, err = repo.List(context.Background(), "orders")
	require.NoError(t, err)
	require.Empty(t, defs)
}

func TestFileSystemDefinitionRepository_MissingDirIsEmpty(t *testing.T) {
	repo, err := NewFileSystemDefinitionRepository(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)

	defs, err := repo.List(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, defs)
}

func TestFileSystemDefinitionRepository_Duplicate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(tradeDefinitionYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(tradeDefinitionYAML), 0o644))

	_, err := NewFileSystemDefinitionRepository(dir)
	require.ErrorIs(t, err, aggerr.ErrConfiguration)
}

func TestDefinition_RowLifecycle(t *testing.T) {
	def, err := ParseDefinition([]byte(tradeDefinitionYAML))
	require.NoError(t, err)

	first := def.NewRow(1000, map[string]interface{}{"symbol": "IBM", "price": 10.0})
	second := def.NewRow(2000, map[string]interface{}{"symbol": "IBM", "price": 12.5})
	require.Equal(t, "IBM", first.GroupKey)

	def.Merge(&first, second, true)
	out := def.Project(first)

	require.Equal(t, int64(1000), out[AttrTimestamp])
	require.Equal(t, int64(2000), out[AttrLastEventTimestamp])
	require.Equal(t, "IBM", out["symbol"])
	require.Equal(t, int64(2), out["trade_count"])
	require.True(t, decimal.RequireFromString("22.5").Equal(out["total_price"].(decimal.Decimal)))
	require.True(t, decimal.RequireFromString("12.5").Equal(out["last_price"].(decimal.Decimal)))
}

func TestDefinition_MergeKeepsLastWhenNotSuperseded(t *testing.T) {
	def, err := ParseDefinition([]byte(tradeDefinitionYAML))
	require.NoError(t, err)

	current := def.NewRow(5000, map[string]interface{}{"symbol": "IBM", "price": 30})
	stale := def.NewRow(1000, map[string]interface{}{"symbol": "IBM", "price": 10})

	def.Merge(&current, stale, false)
	out := def.Project(current)

	require.Equal(t, int64(5000), out[AttrLastEventTimestamp])
	require.True(t, decimal.NewFromInt(30).Equal(out["last_price"].(decimal.Decimal)))
	require.True(t, decimal.NewFromInt(40).Equal(out["total_price"].(decimal.Decimal)))
}
