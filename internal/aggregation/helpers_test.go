package aggregation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/aevon-lab/incremental-aggregation/internal/api/v1"
	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage/memory"
	"github.com/stretchr/testify/require"
)

// at returns 2017-06-01 hh:mm:ss UTC in epoch millis.
func at(hour, min, sec int) int64 {
	return time.Date(2017, 6, 1, hour, min, sec, 0, time.UTC).UnixMilli()
}

type testClock struct{ ms atomic.Int64 }

func newTestClock(ms int64) *testClock {
	c := &testClock{}
	c.ms.Store(ms)
	return c
}

func (c *testClock) Now() int64 { return c.ms.Load() }
func (c *testClock) Set(ms int64) { c.ms.Store(ms) }

// testDefinition aggregates trades per symbol on the event "ts" attribute.
func testDefinition(mutators ...func(*aggregation.Definition)) *aggregation.Definition {
	def := &aggregation.Definition{
		Name:               "stock_agg",
		Stream:             "trades",
		GroupBy:            []string{"symbol"},
		TimestampAttribute: "ts",
		Durations:          aggregation.Ladder{aggregation.Seconds, aggregation.Minutes, aggregation.Hours},
		Attributes: []aggregation.Attribute{
			{Name: "total", Operator: aggregation.OpSum, Field: "price"},
			{Name: "n", Operator: aggregation.OpCount},
			{Name: "lastPrice", Operator: aggregation.OpLast, Field: "price"},
		},
	}
	for _, m := range mutators {
		m(def)
	}
	return def
}

func processingTime(def *aggregation.Definition) { def.TimestampAttribute = "" }

func memoryTables(def *aggregation.Definition) map[aggregation.Duration]storage.Table {
	tables := make(map[aggregation.Duration]storage.Table, len(def.Durations))
	for _, d := range def.Durations {
		tables[d] = memory.NewTable()
	}
	return tables
}

func newTestRuntime(t *testing.T, def *aggregation.Definition, tables map[aggregation.Duration]storage.Table, clock *testClock) *Runtime {
	t.Helper()
	rt, err := NewRuntime(def, tables, Options{Now: clock.Now})
	require.NoError(t, err)
	return rt
}

func trade(symbol string, ts int64, price float64) v1.Event {
	return v1.Event{
		Stream:    "trades",
		Timestamp: ts,
		Data:      map[string]interface{}{"symbol": symbol, "price": price, "ts": ts},
	}
}

type bucketCount struct {
	Symbol string
	Bucket int64
	N      int64
}

func counts(rows []map[string]interface{}) []bucketCount {
	out := make([]bucketCount, len(rows))
	for i, r := range rows {
		out[i] = bucketCount{
			Symbol: r["symbol"].(string),
			Bucket: r[aggregation.AttrTimestamp].(int64),
			N:      r["n"].(int64),
		}
	}
	return out
}

func mustFind(t *testing.T, rt *Runtime, spec QuerySpec, event map[string]interface{}) []map[string]interface{} {
	t.Helper()
	cond, err := rt.Compile(spec)
	require.NoError(t, err)
	rows, err := rt.Find(context.Background(), event, cond)
	require.NoError(t, err)
	return rows
}
