package aggregation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	aggerr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
	"github.com/aevon-lab/incremental-aggregation/internal/core/expression"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
	"golang.org/x/sync/errgroup"
)

// Find reconstructs the rows of the requested duration covering the within
// range and returns those that satisfy the on condition with event.
//
// Persisted rows of the requested duration are always read. When the range
// reaches past the oldest open bucket, or buckets follow event time, they are
// augmented: in distributed mode with the finer tables of every shard, bounded
// to data not yet rolled up; otherwise with the open buckets of this process.
func (c *AggregationCondition) Find(ctx context.Context, rc *Context, event map[string]interface{}) ([]map[string]interface{}, error) {
	if event == nil {
		event = map[string]interface{}{}
	}
	vars := c.queryVars(event)

	per, err := c.resolvePer(rc, vars)
	if err != nil {
		return nil, err
	}
	start, end, err := c.resolveWithin(vars)
	if err != nil {
		return nil, err
	}

	params := storage.LookupParams{Start: start, End: end, Vars: vars}

	table, ok := rc.Tables[per]
	if !ok {
		return nil, aggerr.Runtimef("aggregation %q has no table for %s", c.def.Name, per)
	}
	rows, err := table.Find(ctx, c.perLookups[per], params)
	if err != nil {
		return nil, fmt.Errorf("reading %s table: %w", per, err)
	}

	oldestOpen := rc.oldestOpenBucketStart(per)
	external := c.def.ExternalTime()
	if external || (oldestOpen != noBucket && end > oldestOpen) {
		var extra []aggregation.Row
		if c.def.Distributed {
			extra, err = c.findLowerGranularities(ctx, rc, per, params)
		} else {
			extra, err = c.findInMemory(rc, per, oldestOpen, params)
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, extra...)
	}
	storage.SortRows(rows)

	if c.def.Distributed || external {
		rows, err = NewExternalTimestampAggregator(c.def, per, c.shouldUpdate).Aggregate(rows)
		if err != nil {
			return nil, err
		}
	}

	matches, err := c.selectMatches(rows, event)
	if err != nil {
		return nil, err
	}

	slog.Debug("[AggregationCondition] Find complete",
		"aggregation", c.def.Name,
		"plan", c.ID,
		"per", per,
		"within", expression.Describe(start, end),
		"oldest_open", oldestOpen,
		"rows", len(rows),
		"matches", len(matches),
	)
	return matches, nil
}

func (c *AggregationCondition) queryVars(event map[string]interface{}) map[string]interface{} {
	vars := make(map[string]interface{}, len(event)+1)
	for k, v := range event {
		vars[k] = v
	}
	vars[c.streamAlias] = event
	return vars
}

func (c *AggregationCondition) resolvePer(rc *Context, vars map[string]interface{}) (aggregation.Duration, error) {
	value, err := c.per.Execute(vars)
	if err != nil {
		return 0, aggerr.Runtimef("evaluating per: %w", err)
	}
	if value == nil {
		return 0, aggerr.Runtimef("per value cannot be retrieved")
	}
	d, err := aggregation.NormalizeDuration(fmt.Sprint(value))
	if err != nil {
		return 0, aggerr.Runtimef("per value is expected to be one of %v: %w", aggregation.AllDurations, err)
	}
	if !rc.Durations.Contains(d) {
		return 0, aggerr.Runtimef("the aggregate values for %s granularity cannot be provided: %w", d,
			aggerr.Configurationf("aggregation %q does not contain %s duration", c.def.Name, d))
	}
	return d, nil
}

func (c *AggregationCondition) resolveWithin(vars map[string]interface{}) (int64, int64, error) {
	values := make([]interface{}, len(c.within))
	for i, w := range c.within {
		v, err := w.Execute(vars)
		if err != nil {
			return 0, 0, aggerr.Runtimef("evaluating within: %w", err)
		}
		values[i] = v
	}
	return expression.WithinRange(values...)
}

// findLowerGranularities reads every duration finer than per, bounded to
// buckets not yet rolled into the next coarser table. Tables are read
// concurrently.
func (c *AggregationCondition) findLowerGranularities(ctx context.Context, rc *Context, per aggregation.Duration, base storage.LookupParams) ([]aggregation.Row, error) {
	perIndex := rc.Durations.IndexOf(per)
	if perIndex <= 0 {
		return nil, nil
	}

	results := make([][]aggregation.Row, perIndex)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < perIndex; i++ {
		d := rc.Durations[i]
		table, ok := rc.Tables[d]
		if !ok {
			return nil, aggerr.Runtimef("aggregation %q has no table for lower granularity %s", c.def.Name, d)
		}
		lookup, ok := c.lowerLookups[d]
		if !ok {
			return nil, aggerr.Runtimef("aggregation %q has no lookup for lower granularity %s", c.def.Name, d)
		}

		since, err := c.timestampFilters[d].Execute(rc.clockVars())
		if err != nil {
			return nil, aggerr.Runtimef("evaluating %s timestamp filter: %w", d, err)
		}
		params := base
		if params.Since, err = expression.ToMillis(since); err != nil {
			return nil, aggerr.Runtimef("evaluating %s timestamp filter: %w", d, err)
		}

		i := i
		g.Go(func() error {
			rows, err := table.Find(gctx, lookup, params)
			if err != nil {
				return fmt.Errorf("reading %s table: %w", d, err)
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []aggregation.Row
	for _, rows := range results {
		out = append(out, rows...)
	}
	return out, nil
}

func (c *AggregationCondition) findInMemory(rc *Context, per aggregation.Duration, oldestOpen int64, params storage.LookupParams) ([]aggregation.Row, error) {
	rows, err := NewIncrementalDataAggregator(c.def, per, oldestOpen, c.shouldUpdate).Aggregate(rc.Executors)
	if err != nil {
		return nil, err
	}
	return c.inMemory.Find(rows, params)
}

// selectMatches projects rows to their query-visible shape and applies the
// on condition.
func (c *AggregationCondition) selectMatches(rows []aggregation.Row, event map[string]interface{}) ([]map[string]interface{}, error) {
	var matches []map[string]interface{}
	for _, r := range rows {
		projected := c.def.Project(r)
		if c.def.ExternalTime() {
			projected[aggregation.AttrEventTimestamp] = r.Timestamp
		}
		if c.on != nil {
			ok, err := expression.EvaluateBool(c.on, c.onVars(r, event))
			if err != nil {
				return nil, aggerr.Runtimef("evaluating on condition: %w", err)
			}
			if !ok {
				continue
			}
		}
		matches = append(matches, projected)
	}
	return matches, nil
}

// onVars exposes the row under the aggregation alias and the event under the
// stream alias. Bare names resolve to row attributes first.
func (c *AggregationCondition) onVars(r aggregation.Row, event map[string]interface{}) map[string]interface{} {
	row := exprRow(c.def, r)
	vars := make(map[string]interface{}, len(row)+len(event)+2)
	for k, v := range event {
		vars[k] = v
	}
	for k, v := range row {
		vars[k] = v
	}
	vars[c.streamAlias] = event
	vars[c.aggAlias] = row
	return vars
}
