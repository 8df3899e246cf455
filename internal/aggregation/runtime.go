package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/aevon-lab/incremental-aggregation/internal/api/v1"
	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	aggerr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
	"github.com/aevon-lab/incremental-aggregation/internal/core/expression"
	"github.com/aevon-lab/incremental-aggregation/internal/core/snapshot"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
)

// Context is the per-aggregation state a retrieval reads: the ladder and,
// for each of its durations, the executor and the table. Executors[i] and
// Tables[Durations[i]] belong to the same duration.
type Context struct {
	Definition *aggregation.Definition
	Durations  aggregation.Ladder
	Executors  []*Executor
	Tables     map[aggregation.Duration]storage.Table

	// Now is the clock seen by currentTimeMillis in timestamp filters.
	Now func() int64
}

// clockVars binds currentTimeMillis to the context clock.
func (c *Context) clockVars() map[string]interface{} {
	now := c.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return map[string]interface{}{"currentTimeMillis": now}
}

// oldestOpenBucketStart walks from per down to the finest executor and
// returns the first open bucket start found, or -1.
func (c *Context) oldestOpenBucketStart(per aggregation.Duration) int64 {
	for i := c.Durations.IndexOf(per); i >= 0; i-- {
		if start := c.Executors[i].OldestOpenBucketStart(); start != noBucket {
			return start
		}
	}
	return noBucket
}

// Options tune a Runtime.
type Options struct {
	// Now returns the current time in epoch milliseconds. Defaults to the
	// wall clock.
	Now func() int64

	// Snapshots is shared by every runtime of a process. Optional.
	Snapshots *snapshot.Coordinator
}

// Runtime owns the executor chain of one aggregation and serves retrievals
// over it.
type Runtime struct {
	ctx          *Context
	shouldUpdate expression.Evaluator
	now          func() int64
	snapshots    *snapshot.Coordinator

	// processMu serializes ingestion with rehydration.
	processMu         sync.Mutex
	firstEventArrived atomic.Bool
	rehydrated        atomic.Bool
}

// NewRuntime builds the executor chain of def over one table per duration.
func NewRuntime(def *aggregation.Definition, tables map[aggregation.Duration]storage.Table, opts Options) (*Runtime, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	for _, d := range def.Durations {
		if _, ok := tables[d]; !ok {
			return nil, aggerr.Configurationf("aggregation %q has no table for %s", def.Name, d)
		}
	}

	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	snapshots := opts.Snapshots
	if snapshots == nil {
		snapshots = &snapshot.Coordinator{}
	}

	var shouldUpdate expression.Evaluator
	if def.ShouldUpdate != "" {
		var err error
		if shouldUpdate, err = compileExpr("should_update", def.ShouldUpdate); err != nil {
			return nil, err
		}
	}

	executors := make([]*Executor, len(def.Durations))
	var next *Executor
	for i := len(def.Durations) - 1; i >= 0; i-- {
		d := def.Durations[i]
		executors[i] = NewExecutor(def, d, tables[d], next, newMergePolicy(def, shouldUpdate), now)
		next = executors[i]
	}

	return &Runtime{
		ctx: &Context{
			Definition: def,
			Durations:  def.Durations,
			Executors:  executors,
			Tables:     tables,
			Now:        now,
		},
		shouldUpdate: shouldUpdate,
		now:          now,
		snapshots:    snapshots,
	}, nil
}

// Definition returns the aggregation definition.
func (r *Runtime) Definition() *aggregation.Definition { return r.ctx.Definition }

// ProcessEvents folds events into the finest executor. The whole batch is
// rejected when an event carries no usable timestamp.
func (r *Runtime) ProcessEvents(ctx context.Context, events []v1.Event) error {
	def := r.ctx.Definition
	rows := make([]aggregation.Row, 0, len(events))
	for i := range events {
		ts, err := r.eventTime(&events[i])
		if err != nil {
			return err
		}
		rows = append(rows, def.NewRow(ts, events[i].Data))
	}
	if len(rows) == 0 {
		return nil
	}

	r.processMu.Lock()
	defer r.processMu.Unlock()

	if !r.rehydrated.Load() {
		if err := r.recreateLocked(ctx); err != nil {
			return err
		}
	}
	r.firstEventArrived.Store(true)

	return r.ctx.Executors[0].Execute(ctx, rows)
}

func (r *Runtime) eventTime(ev *v1.Event) (int64, error) {
	def := r.ctx.Definition
	if def.ExternalTime() {
		ts, err := expression.ToMillis(ev.Data[def.TimestampAttribute])
		if err != nil {
			return 0, aggerr.Runtimef("event %s: %s attribute: %w", ev.ID, def.TimestampAttribute, err)
		}
		return ts, nil
	}
	if ev.Timestamp > 0 {
		return ev.Timestamp, nil
	}
	return r.now(), nil
}

// Tick closes open buckets whose window has passed. Event-time aggregations
// only roll over on events, so Tick is a no-op for them.
func (r *Runtime) Tick(ctx context.Context) error {
	if r.ctx.Definition.ExternalTime() {
		return nil
	}

	r.processMu.Lock()
	defer r.processMu.Unlock()

	now := r.now()
	for _, e := range r.ctx.Executors {
		if err := e.Tick(ctx, now); err != nil {
			return err
		}
	}
	return nil
}

// Compile builds a retrieval plan for spec.
func (r *Runtime) Compile(spec QuerySpec) (*CompiledCondition, error) {
	plan, err := compileAggregation(r.ctx, spec, r.shouldUpdate)
	if err != nil {
		return nil, err
	}
	slog.Debug("[Runtime] Compiled retrieval plan",
		"aggregation", r.ctx.Definition.Name,
		"plan", plan.ID,
		"pushed_down", plan.PushedDown(),
	)
	return &CompiledCondition{Kind: KindAggregation, Aggregation: plan}, nil
}

// CompileTableLookup builds a lookup reading every persisted row of one
// duration that satisfies condition. Rows are visible under the default
// aggregation alias.
func (r *Runtime) CompileTableLookup(d aggregation.Duration, condition string) (*CompiledCondition, error) {
	table, ok := r.ctx.Tables[d]
	if !ok {
		return nil, aggerr.Configurationf("aggregation %q does not contain %s duration", r.ctx.Definition.Name, d)
	}
	lookup, err := table.CompileCondition(storage.Condition{
		Duration: d,
		GroupBy:  r.ctx.Definition.GroupBy,
		RowAlias: DefaultAggregationAlias,
		Residual: condition,
	})
	if err != nil {
		return nil, aggerr.Configurationf("compiling %s lookup: %v", d, err)
	}
	return &CompiledCondition{Kind: KindTableLookup, Table: lookup}, nil
}

// CompileInMemoryLookup builds a lookup over the open buckets of every
// executor.
func (r *Runtime) CompileInMemoryLookup(condition string) (*CompiledCondition, error) {
	lookup, err := NewInMemoryLookup(storage.Condition{
		GroupBy:  r.ctx.Definition.GroupBy,
		RowAlias: DefaultAggregationAlias,
		Residual: condition,
	})
	if err != nil {
		return nil, aggerr.Configurationf("compiling in-memory lookup: %v", err)
	}
	return &CompiledCondition{Kind: KindInMemoryLookup, InMemory: lookup}, nil
}

// Find runs a compiled condition for one matching event. The call is not
// snapshotable while it runs, and the condition is cloned so concurrent
// calls may share it.
func (r *Runtime) Find(ctx context.Context, event map[string]interface{}, cond *CompiledCondition) ([]map[string]interface{}, error) {
	guard := r.snapshots.Enter()
	defer guard.Release()

	def := r.ctx.Definition
	if !def.Distributed && !r.firstEventArrived.Load() && !r.rehydrated.Load() {
		if err := r.RecreateInMemoryData(ctx); err != nil {
			return nil, err
		}
	}

	cond = cond.Clone()
	vars := map[string]interface{}{DefaultStreamAlias: event}
	for k, v := range event {
		vars[k] = v
	}

	switch cond.Kind {
	case KindAggregation:
		return cond.Aggregation.Find(ctx, r.ctx, event)
	case KindTableLookup:
		table, ok := r.ctx.Tables[cond.Table.Duration]
		if !ok {
			return nil, aggerr.Runtimef("aggregation %q has no table for %s", def.Name, cond.Table.Duration)
		}
		params := storage.AllTime()
		params.Vars = vars
		rows, err := table.Find(ctx, cond.Table, params)
		if err != nil {
			return nil, fmt.Errorf("reading %s table: %w", cond.Table.Duration, err)
		}
		return r.project(rows), nil
	case KindInMemoryLookup:
		var open []aggregation.Row
		for _, e := range r.ctx.Executors {
			open = append(open, e.Snapshot()...)
		}
		params := storage.AllTime()
		params.Vars = vars
		rows, err := cond.InMemory.Find(open, params)
		if err != nil {
			return nil, aggerr.Runtimef("in-memory lookup: %w", err)
		}
		return r.project(rows), nil
	default:
		return nil, fmt.Errorf("unsupported compiled condition %s", cond.Kind)
	}
}

func (r *Runtime) project(rows []aggregation.Row) []map[string]interface{} {
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		out[i] = r.ctx.Definition.Project(row)
	}
	return out
}
