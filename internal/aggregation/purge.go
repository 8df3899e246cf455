package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
	"github.com/robfig/cron/v3"
)

// DefaultPurgeSchedule runs the purger every fifteen minutes.
const DefaultPurgeSchedule = "@every 15m"

// Purger deletes rows older than the retention of their duration.
// Durations without a retention are never purged.
type Purger struct {
	def      *aggregation.Definition
	tables   map[aggregation.Duration]storage.Table
	schedule string
	now      func() int64
}

// NewPurger creates a purger running on a cron schedule (standard five-field
// syntax or descriptors such as "@every 1h").
func NewPurger(def *aggregation.Definition, tables map[aggregation.Duration]storage.Table, schedule string, now func() int64) *Purger {
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Purger{def: def, tables: tables, schedule: schedule, now: now}
}

// Start runs the purger until ctx is cancelled. A run in progress is waited
// for before returning.
func (p *Purger) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(p.schedule, func() {
		if _, err := p.PurgeOnce(ctx); err != nil {
			slog.Error("[Purger] Purge failed", "aggregation", p.def.Name, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", p.schedule, err)
	}

	slog.Info("[Purger] Starting", "aggregation", p.def.Name, "schedule", p.schedule)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("[Purger] Stopped", "aggregation", p.def.Name)
	return nil
}

// PurgeOnce deletes expired rows of every duration with a retention and
// returns how many were removed.
func (p *Purger) PurgeOnce(ctx context.Context) (int64, error) {
	now := p.now()
	var total int64
	for _, d := range p.def.Durations {
		keep, ok := p.def.Retention[d]
		if !ok {
			continue
		}
		table, ok := p.tables[d]
		if !ok {
			continue
		}

		cutoff := now - keep.Milliseconds()
		n, err := table.DeleteBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s rows of %q: %w", d, p.def.Name, err)
		}
		total += n

		if n > 0 {
			slog.Info("[Purger] Removed expired rows",
				"aggregation", p.def.Name,
				"duration", d,
				"before", time.UnixMilli(cutoff).UTC(),
				"rows", n,
			)
		}
	}
	return total, nil
}

// StartPurging runs a purger over the runtime's tables until ctx is
// cancelled.
func (r *Runtime) StartPurging(ctx context.Context, schedule string) error {
	return NewPurger(r.ctx.Definition, r.ctx.Tables, schedule, r.now).Start(ctx)
}
