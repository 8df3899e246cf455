package aggregation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
)

// RecreateInMemoryData rebuilds the open buckets from the persisted tables,
// typically after a restart. It runs under the ingestion lock and is a no-op
// once an event has been processed, since the open buckets then hold data
// the tables do not have.
func (r *Runtime) RecreateInMemoryData(ctx context.Context) error {
	r.processMu.Lock()
	defer r.processMu.Unlock()
	if r.firstEventArrived.Load() {
		return nil
	}
	return r.recreateLocked(ctx)
}

// recreateLocked walks the ladder from the coarsest duration down. Rows of
// table i newer than the newest bucket of table i+1 have not been rolled up
// yet, so they are the open bucket of executor i+1. The finest executor
// starts empty with its boundary after the newest finest row.
func (r *Runtime) recreateLocked(ctx context.Context) error {
	def := r.ctx.Definition
	durations := r.ctx.Durations
	shard := def.ShardID

	latest := make([]int64, len(durations))
	for i, d := range durations {
		ts, err := r.ctx.Tables[d].Latest(ctx, shard)
		if err != nil {
			return fmt.Errorf("reading latest %s bucket of %q: %w", d, def.Name, err)
		}
		latest[i] = ts
	}

	restored := 0
	for i := len(durations) - 2; i >= 0; i-- {
		coarser := durations[i+1]
		persistedEnd := noBucket
		params := storage.AllTime()
		params.ShardID = shard
		if latest[i+1] != noBucket {
			persistedEnd = aggregation.NextBucketStart(latest[i+1], coarser)
			params.Start = persistedEnd
		}

		table := r.ctx.Tables[durations[i]]
		lookup, err := table.CompileCondition(storage.Condition{Duration: durations[i]})
		if err != nil {
			return fmt.Errorf("compiling %s rehydration lookup: %w", durations[i], err)
		}
		rows, err := table.Find(ctx, lookup, params)
		if err != nil {
			return fmt.Errorf("reading %s rows of %q: %w", durations[i], def.Name, err)
		}
		if err := r.ctx.Executors[i+1].Restore(ctx, persistedEnd, rows); err != nil {
			return err
		}
		restored += len(rows)
	}

	finestEnd := noBucket
	if latest[0] != noBucket {
		finestEnd = aggregation.NextBucketStart(latest[0], durations[0])
	}
	if err := r.ctx.Executors[0].Restore(ctx, finestEnd, nil); err != nil {
		return err
	}

	r.rehydrated.Store(true)
	slog.Info("[Runtime] Recreated in-memory data",
		"aggregation", def.Name,
		"shard_id", shard,
		"rows", restored,
	)
	return nil
}
