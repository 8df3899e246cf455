package aggregation

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTickInterval is how often open processing-time buckets are checked.
const DefaultTickInterval = time.Second

// Scheduler closes processing-time buckets whose window has passed, so a
// quiet stream still persists its last bucket.
type Scheduler struct {
	interval time.Duration
	registry *Registry
}

// NewScheduler creates a scheduler ticking every runtime of registry.
func NewScheduler(interval time.Duration, registry *Registry) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{interval: interval, registry: registry}
}

// Start ticks until ctx is cancelled, then runs a final tick.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting bucket scheduler",
		"interval", s.interval,
		"aggregations", len(s.registry.Runtimes()),
	)

	for {
		select {
		case <-ticker.C:
			s.tickAll(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			s.tickAll(shutdownCtx)
			slog.Info("[Scheduler] Final tick complete")
			return nil
		}
	}
}

func (s *Scheduler) tickAll(ctx context.Context) {
	for _, rt := range s.registry.Runtimes() {
		if err := rt.Tick(ctx); err != nil {
			slog.Error("[Scheduler] Tick failed",
				"aggregation", rt.Definition().Name,
				"error", err,
			)
		}
	}
}
