package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aevon-lab/incremental-aggregation/internal/aggregation"
	coreagg "github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	corecfg "github.com/aevon-lab/incremental-aggregation/internal/core/config"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage/badger"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage/memory"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage/postgres"
	"github.com/aevon-lab/incremental-aggregation/internal/ingestion"
	"github.com/aevon-lab/incremental-aggregation/internal/migrations"
	"github.com/aevon-lab/incremental-aggregation/internal/projection"
	"github.com/aevon-lab/incremental-aggregation/internal/server"
)

func main() {
	configPath := flag.String("config", "aggregator.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration and aggregation definitions
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"backend", cfg.Storage.Backend,
		"definitions", len(cfg.Definitions),
		"tick_interval", cfg.Aggregation.EffectiveTickInterval(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	background := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				slog.Error("Background task stopped with error", "task", name, "error", err)
			}
		}()
	}

	// 2. Initialize Storage
	checks := map[string]server.HealthChecker{}
	var tablesFor func(def *coreagg.Definition) map[coreagg.Duration]storage.Table

	switch cfg.Storage.Backend {
	case corecfg.BackendPostgres:
		adapter, err := postgres.NewAdapter(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer adapter.Close()

		// 2.1. Run Database Migrations
		status, err := migrations.RunMigrations(adapter.DB(), cfg.Database.AutoMigrate)
		if err != nil {
			slog.Error("Failed to run database migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("Database schema ready",
			"from_version", status.FromVersion,
			"version", status.Version,
			"applied", status.Applied,
			"recovered", status.Recovered,
		)
		if err := adapter.ValidateSchema(ctx); err != nil {
			slog.Error("Database schema is not ready", "error", err)
			os.Exit(1)
		}

		checks["database"] = adapter
		tablesFor = func(def *coreagg.Definition) map[coreagg.Duration]storage.Table {
			tables := make(map[coreagg.Duration]storage.Table, len(def.Durations))
			for _, d := range def.Durations {
				tables[d] = adapter.Table(def.Name, d)
			}
			return tables
		}

	case corecfg.BackendBadger:
		store, err := badger.Open(badger.Config{
			Path:        cfg.Storage.Badger.Path,
			InMemory:    cfg.Storage.Badger.InMemory,
			MaxMemoryMB: cfg.Storage.Badger.MaxMemoryMB,
		})
		if err != nil {
			slog.Error("Failed to open badger store", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		background("badger-gc", func(ctx context.Context) error {
			return store.RunGCOnSchedule(ctx, cfg.Storage.Badger.GCSchedule, cfg.Storage.Badger.DiscardRatio)
		})
		tablesFor = func(def *coreagg.Definition) map[coreagg.Duration]storage.Table {
			tables := make(map[coreagg.Duration]storage.Table, len(def.Durations))
			for _, d := range def.Durations {
				tables[d] = store.Table(def.Name, d)
			}
			return tables
		}

	default:
		slog.Warn("Using in-memory tables, aggregates are lost on restart")
		tablesFor = func(def *coreagg.Definition) map[coreagg.Duration]storage.Table {
			tables := make(map[coreagg.Duration]storage.Table, len(def.Durations))
			for _, d := range def.Durations {
				tables[d] = memory.NewTable()
			}
			return tables
		}
	}

	// 3. Initialize Aggregation Runtimes
	registry := aggregation.NewRegistry()
	for i := range cfg.Definitions {
		def := &cfg.Definitions[i]
		rt, err := aggregation.NewRuntime(def, tablesFor(def), aggregation.Options{})
		if err != nil {
			slog.Error("Failed to build aggregation runtime", "aggregation", def.Name, "error", err)
			os.Exit(1)
		}
		if err := registry.Register(rt); err != nil {
			slog.Error("Failed to register aggregation runtime", "aggregation", def.Name, "error", err)
			os.Exit(1)
		}

		// Open buckets are rebuilt before the first request is served.
		if err := rt.RecreateInMemoryData(ctx); err != nil {
			slog.Error("Failed to recreate in-memory data", "aggregation", def.Name, "error", err)
			os.Exit(1)
		}

		if cfg.Aggregation.PurgeSchedule != "" && len(def.Retention) > 0 {
			background("purger-"+def.Name, func(ctx context.Context) error {
				return rt.StartPurging(ctx, cfg.Aggregation.PurgeSchedule)
			})
		}
	}

	scheduler := aggregation.NewScheduler(cfg.Aggregation.EffectiveTickInterval(), registry)
	background("scheduler", scheduler.Start)

	slog.Info("Aggregation runtimes initialized",
		"aggregations", len(registry.Runtimes()),
		"purge_schedule", cfg.Aggregation.PurgeSchedule,
	)

	// 4. Initialize Ingestion and Projection
	ingestionSvc := ingestion.NewService(registry, cfg.Server.MaxBodySizeMB)
	projectionSvc, err := projection.NewService(registry, cfg.Query.PlanCacheSize)
	if err != nil {
		slog.Error("Failed to initialize query service", "error", err)
		os.Exit(1)
	}

	// 5. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), cfg.Server.Mode, checks, ingestionSvc, projectionSvc)

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
		cancel()
	}

	// The scheduler flushes once more on the way out; wait for it before the
	// stores are closed.
	wg.Wait()
	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
