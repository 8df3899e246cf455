package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	coreagg "github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Config represents the top-level application config plus the loaded
// aggregation definitions.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Storage     StorageConfig     `koanf:"storage"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Query       QueryConfig       `koanf:"query"`

	// Definitions is populated by Load from aggregation.config_dir.
	Definitions []coreagg.Definition `koanf:"-"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

// DatabaseConfig is only read by the postgres backend.
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type StorageConfig struct {
	Backend string       `koanf:"backend"` // memory | postgres | badger
	Badger  BadgerConfig `koanf:"badger"`
}

type BadgerConfig struct {
	Path        string `koanf:"path"`
	InMemory    bool   `koanf:"in_memory"`
	MaxMemoryMB int64  `koanf:"max_memory_mb"`

	// GCSchedule is a cron spec for value log garbage collection.
	GCSchedule   string  `koanf:"gc_schedule"`
	DiscardRatio float64 `koanf:"discard_ratio"`
}

type AggregationConfig struct {
	ConfigDir          string `koanf:"config_dir"`
	RequireDefinitions bool   `koanf:"require_definitions"`

	// TickInterval drives rollover of processing-time buckets when no event
	// arrives.
	TickInterval string `koanf:"tick_interval"`

	// PurgeSchedule is a cron spec; empty disables purging.
	PurgeSchedule string `koanf:"purge_schedule"`

	// ShardID overrides the shard of every distributed definition.
	ShardID string `koanf:"shard_id"`
}

type QueryConfig struct {
	PlanCacheSize int `koanf:"plan_cache_size"`
}

// EffectiveTickInterval returns the parsed tick interval. Validate has
// already rejected unparsable values.
func (c AggregationConfig) EffectiveTickInterval() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required")
		}
		if c.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("database.max_open_conns must be > 0")
		}
		if c.Database.MaxIdleConns <= 0 {
			return fmt.Errorf("database.max_idle_conns must be > 0")
		}
	case BackendBadger:
		if !c.Storage.Badger.InMemory && strings.TrimSpace(c.Storage.Badger.Path) == "" {
			return fmt.Errorf("storage.badger.path is required unless storage.badger.in_memory is set")
		}
		if c.Storage.Badger.DiscardRatio <= 0 || c.Storage.Badger.DiscardRatio >= 1 {
			return fmt.Errorf("storage.badger.discard_ratio must be in (0, 1)")
		}
		if err := validateSchedule("storage.badger.gc_schedule", c.Storage.Badger.GCSchedule); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}

	if strings.TrimSpace(c.Aggregation.ConfigDir) == "" {
		return fmt.Errorf("aggregation.config_dir is required")
	}
	interval, err := time.ParseDuration(c.Aggregation.TickInterval)
	if err != nil {
		return fmt.Errorf("invalid aggregation.tick_interval %q: %w", c.Aggregation.TickInterval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("aggregation.tick_interval must be > 0")
	}
	if err := validateSchedule("aggregation.purge_schedule", c.Aggregation.PurgeSchedule); err != nil {
		return err
	}

	if c.Query.PlanCacheSize <= 0 {
		return fmt.Errorf("query.plan_cache_size must be > 0")
	}

	return nil
}

func validateSchedule(key, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, spec, err)
	}
	return nil
}

// Load parses config from file + env, validates it, then loads and validates
// the aggregation definitions.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                     8080,
		"server.host":                     "0.0.0.0",
		"server.max_body_size_mb":         1,
		"server.mode":                     "release",
		"database.dsn":                    "",
		"database.max_open_conns":         25,
		"database.max_idle_conns":         25,
		"database.auto_migrate":           true,
		"storage.backend":                 BackendMemory,
		"storage.badger.path":             "./data/aggregates",
		"storage.badger.in_memory":        false,
		"storage.badger.max_memory_mb":    64,
		"storage.badger.gc_schedule":      "@every 10m",
		"storage.badger.discard_ratio":    0.5,
		"aggregation.config_dir":          "./config/aggregations",
		"aggregation.require_definitions": true,
		"aggregation.tick_interval":       "1s",
		"aggregation.purge_schedule":      "@every 15m",
		"aggregation.shard_id":            "",
		"query.plan_cache_size":           256,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// AGG_SERVER__PORT=9090 overrides server.port
	if err := k.Load(env.Provider("AGG_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "AGG_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	repo, err := coreagg.NewFileSystemDefinitionRepository(cfg.Aggregation.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregation definitions: %w", err)
	}
	defs, err := repo.List(context.Background(), "")
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregation definitions: %w", err)
	}
	if cfg.Aggregation.RequireDefinitions && len(defs) == 0 {
		return nil, fmt.Errorf("no aggregation definitions found in %q", cfg.Aggregation.ConfigDir)
	}

	if cfg.Aggregation.ShardID != "" {
		for i := range defs {
			if defs[i].Distributed {
				defs[i].ShardID = cfg.Aggregation.ShardID
			}
		}
	}
	cfg.Definitions = defs

	return &cfg, nil
}
