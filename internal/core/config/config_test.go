package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const tradeDefinition = `
name: "trade_volume"
stream: "trades"
group_by: [symbol]
durations: [minutes, hours]
attributes:
  - name: volume
    operator: sum
    field: qty
distributed:
  enabled: true
  shard_id: "from-file"
`

func writeDefinitions(t *testing.T, root string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, "aggregations")
	requireNoError(t, os.MkdirAll(dir, 0o755))
	for name, body := range files {
		requireNoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func writeConfig(t *testing.T, root, body string) string {
	t.Helper()
	path := filepath.Join(root, "aggregator.yaml")
	requireNoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ValidConfigAndDefinitions(t *testing.T) {
	root := t.TempDir()
	defsDir := writeDefinitions(t, root, map[string]string{"trade_volume.yaml": tradeDefinition})

	cfgPath := writeConfig(t, root, fmt.Sprintf(`
server:
  port: 8080
  host: "127.0.0.1"
  mode: "release"
storage:
  backend: "badger"
  badger:
    in_memory: true
aggregation:
  config_dir: "%s"
  tick_interval: "500ms"
  purge_schedule: "*/5 * * * *"
  shard_id: "node-2"
query:
  plan_cache_size: 16
`, defsDir))

	cfg, err := Load(cfgPath)
	requireNoError(t, err)
	if len(cfg.Definitions) != 1 {
		t.Fatalf("expected 1 loaded definition, got %d", len(cfg.Definitions))
	}
	if got := cfg.Definitions[0].ShardID; got != "node-2" {
		t.Fatalf("expected shard override node-2, got %q", got)
	}
	if got := cfg.Aggregation.EffectiveTickInterval(); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms tick interval, got %s", got)
	}
	if cfg.Query.PlanCacheSize != 16 {
		t.Fatalf("expected plan cache size 16, got %d", cfg.Query.PlanCacheSize)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	root := t.TempDir()
	defsDir := writeDefinitions(t, root, map[string]string{"trade_volume.yaml": tradeDefinition})
	cfgPath := writeConfig(t, root, fmt.Sprintf(`
server:
  port: 8080
aggregation:
  config_dir: "%s"
`, defsDir))

	t.Setenv("AGG_SERVER__PORT", "9090")
	t.Setenv("AGG_QUERY__PLAN_CACHE_SIZE", "4")

	cfg, err := Load(cfgPath)
	requireNoError(t, err)
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090 from env, got %d", cfg.Server.Port)
	}
	if cfg.Query.PlanCacheSize != 4 {
		t.Fatalf("expected plan cache size 4 from env, got %d", cfg.Query.PlanCacheSize)
	}
	if cfg.Definitions[0].ShardID != "from-file" {
		t.Fatalf("expected shard from definition file, got %q", cfg.Definitions[0].ShardID)
	}
}

func TestLoad_InvalidConfigFailsStartup(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{
			name:     "server port",
			body:     "server:\n  port: -1\n",
			expected: "invalid server.port",
		},
		{
			name:     "tick interval",
			body:     "aggregation:\n  tick_interval: \"nope\"\n",
			expected: "invalid aggregation.tick_interval",
		},
		{
			name:     "purge schedule",
			body:     "aggregation:\n  purge_schedule: \"every now and then\"\n",
			expected: "invalid aggregation.purge_schedule",
		},
		{
			name:     "unknown backend",
			body:     "storage:\n  backend: \"cassandra\"\n",
			expected: "unsupported storage.backend",
		},
		{
			name:     "postgres without dsn",
			body:     "storage:\n  backend: \"postgres\"\n",
			expected: "database.dsn is required",
		},
		{
			name:     "badger without path",
			body:     "storage:\n  backend: \"badger\"\n  badger:\n    path: \"\"\n",
			expected: "storage.badger.path is required",
		},
		{
			name:     "plan cache size",
			body:     "query:\n  plan_cache_size: 0\n",
			expected: "query.plan_cache_size must be > 0",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			defsDir := writeDefinitions(t, root, map[string]string{"trade_volume.yaml": tradeDefinition})
			t.Setenv("AGG_AGGREGATION__CONFIG_DIR", defsDir)
			cfgPath := writeConfig(t, root, tc.body)

			_, err := Load(cfgPath)
			if err == nil || !strings.Contains(err.Error(), tc.expected) {
				t.Fatalf("expected %q error, got %v", tc.expected, err)
			}
		})
	}
}

func TestLoad_NoDefinitionsFailsStartup(t *testing.T) {
	root := t.TempDir()
	defsDir := writeDefinitions(t, root, nil)
	cfgPath := writeConfig(t, root, fmt.Sprintf("aggregation:\n  config_dir: %q\n", defsDir))

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "no aggregation definitions found") {
		t.Fatalf("expected no definitions error, got %v", err)
	}
}

func TestLoad_InvalidDefinitionFileFailsStartup(t *testing.T) {
	root := t.TempDir()
	defsDir := writeDefinitions(t, root, map[string]string{"bad.yaml": `
name: "bad"
stream: "trades"
durations: [minutes]
attributes:
  - name: spread
    operator: median
    field: price
`})
	cfgPath := writeConfig(t, root, fmt.Sprintf("aggregation:\n  config_dir: %q\n", defsDir))

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "failed to load aggregation definitions") {
		t.Fatalf("expected definition load error, got %v", err)
	}
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
