package aggregation

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	aggerr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
	"gopkg.in/yaml.v3"
)

// Attribute is one declared output attribute of an aggregation.
type Attribute struct {
	Name     string `yaml:"name"`
	Operator string `yaml:"operator"` // count, sum, min, max, avg, distinctCount, last
	Field    string `yaml:"field"`    // event data field; empty for count
}

// Definition describes one incremental aggregation: which stream it folds,
// how events are grouped, which granularities are kept and which attributes
// are computed. Definitions are loaded at startup and fingerprinted.
type Definition struct {
	Name    string
	Stream  string
	GroupBy []string

	// TimestampAttribute names the event field carrying the event time.
	// Empty means the aggregation runs on processing (arrival) time.
	TimestampAttribute string

	Durations  Ladder
	Attributes []Attribute

	// ShouldUpdate is an optional predicate over `current` and `incoming`
	// rows deciding whether incoming supersedes current.
	ShouldUpdate string

	// Retention maps a duration to how long its rows are kept by the purger.
	// Durations without an entry are never purged.
	Retention map[Duration]time.Duration

	Distributed bool
	ShardID     string

	Fingerprint string // SHA-256 of the raw YAML file; computed at load time
}

// rawDefinition is the on-disk YAML shape.
type rawDefinition struct {
	Name         string            `yaml:"name"`
	Stream       string            `yaml:"stream"`
	GroupBy      []string          `yaml:"group_by"`
	Timestamp    string            `yaml:"timestamp"`
	Durations    []string          `yaml:"durations"`
	Attributes   []Attribute       `yaml:"attributes"`
	ShouldUpdate string            `yaml:"should_update"`
	Retention    map[string]string `yaml:"retention"`
	Distributed  struct {
		Enabled bool   `yaml:"enabled"`
		ShardID string `yaml:"shard_id"`
	} `yaml:"distributed"`
}

var reservedAttributes = map[string]struct{}{
	AttrTimestamp:          {},
	AttrLastEventTimestamp: {},
	AttrEventTimestamp:     {},
}

// ParseDefinition decodes and validates a single YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, aggerr.Configurationf("parsing aggregation definition: %v", err)
	}
	if raw.Name == "" {
		return nil, aggerr.Configurationf("aggregation definition has no name")
	}

	ladder, err := ParseLadder(raw.Durations)
	if err != nil {
		return nil, fmt.Errorf("aggregation %q: %w", raw.Name, err)
	}

	retention := make(map[Duration]time.Duration, len(raw.Retention))
	for name, value := range raw.Retention {
		d, err := NormalizeDuration(name)
		if err != nil {
			return nil, fmt.Errorf("aggregation %q retention: %w", raw.Name, err)
		}
		keep, err := parseRetention(value)
		if err != nil {
			return nil, aggerr.Configurationf("aggregation %q retention for %s: %v", raw.Name, d, err)
		}
		retention[d] = keep
	}

	def := &Definition{
		Name:               raw.Name,
		Stream:             raw.Stream,
		GroupBy:            raw.GroupBy,
		TimestampAttribute: raw.Timestamp,
		Durations:          ladder,
		Attributes:         raw.Attributes,
		ShouldUpdate:       raw.ShouldUpdate,
		Retention:          retention,
		Distributed:        raw.Distributed.Enabled,
		ShardID:            raw.Distributed.ShardID,
		Fingerprint:        fmt.Sprintf("%x", sha256.Sum256(data)),
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks the structural rules of a definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return aggerr.Configurationf("aggregation name must not be empty")
	}
	if d.Stream == "" {
		return aggerr.Configurationf("aggregation %q: stream must not be empty", d.Name)
	}
	if len(d.Durations) == 0 {
		return aggerr.Configurationf("aggregation %q: durations must not be empty", d.Name)
	}
	if len(d.Attributes) == 0 {
		return aggerr.Configurationf("aggregation %q: at least one attribute is required", d.Name)
	}
	if d.Distributed && d.ShardID == "" {
		return aggerr.Configurationf("aggregation %q: distributed mode requires a shard_id", d.Name)
	}

	seen := make(map[string]struct{}, len(d.Attributes)+len(d.GroupBy))
	for _, g := range d.GroupBy {
		if _, dup := seen[g]; dup || g == "" {
			return aggerr.Configurationf("aggregation %q: invalid or duplicate group_by attribute %q", d.Name, g)
		}
		seen[g] = struct{}{}
	}
	for _, a := range d.Attributes {
		if a.Name == "" {
			return aggerr.Configurationf("aggregation %q: attribute name must not be empty", d.Name)
		}
		if _, reserved := reservedAttributes[a.Name]; reserved {
			return aggerr.Configurationf("aggregation %q: attribute name %q is reserved", d.Name, a.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return aggerr.Configurationf("aggregation %q: duplicate attribute %q", d.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
		if !ValidOperator(a.Operator) {
			return aggerr.Configurationf("aggregation %q: unsupported operator %q", d.Name, a.Operator)
		}
		if a.Operator != OpCount && a.Field == "" {
			return aggerr.Configurationf("aggregation %q: attribute %q needs a field for %s", d.Name, a.Name, a.Operator)
		}
	}
	return nil
}

// ExternalTime reports whether buckets follow an event-carried timestamp.
func (d *Definition) ExternalTime() bool {
	return d.TimestampAttribute != ""
}

// IsGroupByAttribute reports whether name is one of the group-by attributes.
func (d *Definition) IsGroupByAttribute(name string) bool {
	for _, g := range d.GroupBy {
		if g == name {
			return true
		}
	}
	return false
}

// parseRetention parses a retention period.
// Supports Go duration syntax (e.g., "90m", "48h") plus "Xd" for days.
func parseRetention(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("retention must not be empty")
	}

	// Handle "d" suffix (days), not supported by time.ParseDuration.
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid retention %q: %w", s, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("retention must be positive, got %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid retention %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %q", s)
	}
	return d, nil
}

// DefinitionRepository provides the aggregation definitions known to the process.
type DefinitionRepository interface {
	// Get returns the definition with the given name, or an error if not found.
	Get(ctx context.Context, name string) (*Definition, error)

	// List returns all loaded definitions, optionally filtered by stream.
	List(ctx context.Context, stream string) ([]Definition, error)
}

// FileSystemDefinitionRepository loads definitions from *.yaml files in a
// directory. Each file holds exactly one definition at the top level.
// Definitions are loaded once at startup; there is no hot reload.
type FileSystemDefinitionRepository struct {
	dir         string
	definitions map[string]Definition // keyed by Name
}

// NewFileSystemDefinitionRepository creates a repository and eagerly loads all
// definitions from dir. Returns an error if any file is malformed or invalid.
func NewFileSystemDefinitionRepository(dir string) (*FileSystemDefinitionRepository, error) {
	repo := &FileSystemDefinitionRepository{
		dir:         dir,
		definitions: make(map[string]Definition),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemDefinitionRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil // no definitions directory: zero aggregations configured
	}
	if err != nil {
		return fmt.Errorf("aggregation definition dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("aggregation definition path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading aggregation definition dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading definition file %s: %w", path, err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}

		def, err := ParseDefinition(data)
		if err != nil {
			return fmt.Errorf("definition file %s: %w", path, err)
		}
		if _, exists := r.definitions[def.Name]; exists {
			return aggerr.Configurationf("aggregation %q: duplicate definition name (check multiple YAML files)", def.Name)
		}
		r.definitions[def.Name] = *def
	}
	return nil
}

// Get returns the definition with the given name, or an error if not found.
func (r *FileSystemDefinitionRepository) Get(_ context.Context, name string) (*Definition, error) {
	def, ok := r.definitions[name]
	if !ok {
		return nil, fmt.Errorf("aggregation %q not found", name)
	}
	return &def, nil
}

// List returns all loaded definitions, optionally filtered by stream.
func (r *FileSystemDefinitionRepository) List(_ context.Context, stream string) ([]Definition, error) {
	var out []Definition
	for _, def := range r.definitions {
		if stream != "" && def.Stream != stream {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
