package aggregation

import (
	"sort"

	aggerr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
)

// Registry indexes the runtimes of a process by aggregation name and by the
// stream they consume. It is built at startup and read-only afterwards.
type Registry struct {
	byName   map[string]*Runtime
	byStream map[string][]*Runtime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*Runtime),
		byStream: make(map[string][]*Runtime),
	}
}

// Register adds a runtime. Names must be unique.
func (r *Registry) Register(rt *Runtime) error {
	def := rt.Definition()
	if _, exists := r.byName[def.Name]; exists {
		return aggerr.Configurationf("aggregation %q registered twice", def.Name)
	}
	r.byName[def.Name] = rt
	r.byStream[def.Stream] = append(r.byStream[def.Stream], rt)
	return nil
}

// Get returns the runtime of an aggregation.
func (r *Registry) Get(name string) (*Runtime, bool) {
	rt, ok := r.byName[name]
	return rt, ok
}

// ForStream returns the runtimes consuming a stream.
func (r *Registry) ForStream(stream string) []*Runtime {
	return r.byStream[stream]
}

// Runtimes returns every runtime ordered by name.
func (r *Registry) Runtimes() []*Runtime {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Runtime, len(names))
	for i, name := range names {
		out[i] = r.byName[name]
	}
	return out
}
