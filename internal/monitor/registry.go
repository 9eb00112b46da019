package monitor

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a plugin instance. Construction must be cheap; source
// probing belongs in Initialize.
type Constructor func() (Plugin, error)

// Registry is an explicit name-to-constructor map. Plugins are registered by
// the composition root; there is no implicit discovery.
type Registry struct {
	mu    sync.Mutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: map[string]Constructor{}}
}

func (r *Registry) Register(name string, c Constructor) error {
	if name == "" || c == nil {
		return fmt.Errorf("registry: name and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ctors[name]; dup {
		return fmt.Errorf("registry: duplicate plugin %q", name)
	}
	r.ctors[name] = c
	return nil
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) get(name string) (Constructor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.ctors[name]
	return c, ok
}
