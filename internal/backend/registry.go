package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a new Backend instance for the given participant id.
type Factory func(id string) (Backend, error)

// Registry manages registered backend adapter factories. Adapters register
// themselves at init time; callers instantiate them by type name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var globalRegistry = &Registry{
	factories: make(map[string]Factory),
}

// Register adds a factory to the global registry. The name should be
// lowercase (e.g. "memory", "asana").
func Register(name string, factory Factory) {
	globalRegistry.Register(name, factory)
}

// Get retrieves a factory from the global registry, or nil.
func Get(name string) Factory {
	return globalRegistry.Get(name)
}

// List returns the names of all registered adapter types.
func List() []string {
	return globalRegistry.List()
}

// New instantiates the named adapter type with the given backend id.
func New(name, id string) (Backend, error) {
	return globalRegistry.New(name, id)
}

// Register adds a factory to this registry.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get retrieves a factory from this registry, or nil.
func (r *Registry) Get(name string) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[name]
}

// List returns registered adapter type names, sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New instantiates the named adapter type.
func (r *Registry) New(name, id string) (Backend, error) {
	factory := r.Get(name)
	if factory == nil {
		return nil, fmt.Errorf("unknown backend type %q (available: %v)", name, r.List())
	}
	return factory(id)
}

// Clear removes all registered factories. Used primarily for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}
