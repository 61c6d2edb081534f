package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps backend kinds to constructors. It implements Factory.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]FactoryFunc
}

var _ Factory = (*Registry)(nil)

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[string]FactoryFunc),
	}
}

// Register adds a constructor for a backend kind, replacing any previous one.
func (r *Registry) Register(kind string, fn FactoryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = fn
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// Resolve builds an unconnected adapter for cfg.Kind.
func (r *Registry) Resolve(cfg Config) (Adapter, error) {
	r.mu.RLock()
	fn, ok := r.kinds[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	return fn(cfg)
}
