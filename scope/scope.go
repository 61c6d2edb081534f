// Package scope resolves named, reusable query filter fragments into a
// single merged query.
package scope

import (
	"context"
	"fmt"
)

// Definition is a named query fragment. Exactly one of Filter or Apply is set.
type Definition struct {
	// Filter is deep-merged into the query without overwriting existing keys.
	Filter map[string]any

	// Apply receives the current query and returns the next one.
	Apply func(ctx context.Context, query map[string]any) (map[string]any, error)
}

// Selector picks which scopes an operation uses. The zero value selects the
// configured defaults.
type Selector struct {
	Names    []string
	Disabled bool
}

// Names selects exactly the given scopes.
func Names(names ...string) Selector {
	if names == nil {
		names = []string{}
	}
	return Selector{Names: names}
}

// None requests that no scope is applied.
func None() Selector {
	return Selector{Disabled: true}
}

// IsDefault reports whether the selector falls back to the default scopes.
func (s Selector) IsDefault() bool {
	return !s.Disabled && s.Names == nil
}

// Resolver holds the ordered scope definitions of one entity.
type Resolver struct {
	order    []string
	defs     map[string]Definition
	defaults []string

	// Authorize decides whether a scope may be applied in ctx. Denied scopes
	// are dropped. A nil Authorize allows every scope.
	Authorize func(ctx context.Context, name string, def Definition) bool

	// AuthorizeBypass decides whether ctx may disable scoping entirely. When it
	// denies, the default scopes apply instead. A nil AuthorizeBypass allows.
	AuthorizeBypass func(ctx context.Context) bool
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{defs: make(map[string]Definition)}
}

// Register adds or replaces a named scope. Registration order is preserved.
func (r *Resolver) Register(name string, def Definition) error {
	if def.Filter == nil && def.Apply == nil {
		return fmt.Errorf("canopy: scope %q has neither filter nor apply", name)
	}
	if _, exists := r.defs[name]; !exists {
		r.order = append(r.order, name)
	}
	r.defs[name] = def
	return nil
}

// SetDefaults sets the scopes applied when a caller selects none. Order is
// significant.
func (r *Resolver) SetDefaults(names ...string) error {
	for _, n := range names {
		if _, ok := r.defs[n]; !ok {
			return fmt.Errorf("canopy: unknown default scope %q", n)
		}
	}
	r.defaults = append([]string(nil), names...)
	return nil
}

// Defaults returns the default scope names.
func (r *Resolver) Defaults() []string {
	return append([]string(nil), r.defaults...)
}

// Lookup returns a scope definition by name.
func (r *Resolver) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Apply folds the selected scopes into query and returns the result. query is
// never mutated. The caller's keys win over every scope, and earlier scopes
// win over later ones.
func (r *Resolver) Apply(ctx context.Context, query map[string]any, sel Selector) (map[string]any, error) {
	out := Clone(query)
	if out == nil {
		out = map[string]any{}
	}
	if r == nil {
		return out, nil
	}

	for _, name := range r.selected(ctx, sel) {
		def, ok := r.defs[name]
		if !ok {
			continue
		}
		if r.Authorize != nil && !r.Authorize(ctx, name, def) {
			continue
		}
		if def.Apply != nil {
			next, err := def.Apply(ctx, out)
			if err != nil {
				return nil, fmt.Errorf("scope %s: %w", name, err)
			}
			if next == nil {
				next = map[string]any{}
			}
			out = next
			continue
		}
		MergeMissing(out, def.Filter)
	}
	return out, nil
}

func (r *Resolver) selected(ctx context.Context, sel Selector) []string {
	switch {
	case sel.Disabled:
		if r.AuthorizeBypass == nil || r.AuthorizeBypass(ctx) {
			return nil
		}
		return r.defaults
	case sel.Names != nil:
		return sel.Names
	default:
		return r.defaults
	}
}

// MergeMissing copies keys of src into dst that dst does not already hold.
// When both sides hold plain maps under the same key the merge recurses.
func MergeMissing(dst, src map[string]any) {
	for k, v := range src {
		existing, ok := dst[k]
		if !ok {
			dst[k] = cloneValue(v)
			continue
		}
		dm, dok := existing.(map[string]any)
		sm, sok := v.(map[string]any)
		if dok && sok {
			MergeMissing(dm, sm)
		}
	}
}

// Clone deep-copies the plain-map structure of a query. Non-map values are
// shared.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if m, ok := v.(map[string]any); ok {
		return Clone(m)
	}
	return v
}
