package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jacentio/canopy/adapter"
	"github.com/jacentio/canopy/pool"
)

// DefaultTenant is the tenant key used when Config.TenantKey is nil.
const DefaultTenant = "default"

// Config holds configuration for the Store.
type Config struct {
	// Adapter selects the backend each tenant connects to.
	Adapter adapter.Config

	// TenantKey derives the tenant from the request context. It must return the
	// same key for the same context.
	// Default: always DefaultTenant
	TenantKey func(ctx context.Context) string

	// MaxLimit caps the page size of list reads. A list read without a limit
	// also receives MaxLimit, so Find never returns an unbounded result;
	// UpdateMany and RemoveMany only cap an explicit limit. Zero disables the cap.
	// Default: 1000
	MaxLimit int

	// DefaultPageSize is used when a page is requested without a page size.
	// Default: 25
	DefaultPageSize int

	// SoftDelete turns Remove into an update that marks the entity deleted.
	// Default: nil (physical delete)
	SoftDelete *SoftDelete

	// NestedFieldSupport is forwarded to the validator.
	NestedFieldSupport bool

	// Cache and Events receive change notifications. Either may be nil.
	Cache  ChangeSink
	Events ChangeSink

	// Pool configures the tenant adapter pool.
	// Default: pool.DefaultConfig()
	Pool pool.Config

	// Logger receives debug output for every operation.
	// Default: slog.Default()
	Logger *slog.Logger
}

// SoftDelete describes how a removed entity is marked.
type SoftDelete struct {
	// Field is the logical field written on removal.
	Field string

	// Value returns the value stored in Field. Default: the removal time.
	Value func(now time.Time) any
}

// DefaultConfig returns a single-tenant configuration on the given backend.
func DefaultConfig(backend adapter.Config) Config {
	return Config{
		Adapter:         backend,
		MaxLimit:        1000,
		DefaultPageSize: 25,
		Pool:            pool.DefaultConfig(),
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.TenantKey == nil {
		c.TenantKey = func(context.Context) string { return DefaultTenant }
	}
	if c.MaxLimit < 0 {
		c.MaxLimit = 0
	}
	if c.DefaultPageSize < 0 {
		c.DefaultPageSize = 0
	}
	if c.SoftDelete != nil {
		sd := *c.SoftDelete
		if sd.Value == nil {
			sd.Value = func(now time.Time) any { return now.UTC() }
		}
		c.SoftDelete = &sd
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Pool.Clock == nil {
		c.Pool.Clock = clock.New()
	}
	if c.Pool.Logger == nil {
		c.Pool.Logger = c.Logger
	}
}
