package pool

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds configuration for the Manager.
type Config struct {
	// MaxSize bounds the number of pooled adapters. Zero means unbounded.
	// The pool may hold MaxSize+1 entries between registering a new entry
	// and the eviction pass that follows it.
	MaxSize int

	// AutoReconnect retries failed connects every ReconnectInterval, without
	// an attempt cap. When false a single failed attempt fails Acquire.
	AutoReconnect bool

	// ReconnectInterval is the fixed wait between connect attempts.
	// Default: 5s
	ReconnectInterval time.Duration

	// Clock supplies time for touch stamps and retry waits.
	// Default: the wall clock
	Clock clock.Clock

	// Logger receives pool lifecycle events.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns an unbounded pool that reconnects every 5 seconds.
func DefaultConfig() Config {
	return Config{
		AutoReconnect:     true,
		ReconnectInterval: 5 * time.Second,
	}
}

// validate fills defaults and clamps out-of-range values.
func (c *Config) validate() {
	if c.MaxSize < 0 {
		c.MaxSize = 0
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
