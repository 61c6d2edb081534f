// Package notify provides store.ChangeSink implementations.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jacentio/canopy/internal/shard"
	"github.com/jacentio/canopy/store"
)

// DefaultChannelPrefix prefixes the Redis channel of every change.
const DefaultChannelPrefix = "canopy:changes"

// LogSink writes every change to a structured logger.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

var _ store.ChangeSink = (*LogSink)(nil)

func (s *LogSink) Notify(ctx context.Context, c store.Change) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, s.Level, "entity changed",
		slog.String("type", string(c.Type)),
		slog.String("schema", c.Schema),
		slog.String("tenant", c.Tenant),
		slog.Bool("batch", c.Batch),
		slog.Bool("soft_delete", c.SoftDelete),
	)
	return nil
}

// Publisher is the subset of *redis.Client the Redis sink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

var _ Publisher = (*redis.Client)(nil)

// RedisSink publishes each change as JSON on a per-schema Redis channel,
// "<prefix>:<schema>". Subscribers use it to invalidate caches.
//
// With more than one shard, tenants are spread over "<prefix>:<schema>#NN"
// channels so subscribers can split the load.
type RedisSink struct {
	client Publisher
	prefix string
	shards int
}

var _ store.ChangeSink = (*RedisSink)(nil)

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithShards spreads each schema's changes over n channels by tenant.
func WithShards(n int) RedisOption {
	return func(s *RedisSink) { s.shards = n }
}

// NewRedisSink creates a RedisSink. An empty prefix uses DefaultChannelPrefix.
func NewRedisSink(client Publisher, prefix string, opts ...RedisOption) *RedisSink {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	s := &RedisSink{client: client, prefix: prefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel returns the channel changes of tenant in schema are published on.
func (s *RedisSink) Channel(schema, tenant string) string {
	base := s.prefix + ":" + schema
	if s.shards <= 1 {
		return base
	}
	return shard.Key(base, tenant, s.shards)
}

// Channels returns every channel a subscriber to schema must listen on.
func (s *RedisSink) Channels(schema string) []string {
	base := s.prefix + ":" + schema
	if s.shards <= 1 {
		return []string{base}
	}
	return shard.All(base, s.shards)
}

func (s *RedisSink) Notify(ctx context.Context, c store.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	channel := s.Channel(c.Schema, c.Tenant)
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Fanout delivers each change to every sink in order. All sinks are tried;
// their errors are joined.
type Fanout []store.ChangeSink

var _ store.ChangeSink = Fanout(nil)

func (f Fanout) Notify(ctx context.Context, c store.Change) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
