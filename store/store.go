package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/jacentio/canopy/adapter"
	"github.com/jacentio/canopy/pool"
	"github.com/jacentio/canopy/schema"
	"github.com/jacentio/canopy/scope"
)

// Store runs the entity pipeline for one schema.
type Store struct {
	schema      *schema.Schema
	config      Config
	pool        *pool.Manager
	scopes      *scope.Resolver
	validator   Validator
	transformer Transformer
	hooks       Hooks
	clock       clock.Clock
	logger      *slog.Logger
}

// New creates a Store for s. Adapters are produced by factory, one per tenant.
func New(s *schema.Schema, factory adapter.Factory, config Config, opts ...Option) *Store {
	config.validate()

	st := &Store{
		schema:      s,
		config:      config,
		transformer: ColumnTransformer{Schema: s},
		clock:       config.Pool.Clock,
		logger:      config.Logger.With("schema", s.Name()),
	}
	for _, opt := range opts {
		opt(st)
	}

	st.pool = pool.New(s, factory, config.Pool, pool.Hooks{
		Connected:    st.hooks.AdapterConnected,
		Disconnected: st.hooks.AdapterDisconnected,
	})
	return st
}

// Schema returns the schema the Store serves.
func (s *Store) Schema() *schema.Schema { return s.schema }

// Pool exposes the tenant adapter pool.
func (s *Store) Pool() *pool.Manager { return s.pool }

// Close disconnects every tenant adapter.
func (s *Store) Close(ctx context.Context) error {
	return s.pool.Close(ctx)
}

// acquire returns the adapter of the tenant in ctx.
func (s *Store) acquire(ctx context.Context) (adapter.Adapter, string, error) {
	tenant := s.config.TenantKey(ctx)
	a, err := s.pool.Acquire(ctx, tenant, s.config.Adapter)
	if err != nil {
		return nil, "", err
	}
	return a, tenant, nil
}

// buildQuery applies scopes to p.Query and translates p into a physical query.
// p must already be sanitized.
func (s *Store) buildQuery(ctx context.Context, p Params) (adapter.Query, error) {
	filter, err := s.scopes.Apply(ctx, p.Query, p.Scope)
	if err != nil {
		return adapter.Query{}, err
	}
	return adapter.Query{
		Filter:       s.schema.TranslateQuery(filter),
		Sort:         s.schema.TranslateSort(p.Sort),
		Fields:       s.schema.TranslateNames(p.Fields),
		Search:       p.Search,
		SearchFields: s.schema.TranslateNames(p.SearchFields),
		Limit:        p.Limit,
		Offset:       p.Offset,
	}, nil
}

func (s *Store) transform(ctx context.Context, a adapter.Adapter, records []adapter.Record, p Params, o Options) ([]any, error) {
	if o.SkipTransform {
		out := make([]any, len(records))
		for i, rec := range records {
			out[i] = rec
		}
		return out, nil
	}
	out, err := s.transformer.Transform(ctx, a, records, p)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", s.schema.Name(), err)
	}
	if len(out) != len(records) {
		return nil, fmt.Errorf("transform %s: got %d entities for %d records", s.schema.Name(), len(out), len(records))
	}
	return out, nil
}

func (s *Store) transformOne(ctx context.Context, a adapter.Adapter, rec adapter.Record, p Params, o Options) (any, error) {
	out, err := s.transform(ctx, a, []adapter.Record{rec}, p, o)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// decodeID returns the storage identifier for a public one.
func (s *Store) decodeID(id string, o Options) (string, error) {
	if o.SkipDecode {
		return id, nil
	}
	return s.schema.DecodeID(id)
}

// encodeID returns the public identifier for a stored one.
func (s *Store) encodeID(id string, o Options) (string, error) {
	if o.SkipDecode {
		return id, nil
	}
	return s.schema.EncodeID(id)
}

// recordID reads the identifier column of a raw record.
func (s *Store) recordID(rec adapter.Record) string {
	v := rec[s.schema.Primary().Column]
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// writeBody translates a logical body to columns and decodes an identifier it
// carries.
func (s *Store) writeBody(body map[string]any, o Options) (adapter.Record, error) {
	rec := s.schema.TranslateRecord(body)
	if rec == nil {
		rec = adapter.Record{}
	}
	col := s.schema.Primary().Column
	if id, ok := rec[col].(string); ok && id != "" {
		decoded, err := s.decodeID(id, o)
		if err != nil {
			return nil, err
		}
		rec[col] = decoded
	}
	return rec, nil
}

// stripIdentifiers removes the primary field from a translated body.
func (s *Store) stripIdentifiers(rec adapter.Record) adapter.Record {
	for k := range rec {
		if s.schema.IsIdentifier(k) {
			delete(rec, k)
		}
	}
	return rec
}

func (s *Store) validate(ctx context.Context, body map[string]any, typ ChangeType, old adapter.Record) (map[string]any, error) {
	if s.validator == nil {
		return body, nil
	}
	return s.validator.Validate(ctx, body, ValidateOptions{
		Type:               typ,
		OldEntity:          old,
		NestedFieldSupport: s.config.NestedFieldSupport,
	})
}
