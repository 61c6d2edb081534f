package store

import (
	"context"
	"fmt"

	"github.com/jacentio/canopy/adapter"
	"github.com/jacentio/canopy/schema"
	"github.com/jacentio/canopy/scope"
)

// Options adjust a single operation.
type Options struct {
	// Strict makes Resolve fail with ErrNotFound when nothing matches.
	Strict bool

	// Raw skips validation on Update.
	Raw bool

	// SkipDecode passes identifiers to storage without decoding them.
	SkipDecode bool

	// SkipTransform returns raw adapter records instead of entities.
	SkipTransform bool

	// ReturnEntities makes CreateMany return the created entities.
	ReturnEntities bool
}

// ValidateOptions is passed to a Validator.
type ValidateOptions struct {
	// Type is create, update, replace or remove.
	Type ChangeType

	// OldEntity is the stored record for update, replace and remove.
	OldEntity adapter.Record

	NestedFieldSupport bool
}

// Validator checks and coerces a write body. The returned body replaces the
// input. Errors are returned to the caller unchanged.
type Validator interface {
	Validate(ctx context.Context, body map[string]any, opts ValidateOptions) (map[string]any, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, body map[string]any, opts ValidateOptions) (map[string]any, error)

func (f ValidatorFunc) Validate(ctx context.Context, body map[string]any, opts ValidateOptions) (map[string]any, error) {
	return f(ctx, body, opts)
}

// Transformer reshapes raw records into public entities. It must return one
// entity per record, in order.
type Transformer interface {
	Transform(ctx context.Context, a adapter.Adapter, records []adapter.Record, p Params) ([]any, error)
}

// ColumnTransformer renames columns to logical field names, applies the
// requested field projection and encodes secure identifiers.
type ColumnTransformer struct {
	Schema *schema.Schema
}

func (t ColumnTransformer) Transform(ctx context.Context, a adapter.Adapter, records []adapter.Record, p Params) ([]any, error) {
	pk := t.Schema.Primary()
	out := make([]any, len(records))
	for i, rec := range records {
		entity := make(map[string]any, len(rec))
		for col, v := range rec {
			entity[t.Schema.FieldNameOf(col)] = v
		}
		if id, ok := entity[pk.Name]; ok && id != nil {
			enc, err := t.Schema.EncodeID(fmt.Sprint(id))
			if err != nil {
				return nil, err
			}
			entity[pk.Name] = enc
		}
		if len(p.Fields) > 0 {
			entity = adapter.Project(entity, p.Fields, pk.Name)
		}
		out[i] = entity
	}
	return out, nil
}

// Hooks are optional lifecycle callbacks. Nil fields are skipped.
type Hooks struct {
	AdapterConnected    func(ctx context.Context, a adapter.Adapter, tenant string, cfg adapter.Config)
	AdapterDisconnected func(ctx context.Context, a adapter.Adapter, tenant string)

	// AfterResolve runs on the raw records found by Resolve, before they are
	// transformed. ids are the decoded identifiers that were requested.
	AfterResolve func(ctx context.Context, ids []string, records []adapter.Record, p Params, o Options) error
}

// Option configures a Store.
type Option func(*Store)

// WithValidator sets the write validator. Without one, bodies pass unchanged.
func WithValidator(v Validator) Option {
	return func(s *Store) { s.validator = v }
}

// WithTransformer replaces the default ColumnTransformer.
func WithTransformer(t Transformer) Option {
	return func(s *Store) { s.transformer = t }
}

// WithScopes sets the scope resolver used by reads and by the resolve step
// of writes.
func WithScopes(r *scope.Resolver) Option {
	return func(s *Store) { s.scopes = r }
}

// WithHooks sets lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(s *Store) { s.hooks = h }
}
