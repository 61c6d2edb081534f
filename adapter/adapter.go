// Package adapter defines the capability set every storage backend implements.
//
// The entity pipeline in package store is written against [Adapter] only;
// concrete backends live in the memory, dynamo and sqlstore subpackages.
//
// Records crossing this boundary are keyed by physical column names. Filters
// are plain maps: a scalar value means equality, a map whose keys are all
// operators (see [Operators]) applies those operators, and any other map
// matches a nested object.
package adapter

import (
	"context"

	"github.com/jacentio/canopy/schema"
)

// Record is a raw stored record keyed by column name.
type Record = map[string]any

// Query is the physical query handed to an adapter.
type Query struct {
	// Filter is the translated, scope-merged query.
	Filter map[string]any

	// Sort lists columns, "-" prefixed for descending order.
	Sort []string

	// Fields restricts the returned columns. Empty means all.
	Fields []string

	// Search is matched case-insensitively as a substring of SearchFields.
	Search       string
	SearchFields []string

	// Limit of zero means no limit.
	Limit  int
	Offset int
}

// Index is a translated index definition.
type Index struct {
	Name   string
	Keys   []schema.IndexKey
	Unique bool
}

// Cursor iterates a result set lazily. Next returns io.EOF after the last
// record. Close must be called once the caller is done.
type Cursor interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Adapter is a handle to one connected storage backend. Implementations must
// be pointer types: the pool compares handles by identity.
type Adapter interface {
	// Init binds the adapter to the schema it serves. Called once, before Connect.
	Init(owner *schema.Schema) error

	// Connect establishes the backend connection.
	Connect(ctx context.Context) error

	Find(ctx context.Context, q Query) ([]Record, error)

	// FindOne returns nil, nil when nothing matches.
	FindOne(ctx context.Context, q Query) (Record, error)

	FindStream(ctx context.Context, q Query) (Cursor, error)
	Count(ctx context.Context, q Query) (int64, error)

	Insert(ctx context.Context, rec Record) (Record, error)
	InsertMany(ctx context.Context, recs []Record) ([]Record, error)

	// UpdateByID applies patch and returns the updated record.
	UpdateByID(ctx context.Context, id string, patch Record) (Record, error)

	// ReplaceByID swaps the stored record for rec, keeping the identifier.
	ReplaceByID(ctx context.Context, id string, rec Record) (Record, error)

	// RemoveByID physically removes a record and returns it.
	RemoveByID(ctx context.Context, id string) (Record, error)

	Clear(ctx context.Context) error
	CreateIndex(ctx context.Context, idx Index) error

	// PlainRecord converts a backend-native entity into a plain Record.
	PlainRecord(entity any) (Record, error)
}

// Disconnector is implemented by adapters that hold releasable resources.
type Disconnector interface {
	Disconnect(ctx context.Context) error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Kind names the registered backend, e.g. "memory", "dynamodb", "sql".
	Kind string

	// Settings carries backend-specific options.
	Settings map[string]any
}

// Factory synthesizes unconnected adapters.
type Factory interface {
	Resolve(cfg Config) (Adapter, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cfg Config) (Adapter, error)

func (f FactoryFunc) Resolve(cfg Config) (Adapter, error) { return f(cfg) }
