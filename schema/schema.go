// Package schema describes the logical shape of an entity and maps logical
// field names to the physical column names used by storage adapters.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoPrimaryField is returned when a schema has no field marked Primary.
	ErrNoPrimaryField = errors.New("canopy: schema has no primary field")

	// ErrDuplicateField is returned when two fields share a logical name.
	ErrDuplicateField = errors.New("canopy: duplicate field name")
)

// Field describes one logical field of an entity.
type Field struct {
	// Name is the logical field name exposed to callers.
	Name string

	// Column is the physical column name. Defaults to Name.
	Column string

	// Secure marks values that are encoded before leaving the system and
	// decoded before reaching storage. Only meaningful on the primary field.
	Secure bool

	// Primary marks the identifier field. Exactly one field must be primary.
	Primary bool
}

// Schema is an immutable entity definition. It is safe for concurrent use.
type Schema struct {
	name    string
	table   string
	fields  []Field
	primary Field
	codec   IDCodec

	// columns and names are built once in New and never written again.
	columns map[string]string
	names   map[string]string
}

// Option configures a Schema.
type Option func(*Schema)

// WithCodec sets the codec used for secure identifiers.
func WithCodec(c IDCodec) Option {
	return func(s *Schema) {
		s.codec = c
	}
}

// New builds a Schema. table defaults to name.
func New(name, table string, fields []Field, opts ...Option) (*Schema, error) {
	if table == "" {
		table = name
	}
	s := &Schema{
		name:    name,
		table:   table,
		fields:  make([]Field, 0, len(fields)),
		codec:   Base64Codec{},
		columns: make(map[string]string, len(fields)),
		names:   make(map[string]string, len(fields)),
	}
	for _, opt := range opts {
		opt(s)
	}

	havePrimary := false
	for _, f := range fields {
		if f.Column == "" {
			f.Column = f.Name
		}
		if _, dup := s.columns[f.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, f.Name)
		}
		if f.Primary {
			if havePrimary {
				return nil, fmt.Errorf("canopy: schema %s has more than one primary field", name)
			}
			havePrimary = true
			s.primary = f
		}
		s.fields = append(s.fields, f)
		s.columns[f.Name] = f.Column
		s.names[f.Column] = f.Name
	}
	if !havePrimary {
		return nil, ErrNoPrimaryField
	}
	return s, nil
}

// MustNew is like New but panics on error. Intended for package-level schema definitions.
func MustNew(name, table string, fields []Field, opts ...Option) *Schema {
	s, err := New(name, table, fields, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the entity name.
func (s *Schema) Name() string { return s.name }

// Table returns the physical table or collection name.
func (s *Schema) Table() string { return s.table }

// Primary returns the identifier field.
func (s *Schema) Primary() Field { return s.primary }

// Fields returns a copy of the field descriptors in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Columns returns the physical column names in declaration order.
func (s *Schema) Columns() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Column
	}
	return out
}

// IsIdentifier reports whether key names the primary field, either by its
// logical name or by its column name.
func (s *Schema) IsIdentifier(key string) bool {
	return key == s.primary.Name || key == s.primary.Column
}

// ColumnNameOf returns the column for a logical field name. Unknown names are
// returned unchanged.
func (s *Schema) ColumnNameOf(name string) string {
	if col, ok := s.columns[name]; ok {
		return col
	}
	return name
}

// FieldNameOf returns the logical name for a column. Unknown columns are
// returned unchanged.
func (s *Schema) FieldNameOf(column string) string {
	if name, ok := s.names[column]; ok {
		return name
	}
	return column
}

// TranslateNames maps each logical name to its column.
func (s *Schema) TranslateNames(names []string) []string {
	if names == nil {
		return nil
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = s.ColumnNameOf(n)
	}
	return out
}

// TranslateSort maps sort keys to columns, preserving a leading "-".
func (s *Schema) TranslateSort(sort []string) []string {
	if sort == nil {
		return nil
	}
	out := make([]string, len(sort))
	for i, key := range sort {
		if rest, ok := strings.CutPrefix(key, "-"); ok {
			out[i] = "-" + s.ColumnNameOf(rest)
			continue
		}
		out[i] = s.ColumnNameOf(key)
	}
	return out
}

// TranslateQuery returns a copy of query with every key translated. Nested
// plain maps are translated recursively; any other value is copied as is.
func (s *Schema) TranslateQuery(query map[string]any) map[string]any {
	if query == nil {
		return nil
	}
	out := make(map[string]any, len(query))
	for k, v := range query {
		if nested, ok := v.(map[string]any); ok {
			out[s.ColumnNameOf(k)] = s.TranslateQuery(nested)
			continue
		}
		out[s.ColumnNameOf(k)] = v
	}
	return out
}

// TranslateRecord translates the top-level keys of a write body.
func (s *Schema) TranslateRecord(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[s.ColumnNameOf(k)] = v
	}
	return out
}
