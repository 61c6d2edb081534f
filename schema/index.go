package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// IndexKey is one column of a translated index definition.
type IndexKey struct {
	Column     string
	Descending bool
}

// TranslateIndex converts an index field specification into ordered index
// keys over physical columns. fields may be:
//
//   - a string: "name" or "-created_at"
//   - a []string: each element as above
//   - a map[string]any: field -> direction (1 / -1), with nested maps flattened
//     to dotted paths; keys are ordered lexically since maps carry no order
func (s *Schema) TranslateIndex(fields any) ([]IndexKey, error) {
	switch v := fields.(type) {
	case string:
		return []IndexKey{s.indexKey(v)}, nil
	case []string:
		keys := make([]IndexKey, 0, len(v))
		for _, f := range v {
			keys = append(keys, s.indexKey(f))
		}
		return keys, nil
	case map[string]any:
		var keys []IndexKey
		if err := s.flattenIndex("", s.TranslateQuery(v), &keys); err != nil {
			return nil, err
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("canopy: unsupported index specification %T", fields)
	}
}

func (s *Schema) indexKey(field string) IndexKey {
	if rest, ok := strings.CutPrefix(field, "-"); ok {
		return IndexKey{Column: s.ColumnNameOf(rest), Descending: true}
	}
	return IndexKey{Column: s.ColumnNameOf(field)}
}

func (s *Schema) flattenIndex(prefix string, spec map[string]any, out *[]IndexKey) error {
	names := make([]string, 0, len(spec))
	for k := range spec {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := spec[k].(map[string]any); ok {
			if err := s.flattenIndex(path, nested, out); err != nil {
				return err
			}
			continue
		}
		dir, err := cast.ToIntE(spec[k])
		if err != nil {
			return fmt.Errorf("canopy: index direction for %s: %w", path, err)
		}
		*out = append(*out, IndexKey{Column: path, Descending: dir < 0})
	}
	return nil
}
