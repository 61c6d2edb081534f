package adapter

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Filter operators understood by every backend.
const (
	OpIn       = "in"
	OpNotIn    = "nin"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpExists   = "exists"
	OpContains = "contains"
)

// Operators lists the recognised operator keys.
var Operators = []string{OpIn, OpNotIn, OpNe, OpGt, OpGte, OpLt, OpLte, OpExists, OpContains}

func isOperator(k string) bool {
	for _, op := range Operators {
		if op == k {
			return true
		}
	}
	return false
}

// IsOperatorMap reports whether m is non-empty and every key is an operator.
func IsOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !isOperator(k) {
			return false
		}
	}
	return true
}

// Match reports whether rec satisfies filter.
func Match(rec Record, filter map[string]any) (bool, error) {
	for k, want := range filter {
		got, present := rec[k]
		ok, err := matchValue(got, present, want)
		if err != nil {
			return false, fmt.Errorf("%s: %w", k, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchValue(got any, present bool, want any) (bool, error) {
	m, isMap := want.(map[string]any)
	if !isMap {
		return equal(got, want), nil
	}
	if !IsOperatorMap(m) {
		nested, ok := got.(map[string]any)
		if !ok {
			return false, nil
		}
		return Match(nested, m)
	}
	for op, arg := range m {
		ok, err := applyOperator(op, got, present, arg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func applyOperator(op string, got any, present bool, arg any) (bool, error) {
	switch op {
	case OpIn, OpNotIn:
		list, err := toSlice(arg)
		if err != nil {
			return false, err
		}
		found := false
		for _, v := range list {
			if equal(got, v) {
				found = true
				break
			}
		}
		return found == (op == OpIn), nil
	case OpNe:
		return !equal(got, arg), nil
	case OpGt, OpGte, OpLt, OpLte:
		if !present || got == nil {
			return false, nil
		}
		c, ok := Compare(got, arg)
		if !ok {
			return false, nil
		}
		switch op {
		case OpGt:
			return c > 0, nil
		case OpGte:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case OpExists:
		want, err := cast.ToBoolE(arg)
		if err != nil {
			return false, err
		}
		return (present && got != nil) == want, nil
	case OpContains:
		s, ok := got.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(cast.ToString(arg))), nil
	}
	return false, fmt.Errorf("%w: operator %q", ErrUnsupportedFilter, op)
}

// ToSlice converts a list-like filter argument to []any.
func ToSlice(v any) ([]any, error) { return toSlice(v) }

func toSlice(v any) ([]any, error) {
	if list, ok := v.([]any); ok {
		return list, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: expected a list, got %T", ErrUnsupportedFilter, v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two scalar values. Numbers compare numerically across Go
// numeric types, strings lexically, times chronologically, bools false<true.
// ok is false when the values are not comparable.
func Compare(a, b any) (c int, ok bool) {
	if isNumber(a) && isNumber(b) {
		x, y := cast.ToFloat64(a), cast.ToFloat64(b)
		return cmp3(x < y, x > y), true
	}
	switch x := a.(type) {
	case string:
		y, isStr := b.(string)
		if !isStr {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, isTime := b.(time.Time)
		if !isTime {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, isBool := b.(bool)
		if !isBool {
			return 0, false
		}
		return cmp3(!x && y, x && !y), true
	}
	return 0, false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// MatchSearch reports whether any of fields contains term, case-insensitively.
// An empty term matches everything.
func MatchSearch(rec Record, term string, fields []string) bool {
	if term == "" {
		return true
	}
	term = strings.ToLower(term)
	for _, f := range fields {
		if s, ok := rec[f].(string); ok && strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

// SortRecords sorts recs in place by the given keys ("-" for descending).
// Missing and incomparable values sort first.
func SortRecords(recs []Record, keys []string) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		for _, key := range keys {
			col, desc := strings.CutPrefix(key, "-")
			c, ok := Compare(recs[i][col], recs[j][col])
			if !ok {
				c = cmp3(recs[i][col] == nil && recs[j][col] != nil, recs[i][col] != nil && recs[j][col] == nil)
			}
			if c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Page applies offset and limit to recs.
func Page(recs []Record, offset, limit int) []Record {
	if offset > 0 {
		if offset >= len(recs) {
			return []Record{}
		}
		recs = recs[offset:]
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

// Project returns a copy of rec restricted to fields plus keep. An empty
// fields list returns a full shallow copy.
func Project(rec Record, fields []string, keep ...string) Record {
	if len(fields) == 0 {
		out := make(Record, len(rec))
		for k, v := range rec {
			out[k] = v
		}
		return out
	}
	out := make(Record, len(fields)+len(keep))
	for _, set := range [][]string{fields, keep} {
		for _, f := range set {
			if v, ok := rec[f]; ok {
				out[f] = v
			}
		}
	}
	return out
}
