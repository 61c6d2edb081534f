package sqlstore

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/spf13/cast"

	"github.com/jacentio/canopy/adapter"
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// quote validates and double-quotes an identifier.
func quote(name string) (string, error) {
	if !identRE.MatchString(name) {
		return "", fmt.Errorf("%w: invalid column %q", adapter.ErrUnsupportedFilter, name)
	}
	return `"` + name + `"`, nil
}

// where compiles an adapter filter to a conjunction of predicates. Nested
// object matches are not supported.
func where(filter map[string]any) (sq.And, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := sq.And{}
	for _, k := range keys {
		col, err := quote(k)
		if err != nil {
			return nil, err
		}
		want := filter[k]
		m, isMap := want.(map[string]any)
		switch {
		case !isMap:
			conds = append(conds, sq.Eq{col: want})
			continue
		case !adapter.IsOperatorMap(m):
			return nil, fmt.Errorf("%w: nested match on %q", adapter.ErrUnsupportedFilter, k)
		}

		ops := make([]string, 0, len(m))
		for op := range m {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			c, err := operator(col, op, m[op])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			conds = append(conds, c)
		}
	}
	return conds, nil
}

func operator(col, op string, arg any) (sq.Sqlizer, error) {
	switch op {
	case adapter.OpIn, adapter.OpNotIn:
		items, err := adapter.ToSlice(arg)
		if err != nil {
			return nil, err
		}
		if op == adapter.OpIn {
			return sq.Eq{col: items}, nil
		}
		if len(items) == 0 {
			return sq.Expr("1=1"), nil
		}
		return sq.Or{sq.NotEq{col: items}, sq.Eq{col: nil}}, nil
	case adapter.OpNe:
		if arg == nil {
			return sq.NotEq{col: nil}, nil
		}
		return sq.Or{sq.NotEq{col: arg}, sq.Eq{col: nil}}, nil
	case adapter.OpGt:
		return sq.Gt{col: arg}, nil
	case adapter.OpGte:
		return sq.GtOrEq{col: arg}, nil
	case adapter.OpLt:
		return sq.Lt{col: arg}, nil
	case adapter.OpLte:
		return sq.LtOrEq{col: arg}, nil
	case adapter.OpExists:
		exists, err := cast.ToBoolE(arg)
		if err != nil {
			return nil, err
		}
		if exists {
			return sq.NotEq{col: nil}, nil
		}
		return sq.Eq{col: nil}, nil
	case adapter.OpContains:
		s, err := cast.ToStringE(arg)
		if err != nil {
			return nil, err
		}
		return like(col, s), nil
	}
	return nil, fmt.Errorf("%w: operator %q", adapter.ErrUnsupportedFilter, op)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// like matches term as a case-insensitive substring of col.
func like(col, term string) sq.Sqlizer {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
	return sq.Expr("LOWER("+col+`) LIKE ? ESCAPE '\'`, pattern)
}

// search matches term against any of fields.
func search(term string, fields []string) (sq.Sqlizer, error) {
	if len(fields) == 0 {
		return sq.Expr("1=0"), nil
	}
	or := sq.Or{}
	for _, f := range fields {
		col, err := quote(f)
		if err != nil {
			return nil, err
		}
		or = append(or, like(col, term))
	}
	return or, nil
}

func orderBy(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		name, desc := strings.CutPrefix(key, "-")
		col, err := quote(name)
		if err != nil {
			return nil, err
		}
		if desc {
			col += " DESC"
		}
		out = append(out, col)
	}
	return out, nil
}
