package dynamo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/spf13/cast"

	"github.com/jacentio/canopy/adapter"
)

// exprBuilder accumulates placeholders for one DynamoDB expression.
type exprBuilder struct {
	names   map[string]string
	values  map[string]types.AttributeValue
	aliases map[string]string
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		names:   make(map[string]string),
		values:  make(map[string]types.AttributeValue),
		aliases: make(map[string]string),
	}
}

// name returns the placeholder path for a dotted attribute path.
func (b *exprBuilder) name(path ...string) string {
	parts := make([]string, len(path))
	for i, p := range path {
		alias, ok := b.aliases[p]
		if !ok {
			alias = fmt.Sprintf("#n%d", len(b.aliases))
			b.aliases[p] = alias
			b.names[alias] = p
		}
		parts[i] = alias
	}
	return strings.Join(parts, ".")
}

func (b *exprBuilder) value(v any) (string, error) {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %v: %w", v, err)
	}
	key := fmt.Sprintf(":v%d", len(b.values))
	b.values[key] = av
	return key, nil
}

// filter builds a condition for an adapter filter. Keys are visited in lexical
// order so the output is stable. An empty filter yields "".
func (b *exprBuilder) filter(prefix []string, f map[string]any) (string, error) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	for _, k := range keys {
		path := append(append([]string(nil), prefix...), k)
		clause, err := b.condition(path, f[k])
		if err != nil {
			return "", fmt.Errorf("%s: %w", strings.Join(path, "."), err)
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}
	return strings.Join(clauses, " AND "), nil
}

func (b *exprBuilder) condition(path []string, want any) (string, error) {
	m, isMap := want.(map[string]any)
	switch {
	case !isMap:
		return b.equals(path, want)
	case !adapter.IsOperatorMap(m):
		return b.filter(path, m)
	}

	ops := make([]string, 0, len(m))
	for op := range m {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	clauses := make([]string, 0, len(ops))
	for _, op := range ops {
		clause, err := b.operator(path, op, m[op])
		if err != nil {
			return "", err
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}
	return strings.Join(clauses, " AND "), nil
}

func (b *exprBuilder) equals(path []string, want any) (string, error) {
	n := b.name(path...)
	if want == nil {
		v, err := b.value(nil)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(attribute_not_exists(%s) OR %s = %s)", n, n, v), nil
	}
	v, err := b.value(want)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s", n, v), nil
}

var comparators = map[string]string{
	adapter.OpNe:  "<>",
	adapter.OpGt:  ">",
	adapter.OpGte: ">=",
	adapter.OpLt:  "<",
	adapter.OpLte: "<=",
}

func (b *exprBuilder) operator(path []string, op string, arg any) (string, error) {
	n := b.name(path...)
	switch op {
	case adapter.OpIn, adapter.OpNotIn:
		items, err := adapter.ToSlice(arg)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			if op == adapter.OpIn {
				return fmt.Sprintf("(attribute_exists(%s) AND attribute_not_exists(%s))", n, n), nil
			}
			return "", nil
		}
		if len(items) > 100 {
			return "", fmt.Errorf("%w: %s accepts at most 100 values", adapter.ErrUnsupportedFilter, op)
		}
		placeholders := make([]string, len(items))
		for i, item := range items {
			if placeholders[i], err = b.value(item); err != nil {
				return "", err
			}
		}
		in := fmt.Sprintf("%s IN (%s)", n, strings.Join(placeholders, ", "))
		if op == adapter.OpNotIn {
			return "NOT " + in, nil
		}
		return in, nil
	case adapter.OpExists:
		exists, err := cast.ToBoolE(arg)
		if err != nil {
			return "", err
		}
		if exists {
			return fmt.Sprintf("attribute_exists(%s)", n), nil
		}
		return fmt.Sprintf("attribute_not_exists(%s)", n), nil
	case adapter.OpContains:
		v, err := b.value(arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("contains(%s, %s)", n, v), nil
	}

	cmp, ok := comparators[op]
	if !ok {
		return "", fmt.Errorf("%w: operator %q", adapter.ErrUnsupportedFilter, op)
	}
	v, err := b.value(arg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %s", n, cmp, v), nil
}
