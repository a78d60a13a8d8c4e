package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Condition is a key condition or filter over named attributes. Operands
// may be Go values or types.AttributeValue. Placeholders are assigned when
// a query renders its conditions, so conditions compose freely.
type Condition struct {
	op    string
	attr  string
	args  []any
	conds []Condition
}

func Equal(attr string, v any) Condition          { return Condition{op: "=", attr: attr, args: []any{v}} }
func NotEqual(attr string, v any) Condition       { return Condition{op: "<>", attr: attr, args: []any{v}} }
func GreaterOrEqual(attr string, v any) Condition { return Condition{op: ">=", attr: attr, args: []any{v}} }
func LessOrEqual(attr string, v any) Condition    { return Condition{op: "<=", attr: attr, args: []any{v}} }

// Between matches lo <= attr <= hi.
func Between(attr string, lo, hi any) Condition {
	return Condition{op: "BETWEEN", attr: attr, args: []any{lo, hi}}
}

// Contains matches a substring of a string attribute or an element of a
// list or set attribute.
func Contains(attr string, v any) Condition {
	return Condition{op: "contains", attr: attr, args: []any{v}}
}

func Not(c Condition) Condition { return Condition{op: "NOT", conds: []Condition{c}} }

// And joins conditions, skipping zero ones.
func And(conds ...Condition) Condition {
	var kept []Condition
	for _, c := range conds {
		if !c.IsZero() {
			kept = append(kept, c)
		}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return Condition{op: "AND", conds: kept}
}

// IsZero reports whether c is the empty condition.
func (c Condition) IsZero() bool {
	return c.op == "" || (c.op == "AND" && len(c.conds) == 0)
}

// expression collects placeholders while conditions are rendered.
type expression struct {
	names  map[string]string
	values map[string]types.AttributeValue
}

func newExpression() *expression {
	return &expression{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

func (e *expression) name(attr string) string {
	for k, v := range e.names {
		if v == attr {
			return k
		}
	}
	key := fmt.Sprintf("#n%d", len(e.names))
	e.names[key] = attr
	return key
}

func (e *expression) value(v any) (string, error) {
	av, ok := v.(types.AttributeValue)
	if !ok {
		var err error
		av, err = attributevalue.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("condition value %v: %w", v, err)
		}
	}
	key := fmt.Sprintf(":v%d", len(e.values))
	e.values[key] = av
	return key, nil
}

func (e *expression) render(c Condition) (string, error) {
	if c.IsZero() {
		return "", errors.New("empty condition")
	}
	switch c.op {
	case "=", "<>", ">=", "<=":
		v, err := e.value(c.args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", e.name(c.attr), c.op, v), nil

	case "BETWEEN":
		lo, err := e.value(c.args[0])
		if err != nil {
			return "", err
		}
		hi, err := e.value(c.args[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", e.name(c.attr), lo, hi), nil

	case "contains":
		v, err := e.value(c.args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("contains(%s, %s)", e.name(c.attr), v), nil

	case "NOT":
		inner, err := e.render(c.conds[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("NOT (%s)", inner), nil

	case "AND":
		parts := make([]string, 0, len(c.conds))
		for _, sub := range c.conds {
			p, err := e.render(sub)
			if err != nil {
				return "", err
			}
			if sub.op == "AND" {
				p = "(" + p + ")"
			}
			parts = append(parts, p)
		}
		return strings.Join(parts, " AND "), nil
	}
	return "", fmt.Errorf("unknown condition operator %q", c.op)
}
