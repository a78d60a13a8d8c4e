package ddbfake

import (
	"bytes"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is a stored item.
type Item = map[string]types.AttributeValue

// condition is a parsed condition, key condition or filter expression.
type condition interface {
	eval(item Item) bool
}

// Parse compiles a condition expression. An empty expression matches every
// item.
func Parse(expr string, names map[string]string, values map[string]types.AttributeValue) (func(Item) bool, error) {
	if strings.TrimSpace(expr) == "" {
		return func(Item) bool { return true }, nil
	}
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, names: names, values: values}
	c, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("ddbfake: unexpected %q in %q", p.peek(), expr)
	}
	return c.eval, nil
}

func tokenize(expr string) ([]string, error) {
	var toks []string
	for i := 0; i < len(expr); {
		c := rune(expr[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case strings.ContainsRune("(),", c):
			toks = append(toks, string(c))
			i++
		case c == '=':
			toks = append(toks, "=")
			i++
		case c == '<' || c == '>':
			if i+1 < len(expr) && (expr[i+1] == '=' || (c == '<' && expr[i+1] == '>')) {
				toks = append(toks, expr[i:i+2])
				i += 2
			} else {
				toks = append(toks, string(c))
				i++
			}
		case c == '#' || c == ':' || c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c):
			j := i + 1
			for j < len(expr) && (expr[j] == '_' || expr[j] == '.' || unicode.IsLetter(rune(expr[j])) || unicode.IsDigit(rune(expr[j]))) {
				j++
			}
			toks = append(toks, expr[i:j])
			i = j
		default:
			return nil, fmt.Errorf("ddbfake: unexpected character %q in %q", c, expr)
		}
	}
	return toks, nil
}

type parser struct {
	toks   []string
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	if strings.EqualFold(p.peek(), kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("ddbfake: expected %q, got %q", tok, got)
	}
	return nil
}

func (p *parser) or() (condition, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = orCond{left, right}
	}
	return left, nil
}

func (p *parser) and() (condition, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		left = andCond{left, right}
	}
	return left, nil
}

func (p *parser) not() (condition, error) {
	if p.keyword("NOT") {
		c, err := p.not()
		if err != nil {
			return nil, err
		}
		return notCond{c}, nil
	}
	return p.primary()
}

func (p *parser) primary() (condition, error) {
	if p.peek() == "(" {
		p.next()
		c, err := p.or()
		if err != nil {
			return nil, err
		}
		return c, p.expect(")")
	}

	switch fn := strings.ToLower(p.peek()); fn {
	case "attribute_exists", "attribute_not_exists", "begins_with", "contains":
		p.next()
		args, err := p.args()
		if err != nil {
			return nil, err
		}
		return p.function(fn, args)
	}

	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	if p.keyword("BETWEEN") {
		lo, err := p.operand()
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, fmt.Errorf("ddbfake: BETWEEN without AND")
		}
		hi, err := p.operand()
		if err != nil {
			return nil, err
		}
		return betweenCond{left, lo, hi}, nil
	}
	if p.keyword("IN") {
		list, err := p.args()
		if err != nil {
			return nil, err
		}
		return inCond{left, list}, nil
	}

	op := p.next()
	switch op {
	case "=", "<>", "<", "<=", ">", ">=":
	default:
		return nil, fmt.Errorf("ddbfake: expected comparison, got %q", op)
	}
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	return compareCond{op, left, right}, nil
}

func (p *parser) args() ([]operand, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var args []operand
	for {
		o, err := p.operand()
		if err != nil {
			return nil, err
		}
		args = append(args, o)
		if p.peek() == "," {
			p.next()
			continue
		}
		return args, p.expect(")")
	}
}

func (p *parser) function(fn string, args []operand) (condition, error) {
	want := 2
	if fn == "attribute_exists" || fn == "attribute_not_exists" {
		want = 1
	}
	if len(args) != want {
		return nil, fmt.Errorf("ddbfake: %s takes %d arguments, got %d", fn, want, len(args))
	}
	switch fn {
	case "attribute_exists":
		return existsCond{args[0], true}, nil
	case "attribute_not_exists":
		return existsCond{args[0], false}, nil
	case "begins_with":
		return beginsWithCond{args[0], args[1]}, nil
	}
	return containsCond{args[0], args[1]}, nil
}

func (p *parser) operand() (operand, error) {
	tok := p.next()
	switch {
	case tok == "":
		return operand{}, fmt.Errorf("ddbfake: unexpected end of expression")
	case strings.HasPrefix(tok, ":"):
		v, ok := p.values[tok]
		if !ok {
			return operand{}, fmt.Errorf("ddbfake: undefined value %s", tok)
		}
		return operand{value: v}, nil
	case strings.HasPrefix(tok, "#"):
		name, ok := p.names[tok]
		if !ok {
			return operand{}, fmt.Errorf("ddbfake: undefined name %s", tok)
		}
		return operand{path: name}, nil
	}
	return operand{path: tok}, nil
}

// operand is an attribute path or a literal value.
type operand struct {
	path  string
	value types.AttributeValue
}

func (o operand) resolve(item Item) (types.AttributeValue, bool) {
	if o.value != nil {
		return o.value, true
	}
	v, ok := item[o.path]
	return v, ok
}

type orCond struct{ left, right condition }

func (c orCond) eval(item Item) bool { return c.left.eval(item) || c.right.eval(item) }

type andCond struct{ left, right condition }

func (c andCond) eval(item Item) bool { return c.left.eval(item) && c.right.eval(item) }

type notCond struct{ inner condition }

func (c notCond) eval(item Item) bool { return !c.inner.eval(item) }

type existsCond struct {
	attr   operand
	exists bool
}

func (c existsCond) eval(item Item) bool {
	_, ok := c.attr.resolve(item)
	return ok == c.exists
}

type compareCond struct {
	op          string
	left, right operand
}

func (c compareCond) eval(item Item) bool {
	l, lok := c.left.resolve(item)
	r, rok := c.right.resolve(item)
	if !lok || !rok {
		return false
	}
	switch c.op {
	case "=":
		return Equal(l, r)
	case "<>":
		return !Equal(l, r)
	}
	n, ok := Compare(l, r)
	if !ok {
		return false
	}
	switch c.op {
	case "<":
		return n < 0
	case "<=":
		return n <= 0
	case ">":
		return n > 0
	}
	return n >= 0
}

type betweenCond struct{ attr, lo, hi operand }

func (c betweenCond) eval(item Item) bool {
	v, ok := c.attr.resolve(item)
	lo, lok := c.lo.resolve(item)
	hi, hok := c.hi.resolve(item)
	if !ok || !lok || !hok {
		return false
	}
	a, aok := Compare(v, lo)
	b, bok := Compare(v, hi)
	return aok && bok && a >= 0 && b <= 0
}

type inCond struct {
	attr operand
	list []operand
}

func (c inCond) eval(item Item) bool {
	v, ok := c.attr.resolve(item)
	if !ok {
		return false
	}
	for _, o := range c.list {
		if w, ok := o.resolve(item); ok && Equal(v, w) {
			return true
		}
	}
	return false
}

type beginsWithCond struct{ attr, prefix operand }

func (c beginsWithCond) eval(item Item) bool {
	v, ok := c.attr.resolve(item)
	p, pok := c.prefix.resolve(item)
	if !ok || !pok {
		return false
	}
	vs, vok := v.(*types.AttributeValueMemberS)
	ps, psok := p.(*types.AttributeValueMemberS)
	return vok && psok && strings.HasPrefix(vs.Value, ps.Value)
}

type containsCond struct{ attr, operand operand }

func (c containsCond) eval(item Item) bool {
	v, ok := c.attr.resolve(item)
	o, ook := c.operand.resolve(item)
	if !ok || !ook {
		return false
	}
	switch t := v.(type) {
	case *types.AttributeValueMemberS:
		s, ok := o.(*types.AttributeValueMemberS)
		return ok && strings.Contains(t.Value, s.Value)
	case *types.AttributeValueMemberSS:
		s, ok := o.(*types.AttributeValueMemberS)
		if !ok {
			return false
		}
		for _, el := range t.Value {
			if el == s.Value {
				return true
			}
		}
	case *types.AttributeValueMemberL:
		for _, el := range t.Value {
			if Equal(el, o) {
				return true
			}
		}
	}
	return false
}

// Equal reports whether two attribute values are the same. Numbers are
// compared by value.
func Equal(a, b types.AttributeValue) bool {
	if n, ok := Compare(a, b); ok {
		return n == 0
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two scalar values of the same type. It reports false for
// values that cannot be ordered against each other.
func Compare(a, b types.AttributeValue) (int, bool) {
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		if y, ok := b.(*types.AttributeValueMemberS); ok {
			return strings.Compare(x.Value, y.Value), true
		}
	case *types.AttributeValueMemberN:
		if y, ok := b.(*types.AttributeValueMemberN); ok {
			fx, _, errx := big.ParseFloat(x.Value, 10, 128, big.ToNearestEven)
			fy, _, erry := big.ParseFloat(y.Value, 10, 128, big.ToNearestEven)
			if errx != nil || erry != nil {
				return 0, false
			}
			return fx.Cmp(fy), true
		}
	case *types.AttributeValueMemberB:
		if y, ok := b.(*types.AttributeValueMemberB); ok {
			return bytes.Compare(x.Value, y.Value), true
		}
	}
	return 0, false
}
