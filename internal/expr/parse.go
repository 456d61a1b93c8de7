package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/conduitrun/conduit/internal/runtimestate"
)

// node is the closed set of AST shapes the grammar can produce: a literal,
// a path lookup, or a binary operation. There is no "call" or "index" node
// — the grammar has no production for either.
type node interface {
	eval(state *runtimestate.State) (any, error)
}

type literalNode struct{ value any }

func (n literalNode) eval(*runtimestate.State) (any, error) { return n.value, nil }

type pathNode struct{ path string }

func (n pathNode) eval(state *runtimestate.State) (any, error) {
	value, ok := state.Resolve(n.path)
	if !ok {
		return nil, nil
	}
	return value, nil
}

type binaryNode struct {
	op    string
	left  node
	right node
}

func (n binaryNode) eval(state *runtimestate.State) (any, error) {
	left, err := n.left.eval(state)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "&&":
		if !truthy(left) {
			return false, nil
		}
		right, err := n.right.eval(state)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "||":
		if truthy(left) {
			return true, nil
		}
		right, err := n.right.eval(state)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := n.right.eval(state)
	if err != nil {
		return nil, err
	}
	return compare(n.op, left, right), nil
}

func compare(op string, left, right any) bool {
	switch op {
	case "===", "==":
		return strictEqual(left, right)
	case "!==", "!=":
		return !strictEqual(left, right)
	}

	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch op {
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	ls, rs := fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)
	switch op {
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func strictEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if lf, lok := asFloat(left); lok {
		if rf, rok := asFloat(right); rok {
			return lf == rf
		}
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case bool:
		return 0, false
	}
	return 0, false
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *parser) remainder() string {
	if p.atEnd() {
		return ""
	}
	return p.tokens[p.pos].text
}

func (p *parser) peek() (token, bool) {
	if p.atEnd() {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

// parseOr: And (|| And)*
func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokenOp || t.text != "||" {
			break
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", left: left, right: right}
	}
	return left, nil
}

// parseAnd: Cmp (&& Cmp)*
func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokenOp || t.text != "&&" {
			break
		}
		p.next()
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

var comparisonOps = map[string]bool{
	"===": true, "!==": true, "==": true, "!=": true,
	">": true, "<": true, ">=": true, "<=": true,
}

// parseCmp: Primary (op Primary)?
func (p *parser) parseCmp() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t, ok := p.peek()
	if ok && t.kind == tokenOp && comparisonOps[t.text] {
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: t.text, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t, ok := p.next()
	if !ok {
		return nil, fmt.Errorf("expr: unexpected end of expression")
	}

	switch t.kind {
	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.next()
		if !ok || closing.kind != tokenRParen {
			return nil, fmt.Errorf("expr: expected closing paren")
		}
		return inner, nil
	case tokenString:
		return literalNode{value: t.text}, nil
	case tokenNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("expr: invalid number %q", t.text)
		}
		return literalNode{value: f}, nil
	case tokenIdent:
		switch t.text {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "null", "undefined":
			return literalNode{value: nil}, nil
		}
		return pathNode{path: normalizePath(t.text)}, nil
	}
	return nil, fmt.Errorf("expr: unexpected token %q", t.text)
}

// normalizePath auto-prefixes a bare "a.b" path with "state.".
func normalizePath(raw string) string {
	if strings.HasPrefix(raw, "state.") {
		return strings.TrimPrefix(raw, "state.")
	}
	if raw == "state" {
		return ""
	}
	return raw
}
