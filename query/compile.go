package query

import (
	"fmt"

	"github.com/spineda1208/zenoo/model"
)

// Domain is the wire form of a filter: a flat list whose elements are
// either prefix connective tokens "&", "|", "!" or three-element leaves
// [field, operator, value]. A connective of n operands is written as n-1
// prefix tokens followed by the operand sequences, grouping greedily left.
type Domain []interface{}

// Constant leaves the server evaluates to a fixed truth value.
var (
	trueLeaf  = []interface{}{1, "=", 1}
	falseLeaf = []interface{}{0, "=", 1}
)

// IsFalse reports whether the domain is the constant-false leaf, which lets
// terminals answer without a server read.
func (d Domain) IsFalse() bool {
	if len(d) != 1 {
		return false
	}
	leaf, ok := d[0].([]interface{})
	return ok && len(leaf) == 3 && leaf[0] == 0 && leaf[1] == "=" && leaf[2] == 1
}

// wireOps are raw server operators accepted verbatim in a Leaf. The domain
// parser produces leaves in this form so reparsed domains recompile
// byte-for-byte.
var wireOps = map[string]bool{
	"=": true, "!=": true,
	">": true, ">=": true, "<": true, "<=": true,
	"like": true, "ilike": true, "not like": true, "not ilike": true,
	"=like": true, "=ilike": true,
	"in": true, "not in": true,
	"child_of": true, "parent_of": true,
	"=~": true, "=~*": true,
}

type truth int

const (
	truthNormal truth = iota
	truthTrue
	truthFalse
)

type compiled struct {
	tokens []interface{}
	truth  truth
}

// Compile flattens the AND-joined expressions into the server's domain
// form. Degenerate conditions fold: an empty "in" is constant false, an
// empty "not_in" constant true; a fold that consumes the whole filter
// yields the matching constant leaf (or the empty domain for true).
func Compile(exprs ...Expr) (Domain, error) {
	c, err := compileExpr(And(exprs...))
	if err != nil {
		return nil, err
	}
	switch c.truth {
	case truthTrue:
		return Domain{}, nil
	case truthFalse:
		return Domain{falseLeaf}, nil
	}
	return Domain(c.tokens), nil
}

func compileExpr(expr Expr) (compiled, error) {
	switch node := expr.(type) {
	case Leaf:
		return compileLeaf(node)
	case constLeaf:
		return constTriple(node.field, node.op, node.value), nil
	case andNode:
		return compileComposite("&", node.children, truthTrue, truthFalse)
	case orNode:
		return compileComposite("|", node.children, truthFalse, truthTrue)
	case notNode:
		child, err := compileExpr(node.child)
		if err != nil {
			return compiled{}, err
		}
		switch child.truth {
		case truthTrue:
			return compiled{truth: truthFalse}, nil
		case truthFalse:
			return compiled{truth: truthTrue}, nil
		}
		return compiled{tokens: append([]interface{}{"!"}, child.tokens...)}, nil
	}
	return compiled{}, fmt.Errorf("query: unknown expression node %T", expr)
}

// compileComposite emits n-1 prefix tokens for n surviving operands.
// identity operands are dropped; an absorbing operand decides the whole
// composite.
func compileComposite(op string, children []Expr, identity, absorbing truth) (compiled, error) {
	var parts [][]interface{}
	for _, child := range children {
		c, err := compileExpr(child)
		if err != nil {
			return compiled{}, err
		}
		switch c.truth {
		case absorbing:
			return compiled{truth: absorbing}, nil
		case identity:
			continue
		}
		parts = append(parts, c.tokens)
	}
	if len(parts) == 0 {
		return compiled{truth: identity}, nil
	}
	var tokens []interface{}
	for i := 1; i < len(parts); i++ {
		tokens = append(tokens, op)
	}
	for _, part := range parts {
		tokens = append(tokens, part...)
	}
	return compiled{tokens: tokens}, nil
}

func compileLeaf(leaf Leaf) (compiled, error) {
	if wireOps[leaf.Op] {
		return wireTriple(leaf.Path, leaf.Op, encodeOperand(leaf.Value)), nil
	}

	value := leaf.Value
	switch leaf.Op {
	case "exact", "":
		return wireTriple(leaf.Path, "=", encodeOperand(value)), nil
	case "iexact":
		return wireTriple(leaf.Path, "=ilike", encodeOperand(value)), nil
	case "contains":
		return wireTriple(leaf.Path, "like", encodeOperand(value)), nil
	case "icontains":
		return wireTriple(leaf.Path, "ilike", encodeOperand(value)), nil
	case "startswith":
		return patternTriple(leaf, "=like", "%s%%")
	case "istartswith":
		return patternTriple(leaf, "=ilike", "%s%%")
	case "endswith":
		return patternTriple(leaf, "=like", "%%%s")
	case "iendswith":
		return patternTriple(leaf, "=ilike", "%%%s")
	case "regex":
		return wireTriple(leaf.Path, "=~", encodeOperand(value)), nil
	case "iregex":
		return wireTriple(leaf.Path, "=~*", encodeOperand(value)), nil
	case "gt":
		return wireTriple(leaf.Path, ">", encodeOperand(value)), nil
	case "gte":
		return wireTriple(leaf.Path, ">=", encodeOperand(value)), nil
	case "lt":
		return wireTriple(leaf.Path, "<", encodeOperand(value)), nil
	case "lte":
		return wireTriple(leaf.Path, "<=", encodeOperand(value)), nil
	case "in":
		list, err := operandList(leaf)
		if err != nil {
			return compiled{}, err
		}
		if len(list) == 0 {
			return compiled{truth: truthFalse}, nil
		}
		return wireTriple(leaf.Path, "in", list), nil
	case "not_in":
		list, err := operandList(leaf)
		if err != nil {
			return compiled{}, err
		}
		if len(list) == 0 {
			return compiled{truth: truthTrue}, nil
		}
		return wireTriple(leaf.Path, "not in", list), nil
	case "isnull":
		want, ok := value.(bool)
		if !ok {
			return compiled{}, fmt.Errorf("query: isnull on %q needs a bool, got %T", leaf.Path, value)
		}
		if want {
			return wireTriple(leaf.Path, "=", false), nil
		}
		return wireTriple(leaf.Path, "!=", false), nil
	}
	return compiled{}, fmt.Errorf("query: unknown lookup %q on field %q", leaf.Op, leaf.Path)
}

func wireTriple(path, op string, value interface{}) compiled {
	return compiled{tokens: []interface{}{[]interface{}{path, op, value}}}
}

func constTriple(field int, op string, value interface{}) compiled {
	return compiled{tokens: []interface{}{[]interface{}{field, op, value}}}
}

func patternTriple(leaf Leaf, op, format string) (compiled, error) {
	s, ok := leaf.Value.(string)
	if !ok {
		return compiled{}, fmt.Errorf("query: %s on %q needs a string, got %T", leaf.Op, leaf.Path, leaf.Value)
	}
	return wireTriple(leaf.Path, op, fmt.Sprintf(format, escapeLike(s))), nil
}

// escapeLike protects literal pattern characters of the user's value.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' || s[i] == '_' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func operandList(leaf Leaf) ([]interface{}, error) {
	switch v := leaf.Value.(type) {
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = encodeOperand(item)
		}
		return out, nil
	case []int64:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, nil
	case []int:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = int64(item)
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, nil
	}
	return nil, fmt.Errorf("query: %s on %q needs a list, got %T", leaf.Op, leaf.Path, leaf.Value)
}

// encodeOperand coerces one comparison operand to its wire form. Records
// compare by id; nil means the server's false placeholder.
func encodeOperand(value interface{}) interface{} {
	switch v := value.(type) {
	case *model.Record:
		return v.ID()
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = encodeOperand(item)
		}
		return out
	}
	return model.EncodeValue(value)
}

// Parse reads a compiled domain back into expressions, one per root
// operand. Leaves come back carrying raw wire operators, so recompiling the
// result reproduces the input exactly.
func Parse(domain Domain) ([]Expr, error) {
	pos := 0
	var roots []Expr
	for pos < len(domain) {
		expr, next, err := parseNode(domain, pos)
		if err != nil {
			return nil, err
		}
		roots = append(roots, expr)
		pos = next
	}
	return roots, nil
}

func parseNode(domain Domain, pos int) (Expr, int, error) {
	if pos >= len(domain) {
		return nil, pos, fmt.Errorf("query: truncated domain at position %d", pos)
	}
	switch token := domain[pos].(type) {
	case string:
		switch token {
		case "&", "|":
			left, next, err := parseNode(domain, pos+1)
			if err != nil {
				return nil, 0, err
			}
			right, next, err := parseNode(domain, next)
			if err != nil {
				return nil, 0, err
			}
			if token == "&" {
				return And(left, right), next, nil
			}
			return Or(left, right), next, nil
		case "!":
			child, next, err := parseNode(domain, pos+1)
			if err != nil {
				return nil, 0, err
			}
			return Not(child), next, nil
		}
		return nil, 0, fmt.Errorf("query: unknown connective %q at position %d", token, pos)
	case []interface{}:
		return parseLeaf(token, pos)
	}
	return nil, 0, fmt.Errorf("query: unexpected token %T at position %d", domain[pos], pos)
}

func parseLeaf(triple []interface{}, pos int) (Expr, int, error) {
	if len(triple) != 3 {
		return nil, 0, fmt.Errorf("query: leaf at position %d has %d elements", pos, len(triple))
	}
	op, ok := triple[1].(string)
	if !ok || !wireOps[op] {
		return nil, 0, fmt.Errorf("query: bad operator %v at position %d", triple[1], pos)
	}
	switch field := triple[0].(type) {
	case string:
		return Leaf{Path: field, Op: op, Value: triple[2]}, pos + 1, nil
	case int:
		// Constant truth leaves keep their numeric field so they
		// recompile verbatim.
		return constLeaf{field: field, op: op, value: triple[2]}, pos + 1, nil
	}
	return nil, 0, fmt.Errorf("query: bad field %v at position %d", triple[0], pos)
}

// constLeaf is a parsed constant-truth leaf such as [1, "=", 1].
type constLeaf struct {
	field int
	op    string
	value interface{}
}

func (constLeaf) isExpr() {}
