// Package query implements chainable, immutable query sets over remote
// models: a filter expression tree with field lookups, the domain compiler
// producing the server's prefix-notation leaf sequence, terminal operations
// and the prefetch planner for relationship fields.
package query

import (
	"fmt"
	"strings"
)

// Expr is a node of the filter expression tree. Nodes are immutable; And,
// Or and Not build composites, Q builds leaves from field lookups.
type Expr interface {
	isExpr()
}

// Leaf is one field condition. Path is a dotted field path, Op a lookup
// name from the table in lookupOps, Value the comparison operand.
type Leaf struct {
	Path  string
	Op    string
	Value interface{}
}

func (Leaf) isExpr() {}

type andNode struct{ children []Expr }
type orNode struct{ children []Expr }
type notNode struct{ child Expr }

func (andNode) isExpr() {}
func (orNode) isExpr()  {}
func (notNode) isExpr() {}

// And joins expressions conjunctively. With fewer than two operands it
// reduces to its operand or to the always-true condition.
func And(exprs ...Expr) Expr {
	switch len(exprs) {
	case 0:
		return andNode{}
	case 1:
		return exprs[0]
	}
	return andNode{children: exprs}
}

// Or joins expressions disjunctively, with the same degenerate handling as
// And.
func Or(exprs ...Expr) Expr {
	switch len(exprs) {
	case 0:
		return orNode{}
	case 1:
		return exprs[0]
	}
	return orNode{children: exprs}
}

// Not negates an expression.
func Not(expr Expr) Expr {
	return notNode{child: expr}
}

// lookupSep separates the field path from the lookup suffix.
const lookupSep = "__"

// lookupOps is the closed set of lookup names. The zero suffix means exact.
var lookupOps = map[string]bool{
	"exact": true, "iexact": true,
	"contains": true, "icontains": true,
	"startswith": true, "istartswith": true,
	"endswith": true, "iendswith": true,
	"like": true, "ilike": true,
	"regex": true, "iregex": true,
	"gt": true, "gte": true, "lt": true, "lte": true,
	"in": true, "not_in": true,
	"isnull": true,
}

// Q builds a leaf from a field lookup such as "name__ilike" or
// "partner_id.country_id.code". A lookup without a recognized suffix means
// exact match. Path segments use "." for relation traversal; the legacy
// "__" spelling between segments is accepted when the trailing segment is
// not a lookup name.
func Q(lookup string, value interface{}) Expr {
	path, op := splitLookup(lookup)
	return Leaf{Path: path, Op: op, Value: value}
}

func splitLookup(lookup string) (string, string) {
	idx := strings.LastIndex(lookup, lookupSep)
	if idx < 0 {
		return normalizePath(lookup), "exact"
	}
	suffix := lookup[idx+len(lookupSep):]
	if !lookupOps[suffix] {
		return normalizePath(lookup), "exact"
	}
	return normalizePath(lookup[:idx]), suffix
}

func normalizePath(path string) string {
	return strings.ReplaceAll(path, lookupSep, ".")
}

// Walk applies fn to every leaf of the expression tree.
func Walk(expr Expr, fn func(Leaf)) {
	switch node := expr.(type) {
	case Leaf:
		fn(node)
	case andNode:
		for _, child := range node.children {
			Walk(child, fn)
		}
	case orNode:
		for _, child := range node.children {
			Walk(child, fn)
		}
	case notNode:
		Walk(node.child, fn)
	}
}

// String renders the tree for logs and error messages.
func String(expr Expr) string {
	switch node := expr.(type) {
	case Leaf:
		return fmt.Sprintf("%s__%s=%v", node.Path, node.Op, node.Value)
	case andNode:
		return renderComposite("AND", node.children)
	case orNode:
		return renderComposite("OR", node.children)
	case notNode:
		return "NOT(" + String(node.child) + ")"
	}
	return "?"
}

func renderComposite(name string, children []Expr) string {
	parts := make([]string, len(children))
	for i, child := range children {
		parts[i] = String(child)
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}
