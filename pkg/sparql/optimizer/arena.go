package optimizer

import (
	"errors"
	"fmt"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql/iterators"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/sparql/topk"
	"github.com/aleksaelezovic/sage/pkg/store"
)

type opKind int

const (
	opScan opKind = iota
	opValues
	opJoin
	opFilter
	opUnion
	opProjection
	opLimit
	opTopK
	opRankFilter
)

const none = -1

// node is a physical operator. Unary operators use left only.
type node struct {
	kind        opKind
	left, right int

	scan    *iterators.Scan
	items   []store.Mapping
	expr    parser.Expression
	vars    []string
	limit   int64
	order   []*parser.OrderCondition
	partial bool
	local   int // partial TOP-K capacity
}

type arena struct {
	nodes []node
	root  int
	scans []*iterators.Scan // every scan opened while building
}

func (a *arena) add(n node) int {
	switch n.kind {
	case opScan, opValues:
		n.left, n.right = none, none
	case opFilter, opProjection, opLimit, opTopK, opRankFilter:
		n.right = none
	}
	a.nodes = append(a.nodes, n)
	return len(a.nodes) - 1
}

func (a *arena) close() {
	for _, s := range a.scans {
		s.Close() // #nosec G104
	}
}

// parent returns the parent of i, or none for the root
func (a *arena) parent(i int) int {
	for p, n := range a.nodes {
		if n.left == i || n.right == i {
			return p
		}
	}
	return none
}

// replace makes the parent of old point to repl
func (a *arena) replace(old, repl int) {
	p := a.parent(old)
	if p == none {
		if a.root == old {
			a.root = repl
		}
		return
	}
	if a.nodes[p].left == old {
		a.nodes[p].left = repl
	} else {
		a.nodes[p].right = repl
	}
}

// postfix lists the nodes reachable from the root, children first
func (a *arena) postfix() []int {
	var out []int
	var walk func(int)
	walk = func(i int) {
		if i == none {
			return
		}
		walk(a.nodes[i].left)
		walk(a.nodes[i].right)
		out = append(out, i)
	}
	walk(a.root)
	return out
}

// certain returns the variables bound in every solution of node i
func (a *arena) certain(i int) map[string]bool {
	n := a.nodes[i]
	vars := make(map[string]bool)
	switch n.kind {
	case opScan:
		for _, v := range n.scan.Pattern().Variables() {
			vars[v] = true
		}
	case opValues:
		for _, v := range certainValuesVariables(n.items) {
			vars[v] = true
		}
	case opJoin:
		for v := range a.certain(n.left) {
			vars[v] = true
		}
		for v := range a.certain(n.right) {
			vars[v] = true
		}
	case opUnion:
		right := a.certain(n.right)
		for v := range a.certain(n.left) {
			if right[v] {
				vars[v] = true
			}
		}
	case opProjection:
		child := a.certain(n.left)
		if n.vars == nil {
			return child
		}
		for _, v := range n.vars {
			if child[v] {
				vars[v] = true
			}
		}
	default:
		return a.certain(n.left)
	}
	return vars
}

func covers(vars map[string]bool, need []string) bool {
	for _, v := range need {
		if !vars[v] {
			return false
		}
	}
	return true
}

// pushFilters moves every filter down to the lowest operator that binds all
// of its variables. A filter only crosses joins and other filters, never a
// union, a limit or a TOP-K.
func (a *arena) pushFilters() {
	for range maxRewrites {
		moved := false
		for _, i := range a.postfix() {
			if a.nodes[i].kind == opFilter && a.pushFilter(i) {
				moved = true
				break
			}
		}
		if !moved {
			return
		}
	}
}

func (a *arena) pushFilter(f int) bool {
	need := parser.ExpressionVariables(a.nodes[f].expr)
	child := a.nodes[f].left

	// target only advances through join edges, so a filter never lands
	// right below another filter it just crossed
	target, cur := child, child
	for {
		n := a.nodes[cur]
		next := none
		switch n.kind {
		case opJoin:
			if covers(a.certain(n.left), need) {
				next = n.left
			} else if covers(a.certain(n.right), need) {
				next = n.right
			}
			if next != none {
				target = next
			}
		case opFilter, opRankFilter:
			next = n.left
		}
		if next == none {
			break
		}
		cur = next
	}
	if target == child {
		return false
	}

	a.replace(f, child)
	a.replace(target, f)
	a.nodes[f].left = target
	return true
}

// rewriteFilters turns equality filters directly above a scan into a join
// between a VALUES block and the scan, so the scan is looked up with the value
// bound instead of enumerating the pattern.
func (a *arena) rewriteFilters() {
	for _, i := range a.postfix() {
		n := a.nodes[i]
		if n.kind != opFilter || a.nodes[n.left].kind != opScan {
			continue
		}
		variable, terms, ok := equalityTerms(n.expr)
		if !ok || !a.certain(n.left)[variable] {
			continue
		}
		items := make([]store.Mapping, len(terms))
		for k, term := range terms {
			items[k] = store.Mapping{variable: term}
		}
		values := a.add(node{kind: opValues, items: items})
		a.nodes[i] = node{kind: opJoin, left: values, right: n.left}
	}
}

// equalityTerms recognizes ?v = c and disjunctions of them on one variable.
// Only IRIs and plain literals qualify: their equality is term equality.
func equalityTerms(expr parser.Expression) (string, []string, bool) {
	e, ok := expr.(*parser.BinaryExpression)
	if !ok {
		return "", nil, false
	}
	switch e.Operator {
	case parser.OpEqual:
		variable, term, ok := equality(e.Left, e.Right)
		if !ok {
			variable, term, ok = equality(e.Right, e.Left)
		}
		if !ok {
			return "", nil, false
		}
		return variable, []string{term}, true

	case parser.OpOr:
		lv, lterms, ok := equalityTerms(e.Left)
		if !ok {
			return "", nil, false
		}
		rv, rterms, ok := equalityTerms(e.Right)
		if !ok || lv != rv {
			return "", nil, false
		}
		terms := lterms
		for _, t := range rterms {
			dup := false
			for _, seen := range terms {
				if seen == t {
					dup = true
					break
				}
			}
			if !dup {
				terms = append(terms, t)
			}
		}
		return lv, terms, true
	}
	return "", nil, false
}

func equality(left, right parser.Expression) (string, string, bool) {
	v, ok := left.(*parser.VariableExpression)
	if !ok || v.Variable.Name == "*" {
		return "", "", false
	}
	c, ok := right.(*parser.LiteralExpression)
	if !ok {
		return "", "", false
	}
	switch term := c.Literal.(type) {
	case *rdf.NamedNode:
	case *rdf.Literal:
		if !term.IsPlain() {
			return "", "", false
		}
	default:
		return "", "", false
	}
	return "?" + v.Variable.Name, rdf.Lexical(c.Literal), true
}

// pushValues moves a VALUES joined on the right of a join chain to the
// bottom-left of that chain. It never crosses a filter: the filter would
// then see variables it expects unbound.
func (a *arena) pushValues() {
	for range maxRewrites {
		moved := false
		for _, j := range a.postfix() {
			if a.pushValue(j) {
				moved = true
				break
			}
		}
		if !moved {
			return
		}
	}
}

func (a *arena) pushValue(j int) bool {
	n := a.nodes[j]
	if n.kind != opJoin || a.nodes[n.right].kind != opValues {
		return false
	}
	leaf := n.left
	for a.nodes[leaf].kind == opJoin {
		leaf = a.nodes[leaf].left
	}
	if a.nodes[leaf].kind != opScan {
		return false
	}

	values := n.right
	if leaf == n.left {
		a.nodes[j].left, a.nodes[j].right = values, leaf
		return true
	}
	a.replace(j, n.left)
	a.replace(leaf, j)
	a.nodes[j].left = values
	a.nodes[j].right = leaf
	return true
}

// placeRankFilters inserts a rank filter below every TOP-K, above the
// lowest operator of its left spine that binds a prefix of the ORDER BY
// keys. The filter is partial when only a strict prefix is bound.
func (a *arena) placeRankFilters() {
	for _, t := range a.postfix() {
		if a.nodes[t].kind != opTopK {
			continue
		}
		order := a.nodes[t].order

		var spine []int
		for i := a.nodes[t].left; ; i = a.nodes[i].left {
			spine = append(spine, i)
			if k := a.nodes[i].kind; k != opJoin && k != opFilter {
				break
			}
		}
		for s := len(spine) - 1; s >= 0; s-- {
			n := boundPrefix(order, a.certain(spine[s]))
			if n == 0 {
				continue
			}
			target := spine[s]
			p := a.parent(target)
			rf := a.add(node{kind: opRankFilter, left: target, order: order[:n], partial: n < len(order)})
			if a.nodes[p].left == target {
				a.nodes[p].left = rf
			} else {
				a.nodes[p].right = rf
			}
			break
		}
	}
}

func boundPrefix(order []*parser.OrderCondition, vars map[string]bool) int {
	n := 0
	for _, cond := range order {
		if !covers(vars, parser.ExpressionVariables(cond.Expression)) {
			break
		}
		n++
	}
	return n
}

// iterator converts node i and its children into iterators
func (a *arena) iterator(i int) (iterators.Iterator, error) {
	n := a.nodes[i]
	switch n.kind {
	case opScan:
		return n.scan, nil
	case opValues:
		return iterators.NewValues(n.items), nil
	}

	left, err := a.iterator(n.left)
	if err != nil {
		return nil, err
	}
	switch n.kind {
	case opJoin, opUnion:
		right, err := a.iterator(n.right)
		if err != nil {
			return nil, errors.Join(err, left.Close())
		}
		if n.kind == opUnion {
			return iterators.NewUnion(left, right), nil
		}
		return iterators.NewIndexJoin(left, right), nil
	case opFilter:
		return iterators.NewFilter(left, n.expr), nil
	case opProjection:
		return iterators.NewProjection(left, n.vars), nil
	case opLimit:
		return iterators.NewLimit(left, n.limit), nil
	case opTopK:
		if n.partial {
			return iterators.NewPartialTopK(left, topk.NewOrder(n.order), int(n.limit), n.local), nil
		}
		return iterators.NewTopK(left, topk.NewOrder(n.order), int(n.limit)), nil
	case opRankFilter:
		return iterators.NewRankFilter(left, topk.NewOrder(n.order), n.partial), nil
	default:
		return nil, errors.Join(fmt.Errorf("unknown operator kind %d", n.kind), left.Close())
	}
}
