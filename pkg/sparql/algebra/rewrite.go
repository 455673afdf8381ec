package algebra

import (
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// Rewrite applies the logical rewrites bottom-up:
//   - joins of BGPs and VALUES blocks are merged into one BGP
//   - a filter over either side of a join is lifted above the join when
//     every variable it reads is certainly bound there, so the join can merge
//   - conjunctive filters are split into stacked filters
func Rewrite(node Node) Node {
	switch n := node.(type) {
	case *Join:
		left, right := Rewrite(n.Left), Rewrite(n.Right)
		return rewriteJoin(left, right)
	case *Union:
		return &Union{Left: Rewrite(n.Left), Right: Rewrite(n.Right)}
	case *Filter:
		return splitFilter(Rewrite(n.Source), n.Expression)
	case *Project:
		return &Project{Source: Rewrite(n.Source), Variables: n.Variables}
	case *Slice:
		return &Slice{Source: Rewrite(n.Source), Limit: n.Limit}
	case *TopK:
		return &TopK{Source: Rewrite(n.Source), Order: n.Order, Limit: n.Limit}
	case *ToMultiSet:
		return &BGP{Values: []*ToMultiSet{n}}
	default:
		return node
	}
}

func rewriteJoin(left, right Node) Node {
	if filter, ok := left.(*Filter); ok && liftable(filter) {
		return &Filter{Source: rewriteJoin(filter.Source, right), Expression: filter.Expression}
	}
	if filter, ok := right.(*Filter); ok && liftable(filter) {
		return &Filter{Source: rewriteJoin(left, filter.Source), Expression: filter.Expression}
	}

	l, lok := left.(*BGP)
	r, rok := right.(*BGP)
	if lok && rok {
		triples := make([]store.Pattern, 0, len(l.Triples)+len(r.Triples))
		triples = append(append(triples, l.Triples...), r.Triples...)
		return &BGP{
			Triples: triples,
			Values:  append(append([]*ToMultiSet{}, l.Values...), r.Values...),
		}
	}
	return &Join{Left: left, Right: right}
}

// liftable reports whether a filter reads only variables its source always binds
func liftable(filter *Filter) bool {
	certain := certainVariables(filter.Source)
	for _, v := range parser.ExpressionVariables(filter.Expression) {
		if !certain[v] {
			return false
		}
	}
	return true
}

func splitFilter(source Node, expr parser.Expression) Node {
	if bin, ok := expr.(*parser.BinaryExpression); ok && bin.Operator == parser.OpAnd {
		return splitFilter(splitFilter(source, bin.Left), bin.Right)
	}
	return &Filter{Source: source, Expression: expr}
}
