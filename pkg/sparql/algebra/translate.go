package algebra

import (
	"fmt"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/evaluator"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// Translate maps a parsed query onto a logical plan. Triple patterns
// outside GRAPH blocks target defaultGraph.
func Translate(query *parser.Query, defaultGraph string) (Node, error) {
	if query.QueryType != parser.QueryTypeSelect || query.Select == nil {
		return nil, sparql.Unsupported("only SELECT queries can be evaluated")
	}
	sel := query.Select

	switch {
	case sel.Distinct:
		return nil, sparql.Unsupported("DISTINCT")
	case sel.Reduced:
		return nil, sparql.Unsupported("REDUCED")
	case sel.HasExpressions:
		return nil, sparql.Unsupported("SELECT expressions")
	case len(sel.GroupBy) > 0:
		return nil, sparql.Unsupported("GROUP BY")
	case len(sel.Having) > 0:
		return nil, sparql.Unsupported("HAVING")
	case sel.Offset != nil && *sel.Offset > 0:
		return nil, sparql.Unsupported("OFFSET")
	case len(sel.OrderBy) > 0 && sel.Limit == nil:
		return nil, sparql.Unsupported("ORDER BY without LIMIT")
	}

	node, err := translateGroup(sel.Where, defaultGraph)
	if err != nil {
		return nil, err
	}

	if sel.Values != nil {
		values, err := translateValues(sel.Values)
		if err != nil {
			return nil, err
		}
		node = &Join{Left: node, Right: values}
	}

	if sel.Limit != nil {
		if len(sel.OrderBy) > 0 {
			for _, cond := range sel.OrderBy {
				if err := evaluator.Validate(cond.Expression); err != nil {
					return nil, err
				}
			}
			node = &TopK{Source: node, Order: sel.OrderBy, Limit: int64(*sel.Limit)}
		} else {
			node = &Slice{Source: node, Limit: int64(*sel.Limit)}
		}
	}

	var vars []string
	if sel.Variables != nil {
		vars = make([]string, len(sel.Variables))
		for i, v := range sel.Variables {
			vars[i] = "?" + v.Name
		}
	}
	return &Project{Source: node, Variables: vars}, nil
}

func translateGroup(group *parser.GraphPattern, graph string) (Node, error) {
	var node Node
	join := func(right Node) {
		if node == nil {
			node = right
			return
		}
		node = &Join{Left: node, Right: right}
	}

	var filters []parser.Expression
	for _, elem := range group.Elements {
		switch {
		case elem.Triple != nil:
			join(&BGP{Triples: []store.Pattern{translateTriple(elem.Triple, graph)}})
		case elem.Filter != nil:
			if err := evaluator.Validate(elem.Filter.Expression); err != nil {
				return nil, err
			}
			filters = append(filters, elem.Filter.Expression)
		case elem.Bind != nil:
			return nil, sparql.Unsupported("BIND")
		case elem.Values != nil:
			values, err := translateValues(elem.Values)
			if err != nil {
				return nil, err
			}
			join(values)
		case elem.Group != nil:
			child, err := translateChild(elem.Group, graph)
			if err != nil {
				return nil, err
			}
			join(child)
		}
	}

	if node == nil {
		// the empty group has one empty solution
		node = &ToMultiSet{Items: []store.Mapping{{}}}
	}
	for _, expr := range filters {
		node = &Filter{Source: node, Expression: expr}
	}
	return node, nil
}

func translateChild(child *parser.GraphPattern, graph string) (Node, error) {
	switch child.Type {
	case parser.GraphPatternTypeBasic:
		return translateGroup(child, graph)
	case parser.GraphPatternTypeUnion:
		if len(child.Children) != 2 {
			return nil, fmt.Errorf("union with %d branches", len(child.Children))
		}
		left, err := translateChild(child.Children[0], graph)
		if err != nil {
			return nil, err
		}
		right, err := translateChild(child.Children[1], graph)
		if err != nil {
			return nil, err
		}
		return &Union{Left: left, Right: right}, nil
	case parser.GraphPatternTypeGraph:
		if child.Graph == nil || child.Graph.IRI == nil {
			return nil, sparql.Unsupported("GRAPH with a variable")
		}
		return translateGroup(child, child.Graph.IRI.IRI)
	case parser.GraphPatternTypeOptional:
		return nil, sparql.Unsupported("OPTIONAL")
	case parser.GraphPatternTypeMinus:
		return nil, sparql.Unsupported("MINUS")
	case parser.GraphPatternTypeSubquery:
		return nil, sparql.Unsupported("subqueries")
	default:
		return nil, sparql.Unsupported("graph pattern type %d", child.Type)
	}
}

func translateTriple(t *parser.TriplePattern, graph string) store.Pattern {
	return store.Pattern{
		Subject:   t.Subject.Lexical(),
		Predicate: t.Predicate.Lexical(),
		Object:    t.Object.Lexical(),
		Graph:     graph,
	}
}

func translateValues(values *parser.ValuesClause) (*ToMultiSet, error) {
	node := &ToMultiSet{Variables: make([]string, len(values.Variables))}
	for i, v := range values.Variables {
		node.Variables[i] = "?" + v.Name
	}
	for _, row := range values.Rows {
		if len(row) != len(node.Variables) {
			return nil, fmt.Errorf("VALUES row has %d terms, expected %d", len(row), len(node.Variables))
		}
		mu := make(store.Mapping, len(row))
		for i, term := range row {
			if term != nil {
				mu[node.Variables[i]] = rdf.Lexical(term)
			}
		}
		node.Items = append(node.Items, mu)
	}
	return node, nil
}
