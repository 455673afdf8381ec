// Package algebra translates parsed SELECT queries into a logical plan and
// applies the logical rewrites the physical builder relies on.
package algebra

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// Node is a logical plan node
type Node interface {
	algebraNode()
	String() string
}

// BGP is a basic graph pattern: triple patterns joined together with the
// inline data blocks merged into them.
type BGP struct {
	Triples []store.Pattern
	Values  []*ToMultiSet
}

func (n *BGP) algebraNode() {}

func (n *BGP) String() string {
	parts := make([]string, 0, len(n.Triples)+len(n.Values))
	for _, t := range n.Triples {
		parts = append(parts, t.String())
	}
	for _, v := range n.Values {
		parts = append(parts, v.String())
	}
	return "BGP(" + strings.Join(parts, ", ") + ")"
}

// ToMultiSet is a VALUES block turned into a multiset of solutions
type ToMultiSet struct {
	Variables []string
	Items     []store.Mapping
}

func (n *ToMultiSet) algebraNode() {}

func (n *ToMultiSet) String() string {
	return fmt.Sprintf("VALUES(%s; %d rows)", strings.Join(n.Variables, " "), len(n.Items))
}

// Join is an inner join of two patterns
type Join struct {
	Left  Node
	Right Node
}

func (n *Join) algebraNode() {}

func (n *Join) String() string {
	return "Join(" + n.Left.String() + ", " + n.Right.String() + ")"
}

// Union is a bag union
type Union struct {
	Left  Node
	Right Node
}

func (n *Union) algebraNode() {}

func (n *Union) String() string {
	return "Union(" + n.Left.String() + ", " + n.Right.String() + ")"
}

// Filter restricts its source to the solutions satisfying an expression
type Filter struct {
	Source     Node
	Expression parser.Expression
}

func (n *Filter) algebraNode() {}

func (n *Filter) String() string {
	return "Filter(" + n.Expression.String() + ", " + n.Source.String() + ")"
}

// Project keeps the listed variables. Nil Variables keeps everything.
type Project struct {
	Source    Node
	Variables []string
}

func (n *Project) algebraNode() {}

func (n *Project) String() string {
	vars := "*"
	if n.Variables != nil {
		vars = strings.Join(n.Variables, " ")
	}
	return "Project(" + vars + ", " + n.Source.String() + ")"
}

// Slice is a plain LIMIT
type Slice struct {
	Source Node
	Limit  int64
}

func (n *Slice) algebraNode() {}

func (n *Slice) String() string {
	return fmt.Sprintf("Slice(%d, %s)", n.Limit, n.Source.String())
}

// TopK is ORDER BY ... LIMIT K
type TopK struct {
	Source Node
	Order  []*parser.OrderCondition
	Limit  int64
}

func (n *TopK) algebraNode() {}

func (n *TopK) String() string {
	return fmt.Sprintf("TopK(%s, %d, %s)", parser.FormatOrderConditions(n.Order), n.Limit, n.Source.String())
}

// Variables returns the variables a node may bind, sorted
func Variables(node Node) []string {
	seen := make(map[string]bool)
	collectVariables(node, seen)
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

func collectVariables(node Node, seen map[string]bool) {
	switch n := node.(type) {
	case *BGP:
		for _, t := range n.Triples {
			for _, v := range t.Variables() {
				seen[v] = true
			}
		}
		for _, v := range n.Values {
			collectVariables(v, seen)
		}
	case *ToMultiSet:
		for _, v := range n.Variables {
			seen[v] = true
		}
	case *Join:
		collectVariables(n.Left, seen)
		collectVariables(n.Right, seen)
	case *Union:
		collectVariables(n.Left, seen)
		collectVariables(n.Right, seen)
	case *Filter:
		collectVariables(n.Source, seen)
	case *Project:
		if n.Variables == nil {
			collectVariables(n.Source, seen)
			return
		}
		for _, v := range n.Variables {
			seen[v] = true
		}
	case *Slice:
		collectVariables(n.Source, seen)
	case *TopK:
		collectVariables(n.Source, seen)
	}
}

// certainVariables returns the variables bound in every solution of a node
func certainVariables(node Node) map[string]bool {
	certain := make(map[string]bool)
	switch n := node.(type) {
	case *BGP:
		for _, t := range n.Triples {
			for _, v := range t.Variables() {
				certain[v] = true
			}
		}
	case *Join:
		for v := range certainVariables(n.Left) {
			certain[v] = true
		}
		for v := range certainVariables(n.Right) {
			certain[v] = true
		}
	case *Filter:
		return certainVariables(n.Source)
	}
	return certain
}
