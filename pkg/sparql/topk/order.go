// Package topk keeps the K best solution mappings under a multi-key ORDER BY.
package topk

import (
	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql/evaluator"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// Key is the evaluated ORDER BY keys of one mapping. A nil entry is an
// unbound key or an evaluation error; it sorts first.
type Key []rdf.Term

// Order evaluates and compares ORDER BY keys
type Order struct {
	conds []*parser.OrderCondition
	eval  *evaluator.Evaluator
}

// NewOrder creates an Order over the given conditions
func NewOrder(conds []*parser.OrderCondition) *Order {
	return &Order{conds: conds, eval: evaluator.NewEvaluator()}
}

// ParseOrder parses conditions in the form produced by parser.FormatOrderConditions
func ParseOrder(text string) (*Order, error) {
	conds, err := parser.ParseOrderConditions(text)
	if err != nil {
		return nil, err
	}
	return NewOrder(conds), nil
}

// Conditions returns the ORDER BY conditions
func (o *Order) Conditions() []*parser.OrderCondition {
	return o.conds
}

// Len returns the number of keys
func (o *Order) Len() int {
	return len(o.conds)
}

// Prefix returns an Order over the first n conditions
func (o *Order) Prefix(n int) *Order {
	if n >= len(o.conds) {
		return o
	}
	return NewOrder(o.conds[:n])
}

func (o *Order) String() string {
	return parser.FormatOrderConditions(o.conds)
}

// Variables returns the variables the keys depend on
func (o *Order) Variables() []string {
	seen := make(map[string]bool)
	var vars []string
	for _, c := range o.conds {
		for _, v := range parser.ExpressionVariables(c.Expression) {
			if !seen[v] {
				seen[v] = true
				vars = append(vars, v)
			}
		}
	}
	return vars
}

// Keys evaluates the order keys of a mapping
func (o *Order) Keys(mu store.Mapping) Key {
	key := make(Key, len(o.conds))
	for i, c := range o.conds {
		term, err := o.eval.Evaluate(c.Expression, mu)
		if err == nil {
			key[i] = term
		}
	}
	return key
}

// Compare orders two keys under the per-key directions: negative when a
// ranks before b. Keys shorter than the condition list compare on their
// common prefix.
func (o *Order) Compare(a, b Key) int {
	n := min(len(a), len(b), len(o.conds))
	for i := 0; i < n; i++ {
		c := evaluator.Compare(a[i], b[i])
		if !o.conds[i].Ascending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// CompareMappings orders two mappings by their keys
func (o *Order) CompareMappings(a, b store.Mapping) int {
	return o.Compare(o.Keys(a), o.Keys(b))
}
