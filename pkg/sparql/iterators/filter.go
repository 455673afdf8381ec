package iterators

import (
	"github.com/aleksaelezovic/sage/pkg/sparql/evaluator"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/sparql/plan"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// Filter discards the solutions of its child that do not satisfy an
// expression. Evaluation errors discard the solution.
type Filter struct {
	source     Iterator
	expression parser.Expression
	eval       *evaluator.Evaluator
	consumed   int64
	produced   int64
}

// NewFilter creates a filter
func NewFilter(source Iterator, expression parser.Expression) *Filter {
	return &Filter{source: source, expression: expression, eval: evaluator.NewEvaluator()}
}

func (f *Filter) Child() Iterator { return f.source }

// Expression returns the filter condition
func (f *Filter) Expression() parser.Expression {
	return f.expression
}

// Selectivity returns produced/consumed, or 1 before any solution was read
func (f *Filter) Selectivity() float64 {
	if f.consumed == 0 {
		return 1
	}
	return float64(f.produced) / float64(f.consumed)
}

func (f *Filter) Next(ec *ExecutionContext) (store.Mapping, error) {
	for {
		mu, err := f.source.Next(ec)
		if err != nil || mu == nil {
			return nil, err
		}
		f.consumed++
		if f.eval.EvaluateBool(f.expression, mu) {
			f.produced++
			return mu, nil
		}
	}
}

func (f *Filter) NextStage(mu store.Mapping) {
	f.source.NextStage(mu)
}

func (f *Filter) Pop(ec *ExecutionContext) (store.Mapping, error) {
	for {
		mu, err := f.source.Pop(ec)
		if err != nil || mu == nil {
			return nil, err
		}
		if f.eval.EvaluateBool(f.expression, mu) {
			return mu, nil
		}
	}
}

func (f *Filter) Save() plan.Node {
	return &plan.Filter{
		Source:     f.source.Save(),
		Expression: f.expression.String(),
		Consumed:   f.consumed,
		Produced:   f.produced,
	}
}

func (f *Filter) Variables() []string {
	return f.source.Variables()
}

func (f *Filter) Explain(indent int) string {
	return explainLine(indent, f) + f.source.Explain(indent+1)
}

func (f *Filter) String() string {
	return "Filter(" + f.expression.String() + ")"
}

func (f *Filter) Close() error {
	return f.source.Close()
}
