package iterators

import (
	"errors"

	"github.com/aleksaelezovic/sage/pkg/sparql/plan"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// IndexJoin is an index nested-loop join: every outer solution from the
// left child is pushed into the right child with NextStage, and the right
// child is drained before the left child advances.
type IndexJoin struct {
	left  Iterator
	right Iterator
	mu    store.Mapping // current outer solution; nil means NEED_OUTER
}

// NewIndexJoin creates an index join
func NewIndexJoin(left, right Iterator) *IndexJoin {
	return &IndexJoin{left: left, right: right}
}

func (j *IndexJoin) Left() Iterator  { return j.left }
func (j *IndexJoin) Right() Iterator { return j.right }

func (j *IndexJoin) Next(ec *ExecutionContext) (store.Mapping, error) {
	for {
		if j.mu == nil {
			outer, err := j.left.Next(ec)
			if err != nil || outer == nil {
				return nil, err
			}
			j.mu = outer
			j.right.NextStage(outer)
		}

		mu, err := j.right.Next(ec)
		if err != nil {
			return nil, err
		}
		if mu != nil {
			return mu, nil
		}
		j.mu = nil
	}
}

func (j *IndexJoin) NextStage(mu store.Mapping) {
	j.mu = nil
	j.left.NextStage(mu)
}

// Pop drains solutions buffered by the right child for the current outer solution
func (j *IndexJoin) Pop(ec *ExecutionContext) (store.Mapping, error) {
	if j.mu == nil {
		return nil, nil
	}
	return j.right.Pop(ec)
}

func (j *IndexJoin) Save() plan.Node {
	return &plan.IndexJoin{
		Left:  j.left.Save(),
		Right: j.right.Save(),
		Mu:    j.mu,
	}
}

func (j *IndexJoin) Variables() []string {
	return unionVariables(j.left.Variables(), j.right.Variables())
}

func (j *IndexJoin) Explain(indent int) string {
	return explainLine(indent, j) + j.left.Explain(indent+1) + j.right.Explain(indent+1)
}

func (j *IndexJoin) String() string {
	return "IndexJoin"
}

func (j *IndexJoin) Close() error {
	return errors.Join(j.left.Close(), j.right.Close())
}
