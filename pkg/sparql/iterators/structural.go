package iterators

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aleksaelezovic/sage/pkg/sparql/plan"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// Projection keeps a fixed list of variables. A nil list keeps everything.
type Projection struct {
	source Iterator
	values []string
}

// NewProjection creates a projection
func NewProjection(source Iterator, values []string) *Projection {
	return &Projection{source: source, values: values}
}

func (p *Projection) Child() Iterator { return p.source }

func (p *Projection) Next(ec *ExecutionContext) (store.Mapping, error) {
	mu, err := p.source.Next(ec)
	if err != nil || mu == nil {
		return nil, err
	}
	return mu.Project(p.values), nil
}

func (p *Projection) NextStage(mu store.Mapping) {
	p.source.NextStage(mu)
}

func (p *Projection) Pop(ec *ExecutionContext) (store.Mapping, error) {
	mu, err := p.source.Pop(ec)
	if err != nil || mu == nil {
		return nil, err
	}
	return mu.Project(p.values), nil
}

func (p *Projection) Save() plan.Node {
	return &plan.Projection{Source: p.source.Save(), Values: p.values}
}

func (p *Projection) Variables() []string {
	if p.values == nil {
		return p.source.Variables()
	}
	return p.values
}

func (p *Projection) Explain(indent int) string {
	return explainLine(indent, p) + p.source.Explain(indent+1)
}

func (p *Projection) String() string {
	if p.values == nil {
		return "Projection(*)"
	}
	return "Projection(" + strings.Join(p.values, " ") + ")"
}

func (p *Projection) Close() error {
	return p.source.Close()
}

// Values is a restartable list of solutions, merged with the outer
// bindings when compatible.
type Values struct {
	items  []store.Mapping
	cursor int
	mu     store.Mapping
}

// NewValues creates a values operator
func NewValues(items []store.Mapping) *Values {
	return &Values{items: items}
}

// Items returns the solutions of the operator
func (v *Values) Items() []store.Mapping {
	return v.items
}

func (v *Values) Next(ec *ExecutionContext) (store.Mapping, error) {
	for v.cursor < len(v.items) {
		item := v.items[v.cursor]
		v.cursor++
		if v.mu == nil {
			return item.Clone(), nil
		}
		if item.Compatible(v.mu) {
			return v.mu.Merge(item), nil
		}
	}
	return nil, nil
}

func (v *Values) NextStage(mu store.Mapping) {
	v.mu = mu
	v.cursor = 0
}

func (v *Values) Pop(ec *ExecutionContext) (store.Mapping, error) {
	return nil, nil
}

func (v *Values) Save() plan.Node {
	return &plan.Values{Items: v.items, Cursor: int64(v.cursor), Mu: v.mu}
}

func (v *Values) Variables() []string {
	var lists [][]string
	for _, item := range v.items {
		lists = append(lists, item.Keys())
	}
	return unionVariables(lists...)
}

func (v *Values) Explain(indent int) string {
	return explainLine(indent, v)
}

func (v *Values) String() string {
	return fmt.Sprintf("Values(%s; %d rows)", strings.Join(v.Variables(), " "), len(v.items))
}

func (v *Values) Close() error {
	return nil
}

// Union is a bag union: the left child is drained, then the right child
type Union struct {
	left     Iterator
	right    Iterator
	leftDone bool
}

// NewUnion creates a bag union
func NewUnion(left, right Iterator) *Union {
	return &Union{left: left, right: right}
}

func (u *Union) Left() Iterator  { return u.left }
func (u *Union) Right() Iterator { return u.right }

func (u *Union) Next(ec *ExecutionContext) (store.Mapping, error) {
	if !u.leftDone {
		mu, err := u.left.Next(ec)
		if err != nil || mu != nil {
			return mu, err
		}
		u.leftDone = true
	}
	return u.right.Next(ec)
}

func (u *Union) NextStage(mu store.Mapping) {
	u.leftDone = false
	u.left.NextStage(mu)
	u.right.NextStage(mu)
}

func (u *Union) Pop(ec *ExecutionContext) (store.Mapping, error) {
	mu, err := u.left.Pop(ec)
	if err != nil || mu != nil {
		return mu, err
	}
	return u.right.Pop(ec)
}

func (u *Union) Save() plan.Node {
	return &plan.Union{Left: u.left.Save(), Right: u.right.Save()}
}

func (u *Union) Variables() []string {
	return unionVariables(u.left.Variables(), u.right.Variables())
}

func (u *Union) Explain(indent int) string {
	return explainLine(indent, u) + u.left.Explain(indent+1) + u.right.Explain(indent+1)
}

func (u *Union) String() string {
	return "Union"
}

func (u *Union) Close() error {
	return errors.Join(u.left.Close(), u.right.Close())
}

// Limit passes through at most limit solutions
type Limit struct {
	source   Iterator
	limit    int64
	produced int64
}

// NewLimit creates a limit
func NewLimit(source Iterator, limit int64) *Limit {
	return &Limit{source: source, limit: limit}
}

func (l *Limit) Child() Iterator { return l.source }

func (l *Limit) Next(ec *ExecutionContext) (store.Mapping, error) {
	if l.produced >= l.limit {
		return nil, nil
	}
	mu, err := l.source.Next(ec)
	if err != nil || mu == nil {
		return nil, err
	}
	l.produced++
	return mu, nil
}

func (l *Limit) NextStage(mu store.Mapping) {
	l.produced = 0
	l.source.NextStage(mu)
}

func (l *Limit) Pop(ec *ExecutionContext) (store.Mapping, error) {
	if l.produced >= l.limit {
		return nil, nil
	}
	mu, err := l.source.Pop(ec)
	if err != nil || mu == nil {
		return nil, err
	}
	l.produced++
	return mu, nil
}

func (l *Limit) Save() plan.Node {
	return &plan.Limit{Source: l.source.Save(), Limit: l.limit, Produced: l.produced}
}

func (l *Limit) Variables() []string {
	return l.source.Variables()
}

func (l *Limit) Explain(indent int) string {
	return explainLine(indent, l) + l.source.Explain(indent+1)
}

func (l *Limit) String() string {
	return fmt.Sprintf("Limit(%d)", l.limit)
}

func (l *Limit) Close() error {
	return l.source.Close()
}
