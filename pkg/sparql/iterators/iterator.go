// Package iterators implements preemptable iterators: physical operators
// that can be suspended in the middle of a query, saved into a plan.Node and
// resumed later without duplicating or losing solutions.
//
// Scans are the only operators that check the time budget. When it is spent
// they return sparql.ErrQuantumExhausted, which unwinds to the engine; every
// other operator keeps its state consistent at all times so Save can be
// called right after the signal.
package iterators

import (
	"context"
	"strings"
	"time"

	"github.com/aleksaelezovic/sage/pkg/sparql/plan"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// Iterator is a preemptable physical operator
type Iterator interface {
	// Next returns the next solution, or nil when the iterator is exhausted
	Next(ec *ExecutionContext) (store.Mapping, error)

	// NextStage rebinds the iterator with outer bindings and restarts it
	NextStage(mu store.Mapping)

	// Pop returns a buffered solution without reading the store, or nil
	Pop(ec *ExecutionContext) (store.Mapping, error)

	// Save returns the state of the iterator and its children
	Save() plan.Node

	// Variables returns the variables the iterator may bind
	Variables() []string

	// Explain renders the iterator tree, one operator per line
	Explain(indent int) string

	String() string

	// Close releases the store cursors held by the iterator tree
	Close() error
}

// UnaryIterator is an iterator with one child
type UnaryIterator interface {
	Iterator
	Child() Iterator
}

// BinaryIterator is an iterator with two children
type BinaryIterator interface {
	Iterator
	Left() Iterator
	Right() Iterator
}

// Budget limits the work done in one quantum
type Budget interface {
	// Exceeded reports whether the quantum is over
	Exceeded() bool

	// Step records one triple read from the store
	Step()
}

// TimeBudget is a wall-clock quantum
type TimeBudget struct {
	deadline time.Time
}

// NewTimeBudget creates a budget that expires after quantum
func NewTimeBudget(quantum time.Duration) *TimeBudget {
	return &TimeBudget{deadline: time.Now().Add(quantum)}
}

func (b *TimeBudget) Exceeded() bool {
	return !time.Now().Before(b.deadline)
}

func (b *TimeBudget) Step() {}

// StepBudget is a deterministic quantum counting triples read from the store
type StepBudget struct {
	remaining int
}

// NewStepBudget creates a budget allowing n triple reads
func NewStepBudget(n int) *StepBudget {
	return &StepBudget{remaining: n}
}

func (b *StepBudget) Exceeded() bool {
	return b.remaining <= 0
}

func (b *StepBudget) Step() {
	b.remaining--
}

// Unlimited never expires
type Unlimited struct{}

func (Unlimited) Exceeded() bool { return false }
func (Unlimited) Step()          {}

// ExecutionContext is passed to every Next and Pop call of one quantum
type ExecutionContext struct {
	Context context.Context
	Budget  Budget

	// Threshold is a caller-supplied partial TOP-K threshold
	Threshold store.Mapping

	// MaxTopK caps the size of TOP-K structures
	MaxTopK int

	published store.Mapping
	version   uint64
}

// NewExecutionContext creates an execution context
func NewExecutionContext(ctx context.Context, budget Budget) *ExecutionContext {
	if budget == nil {
		budget = Unlimited{}
	}
	return &ExecutionContext{Context: ctx, Budget: budget}
}

// Exceeded reports whether the quantum is over or the context is done
func (ec *ExecutionContext) Exceeded() bool {
	if ec.Context != nil && ec.Context.Err() != nil {
		return true
	}
	return ec.Budget != nil && ec.Budget.Exceeded()
}

func (ec *ExecutionContext) step() {
	if ec.Budget != nil {
		ec.Budget.Step()
	}
}

func (ec *ExecutionContext) ctx() context.Context {
	if ec.Context == nil {
		return context.Background()
	}
	return ec.Context
}

// PublishThreshold makes the current TOP-K threshold visible to rank filters
func (ec *ExecutionContext) PublishThreshold(mu store.Mapping) {
	ec.published = mu
	ec.version++
}

// PublishedThreshold returns the current TOP-K threshold and a version
// number that changes on every publication.
func (ec *ExecutionContext) PublishedThreshold() (store.Mapping, uint64) {
	return ec.published, ec.version
}

func explainLine(indent int, it Iterator) string {
	return strings.Repeat("  ", indent) + it.String() + "\n"
}

func unionVariables(lists ...[]string) []string {
	seen := make(map[string]bool)
	var vars []string
	for _, list := range lists {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				vars = append(vars, v)
			}
		}
	}
	return vars
}
