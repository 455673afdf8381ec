package store

import (
	"context"
	"errors"
	"strings"
)

// ErrConflict is returned by Graph.Apply when a triple to delete is missing
var ErrConflict = errors.New("triple to delete does not exist")

// Pattern is a triple pattern over one graph. Subject, Predicate and Object
// hold either a lexical term or a variable starting with '?'.
type Pattern struct {
	Subject   string
	Predicate string
	Object    string
	Graph     string
}

// IsVariable reports whether a pattern position holds a variable
func IsVariable(term string) bool {
	return strings.HasPrefix(term, "?")
}

// Bind returns a copy of the pattern with the variables bound in mu replaced
// by their values.
func (p Pattern) Bind(mu Mapping) Pattern {
	bind := func(term string) string {
		if IsVariable(term) {
			if value, ok := mu[term]; ok {
				return value
			}
		}
		return term
	}
	return Pattern{
		Subject:   bind(p.Subject),
		Predicate: bind(p.Predicate),
		Object:    bind(p.Object),
		Graph:     p.Graph,
	}
}

// Variables returns the distinct variables of the pattern in S, P, O order
func (p Pattern) Variables() []string {
	var vars []string
	for _, term := range []string{p.Subject, p.Predicate, p.Object} {
		if IsVariable(term) && !contains(vars, term) {
			vars = append(vars, term)
		}
	}
	return vars
}

// Matches reports whether a triple agrees with the bound positions of the
// pattern and binds repeated variables consistently.
func (p Pattern) Matches(t Triple) bool {
	_, ok := p.Map(t)
	return ok
}

// Repeats reports whether a variable occurs twice in the pattern
func (p Pattern) Repeats() bool {
	n := 0
	for _, term := range []string{p.Subject, p.Predicate, p.Object} {
		if IsVariable(term) {
			n++
		}
	}
	return n > len(p.Variables())
}

// Map translates a matching triple into bindings for the pattern variables
func (p Pattern) Map(t Triple) (Mapping, bool) {
	mu := Mapping{}
	positions := [3][2]string{
		{p.Subject, t.Subject},
		{p.Predicate, t.Predicate},
		{p.Object, t.Object},
	}
	for _, pos := range positions {
		term, value := pos[0], pos[1]
		if !IsVariable(term) {
			if term != value {
				return nil, false
			}
			continue
		}
		if bound, ok := mu[term]; ok && bound != value {
			return nil, false
		}
		mu[term] = value
	}
	return mu, true
}

func (p Pattern) String() string {
	return formatTerm(p.Subject) + " " + formatTerm(p.Predicate) + " " + formatTerm(p.Object)
}

func formatTerm(term string) string {
	if IsVariable(term) || strings.HasPrefix(term, `"`) || strings.HasPrefix(term, "_:") {
		return term
	}
	return "<" + term + ">"
}

// Triple is one stored triple with its MVCC validity window [InsertT, DeleteT).
// A zero DeleteT means the triple is alive. Timestamps are in microseconds.
type Triple struct {
	Subject   string
	Predicate string
	Object    string
	InsertT   int64
	DeleteT   int64
}

// VisibleAt reports whether the triple version is visible to a reader at asOf.
// A zero asOf reads the latest state.
func (t Triple) VisibleAt(asOf int64) bool {
	if asOf == 0 {
		return t.DeleteT == 0
	}
	return t.InsertT <= asOf && (t.DeleteT == 0 || asOf < t.DeleteT)
}

// Cursor is a pull-based cursor over the index range of a pattern. It may
// yield versions not visible to the reader and triples that break a repeated
// variable; callers filter with Triple.VisibleAt and Pattern.Map.
type Cursor interface {
	// Next advances to the next triple; false at the end or on error
	Next() bool

	// Triple returns the current triple
	Triple() Triple

	// LastRead returns the opaque resume offset of the last triple pulled
	LastRead() string

	// Err returns the error that stopped the cursor, if any
	Err() error

	// Close releases the cursor
	Close() error
}

// Graph is one named collection of triples
type Graph interface {
	// URI returns the graph name
	URI() string

	// Search returns a cursor positioned after lastRead (empty = from the
	// start) and the cardinality of the whole pattern: the triples visible
	// at asOf that match it. asOf is the snapshot timestamp of an MVCC
	// read; zero reads the latest state.
	Search(ctx context.Context, p Pattern, lastRead string, asOf int64) (Cursor, int64, error)

	// Open is Search without the cardinality estimate
	Open(ctx context.Context, p Pattern, lastRead string, asOf int64) (Cursor, error)

	// Insert adds triples
	Insert(ctx context.Context, triples []Triple) error

	// Delete removes triples
	Delete(ctx context.Context, triples []Triple) error

	// Apply deletes then inserts in one transaction. It returns ErrConflict
	// and applies nothing when a triple to delete is not alive.
	Apply(ctx context.Context, deletes, inserts []Triple) error

	// Count returns the number of live triples
	Count(ctx context.Context) (int64, error)

	// Close closes the graph
	Close() error
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
