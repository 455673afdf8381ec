package iterators

import (
	"context"
	"fmt"
	"strings"

	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/plan"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// Scan evaluates one triple pattern against one graph
type Scan struct {
	graph   store.Graph
	pattern store.Pattern // as written in the query
	bound   store.Pattern // pattern with the outer bindings substituted
	mu      store.Mapping // outer bindings, nil if none

	cursor      store.Cursor
	buffered    *store.Triple
	lastRead    string
	cardinality int64
	estimated   bool  // cardinality is known
	produced    int64 // triples produced since the last NextStage
	timestamp   int64
}

// NewScan creates a scan over graph. asOf is the snapshot time of every read
// of the scan; zero reads the latest state.
func NewScan(graph store.Graph, pattern store.Pattern, asOf int64) *Scan {
	return &Scan{graph: graph, pattern: pattern, bound: pattern, timestamp: asOf}
}

func loadScan(graph store.Graph, saved *plan.Scan) *Scan {
	s := &Scan{
		graph:       graph,
		pattern:     saved.Pattern,
		bound:       saved.Pattern,
		mu:          saved.Mu,
		buffered:    saved.Buffered,
		lastRead:    saved.LastRead,
		cardinality: saved.Cardinality,
		estimated:   saved.Cardinality >= 0,
		produced:    saved.Produced,
		timestamp:   saved.Timestamp,
	}
	if saved.Mu != nil {
		s.bound = saved.Pattern.Bind(saved.Mu)
	}
	return s
}

// Pattern returns the triple pattern of the scan
func (s *Scan) Pattern() store.Pattern {
	return s.pattern
}

// Cardinality returns the number of triples matching the pattern, opening
// the store cursor if needed.
func (s *Scan) Cardinality(ctx context.Context) (int64, error) {
	if !s.estimated {
		s.closeCursor()
		if err := s.open(ctx, true); err != nil {
			return 0, err
		}
	}
	return s.cardinality, nil
}

// open opens the store cursor after lastRead. Without estimate the store
// skips counting: a resumed scan keeps its saved estimate, and a rebound
// inner scan learns its cardinality when it is exhausted.
func (s *Scan) open(ctx context.Context, estimate bool) error {
	if !estimate {
		cursor, err := s.graph.Open(ctx, s.bound, s.lastRead, s.timestamp)
		if err != nil {
			return fmt.Errorf("scan %s: %w", s.bound, err)
		}
		s.cursor = cursor
		return nil
	}
	cursor, cardinality, err := s.graph.Search(ctx, s.bound, s.lastRead, s.timestamp)
	if err != nil {
		return fmt.Errorf("scan %s: %w", s.bound, err)
	}
	s.cursor = cursor
	s.cardinality = cardinality
	s.estimated = true
	return nil
}

func (s *Scan) Next(ec *ExecutionContext) (store.Mapping, error) {
	if ec.Exceeded() {
		return nil, sparql.ErrQuantumExhausted
	}
	if s.buffered != nil {
		triple := *s.buffered
		s.buffered = nil
		if mu, ok := s.bound.Map(triple); ok {
			s.produced++
			return s.mu.Merge(mu), nil
		}
	}

	if s.cursor == nil {
		if err := s.open(ec.ctx(), false); err != nil {
			return nil, err
		}
	}

	for {
		if !s.cursor.Next() {
			if err := s.cursor.Err(); err != nil {
				return nil, fmt.Errorf("scan %s: %w", s.bound, err)
			}
			if !s.estimated {
				s.cardinality = s.produced
				s.estimated = true
			}
			return nil, nil
		}
		ec.step()

		triple := s.cursor.Triple()
		s.lastRead = s.cursor.LastRead()
		// versions outside the snapshot and repeated variables are
		// filtered here so that skipping entries spends the budget too
		mu, ok := s.bound.Map(triple)
		if !ok || !triple.VisibleAt(s.timestamp) {
			if ec.Exceeded() {
				return nil, sparql.ErrQuantumExhausted
			}
			continue
		}
		if ec.Exceeded() {
			s.buffered = &triple
			return nil, sparql.ErrQuantumExhausted
		}
		s.produced++
		return s.mu.Merge(mu), nil
	}
}

func (s *Scan) NextStage(mu store.Mapping) {
	s.mu = mu
	s.bound = s.pattern.Bind(mu)
	s.buffered = nil
	s.lastRead = ""
	s.closeCursor()
	s.cardinality = 0
	s.estimated = false
	s.produced = 0
}

func (s *Scan) Pop(ec *ExecutionContext) (store.Mapping, error) {
	return nil, nil
}

func (s *Scan) Save() plan.Node {
	var buffered *store.Triple
	if s.buffered != nil {
		t := *s.buffered
		buffered = &t
	}
	cardinality := s.cardinality
	if !s.estimated {
		cardinality = -1
	}
	return &plan.Scan{
		Pattern:     s.pattern,
		Mu:          s.mu,
		Buffered:    buffered,
		LastRead:    s.lastRead,
		Cardinality: cardinality,
		Produced:    s.produced,
		Timestamp:   s.timestamp,
	}
}

func (s *Scan) Variables() []string {
	return s.pattern.Variables()
}

func (s *Scan) Explain(indent int) string {
	return explainLine(indent, s)
}

func (s *Scan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scan(%s", s.pattern)
	if s.pattern.Graph != "" {
		fmt.Fprintf(&b, " @ <%s>", s.pattern.Graph)
	}
	if s.estimated {
		fmt.Fprintf(&b, ", card=%d", s.cardinality)
	}
	b.WriteString(")")
	return b.String()
}

func (s *Scan) Close() error {
	return s.closeCursor()
}

func (s *Scan) closeCursor() error {
	if s.cursor == nil {
		return nil
	}
	err := s.cursor.Close()
	s.cursor = nil
	return err
}
