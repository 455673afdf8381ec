// Package engine drives preemptable pipelines: it imports a query or a
// resume token, pulls solutions until the quantum is spent, and exports the
// suspended pipeline as the next token.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/algebra"
	"github.com/aleksaelezovic/sage/pkg/sparql/iterators"
	"github.com/aleksaelezovic/sage/pkg/sparql/optimizer"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/sparql/plan"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// DefaultQuantum is used when neither the engine nor the request sets one
const DefaultQuantum = 75 * time.Millisecond

// ErrInvalidRequest wraps malformed queries, tokens and unknown graphs
var ErrInvalidRequest = errors.New("invalid request")

// Options configures an Engine
type Options struct {
	// Quantum is the wall-clock budget of one Execute call
	Quantum time.Duration

	// MaxResults caps the solutions returned per page. Zero means no cap.
	MaxResults int

	// MaxTopK caps TOP-K structures, see optimizer.Options
	MaxTopK int

	// ForceOrder keeps triple patterns in query order
	ForceOrder bool

	// Snapshot pins a query to the time it started: every scan of every
	// quantum reads the MVCC state of that instant.
	Snapshot bool

	Logger *slog.Logger

	// Now is the clock used for snapshots. Defaults to time.Now.
	Now func() time.Time
}

// Engine executes queries and updates over a dataset
type Engine struct {
	dataset   *store.Dataset
	opts      Options
	logger    *slog.Logger
	optimizer *optimizer.Optimizer
}

// New creates an engine
func New(dataset *store.Dataset, opts Options) *Engine {
	if opts.Quantum <= 0 {
		opts.Quantum = DefaultQuantum
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		dataset: dataset,
		opts:    opts,
		logger:  opts.Logger,
		optimizer: optimizer.NewOptimizer(dataset, optimizer.Options{
			ForceOrder: opts.ForceOrder,
			MaxTopK:    opts.MaxTopK,
		}),
	}
}

// Dataset returns the dataset served by the engine
func (e *Engine) Dataset() *store.Dataset {
	return e.dataset
}

// Options returns the engine configuration with defaults applied
func (e *Engine) Options() Options {
	return e.opts
}

// Request is one quantum of a query. Exactly one of Query and Next is set.
type Request struct {
	Query string

	// Next is the token returned by the previous quantum
	Next string

	// DefaultGraph is the graph of patterns outside GRAPH blocks. Empty
	// selects the dataset default.
	DefaultGraph string

	// Threshold is the merged partial TOP-K threshold known to the client
	Threshold store.Mapping

	// Budget overrides the time quantum
	Budget iterators.Budget

	// MaxResults overrides the engine page size when positive
	MaxResults int
}

// Stats reports where the time of a quantum went
type Stats struct {
	ImportTime time.Duration
	ExecTime   time.Duration
	ExportTime time.Duration
	Count      int
}

// Result is one page of solutions
type Result struct {
	Variables []string
	Bindings  []store.Mapping

	// Next resumes the query; empty when the query completed
	Next string

	// Threshold is the TOP-K threshold reached during the quantum, if any.
	// Clients merging partial TOP-K pages send it back merged.
	Threshold store.Mapping

	Stats Stats
}

// HasNext reports whether the query was suspended
func (r *Result) HasNext() bool {
	return r.Next != ""
}

// Execute runs one quantum of a query
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	it, err := e.load(ctx, req)
	if err != nil {
		return nil, err
	}
	defer it.Close() // #nosec G307
	imported := time.Now()

	budget := req.Budget
	if budget == nil {
		budget = iterators.NewTimeBudget(e.opts.Quantum)
	}
	ec := iterators.NewExecutionContext(ctx, budget)
	ec.Threshold = req.Threshold
	ec.MaxTopK = e.opts.MaxTopK
	maxResults := e.opts.MaxResults
	if req.MaxResults > 0 {
		maxResults = req.MaxResults
	}

	p, err := run(ec, it, maxResults)
	if err != nil {
		e.logger.Error("query failed", "error", err)
		return nil, err
	}
	executed := time.Now()

	result := &Result{Variables: it.Variables(), Bindings: p.bindings}
	if threshold, _ := ec.PublishedThreshold(); threshold != nil {
		result.Threshold = threshold
	}
	if p.stop != nil {
		token, err := plan.EncodeToken(it.Save())
		if err != nil {
			return nil, fmt.Errorf("save plan: %w", err)
		}
		result.Next = token
	}
	done := time.Now()

	result.Stats = Stats{
		ImportTime: imported.Sub(start),
		ExecTime:   executed.Sub(imported),
		ExportTime: done.Sub(executed),
		Count:      len(p.bindings),
	}
	e.logger.Debug("quantum finished",
		"count", len(p.bindings),
		"suspended", result.HasNext(),
		"reason", reason(p.stop),
		"import", result.Stats.ImportTime,
		"exec", result.Stats.ExecTime,
		"export", result.Stats.ExportTime,
	)
	return result, nil
}

// page is the outcome of one quantum. stop is nil when the pipeline
// completed, else the signal or ErrTooManyResults that suspended it.
type page struct {
	bindings []store.Mapping
	stop     error
}

// run pulls solutions until the pipeline is exhausted, the page is full or
// a signal suspends it.
func run(ec *iterators.ExecutionContext, it iterators.Iterator, maxResults int) (page, error) {
	var p page
	for {
		if maxResults > 0 && len(p.bindings) >= maxResults {
			p.stop = sparql.ErrTooManyResults
			return p, nil
		}
		mu, err := it.Next(ec)
		if err != nil {
			if !sparql.IsSignal(err) {
				return page{}, err
			}
			drained, derr := drain(ec, it)
			if derr != nil {
				return page{}, derr
			}
			p.bindings = append(p.bindings, drained...)
			p.stop = err
			return p, nil
		}
		if mu == nil {
			return p, nil
		}
		p.bindings = append(p.bindings, mu)
	}
}

// drain collects the solutions buffered in the pipeline
func drain(ec *iterators.ExecutionContext, it iterators.Iterator) ([]store.Mapping, error) {
	var bindings []store.Mapping
	for {
		mu, err := it.Pop(ec)
		if err != nil {
			return nil, err
		}
		if mu == nil {
			return bindings, nil
		}
		bindings = append(bindings, mu)
	}
}

func reason(stop error) string {
	if stop == nil {
		return "done"
	}
	return stop.Error()
}

// load builds the pipeline of a request. A new query with snapshots enabled
// pins all its scans to the current time, and resumed scans keep it.
func (e *Engine) load(ctx context.Context, req Request) (iterators.Iterator, error) {
	switch {
	case req.Next != "" && req.Query != "":
		return nil, fmt.Errorf("%w: both a query and a resume token", ErrInvalidRequest)

	case req.Next != "":
		node, err := plan.DecodeToken(req.Next)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		it, err := iterators.Load(node, e.dataset, iterators.LoadOptions{MaxTopK: e.opts.MaxTopK})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return it, nil

	case req.Query != "":
		logical, err := e.translate(req.Query, req.DefaultGraph)
		if err != nil {
			return nil, err
		}
		var asOf int64
		if e.opts.Snapshot {
			asOf = e.opts.Now().UnixMicro()
		}
		it, err := e.optimizer.Build(ctx, logical, asOf)
		if err != nil {
			if errors.Is(err, store.ErrUnknownGraph) {
				err = fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			return nil, err
		}
		return it, nil

	default:
		return nil, fmt.Errorf("%w: no query", ErrInvalidRequest)
	}
}

func (e *Engine) translate(query, defaultGraph string) (algebra.Node, error) {
	graph, err := e.defaultGraph(defaultGraph)
	if err != nil {
		return nil, err
	}
	q, err := parser.NewParser(query).Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return algebra.Translate(q, graph)
}

func (e *Engine) defaultGraph(uri string) (string, error) {
	if uri == "" {
		uri = e.dataset.DefaultGraph()
	}
	if !e.dataset.Has(uri) {
		return "", fmt.Errorf("%w: %w: %s", ErrInvalidRequest, store.ErrUnknownGraph, uri)
	}
	return uri, nil
}

// Explain renders the pipeline of a request without running it. A request
// with a token renders the suspended pipeline.
func (e *Engine) Explain(ctx context.Context, req Request) (string, error) {
	it, err := e.load(ctx, req)
	if err != nil {
		return "", err
	}
	defer it.Close() // #nosec G307
	return it.Explain(0), nil
}
