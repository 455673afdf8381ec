package iterators

import (
	"fmt"

	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/sparql/plan"
	"github.com/aleksaelezovic/sage/pkg/sparql/topk"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// LoadOptions configures Load
type LoadOptions struct {
	// MaxTopK caps TOP-K structures; a saved server-side TOP-K above it is rejected
	MaxTopK int
}

// Load rebuilds a live pipeline from a saved plan
func Load(node plan.Node, ds *store.Dataset, opts LoadOptions) (Iterator, error) {
	switch n := node.(type) {
	case *plan.Scan:
		graph, err := ds.Graph(n.Pattern.Graph)
		if err != nil {
			return nil, err
		}
		return loadScan(graph, n), nil

	case *plan.IndexJoin:
		left, right, err := loadPair(n.Left, n.Right, ds, opts)
		if err != nil {
			return nil, err
		}
		return &IndexJoin{left: left, right: right, mu: n.Mu}, nil

	case *plan.Filter:
		source, err := Load(n.Source, ds, opts)
		if err != nil {
			return nil, err
		}
		expr, err := parser.ParseExpression(n.Expression)
		if err != nil {
			return nil, fmt.Errorf("saved filter expression: %w", err)
		}
		f := NewFilter(source, expr)
		f.consumed, f.produced = n.Consumed, n.Produced
		return f, nil

	case *plan.Projection:
		source, err := Load(n.Source, ds, opts)
		if err != nil {
			return nil, err
		}
		return NewProjection(source, n.Values), nil

	case *plan.Values:
		if n.Cursor < 0 || n.Cursor > int64(len(n.Items)) {
			return nil, fmt.Errorf("saved values cursor %d out of range", n.Cursor)
		}
		return &Values{items: n.Items, cursor: int(n.Cursor), mu: n.Mu}, nil

	case *plan.Union:
		left, right, err := loadPair(n.Left, n.Right, ds, opts)
		if err != nil {
			return nil, err
		}
		return NewUnion(left, right), nil

	case *plan.Limit:
		source, err := Load(n.Source, ds, opts)
		if err != nil {
			return nil, err
		}
		return &Limit{source: source, limit: n.Limit, produced: n.Produced}, nil

	case *plan.TopK:
		if opts.MaxTopK > 0 && n.Limit > int64(opts.MaxTopK) {
			return nil, fmt.Errorf("saved top-k limit %d exceeds the maximum of %d", n.Limit, opts.MaxTopK)
		}
		source, order, err := loadOrdered(n.Source, n.Order, ds, opts)
		if err != nil {
			return nil, err
		}
		return loadTopK(source, order, n), nil

	case *plan.PartialTopK:
		source, order, err := loadOrdered(n.Source, n.Order, ds, opts)
		if err != nil {
			return nil, err
		}
		capacity := opts.MaxTopK
		if capacity <= 0 {
			capacity = int(n.Limit)
		}
		return loadPartialTopK(source, order, n, capacity), nil

	case *plan.RankFilter:
		source, order, err := loadOrdered(n.Source, n.Order, ds, opts)
		if err != nil {
			return nil, err
		}
		return NewRankFilter(source, order, n.IsPartial), nil

	default:
		return nil, fmt.Errorf("cannot load saved plan of type %T", node)
	}
}

func loadPair(left, right plan.Node, ds *store.Dataset, opts LoadOptions) (Iterator, Iterator, error) {
	l, err := Load(left, ds, opts)
	if err != nil {
		return nil, nil, err
	}
	r, err := Load(right, ds, opts)
	if err != nil {
		l.Close() // #nosec G104
		return nil, nil, err
	}
	return l, r, nil
}

func loadOrdered(source plan.Node, order string, ds *store.Dataset, opts LoadOptions) (Iterator, *topk.Order, error) {
	o, err := topk.ParseOrder(order)
	if err != nil {
		return nil, nil, fmt.Errorf("saved order conditions: %w", err)
	}
	it, err := Load(source, ds, opts)
	if err != nil {
		return nil, nil, err
	}
	return it, o, nil
}
