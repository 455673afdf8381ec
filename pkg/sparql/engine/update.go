package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// UpdateStats counts the triples an update touched
type UpdateStats struct {
	Inserted int
	Deleted  int
}

// Update runs a sequence of INSERT DATA and DELETE DATA operations. Each
// operation is applied atomically per graph; operations run in order and
// the sequence stops at the first failure. A DELETE DATA of a triple that
// does not exist fails with sparql.ErrDeleteInsertConflict.
func (e *Engine) Update(ctx context.Context, update, defaultGraph string) (UpdateStats, error) {
	var stats UpdateStats
	graph, err := e.defaultGraph(defaultGraph)
	if err != nil {
		return stats, err
	}
	q, err := parser.NewParser(update).Parse()
	if err != nil {
		return stats, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if q.QueryType != parser.QueryTypeUpdate || q.Update == nil {
		return stats, fmt.Errorf("%w: not an update", ErrInvalidRequest)
	}

	for _, op := range q.Update.Operations {
		byGraph, order := groupQuads(op.Quads, graph)
		for _, uri := range order {
			g, err := e.dataset.Graph(uri)
			if err != nil {
				return stats, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			triples := byGraph[uri]
			switch op.Kind {
			case parser.UpdateDeleteData:
				err = g.Apply(ctx, triples, nil)
			default:
				err = g.Apply(ctx, nil, triples)
			}
			if errors.Is(err, store.ErrConflict) {
				return stats, fmt.Errorf("%w: %s in %s: %w", sparql.ErrDeleteInsertConflict, op.Kind, uri, err)
			}
			if err != nil {
				return stats, fmt.Errorf("%s in %s: %w", op.Kind, uri, err)
			}
			if op.Kind == parser.UpdateDeleteData {
				stats.Deleted += len(triples)
			} else {
				stats.Inserted += len(triples)
			}
		}
	}

	e.logger.Info("update applied",
		"operations", len(q.Update.Operations),
		"inserted", stats.Inserted,
		"deleted", stats.Deleted,
	)
	return stats, nil
}

// groupQuads splits ground quads by target graph, keeping the order in
// which graphs first appear.
func groupQuads(quads []*parser.QuadData, defaultGraph string) (map[string][]store.Triple, []string) {
	byGraph := make(map[string][]store.Triple)
	var order []string
	for _, q := range quads {
		uri := q.Graph
		if uri == "" {
			uri = defaultGraph
		}
		if _, ok := byGraph[uri]; !ok {
			order = append(order, uri)
		}
		byGraph[uri] = append(byGraph[uri], store.Triple{
			Subject:   rdf.Lexical(q.Subject),
			Predicate: rdf.Lexical(q.Predicate),
			Object:    rdf.Lexical(q.Object),
		})
	}
	return byGraph, order
}
