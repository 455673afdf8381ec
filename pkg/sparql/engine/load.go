package engine

import (
	"context"
	"fmt"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// loadBatchSize is the number of statements inserted per graph transaction
const loadBatchSize = 10000

// Load bulk inserts the statements of a reader. Statements without a graph
// go to defaultGraph (empty selects the dataset default). It returns the
// number of statements inserted before any error.
func (e *Engine) Load(ctx context.Context, reader *rdf.NQuadsReader, defaultGraph string) (int, error) {
	graph, err := e.defaultGraph(defaultGraph)
	if err != nil {
		return 0, err
	}

	batches := make(map[string][]store.Triple)
	inserted := 0
	flush := func(uri string) error {
		g, err := e.dataset.Graph(uri)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if err := g.Insert(ctx, batches[uri]); err != nil {
			return fmt.Errorf("insert into %s: %w", uri, err)
		}
		inserted += len(batches[uri])
		batches[uri] = batches[uri][:0]
		return nil
	}

	for reader.Next() {
		q := reader.Quad()
		uri := graph
		if q.Graph != nil {
			uri = q.Graph.IRI
		}
		batches[uri] = append(batches[uri], store.Triple{
			Subject:   rdf.Lexical(q.Subject),
			Predicate: rdf.Lexical(q.Predicate),
			Object:    rdf.Lexical(q.Object),
		})
		if len(batches[uri]) >= loadBatchSize {
			if err := flush(uri); err != nil {
				return inserted, err
			}
		}
	}
	if err := reader.Err(); err != nil {
		return inserted, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	for uri, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		if err := flush(uri); err != nil {
			return inserted, err
		}
	}

	e.logger.Info("data loaded", "statements", inserted)
	return inserted, nil
}
