package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownGraph is returned when a pattern targets a graph the dataset
// does not hold.
var ErrUnknownGraph = errors.New("unknown graph")

// Dataset is the registry of graphs served by one process
type Dataset struct {
	mu           sync.RWMutex
	graphs       map[string]Graph
	defaultGraph string
}

// NewDataset creates an empty dataset
func NewDataset() *Dataset {
	return &Dataset{graphs: make(map[string]Graph)}
}

// Add registers a graph. The first graph added becomes the default graph.
func (d *Dataset) Add(g Graph) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.defaultGraph == "" {
		d.defaultGraph = g.URI()
	}
	d.graphs[g.URI()] = g
}

// SetDefault selects the default graph
func (d *Dataset) SetDefault(uri string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.graphs[uri]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGraph, uri)
	}
	d.defaultGraph = uri
	return nil
}

// DefaultGraph returns the URI of the default graph
func (d *Dataset) DefaultGraph() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.defaultGraph
}

// Graph looks up a graph by URI
func (d *Dataset) Graph(uri string) (Graph, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.graphs[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, uri)
	}
	return g, nil
}

// Has reports whether the dataset holds a graph
func (d *Dataset) Has(uri string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.graphs[uri]
	return ok
}

// URIs returns the graph names in sorted order
func (d *Dataset) URIs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	uris := make([]string, 0, len(d.graphs))
	for uri := range d.graphs {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// Close closes every graph
func (d *Dataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, g := range d.graphs {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
