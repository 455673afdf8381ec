// Package config loads the server and dataset configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/aleksaelezovic/sage/internal/sqlstore"
	"github.com/aleksaelezovic/sage/internal/storage"
	triplestore "github.com/aleksaelezovic/sage/internal/store"
	"github.com/aleksaelezovic/sage/pkg/store"
	"gopkg.in/yaml.v3"
)

// Defaults applied to missing fields
const (
	DefaultListen     = "localhost:8000"
	DefaultQuantum    = 75 * time.Millisecond
	DefaultMaxResults = 2000
	DefaultMaxTopK    = 1000
	DefaultGraphURI   = "urn:sage:default"
	BackendBadger     = "badger"
	BackendSQLite     = "sqlite"
	BackendMemory     = "memory"
)

// Config is the top-level configuration file
type Config struct {
	// Listen is the HTTP listen address
	Listen string `yaml:"listen,omitempty"`

	// Quantum is the time budget of one execution attempt
	Quantum time.Duration `yaml:"quantum,omitempty"`

	// MaxResults is the page size: the most solutions returned per quantum
	MaxResults int `yaml:"max_results,omitempty"`

	// MaxTopK is the largest K served by the server-side TOP-K strategy,
	// and the capacity of a partial TOP-K per quantum
	MaxTopK int `yaml:"max_topk,omitempty"`

	// ForceOrder keeps the textual order of triple patterns
	ForceOrder bool `yaml:"force_order,omitempty"`

	// Snapshot makes every quantum of a query read the state of the
	// instant it started. Only graphs with mvcc enabled keep old versions.
	Snapshot bool `yaml:"snapshot,omitempty"`

	// DefaultGraph is the graph queried when a request names none
	DefaultGraph string `yaml:"default_graph,omitempty"`

	Graphs []Graph `yaml:"graphs"`
}

// Graph configures one collection of the dataset
type Graph struct {
	Name    string `yaml:"name"`
	URI     string `yaml:"uri"`
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
	MVCC    bool   `yaml:"mvcc,omitempty"`
}

// Default returns a configuration with a single in-memory graph
func Default() *Config {
	cfg := &Config{
		Graphs: []Graph{{Name: "default", URI: DefaultGraphURI, Backend: BackendMemory}},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a YAML configuration file. Unknown fields are
// rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Quantum == 0 {
		c.Quantum = DefaultQuantum
	}
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.MaxTopK == 0 {
		c.MaxTopK = DefaultMaxTopK
	}
	for i := range c.Graphs {
		if c.Graphs[i].Backend == "" {
			c.Graphs[i].Backend = BackendBadger
		}
	}
	if c.DefaultGraph == "" && len(c.Graphs) > 0 {
		c.DefaultGraph = c.Graphs[0].URI
	}
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.Quantum < 0 {
		return fmt.Errorf("quantum must be positive, got %s", c.Quantum)
	}
	if c.MaxResults < 0 {
		return fmt.Errorf("max_results must be positive, got %d", c.MaxResults)
	}
	if c.MaxTopK < 0 {
		return fmt.Errorf("max_topk must be positive, got %d", c.MaxTopK)
	}
	if len(c.Graphs) == 0 {
		return fmt.Errorf("graphs list is required and must be non-empty")
	}

	seen := make(map[string]bool)
	for i, g := range c.Graphs {
		if g.URI == "" {
			return fmt.Errorf("graphs[%d]: uri is required", i)
		}
		if seen[g.URI] {
			return fmt.Errorf("graphs[%d]: duplicate uri %s", i, g.URI)
		}
		seen[g.URI] = true

		switch g.Backend {
		case BackendBadger, BackendSQLite:
			if g.Path == "" {
				return fmt.Errorf("graphs[%d]: path is required for backend %s", i, g.Backend)
			}
		case BackendMemory:
		default:
			return fmt.Errorf("graphs[%d]: unknown backend %q", i, g.Backend)
		}
	}

	if !seen[c.DefaultGraph] {
		return fmt.Errorf("default_graph %s is not a configured graph", c.DefaultGraph)
	}
	return nil
}

// OpenDataset opens every configured graph. On error the graphs already
// opened are closed.
func (c *Config) OpenDataset() (*store.Dataset, error) {
	ds := store.NewDataset()
	for _, g := range c.Graphs {
		graph, err := OpenGraph(g)
		if err != nil {
			ds.Close() // #nosec G104 - reporting the open error
			return nil, fmt.Errorf("graph %s: %w", g.URI, err)
		}
		ds.Add(graph)
	}
	if err := ds.SetDefault(c.DefaultGraph); err != nil {
		ds.Close() // #nosec G104 - reporting the lookup error
		return nil, err
	}
	return ds, nil
}

// OpenGraph opens one graph with its backend
func OpenGraph(g Graph) (store.Graph, error) {
	switch g.Backend {
	case BackendBadger:
		s, err := storage.NewBadgerStorage(g.Path)
		if err != nil {
			return nil, err
		}
		return triplestore.NewTripleStore(s, g.URI, triplestore.WithMVCC(g.MVCC)), nil
	case BackendMemory:
		s, err := storage.NewMemoryStorage()
		if err != nil {
			return nil, err
		}
		return triplestore.NewTripleStore(s, g.URI, triplestore.WithMVCC(g.MVCC)), nil
	case BackendSQLite:
		return sqlstore.Open(g.Path, g.URI, sqlstore.WithMVCC(g.MVCC))
	default:
		return nil, fmt.Errorf("unknown backend %q", g.Backend)
	}
}
