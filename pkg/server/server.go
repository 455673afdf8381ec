// Package server exposes the preemptable engine over HTTP. Every response
// to a query is one page; a suspended query returns the token that resumes
// it in the next request.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
)

// Server represents the HTTP SPARQL server
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	addr   string
}

// NewServer creates a new SPARQL HTTP server
func NewServer(e *engine.Engine, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: e,
		logger: logger,
		addr:   addr,
	}
}

// Handler returns the routes of the endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sparql", s.handleSPARQL)
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/data", s.handleDataUpload)
	mux.HandleFunc("/", s.handleRoot)
	return s.withRequestID(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting SPARQL endpoint", "url", "http://"+s.addr+"/sparql")
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("SPARQL endpoint stopped")
	return nil
}
