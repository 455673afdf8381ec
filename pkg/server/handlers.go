package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// maxBodySize bounds query and update request bodies
const maxBodySize = 1 << 20

// GraphInfo describes one graph of the dataset
type GraphInfo struct {
	URI     string `json:"uri"`
	Triples int64  `json:"triples"`
	Default bool   `json:"default,omitempty"`
}

// Description is the body of GET /
type Description struct {
	Endpoint   string      `json:"endpoint"`
	Quantum    string      `json:"quantum"`
	MaxResults int         `json:"maxResults"`
	MaxTopK    int         `json:"maxTopK"`
	Graphs     []GraphInfo `json:"graphs"`
}

// handleRoot describes the dataset served by the endpoint
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed, use GET")
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	opts := s.engine.Options()
	ds := s.engine.Dataset()
	desc := Description{
		Endpoint:   fmt.Sprintf("%s://%s/sparql", scheme, r.Host),
		Quantum:    opts.Quantum.String(),
		MaxResults: opts.MaxResults,
		MaxTopK:    opts.MaxTopK,
	}
	for _, uri := range ds.URIs() {
		g, err := ds.Graph(uri)
		if err != nil {
			continue
		}
		count, err := g.Count(r.Context())
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		desc.Graphs = append(desc.Graphs, GraphInfo{URI: uri, Triples: count, Default: uri == ds.DefaultGraph()})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(desc) // #nosec G104 - error writing response is logged elsewhere if needed
}

// queryRequest is the JSON body accepted by POST /sparql
type queryRequest struct {
	Query        string            `json:"query"`
	Next         string            `json:"next"`
	DefaultGraph string            `json:"defaultGraph"`
	Threshold    map[string]string `json:"threshold"`
}

// handleSPARQL runs one quantum of a query, following the SPARQL 1.1
// Protocol for the query itself. A request carries either a query or the
// next token of a previous page.
// https://www.w3.org/TR/sparql11-protocol/
func (s *Server) handleSPARQL(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "GET, POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req queryRequest
	var err error
	switch r.Method {
	case http.MethodGet:
		req, err = formRequest(r)

	case http.MethodPost:
		contentType := r.Header.Get("Content-Type")
		switch {
		case strings.Contains(contentType, "application/sparql-query"):
			req, err = formRequest(r)
			if err == nil {
				req.Query, err = readBody(r)
			}
		case strings.Contains(contentType, "application/json"):
			err = json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req)
		default:
			req, err = formRequest(r)
		}

	default:
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed, use GET or POST")
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Query == "" && req.Next == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing 'query' or 'next' parameter")
		return
	}

	start := time.Now()
	result, err := s.engine.Execute(r.Context(), engine.Request{
		Query:        req.Query,
		Next:         req.Next,
		DefaultGraph: req.DefaultGraph,
		Threshold:    store.Mapping(req.Threshold),
	})
	if err != nil {
		s.writeError(w, r, statusOf(err), err.Error())
		return
	}

	s.log(r).Info("page served",
		"resumed", req.Next != "",
		"count", result.Stats.Count,
		"hasNext", result.HasNext(),
		"duration", time.Since(start),
	)
	s.writeResult(w, r, result, negotiateFormat(r.Header.Get("Accept")))
}

// formRequest reads query parameters from the URL and, for POST, the form body
func formRequest(r *http.Request) (queryRequest, error) {
	if err := r.ParseForm(); err != nil {
		return queryRequest{}, fmt.Errorf("failed to parse form: %w", err)
	}
	req := queryRequest{
		Query:        r.Form.Get("query"),
		Next:         r.Form.Get("next"),
		DefaultGraph: r.Form.Get("default-graph-uri"),
	}
	if threshold := r.Form.Get("threshold"); threshold != "" {
		if err := json.Unmarshal([]byte(threshold), &req.Threshold); err != nil {
			return queryRequest{}, fmt.Errorf("malformed threshold: %w", err)
		}
	}
	return req, nil
}

func readBody(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("failed to read request body: %w", err)
	}
	return string(body), nil
}

// handleUpdate applies INSERT DATA and DELETE DATA requests
// https://www.w3.org/TR/sparql11-protocol/#update-operation
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}

	var update, graph string
	if strings.Contains(r.Header.Get("Content-Type"), "application/sparql-update") {
		body, err := readBody(r)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		update = body
		graph = r.URL.Query().Get("using-graph-uri")
	} else {
		if err := r.ParseForm(); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "failed to parse form")
			return
		}
		update = r.Form.Get("update")
		graph = r.Form.Get("using-graph-uri")
	}
	if update == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing 'update' parameter")
		return
	}

	stats, err := s.engine.Update(r.Context(), update, graph)
	if err != nil {
		s.writeError(w, r, statusOf(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	response := map[string]int{"inserted": stats.Inserted, "deleted": stats.Deleted}
	_ = json.NewEncoder(w).Encode(response) // #nosec G104 - error writing response is logged elsewhere if needed
}

// handleDataUpload bulk loads N-Triples or N-Quads. Triples go to the graph
// named by the 'graph' parameter, or the default graph.
func (s *Server) handleDataUpload(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing Content-Type header")
		return
	}
	reader, err := rdf.NewReader(contentType, r.Body)
	if err != nil {
		s.writeError(w, r, http.StatusUnsupportedMediaType,
			fmt.Sprintf("unsupported content type: %s, supported types: %v", contentType, rdf.GetSupportedContentTypes()))
		return
	}

	startTime := time.Now()
	inserted, err := s.engine.Load(r.Context(), reader, r.URL.Query().Get("graph"))
	if err != nil {
		s.writeError(w, r, statusOf(err), err.Error())
		return
	}
	duration := time.Since(startTime)
	rate := 0.0
	if duration > 0 {
		rate = float64(inserted) / duration.Seconds()
	}

	response := map[string]any{
		"success": true,
		"statistics": map[string]any{
			"triplesInserted":  inserted,
			"durationMs":       duration.Milliseconds(),
			"triplesPerSecond": rate,
		},
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response) // #nosec G104 - error writing response is logged elsewhere if needed
}

func setCORS(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
	w.Header().Set("Access-Control-Expose-Headers", HeaderNext+", X-Request-Id")
}
