package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/aleksaelezovic/sage/pkg/server/results"
	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// HeaderNext carries the resume token of formats without a place for it
const HeaderNext = "X-Sage-Next"

type requestIDKey struct{}

// withRequestID tags every request with an id, echoed in X-Request-Id
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// log returns the server logger annotated with the request id
func (s *Server) log(r *http.Request) *slog.Logger {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

// statusOf maps engine errors to HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, sparql.ErrDeleteInsertConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, sparql.ErrUnsupportedSPARQL),
		errors.Is(err, store.ErrUnknownGraph):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	logger := s.log(r)
	if statusCode >= http.StatusInternalServerError {
		logger.Error("request failed", "status", statusCode, "error", message)
	} else {
		logger.Debug("request rejected", "status", statusCode, "error", message)
	}

	var body errorBody
	body.Error.Code = statusCode
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body) // #nosec G104 - error writing response is logged elsewhere if needed
}

// negotiateFormat determines the response format based on Accept header
func negotiateFormat(acceptHeader string) string {
	accept := strings.ToLower(acceptHeader)

	if strings.Contains(accept, "application/sparql-results+xml") {
		return "xml"
	}
	if strings.Contains(accept, "application/sparql-results+json") {
		return "json"
	}
	if strings.Contains(accept, "text/csv") {
		return "csv"
	}
	if strings.Contains(accept, "text/tab-separated-values") {
		return "tsv"
	}
	if strings.Contains(accept, "application/json") {
		return "json"
	}
	if strings.Contains(accept, "text/xml") || strings.Contains(accept, "application/xml") {
		return "xml"
	}

	return "json"
}

// writeResult writes one page in the specified format. Formats other than
// JSON carry the resume token in the X-Sage-Next header.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, result *engine.Result, format string) {
	var data []byte
	var err error
	var contentType string

	switch format {
	case "xml":
		contentType = "application/sparql-results+xml; charset=utf-8"
		data, err = results.FormatXML(result)
	case "csv":
		contentType = "text/csv; charset=utf-8"
		data, err = results.FormatCSV(result)
	case "tsv":
		contentType = "text/tab-separated-values; charset=utf-8"
		data, err = results.FormatTSV(result)
	default:
		contentType = "application/sparql-results+json; charset=utf-8"
		data, err = results.FormatJSON(result)
	}

	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "formatting error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", contentType)
	if result.HasNext() {
		w.Header().Set(HeaderNext, result.Next)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data) // #nosec G104 - error writing response is logged elsewhere if needed
}
