package rdf

import (
	"fmt"
	"io"
	"strings"
)

// NewReader creates a statement reader for the given content type. Only the
// line-based formats are supported for bulk loading.
func NewReader(contentType string, r io.Reader) (*NQuadsReader, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case "application/n-triples", "application/n-quads", "text/plain", "":
		return NewNQuadsReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported content type: %s", contentType)
	}
}

// GetSupportedContentTypes returns the content types accepted by NewReader
func GetSupportedContentTypes() []string {
	return []string{
		"application/n-triples",
		"application/n-quads",
		"text/plain",
	}
}
