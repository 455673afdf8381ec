package encoding

import (
	"bytes"
	"fmt"
)

// TermDecoder handles decoding of encoded terms back to lexical terms
type TermDecoder struct{}

// NewTermDecoder creates a new term decoder
func NewTermDecoder() *TermDecoder {
	return &TermDecoder{}
}

// DecodeTerm decodes an encoded term back to its lexical form.
// For hashed terms, stringValue must hold the id2str entry.
func (d *TermDecoder) DecodeTerm(encoded EncodedTerm, stringValue *string) (string, error) {
	if IsInline(encoded) {
		data := encoded[1:]
		if end := bytes.IndexByte(data, 0); end >= 0 {
			data = data[:end]
		}
		return string(data), nil
	}
	if stringValue == nil {
		return "", fmt.Errorf("string value required for %s term", GetTermType(encoded))
	}
	return *stringValue, nil
}
