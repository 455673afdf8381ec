package encoding

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/zeebo/xxh3"
)

const (
	// Maximum size for inline strings (16 bytes of UTF-8)
	MaxInlineStringSize = 16

	// Encoded term size (type byte + 16 bytes for 128-bit hash or inline data)
	EncodedTermSize = 17

	// GraphPrefixSize is the size of the graph hash that starts every index key
	GraphPrefixSize = 16

	// inlineFlag marks terms whose lexical form is stored in the key itself
	inlineFlag = 0x80
)

// EncodedTerm represents a term encoded as a type byte followed by up to 16 bytes of data
type EncodedTerm [EncodedTermSize]byte

// TermEncoder encodes lexical terms (see rdf.Lexical) into fixed-size keys
type TermEncoder struct{}

func NewTermEncoder() *TermEncoder {
	return &TermEncoder{}
}

// Hash128 computes a 128-bit xxhash3 hash of the input string
func (e *TermEncoder) Hash128(s string) [16]byte {
	hash := xxh3.HashString128(s)
	var result [16]byte
	binary.BigEndian.PutUint64(result[0:8], hash.Hi)
	binary.BigEndian.PutUint64(result[8:16], hash.Lo)
	return result
}

// EncodeTerm encodes a lexical term into a fixed-size byte array.
// Returns the encoded term and optionally a string to store in id2str table.
func (e *TermEncoder) EncodeTerm(term string) (EncodedTerm, *string, error) {
	var encoded EncodedTerm
	if term == "" {
		return encoded, nil, fmt.Errorf("empty term")
	}

	encoded[0] = byte(TermKind(term))
	if len(term) <= MaxInlineStringSize && strings.IndexByte(term, 0) < 0 {
		encoded[0] |= inlineFlag
		copy(encoded[1:], term)
		return encoded, nil, nil
	}

	hash := e.Hash128(term)
	copy(encoded[1:], hash[:])
	return encoded, &term, nil
}

// EncodeGraph returns the key prefix shared by every index entry of a graph
func (e *TermEncoder) EncodeGraph(uri string) [GraphPrefixSize]byte {
	return e.Hash128(uri)
}

// EncodeQuadKey encodes an index key: graph prefix followed by the terms in
// index order. Big-endian layout keeps keys lexicographically sortable.
func (e *TermEncoder) EncodeQuadKey(graph [GraphPrefixSize]byte, terms ...EncodedTerm) []byte {
	result := make([]byte, 0, GraphPrefixSize+len(terms)*EncodedTermSize)
	result = append(result, graph[:]...)
	for _, term := range terms {
		result = append(result, term[:]...)
	}
	return result
}

// SplitQuadKey extracts the encoded terms of an index key
func SplitQuadKey(key []byte) ([3]EncodedTerm, error) {
	var terms [3]EncodedTerm
	if len(key) != GraphPrefixSize+3*EncodedTermSize {
		return terms, fmt.Errorf("invalid key length: %d", len(key))
	}
	for i := range terms {
		offset := GraphPrefixSize + i*EncodedTermSize
		copy(terms[i][:], key[offset:offset+EncodedTermSize])
	}
	return terms, nil
}

// TermKind classifies a lexical term
func TermKind(term string) rdf.TermType {
	switch {
	case strings.HasPrefix(term, `"`):
		return rdf.TermTypeLiteral
	case strings.HasPrefix(term, "_:"):
		return rdf.TermTypeBlankNode
	default:
		return rdf.TermTypeNamedNode
	}
}

// GetTermType extracts the type from an encoded term
func GetTermType(encoded EncodedTerm) rdf.TermType {
	return rdf.TermType(encoded[0] &^ inlineFlag)
}

// IsInline reports whether the lexical form is stored in the encoded term
func IsInline(encoded EncodedTerm) bool {
	return encoded[0]&inlineFlag != 0
}
