package rdf

import (
	"fmt"
	"strconv"
	"strings"
)

// Solution mappings and storage backends carry terms as plain strings:
//
//	http://example.org/a              IRI (no angle brackets)
//	_:b0                              blank node
//	"chat"  "chat"@fr  "1"^^<iri>     literal, N-Triples syntax
//
// ParseTerm and Lexical convert between that form and Term values.

// Lexical returns the string form of a term used in solution mappings.
func Lexical(term Term) string {
	switch t := term.(type) {
	case *NamedNode:
		return t.IRI
	case *BlankNode:
		return "_:" + t.ID
	case *Literal:
		return t.String()
	default:
		return term.String()
	}
}

// ParseTerm parses the string form of a term. IRIs may optionally be
// enclosed in angle brackets.
func ParseTerm(s string) (Term, error) {
	switch {
	case s == "":
		return nil, fmt.Errorf("empty term")
	case strings.HasPrefix(s, `"`):
		return parseLiteral(s)
	case strings.HasPrefix(s, "_:"):
		return NewBlankNode(s[2:]), nil
	case strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">"):
		return NewNamedNode(s[1 : len(s)-1]), nil
	default:
		return NewNamedNode(s), nil
	}
}

// MustParseTerm is like ParseTerm but falls back to a plain literal on error.
func MustParseTerm(s string) Term {
	term, err := ParseTerm(s)
	if err != nil {
		return NewLiteral(s)
	}
	return term
}

func parseLiteral(s string) (*Literal, error) {
	// find the closing quote, skipping escaped characters
	end := -1
	for i := 1; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == '"' {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("unterminated literal: %s", s)
	}

	value, err := unescapeString(s[1:end])
	if err != nil {
		return nil, err
	}
	rest := s[end+1:]

	switch {
	case rest == "":
		return NewLiteral(value), nil
	case strings.HasPrefix(rest, "@"):
		return NewLiteralWithLanguage(value, rest[1:]), nil
	case strings.HasPrefix(rest, "^^"):
		dt := strings.TrimSuffix(strings.TrimPrefix(rest[2:], "<"), ">")
		if dt == XSDString.IRI {
			return NewLiteral(value), nil
		}
		return NewLiteralWithDatatype(value, NewNamedNode(dt)), nil
	default:
		return nil, fmt.Errorf("invalid literal suffix %q", rest)
	}
}

func escapeString(s string) string {
	if !strings.ContainsAny(s, "\"\\\n\r\t") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeString(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling escape in %q", s)
		}
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case '"', '\'', '\\':
			b.WriteByte(s[i])
		case 'u', 'U':
			size := 4
			if s[i] == 'U' {
				size = 8
			}
			if i+size >= len(s) {
				return "", fmt.Errorf("short unicode escape in %q", s)
			}
			code, err := strconv.ParseUint(s[i+1:i+1+size], 16, 32)
			if err != nil {
				return "", fmt.Errorf("invalid unicode escape in %q: %w", s, err)
			}
			b.WriteRune(rune(code))
			i += size
		default:
			return "", fmt.Errorf("invalid escape \\%c", s[i])
		}
	}
	return b.String(), nil
}

// NumericValue returns the numeric value of an xsd numeric literal.
func NumericValue(term Term) (float64, bool) {
	lit, ok := term.(*Literal)
	if !ok || lit.Datatype == nil {
		return 0, false
	}
	switch lit.Datatype.IRI {
	case XSDInteger.IRI, XSDInt.IRI, XSDLong.IRI:
		v, err := strconv.ParseInt(lit.Value, 10, 64)
		if err != nil {
			return 0, false
		}
		return float64(v), true
	case XSDDouble.IRI, XSDFloat.IRI, XSDDecimal.IRI:
		v, err := strconv.ParseFloat(lit.Value, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// Unescape decodes the escape sequences of a quoted string body
func Unescape(s string) (string, error) {
	return unescapeString(s)
}

// Escape encodes a string body for N-Triples and SPARQL quoting
func Escape(s string) string {
	return escapeString(s)
}
