package rdf

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// NQuadsReader reads N-Triples / N-Quads statements one line at a time.
// N-Triples is accepted as the subset without a graph position.
type NQuadsReader struct {
	scanner *bufio.Scanner
	line    int
	quad    *Quad
	err     error
}

// NewNQuadsReader creates a streaming reader over r.
func NewNQuadsReader(r io.Reader) *NQuadsReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &NQuadsReader{scanner: scanner}
}

// Next advances to the next statement. It returns false at the end of the
// input or on the first syntax error (see Err).
func (r *NQuadsReader) Next() bool {
	for r.scanner.Scan() {
		r.line++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		quad, err := parseStatement(line)
		if err != nil {
			r.err = fmt.Errorf("line %d: %w", r.line, err)
			return false
		}
		r.quad = quad
		return true
	}
	r.err = r.scanner.Err()
	return false
}

// Quad returns the current statement.
func (r *NQuadsReader) Quad() *Quad {
	return r.quad
}

// Err returns the first error encountered.
func (r *NQuadsReader) Err() error {
	return r.err
}

// ReadAll drains the reader.
func (r *NQuadsReader) ReadAll() ([]*Quad, error) {
	var quads []*Quad
	for r.Next() {
		quads = append(quads, r.Quad())
	}
	return quads, r.Err()
}

func parseStatement(line string) (*Quad, error) {
	var terms []Term
	rest := line
	for {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			return nil, fmt.Errorf("expected '.' at end of statement")
		}
		if rest[0] == '.' {
			if tail := strings.TrimSpace(rest[1:]); tail != "" && !strings.HasPrefix(tail, "#") {
				return nil, fmt.Errorf("unexpected content after '.': %q", tail)
			}
			break
		}
		token, remaining, err := nextToken(rest)
		if err != nil {
			return nil, err
		}
		term, err := ParseTerm(token)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
		rest = remaining
	}

	if len(terms) != 3 && len(terms) != 4 {
		return nil, fmt.Errorf("expected 3 or 4 terms, got %d", len(terms))
	}
	if _, ok := terms[0].(*Literal); ok {
		return nil, fmt.Errorf("literal in subject position")
	}
	if _, ok := terms[1].(*NamedNode); !ok {
		return nil, fmt.Errorf("predicate must be an IRI")
	}

	quad := &Quad{Subject: terms[0], Predicate: terms[1], Object: terms[2]}
	if len(terms) == 4 {
		graph, ok := terms[3].(*NamedNode)
		if !ok {
			return nil, fmt.Errorf("graph name must be an IRI")
		}
		quad.Graph = graph
	}
	return quad, nil
}

// nextToken splits one term token off the front of s.
func nextToken(s string) (string, string, error) {
	switch s[0] {
	case '<':
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return "", "", fmt.Errorf("unterminated IRI")
		}
		return s[:end+1], s[end+1:], nil
	case '"':
		i := 1
		for ; i < len(s); i++ {
			if s[i] == '\\' {
				i++
				continue
			}
			if s[i] == '"' {
				break
			}
		}
		if i >= len(s) {
			return "", "", fmt.Errorf("unterminated literal")
		}
		end := i + 1
		switch {
		case strings.HasPrefix(s[end:], "^^<"):
			close := strings.IndexByte(s[end:], '>')
			if close < 0 {
				return "", "", fmt.Errorf("unterminated datatype IRI")
			}
			end += close + 1
		case strings.HasPrefix(s[end:], "@"):
			for end < len(s) && s[end] != ' ' && s[end] != '\t' && s[end] != '.' && s[end] != '<' {
				end++
			}
		}
		return s[:end], s[end:], nil
	case '_':
		end := 2
		for end < len(s) && s[end] != ' ' && s[end] != '\t' {
			end++
		}
		// a trailing '.' directly after the label ends the statement
		token := strings.TrimSuffix(s[:end], ".")
		return token, s[len(token):], nil
	default:
		return "", "", fmt.Errorf("unexpected character %q", s[0])
	}
}
