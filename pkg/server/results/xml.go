package results

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// SPARQL XML Results Format
// https://www.w3.org/TR/rdf-sparql-XMLres/

// Results represents SPARQL XML query results
type Results struct {
	XMLName xml.Name       `xml:"http://www.w3.org/2005/sparql-results# sparql"`
	Head    Head           `xml:"head"`
	Results ResultsElement `xml:"results"`
}

// Head represents the head element with variable names
type Head struct {
	Variables []Variable `xml:"variable"`
}

// Variable represents a variable declaration
type Variable struct {
	Name string `xml:"name,attr"`
}

// ResultsElement contains the result bindings
type ResultsElement struct {
	Results []Result `xml:"result"`
}

// Result represents a single result binding
type Result struct {
	Bindings []Binding `xml:"binding"`
}

// Binding represents a variable binding in a result
type Binding struct {
	Name    string   `xml:"name,attr"`
	URI     *string  `xml:"uri"`
	Literal *Literal `xml:"literal"`
	BNode   *string  `xml:"bnode"`
}

// Literal represents a literal value
type Literal struct {
	Value    string `xml:",chardata"`
	Lang     string `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Datatype string `xml:"datatype,attr,omitempty"`
}

// FormatXML converts a page to SPARQL XML format
func FormatXML(result *engine.Result) ([]byte, error) {
	names := varNames(result)
	out := Results{}
	for _, name := range names {
		out.Head.Variables = append(out.Head.Variables, Variable{Name: name})
	}

	for _, mu := range result.Bindings {
		var r Result
		for _, name := range names {
			value, ok := mu["?"+name]
			if !ok {
				continue
			}
			b := termToBinding(term(value))
			b.Name = name
			r.Bindings = append(r.Bindings, b)
		}
		out.Results.Results = append(out.Results.Results, r)
	}

	data, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}

func termToBinding(term rdf.Term) Binding {
	switch t := term.(type) {
	case *rdf.NamedNode:
		return Binding{URI: &t.IRI}

	case *rdf.BlankNode:
		return Binding{BNode: &t.ID}

	case *rdf.Literal:
		lit := &Literal{Value: t.Value, Lang: t.Language}
		if t.Language == "" && !t.IsPlain() {
			lit.Datatype = t.Datatype.IRI
		}
		return Binding{Literal: lit}

	default:
		return Binding{Literal: &Literal{Value: term.String()}}
	}
}

// ParseXMLResults parses SPARQL XML results
func ParseXMLResults(r io.Reader) (*Results, error) {
	var results Results
	decoder := xml.NewDecoder(r)
	if err := decoder.Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to parse XML results: %w", err)
	}
	return &results, nil
}

// ToMappings converts XML results to solution mappings of lexical terms
func (r *Results) ToMappings() ([]store.Mapping, error) {
	var mappings []store.Mapping

	for _, result := range r.Results.Results {
		mu := make(store.Mapping, len(result.Bindings))

		for _, b := range result.Bindings {
			var term rdf.Term
			switch {
			case b.URI != nil:
				term = rdf.NewNamedNode(*b.URI)
			case b.BNode != nil:
				term = rdf.NewBlankNode(*b.BNode)
			case b.Literal == nil:
				return nil, fmt.Errorf("failed to convert binding %s: binding has no value", b.Name)
			case b.Literal.Lang != "":
				term = rdf.NewLiteralWithLanguage(b.Literal.Value, b.Literal.Lang)
			case b.Literal.Datatype != "":
				term = rdf.NewLiteralWithDatatype(b.Literal.Value, rdf.NewNamedNode(b.Literal.Datatype))
			default:
				term = rdf.NewLiteral(b.Literal.Value)
			}
			mu["?"+b.Name] = rdf.Lexical(term)
		}

		mappings = append(mappings, mu)
	}

	return mappings, nil
}
