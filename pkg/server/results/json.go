package results

import (
	"encoding/json"
	"fmt"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// SPARQL JSON Results Format
// https://www.w3.org/TR/sparql11-results-json/
// extended with the pagination fields of a preemptable endpoint

// SPARQLResultsJSON represents the JSON format for SPARQL query results
type SPARQLResultsJSON struct {
	Head    ResultHead      `json:"head"`
	Results *ResultBindings `json:"results"`

	HasNext   bool              `json:"hasNext"`
	Next      *string           `json:"next"`
	Threshold map[string]string `json:"threshold,omitempty"`
	Stats     *ResultStats      `json:"stats,omitempty"`
}

// ResultHead contains the variable names
type ResultHead struct {
	Vars []string `json:"vars"`
}

// ResultBindings contains the result bindings
type ResultBindings struct {
	Bindings []map[string]BindingValue `json:"bindings"`
}

// BindingValue represents a single bound value
type BindingValue struct {
	Type     string  `json:"type"`
	Value    string  `json:"value"`
	Datatype *string `json:"datatype,omitempty"`
	XMLLang  *string `json:"xml:lang,omitempty"`
}

// ResultStats reports the timings of the quantum, in milliseconds
type ResultStats struct {
	Count  int     `json:"count"`
	Import float64 `json:"import"`
	Exec   float64 `json:"exec"`
	Export float64 `json:"export"`
}

// FormatJSON converts a page to SPARQL JSON format
func FormatJSON(result *engine.Result) ([]byte, error) {
	bindings := make([]map[string]BindingValue, 0, len(result.Bindings))
	for _, mu := range result.Bindings {
		binding := make(map[string]BindingValue, len(mu))
		for v, value := range mu {
			binding[v[1:]] = termToBindingValue(term(value))
		}
		bindings = append(bindings, binding)
	}

	out := SPARQLResultsJSON{
		Head:      ResultHead{Vars: varNames(result)},
		Results:   &ResultBindings{Bindings: bindings},
		HasNext:   result.HasNext(),
		Threshold: result.Threshold,
		Stats: &ResultStats{
			Count:  result.Stats.Count,
			Import: milliseconds(result.Stats.ImportTime.Seconds()),
			Exec:   milliseconds(result.Stats.ExecTime.Seconds()),
			Export: milliseconds(result.Stats.ExportTime.Seconds()),
		},
	}
	if result.HasNext() {
		next := result.Next
		out.Next = &next
	}
	return json.MarshalIndent(out, "", "  ")
}

func milliseconds(seconds float64) float64 {
	return seconds * 1000
}

// ParseJSON reads a page written by FormatJSON back into lexical mappings
func ParseJSON(data []byte) (*SPARQLResultsJSON, []store.Mapping, error) {
	var page SPARQLResultsJSON
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, nil, fmt.Errorf("failed to parse JSON results: %w", err)
	}
	if page.Results == nil {
		return &page, nil, nil
	}
	mappings := make([]store.Mapping, 0, len(page.Results.Bindings))
	for _, binding := range page.Results.Bindings {
		mu := make(store.Mapping, len(binding))
		for name, bv := range binding {
			mu["?"+name] = bindingValueToLexical(bv)
		}
		mappings = append(mappings, mu)
	}
	return &page, mappings, nil
}

// termToBindingValue converts an RDF term to a SPARQL JSON binding value
func termToBindingValue(term rdf.Term) BindingValue {
	switch t := term.(type) {
	case *rdf.NamedNode:
		return BindingValue{
			Type:  "uri",
			Value: t.IRI,
		}

	case *rdf.BlankNode:
		return BindingValue{
			Type:  "bnode",
			Value: t.ID,
		}

	case *rdf.Literal:
		bv := BindingValue{
			Type:  "literal",
			Value: t.Value,
		}

		if t.Language != "" {
			bv.XMLLang = &t.Language
		} else if t.Datatype != nil {
			datatypeIRI := t.Datatype.IRI
			bv.Datatype = &datatypeIRI
		}

		return bv

	default:
		return BindingValue{
			Type:  "literal",
			Value: term.String(),
		}
	}
}

func bindingValueToLexical(bv BindingValue) string {
	switch bv.Type {
	case "uri":
		return bv.Value
	case "bnode":
		return "_:" + bv.Value
	}
	lit := rdf.NewLiteral(bv.Value)
	if bv.XMLLang != nil {
		lit.Language = *bv.XMLLang
	} else if bv.Datatype != nil {
		lit.Datatype = rdf.NewNamedNode(*bv.Datatype)
	}
	return rdf.Lexical(lit)
}
