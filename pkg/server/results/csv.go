package results

import (
	"encoding/csv"
	"strings"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
)

// SPARQL CSV Results Format
// https://www.w3.org/TR/sparql11-results-csv-tsv/

// FormatCSV converts a page to SPARQL CSV format
func FormatCSV(result *engine.Result) ([]byte, error) {
	var builder strings.Builder
	w := csv.NewWriter(&builder)

	names := varNames(result)
	if err := w.Write(names); err != nil {
		return nil, err
	}

	for _, mu := range result.Bindings {
		row := make([]string, len(names))
		for i, name := range names {
			// unbound variables stay empty
			if value, ok := mu["?"+name]; ok {
				row[i] = termToCSVValue(term(value))
			}
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(builder.String()), nil
}

// termToCSVValue writes IRIs without brackets and literals without quotes
// or datatype. Language tags are kept as value@lang.
func termToCSVValue(term rdf.Term) string {
	switch t := term.(type) {
	case *rdf.NamedNode:
		return t.IRI

	case *rdf.BlankNode:
		return "_:" + t.ID

	case *rdf.Literal:
		if t.Language != "" {
			return t.Value + "@" + t.Language
		}
		return t.Value

	default:
		return term.String()
	}
}
