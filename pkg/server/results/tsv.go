package results

import (
	"strings"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
)

// SPARQL TSV Results Format
// https://www.w3.org/TR/sparql11-results-csv-tsv/

const xsd = "http://www.w3.org/2001/XMLSchema#"

var tsvEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\t", "\\t",
	"\n", "\\n",
	"\r", "\\r",
	"\"", "\\\"",
)

// FormatTSV converts a page to SPARQL TSV format
func FormatTSV(result *engine.Result) ([]byte, error) {
	var builder strings.Builder

	names := varNames(result)
	for i, name := range names {
		if i > 0 {
			builder.WriteString("\t")
		}
		builder.WriteString("?")
		builder.WriteString(name)
	}
	builder.WriteString("\n")

	for _, mu := range result.Bindings {
		for i, name := range names {
			if i > 0 {
				builder.WriteString("\t")
			}
			if value, ok := mu["?"+name]; ok {
				builder.WriteString(termToTSVValue(term(value)))
			}
		}
		builder.WriteString("\n")
	}

	return []byte(builder.String()), nil
}

// termToTSVValue writes terms in N-Triples syntax, except for numeric
// literals which are written bare.
func termToTSVValue(term rdf.Term) string {
	switch t := term.(type) {
	case *rdf.NamedNode:
		return "<" + t.IRI + ">"

	case *rdf.BlankNode:
		return "_:" + t.ID

	case *rdf.Literal:
		escaped := tsvEscaper.Replace(t.Value)
		if t.Language != "" {
			return "\"" + escaped + "\"@" + t.Language
		}
		if t.Datatype != nil {
			switch t.Datatype.IRI {
			case xsd + "integer", xsd + "decimal", xsd + "double":
				return t.Value
			case xsd + "string":
				return "\"" + escaped + "\""
			}
			return "\"" + escaped + "\"^^<" + t.Datatype.IRI + ">"
		}
		return "\"" + escaped + "\""

	default:
		return term.String()
	}
}
