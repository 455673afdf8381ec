// Package results serializes query pages in the SPARQL 1.1 result formats.
// A page of a suspended query carries its resume token: in the body for
// JSON, in the X-Sage-Next header for the other formats.
package results

import (
	"sort"
	"strings"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
)

// varNames returns the result variables without their '?' prefix. Pages of
// a SELECT * query fall back to the variables bound in the page.
func varNames(result *engine.Result) []string {
	var names []string
	if len(result.Variables) > 0 {
		for _, v := range result.Variables {
			names = append(names, strings.TrimPrefix(v, "?"))
		}
		return names
	}

	seen := make(map[string]bool)
	for _, mu := range result.Bindings {
		for v := range mu {
			if !seen[v] {
				seen[v] = true
				names = append(names, strings.TrimPrefix(v, "?"))
			}
		}
	}
	sort.Strings(names)
	return names
}

// term parses the lexical form held in a mapping
func term(value string) rdf.Term {
	return rdf.MustParseTerm(value)
}
