package evaluator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/store"
)

func eval(t *testing.T, text string, mu store.Mapping) (rdf.Term, error) {
	t.Helper()
	expr, err := parser.ParseExpression(text)
	require.NoError(t, err, text)
	return NewEvaluator().Evaluate(expr, mu)
}

func TestEvaluateBool(t *testing.T) {
	mu := store.Mapping{
		"?s":    "http://example.org/alice",
		"?name": `"Alice"`,
		"?age":  `"30"^^<http://www.w3.org/2001/XMLSchema#integer>`,
		"?lang": `"chat"@fr`,
		"?p":    `"232"`,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`?p = "232"`, true},
		{`?p = "233"`, false},
		{`?age > 18`, true},
		{`?age = 30.0`, true},
		{`?age + 1 = 31`, true},
		{`?age / 0 = 1`, false},
		{`?s = <http://example.org/alice>`, true},
		{`isIRI(?s) && isLiteral(?name)`, true},
		{`BOUND(?missing)`, false},
		{`!BOUND(?missing)`, true},
		{`?missing = 1 || ?age = 30`, true},
		{`?missing = 1 && ?age = 30`, false},
		{`?missing = 1 && ?age = 31`, false},
		{`REGEX(?name, "^ali", "i")`, true},
		{`CONTAINS(STR(?s), "alice")`, true},
		{`STRSTARTS(?name, "Al") && STRENDS(?name, "ce")`, true},
		{`LANG(?lang) = "fr"`, true},
		{`langMatches(LANG(?lang), "*")`, true},
		{`UCASE(?name) = "ALICE"`, true},
		{`LCASE(?name) = "alice"`, true},
		{`STRLEN("héllo") = 5`, true},
		{`SUBSTR("héllo", 2, 3) = "éll"`, true},
		{`CONCAT(?name, "!", "?") = "Alice!?"`, true},
		{`?age IN (1, 30)`, true},
		{`?age NOT IN (1, 30)`, false},
		{`DATATYPE(?age) = <http://www.w3.org/2001/XMLSchema#integer>`, true},
		{`xsd:integer("42") = 42`, true},
		{`ABS(0 - 3) = 3 && CEIL(1.2) = 2 && FLOOR(1.8) = 1 && ROUND(1.5) = 2`, true},
		{`sameTerm(?age, 30)`, true},
		{`?name`, true},
		{`""`, false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			expr, err := parser.ParseExpression(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, NewEvaluator().EvaluateBool(expr, mu))
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	_, err := eval(t, `?missing`, store.Mapping{})
	assert.ErrorContains(t, err, "unbound variable")

	_, err = eval(t, `"a" + 1`, store.Mapping{})
	assert.Error(t, err)

	_, err = eval(t, `FOO(1)`, store.Mapping{})
	assert.True(t, errors.Is(err, sparql.ErrUnsupportedSPARQL))

	_, err = eval(t, `REGEX("a", "[")`, store.Mapping{})
	assert.ErrorContains(t, err, "invalid regex")
}

func TestArithmeticTypes(t *testing.T) {
	term, err := eval(t, `2 * 3`, store.Mapping{})
	require.NoError(t, err)
	assert.Equal(t, rdf.NewIntegerLiteral(6), term)

	term, err = eval(t, `1 / 2`, store.Mapping{})
	require.NoError(t, err)
	assert.Equal(t, rdf.NewDoubleLiteral(0.5), term)
}

func TestCompare(t *testing.T) {
	lit := rdf.NewLiteral
	iri := rdf.NewNamedNode

	assert.Equal(t, 0, Compare(nil, nil))
	assert.Less(t, Compare(nil, lit("a")), 0)
	assert.Greater(t, Compare(lit("a"), nil), 0)
	assert.Less(t, Compare(rdf.NewBlankNode("x"), iri("http://a")), 0)
	assert.Less(t, Compare(iri("http://z"), lit("a")), 0)
	assert.Less(t, Compare(lit("a"), lit("b")), 0)
	assert.Less(t, Compare(rdf.NewIntegerLiteral(9), rdf.NewIntegerLiteral(10)), 0)
	assert.Less(t, Compare(rdf.NewIntegerLiteral(2), rdf.NewDoubleLiteral(2.5)), 0)
	assert.Equal(t, 0, Compare(iri("http://a"), iri("http://a")))
	assert.NotEqual(t, 0, Compare(lit("a"), rdf.NewLiteralWithLanguage("a", "en")))
}

func TestEffectiveBooleanValue(t *testing.T) {
	for term, want := range map[rdf.Term]bool{
		rdf.NewBooleanLiteral(true):  true,
		rdf.NewBooleanLiteral(false): false,
		rdf.NewIntegerLiteral(0):     false,
		rdf.NewIntegerLiteral(2):     true,
		rdf.NewLiteral(""):           false,
		rdf.NewLiteral("x"):          true,
	} {
		got, err := EffectiveBooleanValue(term)
		require.NoError(t, err)
		assert.Equal(t, want, got, term.String())
	}

	_, err := EffectiveBooleanValue(rdf.NewNamedNode("http://a"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for text, supported := range map[string]bool{
		`?o = "232" && REGEX(STR(?s), "a")`: true,
		`xsd:integer(?o) > 3`:               true,
		`?o IN (1, 2, STRLEN(?x))`:          true,
		`EXISTS { ?s ?p ?o }`:               false,
		`?o IN (1, FOO(?x))`:                false,
		`<http://example.org/fn>(?x)`:       false,
	} {
		expr, err := parser.ParseExpression(text)
		require.NoError(t, err, text)
		err = Validate(expr)
		if supported {
			assert.NoError(t, err, text)
		} else {
			assert.ErrorIs(t, err, sparql.ErrUnsupportedSPARQL, text)
		}
	}
}
