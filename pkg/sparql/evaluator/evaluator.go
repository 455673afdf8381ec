// Package evaluator evaluates SPARQL expressions over solution mappings.
package evaluator

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// Evaluator evaluates SPARQL expressions against solution mappings.
// It caches compiled regular expressions and is not safe for concurrent use.
type Evaluator struct {
	regexCache map[string]*regexp.Regexp
	upper      cases.Caser
	lower      cases.Caser
}

// NewEvaluator creates a new expression evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{
		regexCache: make(map[string]*regexp.Regexp),
		upper:      cases.Upper(language.Und),
		lower:      cases.Lower(language.Und),
	}
}

// Evaluate evaluates an expression against a mapping and returns the result term.
// Type errors and unbound variables are returned as errors.
func (e *Evaluator) Evaluate(expr parser.Expression, mu store.Mapping) (rdf.Term, error) {
	if expr == nil {
		return nil, fmt.Errorf("cannot evaluate nil expression")
	}

	switch ex := expr.(type) {
	case *parser.BinaryExpression:
		return e.evaluateBinaryExpression(ex, mu)
	case *parser.UnaryExpression:
		return e.evaluateUnaryExpression(ex, mu)
	case *parser.VariableExpression:
		return e.evaluateVariableExpression(ex, mu)
	case *parser.LiteralExpression:
		return e.evaluateLiteralExpression(ex)
	case *parser.FunctionCallExpression:
		return e.evaluateFunctionCall(ex, mu)
	case *parser.InExpression:
		return e.evaluateInExpression(ex, mu)
	case *parser.ExistsExpression:
		return nil, sparql.Unsupported("EXISTS")
	default:
		return nil, sparql.Unsupported("expression %T", expr)
	}
}

// EvaluateBool evaluates a filter condition. Any evaluation error counts as false.
func (e *Evaluator) EvaluateBool(expr parser.Expression, mu store.Mapping) bool {
	term, err := e.Evaluate(expr, mu)
	if err != nil {
		return false
	}
	ebv, err := EffectiveBooleanValue(term)
	return err == nil && ebv
}

// evaluateVariableExpression evaluates a variable reference
func (e *Evaluator) evaluateVariableExpression(expr *parser.VariableExpression, mu store.Mapping) (rdf.Term, error) {
	if expr.Variable == nil {
		return nil, fmt.Errorf("variable expression has nil variable")
	}

	// COUNT(*) uses the variable name "*"
	if expr.Variable.Name == "*" {
		return nil, fmt.Errorf("* is not a valid variable reference in expressions")
	}

	value, exists := mu["?"+expr.Variable.Name]
	if !exists {
		return nil, fmt.Errorf("unbound variable: ?%s", expr.Variable.Name)
	}

	return rdf.ParseTerm(value)
}

// evaluateLiteralExpression evaluates a literal constant
func (e *Evaluator) evaluateLiteralExpression(expr *parser.LiteralExpression) (rdf.Term, error) {
	if expr.Literal == nil {
		return nil, fmt.Errorf("literal expression has nil literal")
	}
	return expr.Literal, nil
}

// evaluateInExpression evaluates IN or NOT IN operator
// x IN (e1, e2, ...) is equivalent to (x = e1) || (x = e2) || ...
// x NOT IN (e1, e2, ...) is equivalent to !((x = e1) || (x = e2) || ...)
func (e *Evaluator) evaluateInExpression(expr *parser.InExpression, mu store.Mapping) (rdf.Term, error) {
	leftValue, err := e.Evaluate(expr.Expression, mu)
	if err != nil {
		return nil, err
	}

	found := false
	for _, valueExpr := range expr.Values {
		rightValue, err := e.Evaluate(valueExpr, mu)
		if err != nil {
			// failed members are skipped
			continue
		}
		if termsEquivalent(leftValue, rightValue) {
			found = true
			break
		}
	}

	if expr.Not {
		return rdf.NewBooleanLiteral(!found), nil
	}
	return rdf.NewBooleanLiteral(found), nil
}

// Validate reports constructs the evaluator cannot handle: EXISTS and
// unknown functions. It is used before execution so they fail the query
// instead of silently discarding solutions.
func Validate(expr parser.Expression) error {
	switch ex := expr.(type) {
	case *parser.BinaryExpression:
		if err := Validate(ex.Left); err != nil {
			return err
		}
		return Validate(ex.Right)
	case *parser.UnaryExpression:
		return Validate(ex.Operand)
	case *parser.VariableExpression, *parser.LiteralExpression:
		return nil
	case *parser.FunctionCallExpression:
		if !builtinFunctions[strings.ToUpper(ex.Function)] && !strings.HasPrefix(ex.Function, xsdNamespace) {
			return sparql.Unsupported("function %s", ex.Function)
		}
		for _, arg := range ex.Arguments {
			if err := Validate(arg); err != nil {
				return err
			}
		}
		return nil
	case *parser.InExpression:
		if err := Validate(ex.Expression); err != nil {
			return err
		}
		for _, v := range ex.Values {
			if err := Validate(v); err != nil {
				return err
			}
		}
		return nil
	case *parser.ExistsExpression:
		if ex.Not {
			return sparql.Unsupported("NOT EXISTS")
		}
		return sparql.Unsupported("EXISTS")
	default:
		return sparql.Unsupported("expression %T", expr)
	}
}
