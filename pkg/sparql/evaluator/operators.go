package evaluator

import (
	"fmt"
	"math"
	"strings"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// evaluateBinaryExpression evaluates binary operations
func (e *Evaluator) evaluateBinaryExpression(expr *parser.BinaryExpression, mu store.Mapping) (rdf.Term, error) {
	// && and || tolerate an error on one side
	switch expr.Operator {
	case parser.OpAnd:
		return e.evaluateAnd(expr, mu)
	case parser.OpOr:
		return e.evaluateOr(expr, mu)
	}

	left, err := e.Evaluate(expr.Left, mu)
	if err != nil {
		return nil, err
	}

	right, err := e.Evaluate(expr.Right, mu)
	if err != nil {
		return nil, err
	}

	switch expr.Operator {
	case parser.OpEqual:
		return rdf.NewBooleanLiteral(termsEquivalent(left, right)), nil
	case parser.OpNotEqual:
		return rdf.NewBooleanLiteral(!termsEquivalent(left, right)), nil
	case parser.OpLessThan:
		return rdf.NewBooleanLiteral(Compare(left, right) < 0), nil
	case parser.OpLessThanOrEqual:
		return rdf.NewBooleanLiteral(Compare(left, right) <= 0), nil
	case parser.OpGreaterThan:
		return rdf.NewBooleanLiteral(Compare(left, right) > 0), nil
	case parser.OpGreaterThanOrEqual:
		return rdf.NewBooleanLiteral(Compare(left, right) >= 0), nil

	case parser.OpAdd:
		return arithmetic(left, right, "add", func(a, b float64) float64 { return a + b })
	case parser.OpSubtract:
		return arithmetic(left, right, "subtract", func(a, b float64) float64 { return a - b })
	case parser.OpMultiply:
		return arithmetic(left, right, "multiply", func(a, b float64) float64 { return a * b })
	case parser.OpDivide:
		if v, ok := rdf.NumericValue(right); ok && v == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return arithmetic(left, right, "divide", func(a, b float64) float64 { return a / b })

	default:
		return nil, fmt.Errorf("unsupported binary operator: %v", expr.Operator)
	}
}

// evaluateUnaryExpression evaluates unary operations
func (e *Evaluator) evaluateUnaryExpression(expr *parser.UnaryExpression, mu store.Mapping) (rdf.Term, error) {
	operand, err := e.Evaluate(expr.Operand, mu)
	if err != nil {
		return nil, err
	}

	switch expr.Operator {
	case parser.OpNot:
		ebv, err := EffectiveBooleanValue(operand)
		if err != nil {
			return nil, err
		}
		return rdf.NewBooleanLiteral(!ebv), nil
	default:
		return nil, fmt.Errorf("unsupported unary operator: %v", expr.Operator)
	}
}

// Logical operators

func (e *Evaluator) ebv(expr parser.Expression, mu store.Mapping) (bool, error) {
	term, err := e.Evaluate(expr, mu)
	if err != nil {
		return false, err
	}
	return EffectiveBooleanValue(term)
}

func (e *Evaluator) evaluateAnd(expr *parser.BinaryExpression, mu store.Mapping) (rdf.Term, error) {
	left, leftErr := e.ebv(expr.Left, mu)
	if leftErr == nil && !left {
		return rdf.NewBooleanLiteral(false), nil
	}

	right, rightErr := e.ebv(expr.Right, mu)
	if rightErr == nil && !right {
		return rdf.NewBooleanLiteral(false), nil
	}

	if leftErr != nil {
		return nil, leftErr
	}
	if rightErr != nil {
		return nil, rightErr
	}
	return rdf.NewBooleanLiteral(true), nil
}

func (e *Evaluator) evaluateOr(expr *parser.BinaryExpression, mu store.Mapping) (rdf.Term, error) {
	left, leftErr := e.ebv(expr.Left, mu)
	if leftErr == nil && left {
		return rdf.NewBooleanLiteral(true), nil
	}

	right, rightErr := e.ebv(expr.Right, mu)
	if rightErr == nil && right {
		return rdf.NewBooleanLiteral(true), nil
	}

	if leftErr != nil {
		return nil, leftErr
	}
	if rightErr != nil {
		return nil, rightErr
	}
	return rdf.NewBooleanLiteral(false), nil
}

// EffectiveBooleanValue computes the EBV of a term
func EffectiveBooleanValue(term rdf.Term) (bool, error) {
	if term == nil {
		return false, fmt.Errorf("cannot compute EBV of nil term")
	}

	lit, ok := term.(*rdf.Literal)
	if !ok {
		return false, fmt.Errorf("cannot compute EBV of non-literal term")
	}

	if lit.Datatype != nil && lit.Datatype.IRI == rdf.XSDBoolean.IRI {
		return lit.Value == "true" || lit.Value == "1", nil
	}

	if lit.Datatype != nil && !lit.IsPlain() {
		val, ok := rdf.NumericValue(lit)
		if !ok {
			return false, fmt.Errorf("cannot compute EBV of literal with datatype %s", lit.Datatype.IRI)
		}
		return val != 0 && !math.IsNaN(val), nil
	}

	return lit.Value != "", nil
}

// Comparison

// termsEquivalent is RDF term equality, with numeric literals compared by value
func termsEquivalent(left, right rdf.Term) bool {
	if l, ok := rdf.NumericValue(left); ok {
		if r, ok := rdf.NumericValue(right); ok {
			return l == r
		}
	}
	return left.Equals(right)
}

// Compare orders two terms: unbound (nil) first, then blank nodes, IRIs
// and literals. Two numeric literals compare by value, other literals by
// lexical value and then by their full lexical form.
func Compare(left, right rdf.Term) int {
	switch {
	case left == nil && right == nil:
		return 0
	case left == nil:
		return -1
	case right == nil:
		return 1
	}

	if left.Type() != right.Type() {
		return kindRank(left.Type()) - kindRank(right.Type())
	}

	switch l := left.(type) {
	case *rdf.NamedNode:
		return strings.Compare(l.IRI, right.(*rdf.NamedNode).IRI)
	case *rdf.BlankNode:
		return strings.Compare(l.ID, right.(*rdf.BlankNode).ID)
	case *rdf.Literal:
		r := right.(*rdf.Literal)
		if lv, ok := rdf.NumericValue(l); ok {
			if rv, ok := rdf.NumericValue(r); ok {
				switch {
				case lv < rv:
					return -1
				case lv > rv:
					return 1
				}
			}
		}
		if c := strings.Compare(l.Value, r.Value); c != 0 {
			return c
		}
		return strings.Compare(l.String(), r.String())
	}
	return strings.Compare(left.String(), right.String())
}

func kindRank(t rdf.TermType) int {
	switch t {
	case rdf.TermTypeBlankNode:
		return 1
	case rdf.TermTypeNamedNode:
		return 2
	default:
		return 3
	}
}

// Arithmetic

func arithmetic(left, right rdf.Term, name string, op func(a, b float64) float64) (rdf.Term, error) {
	leftVal, leftOk := rdf.NumericValue(left)
	rightVal, rightOk := rdf.NumericValue(right)

	if !leftOk || !rightOk {
		return nil, fmt.Errorf("cannot %s non-numeric terms", name)
	}

	return createNumericLiteral(op(leftVal, rightVal), left, right), nil
}

// createNumericLiteral creates a numeric literal, keeping xsd:integer when
// both operands are integers and the result is integral
func createNumericLiteral(value float64, left, right rdf.Term) rdf.Term {
	if value == math.Floor(value) && !math.IsInf(value, 0) && isInteger(left) && isInteger(right) {
		return rdf.NewIntegerLiteral(int64(value))
	}
	return rdf.NewDoubleLiteral(value)
}

func isInteger(term rdf.Term) bool {
	lit, ok := term.(*rdf.Literal)
	if !ok || lit.Datatype == nil {
		return false
	}
	switch lit.Datatype.IRI {
	case rdf.XSDInteger.IRI, rdf.XSDInt.IRI, rdf.XSDLong.IRI:
		return true
	}
	return false
}
