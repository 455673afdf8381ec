package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/aleksaelezovic/sage/pkg/rdf"
)

// Query represents a parsed SPARQL request
type Query struct {
	QueryType QueryType
	Select    *SelectQuery
	Update    *UpdateRequest
}

// QueryType represents the type of SPARQL request
type QueryType int

const (
	QueryTypeSelect QueryType = iota
	QueryTypeUpdate
)

// SelectQuery represents a SELECT query
type SelectQuery struct {
	Variables      []*Variable       // nil for SELECT *
	Distinct       bool              // DISTINCT modifier
	Reduced        bool              // REDUCED modifier
	HasExpressions bool              // projection contains (expr AS ?v)
	Where          *GraphPattern     // WHERE clause
	GroupBy        []*GroupCondition // GROUP BY clause
	Having         []*Filter         // HAVING clause
	OrderBy        []*OrderCondition // ORDER BY clause
	Limit          *int              // LIMIT clause
	Offset         *int              // OFFSET clause
	Values         *ValuesClause     // trailing VALUES clause
}

// GraphPattern represents a group graph pattern
type GraphPattern struct {
	Type     GraphPatternType
	Patterns []*TriplePattern // triple patterns, in textual order
	Filters  []*Filter        // FILTER expressions
	Binds    []*Bind          // BIND expressions
	Children []*GraphPattern  // for UNION the two branches
	Graph    *GraphTerm       // for GRAPH patterns
	Elements []PatternElement // every element in textual order
}

// PatternElement is one element of a group graph pattern. Exactly one field is set.
type PatternElement struct {
	Triple *TriplePattern
	Filter *Filter
	Bind   *Bind
	Values *ValuesClause
	Group  *GraphPattern
}

// GraphPatternType represents the type of graph pattern
type GraphPatternType int

const (
	GraphPatternTypeBasic GraphPatternType = iota
	GraphPatternTypeUnion
	GraphPatternTypeOptional
	GraphPatternTypeGraph
	GraphPatternTypeMinus
	GraphPatternTypeSubquery
)

// TriplePattern represents a triple pattern with possible variables
type TriplePattern struct {
	Subject   TermOrVariable
	Predicate TermOrVariable
	Object    TermOrVariable
}

// TermOrVariable holds either a constant term or a variable
type TermOrVariable struct {
	Term     rdf.Term
	Variable *Variable
}

// IsVariable reports whether the position holds a variable
func (t *TermOrVariable) IsVariable() bool {
	return t.Variable != nil
}

// Lexical returns "?name" for variables and the lexical term otherwise
func (t *TermOrVariable) Lexical() string {
	if t.Variable != nil {
		return "?" + t.Variable.Name
	}
	return rdf.Lexical(t.Term)
}

// GraphTerm names the graph of a GRAPH pattern
type GraphTerm struct {
	IRI      *rdf.NamedNode
	Variable *Variable
}

// Variable represents a SPARQL variable, without its '?' sigil
type Variable struct {
	Name string
}

// Filter represents a FILTER clause
type Filter struct {
	Expression Expression
}

// Bind represents a BIND clause
type Bind struct {
	Expression Expression
	Variable   *Variable
}

// GroupCondition represents one GROUP BY key
type GroupCondition struct {
	Expression Expression
	Variable   *Variable
}

// ValuesClause is an inline data block. A nil entry in a row is UNDEF.
type ValuesClause struct {
	Variables []*Variable
	Rows      [][]rdf.Term
}

// OrderCondition represents one ORDER BY key
type OrderCondition struct {
	Expression Expression
	Ascending  bool
}

func (o *OrderCondition) String() string {
	if o.Ascending {
		return "ASC(" + o.Expression.String() + ")"
	}
	return "DESC(" + o.Expression.String() + ")"
}

// FormatOrderConditions renders conditions in a form ParseOrderConditions reads back
func FormatOrderConditions(conds []*OrderCondition) string {
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

// UpdateRequest is a sequence of update operations separated by ';'
type UpdateRequest struct {
	Operations []*UpdateOperation
}

// UpdateKind identifies the update operation
type UpdateKind int

const (
	UpdateInsertData UpdateKind = iota
	UpdateDeleteData
)

func (k UpdateKind) String() string {
	if k == UpdateDeleteData {
		return "DELETE DATA"
	}
	return "INSERT DATA"
}

// UpdateOperation is one INSERT DATA or DELETE DATA block
type UpdateOperation struct {
	Kind  UpdateKind
	Quads []*QuadData
}

// QuadData is a ground triple, with an empty Graph for the default graph
type QuadData struct {
	Subject   rdf.Term
	Predicate rdf.Term
	Object    rdf.Term
	Graph     string
}

// Expression represents a SPARQL expression.
// String renders the expression in a fully parenthesized form that parses
// back into an identical tree.
type Expression interface {
	expressionNode()
	String() string
}

// BinaryExpression represents a binary operation
type BinaryExpression struct {
	Left     Expression
	Operator Operator
	Right    Expression
}

func (e *BinaryExpression) expressionNode() {}

func (e *BinaryExpression) String() string {
	return "(" + e.Left.String() + " " + e.Operator.String() + " " + e.Right.String() + ")"
}

// UnaryExpression represents a unary operation
type UnaryExpression struct {
	Operator Operator
	Operand  Expression
}

func (e *UnaryExpression) expressionNode() {}

func (e *UnaryExpression) String() string {
	return e.Operator.String() + e.Operand.String()
}

// VariableExpression represents a variable reference
type VariableExpression struct {
	Variable *Variable
}

func (e *VariableExpression) expressionNode() {}

func (e *VariableExpression) String() string {
	if e.Variable.Name == "*" {
		return "*"
	}
	return "?" + e.Variable.Name
}

// LiteralExpression represents a constant term
type LiteralExpression struct {
	Literal rdf.Term
}

func (e *LiteralExpression) expressionNode() {}

var bareInteger = regexp.MustCompile(`^[0-9]+$`)

func (e *LiteralExpression) String() string {
	if lit, ok := e.Literal.(*rdf.Literal); ok && lit.Datatype != nil {
		switch lit.Datatype.IRI {
		case rdf.XSDInteger.IRI:
			if bareInteger.MatchString(lit.Value) {
				return lit.Value
			}
		case rdf.XSDBoolean.IRI:
			if lit.Value == "true" || lit.Value == "false" {
				return lit.Value
			}
		}
	}
	return e.Literal.String()
}

// FunctionCallExpression represents a built-in or IRI function call.
// Built-in names are upper case; IRI functions carry the full IRI.
type FunctionCallExpression struct {
	Function  string
	Arguments []Expression
}

func (e *FunctionCallExpression) expressionNode() {}

func (e *FunctionCallExpression) String() string {
	name := e.Function
	if strings.Contains(name, ":") {
		name = "<" + name + ">"
	}
	args := make([]string, len(e.Arguments))
	for i, arg := range e.Arguments {
		args[i] = arg.String()
	}
	return name + "(" + strings.Join(args, ", ") + ")"
}

// InExpression represents IN and NOT IN
type InExpression struct {
	Not        bool
	Expression Expression
	Values     []Expression
}

func (e *InExpression) expressionNode() {}

func (e *InExpression) String() string {
	values := make([]string, len(e.Values))
	for i, v := range e.Values {
		values[i] = v.String()
	}
	op := " IN "
	if e.Not {
		op = " NOT IN "
	}
	return "(" + e.Expression.String() + op + "(" + strings.Join(values, ", ") + "))"
}

// ExistsExpression represents EXISTS and NOT EXISTS
type ExistsExpression struct {
	Not     bool
	Pattern GraphPattern
}

func (e *ExistsExpression) expressionNode() {}

func (e *ExistsExpression) String() string {
	if e.Not {
		return "NOT EXISTS {}"
	}
	return "EXISTS {}"
}

// Operator represents an operator in expressions
type Operator int

const (
	OpAnd Operator = iota
	OpOr
	OpNot

	OpEqual
	OpNotEqual
	OpLessThan
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual

	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
)

var operatorSymbols = map[Operator]string{
	OpAnd:                "&&",
	OpOr:                 "||",
	OpNot:                "!",
	OpEqual:              "=",
	OpNotEqual:           "!=",
	OpLessThan:           "<",
	OpLessThanOrEqual:    "<=",
	OpGreaterThan:        ">",
	OpGreaterThanOrEqual: ">=",
	OpAdd:                "+",
	OpSubtract:           "-",
	OpMultiply:           "*",
	OpDivide:             "/",
}

func (o Operator) String() string {
	if s, ok := operatorSymbols[o]; ok {
		return s
	}
	return "?op"
}

// ExpressionVariables returns the distinct variables of an expression,
// '?'-prefixed and sorted.
func ExpressionVariables(expr Expression) []string {
	seen := make(map[string]bool)
	var walk func(Expression)
	walk = func(e Expression) {
		switch e := e.(type) {
		case *BinaryExpression:
			walk(e.Left)
			walk(e.Right)
		case *UnaryExpression:
			walk(e.Operand)
		case *VariableExpression:
			if e.Variable.Name != "*" {
				seen["?"+e.Variable.Name] = true
			}
		case *FunctionCallExpression:
			for _, arg := range e.Arguments {
				walk(arg)
			}
		case *InExpression:
			walk(e.Expression)
			for _, v := range e.Values {
				walk(v)
			}
		}
	}
	walk(expr)

	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}
