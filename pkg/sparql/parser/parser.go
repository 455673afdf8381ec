package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql"
)

// Parser parses SPARQL queries and updates
type Parser struct {
	input    string
	pos      int
	length   int
	prefixes map[string]string // Maps prefix to IRI
	baseURI  string            // Base URI for resolving relative IRIs
}

// NewParser creates a new SPARQL parser
func NewParser(input string) *Parser {
	return &Parser{
		input:    input,
		pos:      0,
		length:   len(input),
		prefixes: make(map[string]string),
		baseURI:  "",
	}
}

// Parse parses a SPARQL query or update request
func (p *Parser) Parse() (*Query, error) {
	if err := p.parsePrologue(); err != nil {
		return nil, err
	}

	queryType, err := p.parseQueryType()
	if err != nil {
		return nil, err
	}

	query := &Query{QueryType: queryType}

	switch queryType {
	case QueryTypeSelect:
		selectQuery, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		query.Select = selectQuery
	case QueryTypeUpdate:
		update, err := p.parseUpdate()
		if err != nil {
			return nil, err
		}
		query.Update = update
	}

	p.skipWhitespace()
	if p.pos < p.length {
		return nil, fmt.Errorf("unexpected trailing input at offset %d: %q", p.pos, p.excerpt())
	}
	return query, nil
}

// ParseExpression parses a standalone expression, as produced by Expression.String
func ParseExpression(text string) (Expression, error) {
	p := NewParser(text)
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	p.skipWhitespace()
	if p.pos < p.length {
		return nil, fmt.Errorf("unexpected trailing input in expression: %q", p.excerpt())
	}
	return expr, nil
}

// ParseOrderConditions parses a list of ORDER BY conditions, as produced by
// FormatOrderConditions
func ParseOrderConditions(text string) ([]*OrderCondition, error) {
	p := NewParser(text)
	conds, err := p.parseOrderBy()
	if err != nil {
		return nil, err
	}
	p.skipWhitespace()
	if p.pos < p.length {
		return nil, fmt.Errorf("unexpected trailing input in order conditions: %q", p.excerpt())
	}
	return conds, nil
}

// parsePrologue consumes PREFIX and BASE declarations
func (p *Parser) parsePrologue() error {
	for {
		p.skipWhitespace()
		if p.matchKeyword("PREFIX") {
			if err := p.skipPrefix(); err != nil {
				return err
			}
		} else if p.matchKeyword("BASE") {
			if err := p.skipBase(); err != nil {
				return err
			}
		} else {
			return nil
		}
	}
}

// parseQueryType determines the request type
func (p *Parser) parseQueryType() (QueryType, error) {
	p.skipWhitespace()

	if p.matchKeyword("SELECT") {
		return QueryTypeSelect, nil
	}
	for _, kw := range []string{"CONSTRUCT", "ASK", "DESCRIBE"} {
		if p.matchKeyword(kw) {
			return 0, sparql.Unsupported("%s queries", kw)
		}
	}
	if p.lookingAtKeyword("INSERT") || p.lookingAtKeyword("DELETE") {
		return QueryTypeUpdate, nil
	}
	for _, kw := range []string{"LOAD", "CLEAR", "DROP", "CREATE", "ADD", "MOVE", "COPY", "WITH"} {
		if p.matchKeyword(kw) {
			return 0, sparql.Unsupported("%s updates", kw)
		}
	}

	return 0, fmt.Errorf("expected SELECT, INSERT DATA or DELETE DATA")
}

// parseSelect parses a SELECT query
func (p *Parser) parseSelect() (*SelectQuery, error) {
	query := &SelectQuery{}

	// Parse DISTINCT or REDUCED (optional, mutually exclusive)
	if p.matchKeyword("DISTINCT") {
		query.Distinct = true
	} else if p.matchKeyword("REDUCED") {
		query.Reduced = true
	}

	variables, hasExpressions, err := p.parseProjection()
	if err != nil {
		return nil, err
	}
	query.Variables = variables
	query.HasExpressions = hasExpressions

	// WHERE keyword is optional
	p.matchKeyword("WHERE")

	where, err := p.parseGraphPattern()
	if err != nil {
		return nil, err
	}
	query.Where = where

	if p.matchKeyword("GROUP") {
		if !p.matchKeyword("BY") {
			return nil, fmt.Errorf("expected BY after GROUP")
		}
		groupBy, err := p.parseGroupBy()
		if err != nil {
			return nil, err
		}
		query.GroupBy = groupBy
	}

	if p.matchKeyword("HAVING") {
		having, err := p.parseHaving()
		if err != nil {
			return nil, err
		}
		query.Having = having
	}

	if p.matchKeyword("ORDER") {
		if !p.matchKeyword("BY") {
			return nil, fmt.Errorf("expected BY after ORDER")
		}
		orderBy, err := p.parseOrderBy()
		if err != nil {
			return nil, err
		}
		query.OrderBy = orderBy
	}

	// LIMIT and OFFSET may appear in either order
	for i := 0; i < 2; i++ {
		if p.matchKeyword("LIMIT") {
			limit, err := p.parseInteger()
			if err != nil {
				return nil, err
			}
			query.Limit = &limit
		} else if p.matchKeyword("OFFSET") {
			offset, err := p.parseInteger()
			if err != nil {
				return nil, err
			}
			query.Offset = &offset
		}
	}

	if p.matchKeyword("VALUES") {
		values, err := p.parseValues()
		if err != nil {
			return nil, err
		}
		query.Values = values
	}

	return query, nil
}

// parseProjection parses the projection (variables or *)
func (p *Parser) parseProjection() ([]*Variable, bool, error) {
	p.skipWhitespace()

	if p.peek() == '*' {
		p.advance()
		return nil, false, nil // nil means SELECT *
	}

	var variables []*Variable
	hasProjection := false
	hasExpressions := false
	for {
		p.skipWhitespace()
		ch := p.peek()

		// (expr AS ?var)
		if ch == '(' {
			if err := p.skipSelectExpression(); err != nil {
				return nil, false, err
			}
			hasProjection = true
			hasExpressions = true
			continue
		}

		if ch != '?' && ch != '$' {
			break
		}

		variable, err := p.parseVariable()
		if err != nil {
			return nil, false, err
		}
		variables = append(variables, variable)
		hasProjection = true
	}

	if !hasProjection {
		return nil, false, fmt.Errorf("expected at least one variable or *")
	}

	return variables, hasExpressions, nil
}

// parseGraphPattern parses a group graph pattern
func (p *Parser) parseGraphPattern() (*GraphPattern, error) {
	p.skipWhitespace()

	if p.peek() != '{' {
		return nil, fmt.Errorf("expected '{' to start graph pattern")
	}
	p.advance() // consume '{'

	pattern := &GraphPattern{Type: GraphPatternTypeBasic}

	for {
		p.skipWhitespace()

		if p.pos >= p.length {
			return nil, fmt.Errorf("unclosed graph pattern")
		}

		if p.peek() == '}' {
			p.advance()
			break
		}

		if p.matchKeyword("GRAPH") {
			graphPattern, err := p.parseGraphGraphPattern()
			if err != nil {
				return nil, err
			}
			pattern.addGroup(graphPattern)
			continue
		}

		if p.matchKeyword("FILTER") {
			filter, err := p.parseFilter()
			if err != nil {
				return nil, err
			}
			pattern.Filters = append(pattern.Filters, filter)
			pattern.Elements = append(pattern.Elements, PatternElement{Filter: filter})
			continue
		}

		if p.matchKeyword("BIND") {
			bind, err := p.parseBind()
			if err != nil {
				return nil, err
			}
			pattern.Binds = append(pattern.Binds, bind)
			pattern.Elements = append(pattern.Elements, PatternElement{Bind: bind})
			continue
		}

		if p.matchKeyword("VALUES") {
			values, err := p.parseValues()
			if err != nil {
				return nil, err
			}
			pattern.Elements = append(pattern.Elements, PatternElement{Values: values})
			continue
		}

		if p.matchKeyword("OPTIONAL") {
			optionalPattern, err := p.parseGraphPattern()
			if err != nil {
				return nil, err
			}
			optionalPattern.Type = GraphPatternTypeOptional
			pattern.addGroup(optionalPattern)
			continue
		}

		if p.matchKeyword("MINUS") {
			minusPattern, err := p.parseGraphPattern()
			if err != nil {
				return nil, err
			}
			minusPattern.Type = GraphPatternTypeMinus
			pattern.addGroup(minusPattern)
			continue
		}

		if p.matchKeyword("SERVICE") {
			return nil, sparql.Unsupported("SERVICE")
		}

		if p.peek() == '{' {
			// A nested group, a UNION chain or a subquery
			savedPos := p.pos
			p.advance()
			p.skipWhitespace()
			isSubquery := p.lookingAtKeyword("SELECT")
			p.pos = savedPos

			if isSubquery {
				if err := p.skipBlock(); err != nil {
					return nil, err
				}
				pattern.addGroup(&GraphPattern{Type: GraphPatternTypeSubquery})
				continue
			}

			nestedPattern, err := p.parseGraphPattern()
			if err != nil {
				return nil, err
			}

			// UNION is left-associative: {A} UNION {B} UNION {C} = ({A} UNION {B}) UNION {C}
			for {
				p.skipWhitespace()
				if !p.matchKeyword("UNION") {
					break
				}
				rightPattern, err := p.parseGraphPattern()
				if err != nil {
					return nil, err
				}
				nestedPattern = &GraphPattern{
					Type:     GraphPatternTypeUnion,
					Children: []*GraphPattern{nestedPattern, rightPattern},
				}
			}
			pattern.addGroup(nestedPattern)

			p.skipWhitespace()
			if p.peek() == '.' {
				p.advance()
			}
			continue
		}

		// Triple patterns with property list shorthand
		triples, err := p.parseTriplePatterns()
		if err != nil {
			return nil, err
		}
		pattern.Patterns = append(pattern.Patterns, triples...)
		for _, triple := range triples {
			pattern.Elements = append(pattern.Elements, PatternElement{Triple: triple})
		}

		p.skipWhitespace()
		if p.peek() == '.' {
			p.advance()
		}
	}

	return pattern, nil
}

func (g *GraphPattern) addGroup(child *GraphPattern) {
	g.Children = append(g.Children, child)
	g.Elements = append(g.Elements, PatternElement{Group: child})
}

// skipBlock skips a balanced { ... } block
func (p *Parser) skipBlock() error {
	p.advance() // skip '{'
	depth := 1
	for p.pos < p.length && depth > 0 {
		switch p.peek() {
		case '{':
			depth++
		case '}':
			depth--
		}
		p.advance()
	}
	if depth > 0 {
		return fmt.Errorf("unclosed subquery")
	}
	return nil
}

// parseGraphGraphPattern parses a GRAPH <iri> { ... } or GRAPH ?var { ... } pattern
func (p *Parser) parseGraphGraphPattern() (*GraphPattern, error) {
	p.skipWhitespace()

	graphTerm := &GraphTerm{}

	switch ch := p.peek(); {
	case ch == '?' || ch == '$':
		variable, err := p.parseVariable()
		if err != nil {
			return nil, err
		}
		graphTerm.Variable = variable
	case ch == '<':
		iri, err := p.parseIRI()
		if err != nil {
			return nil, err
		}
		graphTerm.IRI = rdf.NewNamedNode(iri)
	case isNameStart(ch) || ch == ':':
		iri, err := p.parsePrefixedName()
		if err != nil {
			return nil, err
		}
		graphTerm.IRI = rdf.NewNamedNode(iri)
	default:
		return nil, fmt.Errorf("expected IRI or variable after GRAPH")
	}

	nestedPattern, err := p.parseGraphPattern()
	if err != nil {
		return nil, err
	}
	nestedPattern.Type = GraphPatternTypeGraph
	nestedPattern.Graph = graphTerm
	return nestedPattern, nil
}

// parseValues parses the data block of VALUES ?x { ... } or VALUES (?x ?y) { (...) ... }
func (p *Parser) parseValues() (*ValuesClause, error) {
	p.skipWhitespace()
	values := &ValuesClause{}

	multi := p.peek() == '('
	if multi {
		p.advance()
		for {
			p.skipWhitespace()
			if p.peek() == ')' {
				p.advance()
				break
			}
			variable, err := p.parseVariable()
			if err != nil {
				return nil, fmt.Errorf("VALUES: %w", err)
			}
			values.Variables = append(values.Variables, variable)
		}
	} else {
		variable, err := p.parseVariable()
		if err != nil {
			return nil, fmt.Errorf("VALUES: %w", err)
		}
		values.Variables = append(values.Variables, variable)
	}

	p.skipWhitespace()
	if p.peek() != '{' {
		return nil, fmt.Errorf("expected '{' to start VALUES data")
	}
	p.advance()

	for {
		p.skipWhitespace()
		if p.peek() == '}' {
			p.advance()
			break
		}
		if p.pos >= p.length {
			return nil, fmt.Errorf("unclosed VALUES data")
		}

		if !multi {
			term, err := p.parseDataValue()
			if err != nil {
				return nil, err
			}
			values.Rows = append(values.Rows, []rdf.Term{term})
			continue
		}

		if p.peek() != '(' {
			return nil, fmt.Errorf("expected '(' to start VALUES row")
		}
		p.advance()
		var row []rdf.Term
		for {
			p.skipWhitespace()
			if p.peek() == ')' {
				p.advance()
				break
			}
			term, err := p.parseDataValue()
			if err != nil {
				return nil, err
			}
			row = append(row, term)
		}
		if len(row) != len(values.Variables) {
			return nil, fmt.Errorf("VALUES row has %d terms, expected %d", len(row), len(values.Variables))
		}
		values.Rows = append(values.Rows, row)
	}

	return values, nil
}

// parseDataValue parses a constant term or UNDEF (returned as nil)
func (p *Parser) parseDataValue() (rdf.Term, error) {
	if p.matchKeyword("UNDEF") {
		return nil, nil
	}
	tv, err := p.parseTermOrVariable()
	if err != nil {
		return nil, err
	}
	if tv.Variable != nil {
		return nil, fmt.Errorf("variables are not allowed in VALUES data")
	}
	return tv.Term, nil
}

// parseTriplePattern parses a single triple pattern
func (p *Parser) parseTriplePattern() (*TriplePattern, error) {
	p.skipWhitespace()

	subject, err := p.parseTermOrVariable()
	if err != nil {
		return nil, fmt.Errorf("failed to parse subject: %w", err)
	}

	p.skipWhitespace()
	predicate, err := p.parseTermOrVariable()
	if err != nil {
		return nil, fmt.Errorf("failed to parse predicate: %w", err)
	}

	p.skipWhitespace()
	object, err := p.parseTermOrVariable()
	if err != nil {
		return nil, fmt.Errorf("failed to parse object: %w", err)
	}

	return &TriplePattern{
		Subject:   *subject,
		Predicate: *predicate,
		Object:    *object,
	}, nil
}

// parseTriplePatterns parses triple patterns with property list shorthand (semicolon and comma)
// Syntax:
//
//	?s ?p1 ?o1 ; ?p2 ?o2 ; ?p3 ?o3 .  (semicolon repeats subject)
//	?s ?p ?o1 , ?o2 , ?o3 .           (comma repeats subject and predicate)
func (p *Parser) parseTriplePatterns() ([]*TriplePattern, error) {
	var triples []*TriplePattern

	firstTriple, err := p.parseTriplePattern()
	if err != nil {
		return nil, err
	}
	triples = append(triples, firstTriple)

	for {
		p.skipWhitespace()
		ch := p.peek()

		if ch == ',' {
			p.advance()
			p.skipWhitespace()

			object, err := p.parseTermOrVariable()
			if err != nil {
				return nil, fmt.Errorf("failed to parse object after comma: %w", err)
			}

			triples = append(triples, &TriplePattern{
				Subject:   firstTriple.Subject,
				Predicate: firstTriple.Predicate,
				Object:    *object,
			})
		} else if ch == ';' {
			p.advance()
			p.skipWhitespace()

			// trailing semicolon
			if p.peek() == '.' || p.peek() == '}' {
				break
			}

			predicate, err := p.parseTermOrVariable()
			if err != nil {
				return nil, fmt.Errorf("failed to parse predicate after semicolon: %w", err)
			}

			p.skipWhitespace()
			object, err := p.parseTermOrVariable()
			if err != nil {
				return nil, fmt.Errorf("failed to parse object after semicolon: %w", err)
			}

			triple := &TriplePattern{
				Subject:   firstTriple.Subject,
				Predicate: *predicate,
				Object:    *object,
			}
			triples = append(triples, triple)

			// a following comma repeats this predicate
			firstTriple = triple
		} else {
			break
		}
	}

	return triples, nil
}

// parseTermOrVariable parses either an RDF term or a variable
func (p *Parser) parseTermOrVariable() (*TermOrVariable, error) {
	p.skipWhitespace()

	ch := p.peek()

	if ch == '?' || ch == '$' {
		variable, err := p.parseVariable()
		if err != nil {
			return nil, err
		}
		return &TermOrVariable{Variable: variable}, nil
	}

	if ch == '<' {
		iri, err := p.parseIRI()
		if err != nil {
			return nil, err
		}
		return &TermOrVariable{Term: rdf.NewNamedNode(iri)}, nil
	}

	if ch == '"' || ch == '\'' {
		literal, err := p.parseStringLiteral()
		if err != nil {
			return nil, err
		}
		return &TermOrVariable{Term: literal}, nil
	}

	if ch == '_' {
		blankNode, err := p.parseBlankNode()
		if err != nil {
			return nil, err
		}
		return &TermOrVariable{Term: blankNode}, nil
	}

	if ch >= '0' && ch <= '9' || ch == '-' || ch == '+' || ch == '.' {
		literal, err := p.parseNumericLiteral()
		if err != nil {
			return nil, err
		}
		return &TermOrVariable{Term: literal}, nil
	}

	// Keyword 'a' (shorthand for rdf:type)
	if ch == 'a' && !isNameChar(p.peekAt(1)) && p.peekAt(1) != ':' {
		p.advance()
		return &TermOrVariable{Term: rdf.RDFType}, nil
	}

	if p.lookingAtKeyword("true") && p.peekAt(4) != ':' {
		p.pos += 4
		return &TermOrVariable{Term: rdf.NewBooleanLiteral(true)}, nil
	}
	if p.lookingAtKeyword("false") && p.peekAt(5) != ':' {
		p.pos += 5
		return &TermOrVariable{Term: rdf.NewBooleanLiteral(false)}, nil
	}

	// Prefixed name (like :foo or prefix:foo)
	if ch == ':' || isNameStart(ch) {
		prefixedName, err := p.parsePrefixedName()
		if err != nil {
			return nil, err
		}
		return &TermOrVariable{Term: rdf.NewNamedNode(prefixedName)}, nil
	}

	if ch == 0 {
		return nil, fmt.Errorf("unexpected end of input")
	}
	return nil, fmt.Errorf("unexpected character: %c", ch)
}

// parseVariable parses a SPARQL variable
func (p *Parser) parseVariable() (*Variable, error) {
	if p.peek() != '?' && p.peek() != '$' {
		return nil, fmt.Errorf("expected variable starting with ? or $")
	}
	p.advance() // consume ? or $

	name := p.readWhile(isNameChar)
	if name == "" {
		return nil, fmt.Errorf("invalid variable name")
	}

	return &Variable{Name: name}, nil
}

// parseIRI parses an IRI enclosed in < >
func (p *Parser) parseIRI() (string, error) {
	if p.peek() != '<' {
		return "", fmt.Errorf("expected '<' to start IRI")
	}
	p.advance()

	iri := p.readWhile(func(ch byte) bool {
		return ch != '>' && ch != ' ' && ch != '\n'
	})

	if p.peek() != '>' {
		return "", fmt.Errorf("expected '>' to end IRI")
	}
	p.advance()

	return p.resolveIRI(iri), nil
}

// parseStringLiteral parses a string literal (single and triple-quoted) with
// an optional language tag or datatype
func (p *Parser) parseStringLiteral() (*rdf.Literal, error) {
	quote := p.peek()
	if quote != '"' && quote != '\'' {
		return nil, fmt.Errorf("expected quote to start string literal")
	}

	var raw string
	if p.peekAt(1) == quote && p.peekAt(2) == quote {
		p.pos += 3
		end := strings.Repeat(string(quote), 3)
		idx := strings.Index(p.input[p.pos:], end)
		if idx < 0 {
			return nil, fmt.Errorf("unclosed triple-quoted string")
		}
		raw = p.input[p.pos : p.pos+idx]
		p.pos += idx + 3
	} else {
		p.advance()
		start := p.pos
		for p.pos < p.length && p.input[p.pos] != quote {
			if p.input[p.pos] == '\\' {
				p.pos++
			}
			p.pos++
		}
		if p.pos >= p.length {
			return nil, fmt.Errorf("expected quote to end string literal")
		}
		raw = p.input[start:p.pos]
		p.advance()
	}

	value, err := rdf.Unescape(raw)
	if err != nil {
		return nil, err
	}

	if p.peek() == '@' {
		p.advance()
		lang := p.readWhile(func(ch byte) bool {
			return isNameChar(ch) || ch == '-'
		})
		if lang == "" {
			return nil, fmt.Errorf("expected language tag after '@'")
		}
		return rdf.NewLiteralWithLanguage(value, lang), nil
	}

	if p.match("^^") {
		var datatype string
		if p.peek() == '<' {
			datatype, err = p.parseIRI()
		} else {
			datatype, err = p.parsePrefixedName()
		}
		if err != nil {
			return nil, fmt.Errorf("invalid datatype: %w", err)
		}
		if datatype == rdf.XSDString.IRI {
			return rdf.NewLiteral(value), nil
		}
		return rdf.NewLiteralWithDatatype(value, rdf.NewNamedNode(datatype)), nil
	}

	return rdf.NewLiteral(value), nil
}

// parseBlankNode parses a blank node
func (p *Parser) parseBlankNode() (*rdf.BlankNode, error) {
	if p.peek() != '_' {
		return nil, fmt.Errorf("expected '_' to start blank node")
	}
	p.advance()

	if p.peek() != ':' {
		return nil, fmt.Errorf("expected ':' after '_' in blank node")
	}
	p.advance()

	id := p.readWhile(isNameChar)
	if id == "" {
		return nil, fmt.Errorf("empty blank node label")
	}

	return rdf.NewBlankNode(id), nil
}

// parseNumericLiteral parses an integer, decimal or double literal
func (p *Parser) parseNumericLiteral() (*rdf.Literal, error) {
	start := p.pos
	if ch := p.peek(); ch == '+' || ch == '-' {
		p.advance()
	}
	p.readWhile(isDigit)
	datatype := rdf.XSDInteger
	// a '.' not followed by a digit ends the triple
	if p.peek() == '.' && isDigit(p.peekAt(1)) {
		p.advance()
		p.readWhile(isDigit)
		datatype = rdf.XSDDecimal
	}
	if ch := p.peek(); ch == 'e' || ch == 'E' {
		p.advance()
		if ch := p.peek(); ch == '+' || ch == '-' {
			p.advance()
		}
		if p.readWhile(isDigit) == "" {
			return nil, fmt.Errorf("invalid double %q", p.input[start:p.pos])
		}
		datatype = rdf.XSDDouble
	}

	numStr := p.input[start:p.pos]
	if strings.Trim(numStr, "+-") == "" {
		p.pos = start
		return nil, fmt.Errorf("invalid numeric literal")
	}
	if datatype == rdf.XSDInteger {
		numStr = strings.TrimPrefix(numStr, "+")
	}
	return rdf.NewLiteralWithDatatype(numStr, datatype), nil
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// parseFilter parses a FILTER constraint
func (p *Parser) parseFilter() (*Filter, error) {
	p.skipWhitespace()

	// FILTER (expr) or FILTER funcCall(...) or FILTER [NOT] EXISTS {...}
	if p.peek() == '(' {
		p.advance()
		expr, err := p.parseExpression()
		if err != nil {
			return nil, fmt.Errorf("error parsing FILTER expression: %w", err)
		}
		p.skipWhitespace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("expected ')' after FILTER expression")
		}
		p.advance()
		return &Filter{Expression: expr}, nil
	}

	expr, err := p.parsePrimaryExpression()
	if err != nil {
		return nil, fmt.Errorf("error parsing FILTER expression: %w", err)
	}
	return &Filter{Expression: expr}, nil
}

// parseBind parses a BIND expression: BIND(<expression> AS ?variable)
func (p *Parser) parseBind() (*Bind, error) {
	p.skipWhitespace()

	if p.peek() != '(' {
		return nil, fmt.Errorf("expected '(' after BIND")
	}
	p.advance()

	expr, err := p.parseExpression()
	if err != nil {
		return nil, fmt.Errorf("error parsing BIND expression: %w", err)
	}

	if !p.matchKeyword("AS") {
		return nil, fmt.Errorf("expected AS keyword in BIND expression")
	}
	p.skipWhitespace()

	variable, err := p.parseVariable()
	if err != nil {
		return nil, fmt.Errorf("expected variable after AS in BIND: %w", err)
	}

	p.skipWhitespace()
	if p.peek() != ')' {
		return nil, fmt.Errorf("expected ')' to close BIND expression")
	}
	p.advance()

	return &Bind{Expression: expr, Variable: variable}, nil
}

// parseGroupBy parses GROUP BY keys
func (p *Parser) parseGroupBy() ([]*GroupCondition, error) {
	var conditions []*GroupCondition

	for {
		p.skipWhitespace()
		ch := p.peek()

		switch {
		case ch == '?' || ch == '$':
			variable, err := p.parseVariable()
			if err != nil {
				return nil, err
			}
			conditions = append(conditions, &GroupCondition{Variable: variable})
		case ch == '(':
			p.advance()
			expr, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			cond := &GroupCondition{Expression: expr}
			if p.matchKeyword("AS") {
				p.skipWhitespace()
				if cond.Variable, err = p.parseVariable(); err != nil {
					return nil, err
				}
			}
			p.skipWhitespace()
			if p.peek() != ')' {
				return nil, fmt.Errorf("expected ')' in GROUP BY")
			}
			p.advance()
			conditions = append(conditions, cond)
		default:
			if len(conditions) == 0 {
				return nil, fmt.Errorf("expected at least one GROUP BY condition")
			}
			return conditions, nil
		}
	}
}

// parseHaving parses HAVING constraints
func (p *Parser) parseHaving() ([]*Filter, error) {
	var filters []*Filter

	for {
		p.skipWhitespace()
		if p.peek() != '(' {
			break
		}
		filter, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}

	if len(filters) == 0 {
		return nil, fmt.Errorf("expected at least one condition in HAVING")
	}

	return filters, nil
}

// parseOrderBy parses ORDER BY conditions:
// ASC(expr), DESC(expr), ?var, (expr) or a built-in call
func (p *Parser) parseOrderBy() ([]*OrderCondition, error) {
	var conditions []*OrderCondition

	for {
		p.skipWhitespace()
		savedPos := p.pos

		ascending := true
		explicit := false
		if p.matchKeyword("DESC") {
			ascending = false
			explicit = true
		} else if p.matchKeyword("ASC") {
			explicit = true
		}
		p.skipWhitespace()

		var expr Expression
		var err error
		ch := p.peek()

		switch {
		case explicit:
			if ch != '(' {
				return nil, fmt.Errorf("expected '(' after ASC/DESC")
			}
			expr, err = p.parseBrackettedExpression()
		case ch == '?' || ch == '$':
			var variable *Variable
			variable, err = p.parseVariable()
			expr = &VariableExpression{Variable: variable}
		case ch == '(':
			expr, err = p.parseBrackettedExpression()
		case isNameStart(ch) || ch == '<':
			if p.lookingAtKeyword("LIMIT") || p.lookingAtKeyword("OFFSET") ||
				p.lookingAtKeyword("VALUES") || !p.lookingAtCall() {
				p.pos = savedPos
				return p.finishOrderBy(conditions)
			}
			expr, err = p.parseFunctionCall()
		default:
			p.pos = savedPos
			return p.finishOrderBy(conditions)
		}
		if err != nil {
			return nil, fmt.Errorf("ORDER BY: %w", err)
		}

		conditions = append(conditions, &OrderCondition{Expression: expr, Ascending: ascending})
	}
}

func (p *Parser) finishOrderBy(conditions []*OrderCondition) ([]*OrderCondition, error) {
	if len(conditions) == 0 {
		return nil, fmt.Errorf("expected at least one ORDER BY condition")
	}
	return conditions, nil
}

func (p *Parser) parseBrackettedExpression() (Expression, error) {
	if p.peek() != '(' {
		return nil, fmt.Errorf("expected '('")
	}
	p.advance()
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	p.skipWhitespace()
	if p.peek() != ')' {
		return nil, fmt.Errorf("expected ')' after expression")
	}
	p.advance()
	return expr, nil
}

// parseInteger parses a non-negative integer
func (p *Parser) parseInteger() (int, error) {
	p.skipWhitespace()

	numStr := p.readWhile(func(ch byte) bool {
		return ch >= '0' && ch <= '9'
	})

	if numStr == "" {
		return 0, fmt.Errorf("expected integer")
	}

	return strconv.Atoi(numStr)
}

// parseUpdate parses a ';'-separated sequence of INSERT DATA / DELETE DATA operations
func (p *Parser) parseUpdate() (*UpdateRequest, error) {
	update := &UpdateRequest{}

	for {
		var kind UpdateKind
		switch {
		case p.matchKeyword("INSERT"):
			kind = UpdateInsertData
		case p.matchKeyword("DELETE"):
			kind = UpdateDeleteData
		default:
			return nil, fmt.Errorf("expected INSERT DATA or DELETE DATA")
		}
		if !p.matchKeyword("DATA") {
			return nil, sparql.Unsupported("%s without DATA", strings.TrimSuffix(kind.String(), " DATA"))
		}

		quads, err := p.parseQuadData()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		update.Operations = append(update.Operations, &UpdateOperation{Kind: kind, Quads: quads})

		p.skipWhitespace()
		if p.peek() != ';' {
			return update, nil
		}
		p.advance()
		if err := p.parsePrologue(); err != nil {
			return nil, err
		}
		// a trailing ';' is allowed
		if p.pos >= p.length {
			return update, nil
		}
	}
}

// parseQuadData parses { triples GRAPH <g> { triples } ... }
func (p *Parser) parseQuadData() ([]*QuadData, error) {
	pattern, err := p.parseGraphPattern()
	if err != nil {
		return nil, err
	}

	var quads []*QuadData
	var collect func(g *GraphPattern, graph string) error
	collect = func(g *GraphPattern, graph string) error {
		if len(g.Filters) > 0 || len(g.Binds) > 0 {
			return fmt.Errorf("only ground triples are allowed in DATA blocks")
		}
		for _, el := range g.Elements {
			switch {
			case el.Triple != nil:
				t := el.Triple
				if t.Subject.IsVariable() || t.Predicate.IsVariable() || t.Object.IsVariable() {
					return fmt.Errorf("variables are not allowed in DATA blocks")
				}
				quads = append(quads, &QuadData{
					Subject:   t.Subject.Term,
					Predicate: t.Predicate.Term,
					Object:    t.Object.Term,
					Graph:     graph,
				})
			case el.Group != nil && el.Group.Type == GraphPatternTypeGraph && graph == "":
				if el.Group.Graph.IRI == nil {
					return fmt.Errorf("variables are not allowed in DATA blocks")
				}
				if err := collect(el.Group, el.Group.Graph.IRI.IRI); err != nil {
					return err
				}
			default:
				return fmt.Errorf("only ground triples are allowed in DATA blocks")
			}
		}
		return nil
	}

	if err := collect(pattern, ""); err != nil {
		return nil, err
	}
	return quads, nil
}

// Helper methods

func (p *Parser) peek() byte {
	return p.peekAt(0)
}

func (p *Parser) peekAt(offset int) byte {
	if p.pos+offset >= p.length {
		return 0
	}
	return p.input[p.pos+offset]
}

func (p *Parser) advance() {
	if p.pos < p.length {
		p.pos++
	}
}

func (p *Parser) excerpt() string {
	end := p.pos + 20
	if end > p.length {
		end = p.length
	}
	return p.input[p.pos:end]
}

func (p *Parser) skipWhitespace() {
	for p.pos < p.length {
		ch := p.input[p.pos]

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			p.pos++
			continue
		}

		// Skip comments (from # to end of line)
		if ch == '#' {
			for p.pos < p.length && p.input[p.pos] != '\n' && p.input[p.pos] != '\r' {
				p.pos++
			}
			continue
		}

		break
	}
}

func (p *Parser) readWhile(predicate func(byte) bool) string {
	start := p.pos
	for p.pos < p.length && predicate(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos]
}

// keywordPatterns is filled once at init and only read afterwards
var keywordPatterns = map[string]*regexp.Regexp{}

func keywordPattern(keyword string) *regexp.Regexp {
	if re, ok := keywordPatterns[keyword]; ok {
		return re
	}
	return compileKeyword(keyword)
}

func compileKeyword(keyword string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(keyword) + `\b`)
}

func init() {
	for _, kw := range []string{
		"PREFIX", "BASE", "SELECT", "CONSTRUCT", "ASK", "DESCRIBE", "INSERT", "DELETE",
		"DATA", "LOAD", "CLEAR", "DROP", "CREATE", "ADD", "MOVE", "COPY", "WITH",
		"DISTINCT", "REDUCED", "WHERE", "GROUP", "BY", "HAVING", "ORDER", "LIMIT",
		"OFFSET", "VALUES", "GRAPH", "FILTER", "BIND", "OPTIONAL", "MINUS", "SERVICE",
		"UNION", "UNDEF", "AS", "ASC", "DESC", "NOT", "IN", "EXISTS", "TRUE", "FALSE",
		"true", "false",
	} {
		keywordPatterns[kw] = compileKeyword(kw)
	}
}

// lookingAtKeyword reports whether the input continues with keyword, without consuming it
func (p *Parser) lookingAtKeyword(keyword string) bool {
	p.skipWhitespace()
	return keywordPattern(keyword).MatchString(p.input[p.pos:])
}

func (p *Parser) matchKeyword(keyword string) bool {
	if p.lookingAtKeyword(keyword) {
		p.pos += len(keyword)
		return true
	}
	return false
}

// lookingAtCall reports whether the input continues with name( or <iri>(
func (p *Parser) lookingAtCall() bool {
	savedPos := p.pos
	defer func() { p.pos = savedPos }()

	if p.peek() == '<' {
		if _, err := p.parseIRI(); err != nil {
			return false
		}
	} else {
		p.readWhile(func(c byte) bool { return isNameChar(c) || c == ':' || c == '-' })
	}
	p.skipWhitespace()
	return p.peek() == '('
}

// skipPrefix parses and stores a PREFIX declaration (prefix: <iri>)
func (p *Parser) skipPrefix() error {
	p.skipWhitespace()

	// Read prefix name (can be empty for default prefix)
	prefixStart := p.pos
	for p.pos < p.length && p.input[p.pos] != ':' {
		p.advance()
	}
	prefix := strings.TrimSpace(p.input[prefixStart:p.pos])

	if p.pos >= p.length {
		return fmt.Errorf("expected ':' in PREFIX declaration")
	}
	p.advance() // skip ':'

	p.skipWhitespace()
	iri, err := p.parseIRI()
	if err != nil {
		return fmt.Errorf("PREFIX %s: %w", prefix, err)
	}

	p.prefixes[prefix] = iri
	return nil
}

// skipBase parses and stores a BASE declaration (<iri>)
func (p *Parser) skipBase() error {
	p.skipWhitespace()

	if p.peek() != '<' {
		return fmt.Errorf("expected '<' to start IRI in BASE declaration")
	}
	p.advance()

	iriStart := p.pos
	for p.pos < p.length && p.input[p.pos] != '>' {
		p.advance()
	}
	iri := p.input[iriStart:p.pos]

	if p.pos >= p.length {
		return fmt.Errorf("expected '>' to end IRI in BASE declaration")
	}
	p.advance()

	p.baseURI = iri
	return nil
}

// skipSelectExpression skips a SELECT expression: (expression AS ?variable)
func (p *Parser) skipSelectExpression() error {
	p.skipWhitespace()

	if p.peek() != '(' {
		return fmt.Errorf("expected '(' to start SELECT expression")
	}
	p.advance()

	depth := 1
	for p.pos < p.length && depth > 0 {
		switch p.peek() {
		case '(':
			depth++
		case ')':
			depth--
		}
		p.advance()
	}
	if depth > 0 {
		return fmt.Errorf("unclosed SELECT expression")
	}
	return nil
}

// parsePrefixedName parses a prefixed name (like :foo or prefix:foo) and expands it to a full IRI
func (p *Parser) parsePrefixedName() (string, error) {
	prefix := p.readWhile(func(ch byte) bool {
		return isNameChar(ch) || ch == '-' || ch == '.'
	})

	if p.peek() != ':' {
		if prefix == "" {
			return "", fmt.Errorf("unexpected character: %c", p.peek())
		}
		return "", fmt.Errorf("expected ':' in prefixed name %q", prefix)
	}
	p.advance()

	local := p.readWhile(func(ch byte) bool {
		return isNameChar(ch) || ch == '-' || ch == '.' || ch == ':' || ch == '%'
	})
	// a trailing '.' ends the triple
	for strings.HasSuffix(local, ".") {
		local = local[:len(local)-1]
		p.pos--
	}

	baseIRI, ok := p.prefixes[prefix]
	if !ok {
		return "", fmt.Errorf("undefined prefix: '%s'", prefix)
	}

	return baseIRI + local, nil
}

func isNameStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= 0x80
}

func isNameChar(ch byte) bool {
	return isNameStart(ch) || (ch >= '0' && ch <= '9') || ch == '_'
}

// Expression parsing with operator precedence
// Grammar:
// Expression → LogicalOrExpression
// LogicalOrExpression → LogicalAndExpression ( '||' LogicalAndExpression )*
// LogicalAndExpression → ComparisonExpression ( '&&' ComparisonExpression )*
// ComparisonExpression → AdditiveExpression ( ('=' | '!=' | '<' | '<=' | '>' | '>=') AdditiveExpression | [NOT] IN list )?
// AdditiveExpression → MultiplicativeExpression ( ('+' | '-') MultiplicativeExpression )*
// MultiplicativeExpression → UnaryExpression ( ('*' | '/') UnaryExpression )*
// UnaryExpression → ('!' | '-' | '+')? PrimaryExpression
// PrimaryExpression → Variable | Literal | FunctionCall | '(' Expression ')'

// parseExpression parses a SPARQL expression (entry point)
func (p *Parser) parseExpression() (Expression, error) {
	return p.parseLogicalOrExpression()
}

// parseLogicalOrExpression parses logical OR (lowest precedence)
func (p *Parser) parseLogicalOrExpression() (Expression, error) {
	left, err := p.parseLogicalAndExpression()
	if err != nil {
		return nil, err
	}

	for {
		p.skipWhitespace()
		if !p.match("||") {
			return left, nil
		}
		right, err := p.parseLogicalAndExpression()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpression{Left: left, Operator: OpOr, Right: right}
	}
}

// parseLogicalAndExpression parses logical AND
func (p *Parser) parseLogicalAndExpression() (Expression, error) {
	left, err := p.parseComparisonExpression()
	if err != nil {
		return nil, err
	}

	for {
		p.skipWhitespace()
		if !p.match("&&") {
			return left, nil
		}
		right, err := p.parseComparisonExpression()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpression{Left: left, Operator: OpAnd, Right: right}
	}
}

// parseComparisonExpression parses comparison operators and IN/NOT IN
func (p *Parser) parseComparisonExpression() (Expression, error) {
	left, err := p.parseAdditiveExpression()
	if err != nil {
		return nil, err
	}

	p.skipWhitespace()

	savedPos := p.pos
	notIn := false
	switch {
	case p.matchKeyword("NOT"):
		if !p.matchKeyword("IN") {
			p.pos = savedPos
			return left, nil
		}
		notIn = true
	case p.matchKeyword("IN"):
	default:
		var op Operator
		switch {
		case p.match("<="):
			op = OpLessThanOrEqual
		case p.match(">="):
			op = OpGreaterThanOrEqual
		case p.match("!="):
			op = OpNotEqual
		case p.match("="):
			op = OpEqual
		case p.match("<"):
			op = OpLessThan
		case p.match(">"):
			op = OpGreaterThan
		default:
			return left, nil
		}

		right, err := p.parseAdditiveExpression()
		if err != nil {
			return nil, err
		}
		return &BinaryExpression{Left: left, Operator: op, Right: right}, nil
	}

	p.skipWhitespace()
	if p.peek() != '(' {
		return nil, fmt.Errorf("expected '(' after IN/NOT IN")
	}
	p.advance()

	var values []Expression
	p.skipWhitespace()
	if p.peek() != ')' {
		for {
			expr, err := p.parseAdditiveExpression()
			if err != nil {
				return nil, fmt.Errorf("failed to parse IN value: %w", err)
			}
			values = append(values, expr)

			p.skipWhitespace()
			if p.peek() != ',' {
				break
			}
			p.advance()
		}
	}

	if p.peek() != ')' {
		return nil, fmt.Errorf("expected ')' after IN value list")
	}
	p.advance()

	return &InExpression{Not: notIn, Expression: left, Values: values}, nil
}

// parseAdditiveExpression parses addition and subtraction
func (p *Parser) parseAdditiveExpression() (Expression, error) {
	left, err := p.parseMultiplicativeExpression()
	if err != nil {
		return nil, err
	}

	for {
		p.skipWhitespace()
		var op Operator
		if p.match("+") {
			op = OpAdd
		} else if p.match("-") {
			op = OpSubtract
		} else {
			return left, nil
		}

		right, err := p.parseMultiplicativeExpression()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpression{Left: left, Operator: op, Right: right}
	}
}

// parseMultiplicativeExpression parses multiplication and division
func (p *Parser) parseMultiplicativeExpression() (Expression, error) {
	left, err := p.parseUnaryExpression()
	if err != nil {
		return nil, err
	}

	for {
		p.skipWhitespace()
		var op Operator
		if p.match("*") {
			op = OpMultiply
		} else if p.match("/") {
			op = OpDivide
		} else {
			return left, nil
		}

		right, err := p.parseUnaryExpression()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpression{Left: left, Operator: op, Right: right}
	}
}

// parseUnaryExpression parses unary operators
func (p *Parser) parseUnaryExpression() (Expression, error) {
	p.skipWhitespace()

	if p.peek() == '!' && p.peekAt(1) != '=' {
		p.advance()
		operand, err := p.parseUnaryExpression()
		if err != nil {
			return nil, err
		}
		return &UnaryExpression{Operator: OpNot, Operand: operand}, nil
	}

	if p.match("+") {
		return p.parseUnaryExpression()
	}

	if p.match("-") {
		operand, err := p.parseUnaryExpression()
		if err != nil {
			return nil, err
		}
		// Represent as 0 - operand
		return &BinaryExpression{
			Left:     &LiteralExpression{Literal: rdf.NewIntegerLiteral(0)},
			Operator: OpSubtract,
			Right:    operand,
		}, nil
	}

	return p.parsePrimaryExpression()
}

// parsePrimaryExpression parses primary expressions (variables, literals, functions, parentheses)
func (p *Parser) parsePrimaryExpression() (Expression, error) {
	p.skipWhitespace()

	if p.matchKeyword("TRUE") {
		return &LiteralExpression{Literal: rdf.NewBooleanLiteral(true)}, nil
	}
	if p.matchKeyword("FALSE") {
		return &LiteralExpression{Literal: rdf.NewBooleanLiteral(false)}, nil
	}

	savedPos := p.pos
	if p.matchKeyword("NOT") {
		if p.matchKeyword("EXISTS") {
			pattern, err := p.parseGraphPattern()
			if err != nil {
				return nil, fmt.Errorf("failed to parse graph pattern in NOT EXISTS: %w", err)
			}
			return &ExistsExpression{Not: true, Pattern: *pattern}, nil
		}
		p.pos = savedPos
	} else if p.matchKeyword("EXISTS") {
		pattern, err := p.parseGraphPattern()
		if err != nil {
			return nil, fmt.Errorf("failed to parse graph pattern in EXISTS: %w", err)
		}
		return &ExistsExpression{Pattern: *pattern}, nil
	}

	ch := p.peek()

	if ch == '(' {
		return p.parseBrackettedExpression()
	}

	if ch == '?' || ch == '$' {
		variable, err := p.parseVariable()
		if err != nil {
			return nil, err
		}
		return &VariableExpression{Variable: variable}, nil
	}

	if (isNameStart(ch) || ch == '<') && p.lookingAtCall() {
		return p.parseFunctionCall()
	}

	termOrVar, err := p.parseTermOrVariable()
	if err != nil {
		return nil, fmt.Errorf("expected expression: %w", err)
	}
	return &LiteralExpression{Literal: termOrVar.Term}, nil
}

// parseFunctionCall parses a built-in call or an IRI function call (casts)
func (p *Parser) parseFunctionCall() (Expression, error) {
	p.skipWhitespace()

	var funcName string
	if p.peek() == '<' {
		iri, err := p.parseIRI()
		if err != nil {
			return nil, err
		}
		funcName = iri
	} else {
		name := p.readWhile(func(c byte) bool {
			return isNameChar(c) || c == ':' || c == '-'
		})
		if name == "" {
			return nil, fmt.Errorf("expected function name")
		}
		if prefix, local, ok := strings.Cut(name, ":"); ok {
			// xsd:integer is also accepted without a PREFIX declaration
			if ns, found := p.prefixes[prefix]; found {
				funcName = ns + local
			} else if prefix == "xsd" {
				funcName = "http://www.w3.org/2001/XMLSchema#" + local
			} else {
				funcName = name
			}
		} else {
			funcName = strings.ToUpper(name)
		}
	}

	p.skipWhitespace()
	if p.peek() != '(' {
		return nil, fmt.Errorf("expected '(' after function name")
	}
	p.advance()

	call := &FunctionCallExpression{Function: funcName}

	p.skipWhitespace()
	if p.peek() == ')' {
		p.advance()
		return call, nil
	}

	if p.matchKeyword("DISTINCT") {
		return nil, sparql.Unsupported("aggregate %s", funcName)
	}

	for {
		p.skipWhitespace()
		if funcName == "COUNT" && p.peek() == '*' {
			p.advance()
			call.Arguments = append(call.Arguments, &VariableExpression{Variable: &Variable{Name: "*"}})
		} else {
			arg, err := p.parseExpression()
			if err != nil {
				return nil, fmt.Errorf("error parsing function argument: %w", err)
			}
			call.Arguments = append(call.Arguments, arg)
		}

		p.skipWhitespace()
		if p.peek() != ',' {
			break
		}
		p.advance()
	}

	p.skipWhitespace()
	if p.peek() != ')' {
		return nil, fmt.Errorf("expected ')' after function arguments")
	}
	p.advance()

	return call, nil
}

// match checks if the next characters match the given string and advances if they do
func (p *Parser) match(s string) bool {
	if !strings.HasPrefix(p.input[p.pos:], s) {
		return false
	}
	p.pos += len(s)
	return true
}

// resolveIRI resolves a potentially relative IRI against the BASE URI
func (p *Parser) resolveIRI(iri string) string {
	if p.baseURI == "" || isAbsoluteIRI(iri) {
		return iri
	}
	// Simplified resolution: full RFC 3986 resolution is not needed for queries
	return p.baseURI + iri
}

// isAbsoluteIRI checks if an IRI is absolute (has a scheme)
func isAbsoluteIRI(iri string) bool {
	colonIdx := strings.Index(iri, ":")
	if colonIdx <= 0 {
		return false
	}
	for i := 0; i < colonIdx; i++ {
		c := iri[i]
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9' && i > 0) || c == '+' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}
