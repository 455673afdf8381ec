package rdf

import (
	"strings"
	"testing"
)

// ===== Term Tests =====

func TestNamedNode_Equals(t *testing.T) {
	node1 := NewNamedNode("http://example.org/resource")
	node2 := NewNamedNode("http://example.org/resource")
	node3 := NewNamedNode("http://example.org/different")

	if !node1.Equals(node2) {
		t.Error("Expected equal NamedNodes to be equal")
	}
	if node1.Equals(node3) {
		t.Error("Expected different NamedNodes to not be equal")
	}
	if node1.Equals(NewLiteral("test")) {
		t.Error("NamedNode should not equal Literal")
	}
	if node1.String() != "<http://example.org/resource>" {
		t.Errorf("unexpected String(): %s", node1.String())
	}
}

func TestBlankNode_String(t *testing.T) {
	node := NewBlankNode("b1")
	if node.Type() != TermTypeBlankNode {
		t.Errorf("Expected TermTypeBlankNode, got %v", node.Type())
	}
	if node.String() != "_:b1" {
		t.Errorf("Expected _:b1, got %s", node.String())
	}
}

func TestLiteral_String(t *testing.T) {
	tests := []struct {
		literal  *Literal
		expected string
	}{
		{NewLiteral("hello"), `"hello"`},
		{NewLiteralWithLanguage("chat", "fr"), `"chat"@fr`},
		{NewIntegerLiteral(42), `"42"^^<http://www.w3.org/2001/XMLSchema#integer>`},
		{NewLiteralWithDatatype("x", XSDString), `"x"`},
		{NewLiteral("say \"hi\"\n"), `"say \"hi\"\n"`},
	}
	for _, tt := range tests {
		if got := tt.literal.String(); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}

func TestLiteral_Equals(t *testing.T) {
	if !NewLiteral("x").Equals(NewLiteralWithDatatype("x", XSDString)) {
		t.Error("simple literal should equal its xsd:string form")
	}
	if NewLiteral("x").Equals(NewLiteralWithLanguage("x", "en")) {
		t.Error("language-tagged literal should differ from simple literal")
	}
	if NewIntegerLiteral(1).Equals(NewDoubleLiteral(1)) {
		t.Error("literals with different datatypes should differ")
	}
}

// ===== Lexical Form Tests =====

func TestParseTerm(t *testing.T) {
	tests := []struct {
		input string
		want  Term
	}{
		{"http://example.org/a", NewNamedNode("http://example.org/a")},
		{"<http://example.org/a>", NewNamedNode("http://example.org/a")},
		{"_:b0", NewBlankNode("b0")},
		{`"232"`, NewLiteral("232")},
		{`"chat"@fr`, NewLiteralWithLanguage("chat", "fr")},
		{`"1"^^<http://www.w3.org/2001/XMLSchema#integer>`, NewIntegerLiteral(1)},
		{`"x"^^<http://www.w3.org/2001/XMLSchema#string>`, NewLiteral("x")},
		{`"tab\there"`, NewLiteral("tab\there")},
		{`"ét\U0001F600"`, NewLiteral("ét😀")},
	}
	for _, tt := range tests {
		got, err := ParseTerm(tt.input)
		if err != nil {
			t.Errorf("ParseTerm(%s) failed: %v", tt.input, err)
			continue
		}
		if !got.Equals(tt.want) {
			t.Errorf("ParseTerm(%s) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestParseTerm_Errors(t *testing.T) {
	for _, input := range []string{"", `"unterminated`, `"x"junk`, `"bad \q escape"`, `"\u12"`} {
		if _, err := ParseTerm(input); err == nil {
			t.Errorf("ParseTerm(%s) should fail", input)
		}
	}
}

func TestLexicalRoundTrip(t *testing.T) {
	terms := []Term{
		NewNamedNode("http://example.org/a"),
		NewBlankNode("x"),
		NewLiteral("line\nbreak"),
		NewLiteralWithLanguage("hello", "en-GB"),
		NewDoubleLiteral(2.5),
	}
	for _, term := range terms {
		lexical := Lexical(term)
		parsed, err := ParseTerm(lexical)
		if err != nil {
			t.Fatalf("ParseTerm(%s) failed: %v", lexical, err)
		}
		if !parsed.Equals(term) {
			t.Errorf("round trip of %s gave %s", term, parsed)
		}
	}
	if Lexical(NewNamedNode("http://example.org/a")) != "http://example.org/a" {
		t.Error("IRIs are bare in lexical form")
	}
}

func TestNumericValue(t *testing.T) {
	if v, ok := NumericValue(NewIntegerLiteral(7)); !ok || v != 7 {
		t.Errorf("NumericValue(7) = %v, %v", v, ok)
	}
	if v, ok := NumericValue(NewLiteralWithDatatype("1.5", XSDDecimal)); !ok || v != 1.5 {
		t.Errorf("NumericValue(1.5) = %v, %v", v, ok)
	}
	if _, ok := NumericValue(NewLiteral("7")); ok {
		t.Error("plain literals are not numeric")
	}
	if _, ok := NumericValue(NewLiteralWithDatatype("x", XSDInteger)); ok {
		t.Error("invalid integer lexical form should not be numeric")
	}
}

// ===== N-Quads Reader Tests =====

func TestNQuadsReader(t *testing.T) {
	input := `# comment
<http://example.org/s> <http://example.org/p> "o" .
<http://example.org/s> <http://example.org/p> "o"@en <http://example.org/g> .

_:b0 <http://example.org/p> "1"^^<http://www.w3.org/2001/XMLSchema#integer>.
<http://example.org/s> <http://example.org/p> _:b1 .
`
	quads, err := NewNQuadsReader(strings.NewReader(input)).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(quads) != 4 {
		t.Fatalf("expected 4 quads, got %d", len(quads))
	}
	if quads[0].Graph != nil {
		t.Error("triple should have no graph")
	}
	if quads[1].Graph == nil || quads[1].Graph.IRI != "http://example.org/g" {
		t.Errorf("expected graph <http://example.org/g>, got %v", quads[1].Graph)
	}
	if !quads[1].Object.Equals(NewLiteralWithLanguage("o", "en")) {
		t.Errorf("unexpected object %s", quads[1].Object)
	}
	if !quads[2].Object.Equals(NewIntegerLiteral(1)) {
		t.Errorf("unexpected object %s", quads[2].Object)
	}
	if !quads[3].Object.Equals(NewBlankNode("b1")) {
		t.Errorf("unexpected object %s", quads[3].Object)
	}
}

func TestNQuadsReader_Errors(t *testing.T) {
	inputs := []string{
		`<http://example.org/s> <http://example.org/p> "o"`,
		`"lit" <http://example.org/p> "o" .`,
		`<http://example.org/s> _:p "o" .`,
		`<http://example.org/s> <http://example.org/p> .`,
		`<http://example.org/s> <http://example.org/p> "o" "g" .`,
		`<http://example.org/s> <http://example.org/p> "o" . trailing`,
	}
	for _, input := range inputs {
		reader := NewNQuadsReader(strings.NewReader(input))
		if reader.Next() {
			t.Errorf("expected error for %s", input)
		}
		if reader.Err() == nil {
			t.Errorf("expected error for %s", input)
		}
	}
}

func TestNewReader_ContentTypes(t *testing.T) {
	for _, ct := range GetSupportedContentTypes() {
		if _, err := NewReader(ct+"; charset=utf-8", strings.NewReader("")); err != nil {
			t.Errorf("NewReader(%s) failed: %v", ct, err)
		}
	}
	if _, err := NewReader("text/turtle", strings.NewReader("")); err == nil {
		t.Error("expected error for unsupported content type")
	}
}
