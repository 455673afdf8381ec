package store

import (
	"context"
	"errors"
	"testing"
)

func TestPatternBind(t *testing.T) {
	p := Pattern{Subject: "?s", Predicate: "http://example.org/p", Object: "?o", Graph: "http://example.org/g"}
	bound := p.Bind(Mapping{"?s": "http://example.org/a", "?x": "ignored"})

	if bound.Subject != "http://example.org/a" || bound.Object != "?o" || bound.Graph != p.Graph {
		t.Errorf("unexpected bound pattern %+v", bound)
	}
	if p.Subject != "?s" {
		t.Error("Bind must not mutate the original pattern")
	}
}

func TestPatternMap(t *testing.T) {
	p := Pattern{Subject: "?x", Predicate: "http://example.org/p", Object: "?x"}
	if got := p.Variables(); len(got) != 1 || got[0] != "?x" {
		t.Errorf("Variables() = %v", got)
	}
	if !p.Repeats() {
		t.Error("?x occurs twice")
	}
	if (Pattern{Subject: "?s", Predicate: "?p", Object: "?o"}).Repeats() {
		t.Error("distinct variables do not repeat")
	}

	mu, ok := p.Map(Triple{Subject: "a", Predicate: "http://example.org/p", Object: "a"})
	if !ok || mu["?x"] != "a" {
		t.Errorf("expected ?x = a, got %v %v", mu, ok)
	}
	if _, ok := p.Map(Triple{Subject: "a", Predicate: "http://example.org/p", Object: "b"}); ok {
		t.Error("repeated variable must bind the same value")
	}
	if _, ok := p.Map(Triple{Subject: "a", Predicate: "http://example.org/q", Object: "a"}); ok {
		t.Error("bound predicate must match")
	}
}

func TestPatternString(t *testing.T) {
	p := Pattern{Subject: "?s", Predicate: "http://example.org/p", Object: `"v"@en`}
	if got := p.String(); got != `?s <http://example.org/p> "v"@en` {
		t.Errorf("String() = %s", got)
	}
}

func TestTripleVisibleAt(t *testing.T) {
	alive := Triple{InsertT: 10}
	deleted := Triple{InsertT: 10, DeleteT: 20}

	tests := []struct {
		triple Triple
		asOf   int64
		want   bool
	}{
		{alive, 0, true},
		{alive, 5, false},
		{alive, 10, true},
		{deleted, 0, false},
		{deleted, 15, true},
		{deleted, 20, false},
	}
	for _, tt := range tests {
		if got := tt.triple.VisibleAt(tt.asOf); got != tt.want {
			t.Errorf("%+v.VisibleAt(%d) = %v, want %v", tt.triple, tt.asOf, got, tt.want)
		}
	}
}

func TestMapping(t *testing.T) {
	a := Mapping{"?s": "x", "?p": "y"}
	b := Mapping{"?s": "x", "?o": "z"}
	c := Mapping{"?s": "w"}

	if !a.Compatible(b) || a.Compatible(c) {
		t.Error("unexpected compatibility result")
	}
	merged := a.Merge(b)
	if len(merged) != 3 || merged["?o"] != "z" {
		t.Errorf("Merge() = %v", merged)
	}
	if len(a) != 2 {
		t.Error("Merge must not mutate its receiver")
	}
	if got := merged.Project([]string{"?o", "?missing"}); len(got) != 1 || got["?o"] != "z" {
		t.Errorf("Project() = %v", got)
	}
	if merged.Project(nil)["?p"] != "y" {
		t.Error("nil projection keeps every variable")
	}
	if got := merged.Key(); got != "?o=z ?p=y ?s=x" {
		t.Errorf("Key() = %s", got)
	}
	clone := a.Clone()
	clone["?s"] = "changed"
	if a["?s"] != "x" {
		t.Error("Clone must copy")
	}
}

type fakeGraph struct {
	uri    string
	closed bool
}

func (g *fakeGraph) URI() string { return g.uri }
func (g *fakeGraph) Search(context.Context, Pattern, string, int64) (Cursor, int64, error) {
	return nil, 0, nil
}
func (g *fakeGraph) Open(context.Context, Pattern, string, int64) (Cursor, error) {
	return nil, nil
}
func (g *fakeGraph) Insert(context.Context, []Triple) error         { return nil }
func (g *fakeGraph) Delete(context.Context, []Triple) error         { return nil }
func (g *fakeGraph) Apply(context.Context, []Triple, []Triple) error { return nil }
func (g *fakeGraph) Count(context.Context) (int64, error)           { return 0, nil }
func (g *fakeGraph) Close() error {
	g.closed = true
	return nil
}

func TestDataset(t *testing.T) {
	ds := NewDataset()
	a := &fakeGraph{uri: "http://example.org/a"}
	b := &fakeGraph{uri: "http://example.org/b"}
	ds.Add(a)
	ds.Add(b)

	if ds.DefaultGraph() != a.uri {
		t.Errorf("first graph should be the default, got %s", ds.DefaultGraph())
	}
	if err := ds.SetDefault(b.uri); err != nil {
		t.Fatalf("SetDefault failed: %v", err)
	}
	if err := ds.SetDefault("http://example.org/c"); !errors.Is(err, ErrUnknownGraph) {
		t.Errorf("expected ErrUnknownGraph, got %v", err)
	}
	if _, err := ds.Graph("http://example.org/c"); !errors.Is(err, ErrUnknownGraph) {
		t.Errorf("expected ErrUnknownGraph, got %v", err)
	}
	if g, err := ds.Graph(a.uri); err != nil || g != a {
		t.Errorf("Graph(a) = %v, %v", g, err)
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("Close must close every graph")
	}
}
