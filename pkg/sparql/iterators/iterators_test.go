package iterators

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksaelezovic/sage/internal/storage"
	triplestore "github.com/aleksaelezovic/sage/internal/store"
	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/parser"
	"github.com/aleksaelezovic/sage/pkg/sparql/plan"
	"github.com/aleksaelezovic/sage/pkg/sparql/topk"
	"github.com/aleksaelezovic/sage/pkg/store"
)

const (
	graphURI = "http://example.org/graph"
	ex       = "http://example.org/"
	xsdInt   = "<http://www.w3.org/2001/XMLSchema#integer>"
)

func person(i int) string {
	return fmt.Sprintf("%sperson/%d", ex, i)
}

func integer(i int) string {
	return fmt.Sprintf(`"%d"^^%s`, i, xsdInt)
}

// newDataset builds a graph of n people: each knows the next one, has an
// age i%10 and a name.
func newDataset(t *testing.T, n int) *store.Dataset {
	t.Helper()
	st, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	graph := triplestore.NewTripleStore(st, graphURI)

	var triples []store.Triple
	for i := 0; i < n; i++ {
		triples = append(triples,
			store.Triple{Subject: person(i), Predicate: ex + "knows", Object: person((i + 1) % n)},
			store.Triple{Subject: person(i), Predicate: ex + "age", Object: integer(i % 10)},
			store.Triple{Subject: person(i), Predicate: ex + "name", Object: fmt.Sprintf(`"name %03d"`, i)},
		)
	}
	require.NoError(t, graph.Insert(context.Background(), triples))

	ds := store.NewDataset()
	ds.Add(graph)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func scan(t *testing.T, ds *store.Dataset, s, p, o string) *Scan {
	t.Helper()
	graph, err := ds.Graph(graphURI)
	require.NoError(t, err)
	return NewScan(graph, store.Pattern{Subject: s, Predicate: p, Object: o, Graph: graphURI}, 0)
}

func expr(t *testing.T, text string) parser.Expression {
	t.Helper()
	e, err := parser.ParseExpression(text)
	require.NoError(t, err)
	return e
}

func order(t *testing.T, text string) *topk.Order {
	t.Helper()
	o, err := topk.ParseOrder(text)
	require.NoError(t, err)
	return o
}

// drive runs a pipeline in quanta of the given number of store reads,
// saving, encoding and reloading it after every interruption.
func drive(t *testing.T, ds *store.Dataset, it Iterator, steps int, opts LoadOptions) ([]store.Mapping, int) {
	t.Helper()
	var results []store.Mapping
	for quanta := 1; ; quanta++ {
		require.Less(t, quanta, 100000, "no progress")

		ec := NewExecutionContext(context.Background(), NewStepBudget(steps))
		ec.MaxTopK = opts.MaxTopK

		done := false
		for {
			mu, err := it.Next(ec)
			if sparql.IsSignal(err) {
				break
			}
			require.NoError(t, err)
			if mu == nil {
				done = true
				break
			}
			results = append(results, mu)
		}
		if done {
			require.NoError(t, it.Close())
			return results, quanta
		}

		for {
			mu, err := it.Pop(ec)
			require.NoError(t, err)
			if mu == nil {
				break
			}
			results = append(results, mu)
		}

		saved := it.Save()
		require.NoError(t, it.Close())
		data, err := plan.Encode(saved)
		require.NoError(t, err)
		decoded, err := plan.Decode(data)
		require.NoError(t, err)

		again, err := plan.Encode(decoded)
		require.NoError(t, err)
		require.Equal(t, data, again)

		it, err = Load(decoded, ds, opts)
		require.NoError(t, err)
	}
}

func keys(mappings []store.Mapping) []string {
	out := make([]string, len(mappings))
	for i, mu := range mappings {
		out[i] = mu.Key()
	}
	sort.Strings(out)
	return out
}

func TestScan(t *testing.T) {
	ds := newDataset(t, 20)
	s := scan(t, ds, "?s", ex+"age", "?age")

	card, err := s.Cardinality(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), card)

	results, _ := drive(t, ds, s, 1000, LoadOptions{})
	assert.Len(t, results, 20)
	assert.Contains(t, results, store.Mapping{"?s": person(3), "?age": integer(3)})
}

func TestScanRepeatedVariable(t *testing.T) {
	ds := newDataset(t, 5)
	graph, err := ds.Graph(graphURI)
	require.NoError(t, err)
	require.NoError(t, graph.Insert(context.Background(), []store.Triple{
		{Subject: person(1), Predicate: ex + "knows", Object: person(1)},
	}))

	results, _ := drive(t, ds, scan(t, ds, "?x", ex+"knows", "?x"), 1000, LoadOptions{})
	assert.Equal(t, []store.Mapping{{"?x": person(1)}}, results)

	// every skipped entry is a step, so small quanta suspend between them
	results, quanta := drive(t, ds, scan(t, ds, "?x", ex+"knows", "?x"), 2, LoadOptions{})
	assert.Equal(t, []store.Mapping{{"?x": person(1)}}, results)
	assert.GreaterOrEqual(t, quanta, 3)
}

// countingGraph counts the cardinality estimates requested from a graph
type countingGraph struct {
	store.Graph
	searches int
}

func (g *countingGraph) Search(ctx context.Context, p store.Pattern, lastRead string, asOf int64) (store.Cursor, int64, error) {
	g.searches++
	return g.Graph.Search(ctx, p, lastRead, asOf)
}

func exhaust(t *testing.T, it Iterator, ec *ExecutionContext) []store.Mapping {
	t.Helper()
	var results []store.Mapping
	for {
		mu, err := it.Next(ec)
		require.NoError(t, err)
		if mu == nil {
			return results
		}
		results = append(results, mu)
	}
}

func TestScanCardinalityOfVisibleTriples(t *testing.T) {
	ctx := context.Background()
	st, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	graph := triplestore.NewTripleStore(st, graphURI, triplestore.WithMVCC(true))
	t.Cleanup(func() { graph.Close() })

	var triples []store.Triple
	for i := 0; i < 10; i++ {
		triples = append(triples, store.Triple{Subject: person(i), Predicate: ex + "age", Object: integer(i)})
	}
	require.NoError(t, graph.Insert(ctx, triples))
	require.NoError(t, graph.Delete(ctx, triples[:4]))

	s := NewScan(graph, store.Pattern{Subject: "?s", Predicate: ex + "age", Object: "?a", Graph: graphURI}, 0)
	defer s.Close()
	card, err := s.Cardinality(ctx)
	require.NoError(t, err)

	results := exhaust(t, s, NewExecutionContext(ctx, nil))
	assert.Len(t, results, 6)
	assert.Equal(t, int64(len(results)), card)
}

func TestScanResumeKeepsEstimate(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, 20)
	inner, err := ds.Graph(graphURI)
	require.NoError(t, err)
	graph := &countingGraph{Graph: inner}

	s := NewScan(graph, store.Pattern{Subject: "?s", Predicate: ex + "age", Object: "?age", Graph: graphURI}, 0)
	_, err = s.Cardinality(ctx)
	require.NoError(t, err)

	ec := NewExecutionContext(ctx, NewStepBudget(5))
	var results []store.Mapping
	for {
		mu, err := s.Next(ec)
		if sparql.IsSignal(err) {
			break
		}
		require.NoError(t, err)
		require.NotNil(t, mu)
		results = append(results, mu)
	}
	saved := s.Save().(*plan.Scan)
	require.NoError(t, s.Close())
	assert.Equal(t, int64(20), saved.Cardinality)

	resumed := loadScan(graph, saved)
	defer resumed.Close()
	results = append(results, exhaust(t, resumed, NewExecutionContext(ctx, nil))...)

	assert.Len(t, results, 20)
	assert.Equal(t, 1, graph.searches, "a resumed scan reuses its saved estimate")
	assert.Contains(t, resumed.String(), "card=20")
}

func TestReboundScanLearnsCardinality(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, 20)
	inner, err := ds.Graph(graphURI)
	require.NoError(t, err)
	graph := &countingGraph{Graph: inner}

	s := NewScan(graph, store.Pattern{Subject: "?s", Predicate: "?p", Object: "?o", Graph: graphURI}, 0)
	defer func() { s.Close() }()
	s.NextStage(store.Mapping{"?s": person(4)})
	assert.NotContains(t, s.String(), "card=")

	ec := NewExecutionContext(ctx, NewStepBudget(2))
	var results []store.Mapping
	for {
		mu, err := s.Next(ec)
		if sparql.IsSignal(err) {
			saved := s.Save().(*plan.Scan)
			assert.Equal(t, int64(-1), saved.Cardinality)
			require.NoError(t, s.Close())
			s = loadScan(graph, saved)
			ec = NewExecutionContext(ctx, NewStepBudget(2))
			continue
		}
		require.NoError(t, err)
		if mu == nil {
			break
		}
		results = append(results, mu)
	}

	assert.Len(t, results, 3)
	assert.Zero(t, graph.searches, "rebound scans open without an estimate")
	assert.Contains(t, s.String(), "card=3")
	assert.Equal(t, int64(3), s.Save().(*plan.Scan).Cardinality)
}

func TestScanResumeKeepsBufferedTriple(t *testing.T) {
	ds := newDataset(t, 10)
	s := scan(t, ds, "?s", ex+"name", "?name")

	ec := NewExecutionContext(context.Background(), NewStepBudget(3))
	var first []store.Mapping
	for {
		mu, err := s.Next(ec)
		if err != nil {
			require.ErrorIs(t, err, sparql.ErrQuantumExhausted)
			break
		}
		require.NotNil(t, mu)
		first = append(first, mu)
	}
	assert.Len(t, first, 2)

	saved := s.Save().(*plan.Scan)
	require.NotNil(t, saved.Buffered)
	assert.NotEmpty(t, saved.LastRead)
	assert.Equal(t, int64(10), saved.Cardinality)
	require.NoError(t, s.Close())

	rest, _ := drive(t, ds, loadScan(s.graph, saved), 1000, LoadOptions{})
	assert.Len(t, rest, 8)
	assert.Equal(t, keys(nil), keys(intersect(first, rest)))
}

func intersect(a, b []store.Mapping) []store.Mapping {
	seen := make(map[string]bool)
	for _, mu := range a {
		seen[mu.Key()] = true
	}
	var out []store.Mapping
	for _, mu := range b {
		if seen[mu.Key()] {
			out = append(out, mu)
		}
	}
	return out
}

func TestScanNextStage(t *testing.T) {
	ds := newDataset(t, 10)
	s := scan(t, ds, "?s", ex+"age", "?age")
	s.NextStage(store.Mapping{"?s": person(4), "?other": "x"})

	results, _ := drive(t, ds, s, 1000, LoadOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, store.Mapping{"?s": person(4), "?age": integer(4), "?other": "x"}, results[0])
}

// pipelines returns constructors for pipelines whose results do not depend
// on how the execution is split into quanta.
func pipelines(t *testing.T, ds *store.Dataset) map[string]func() Iterator {
	return map[string]func() Iterator{
		"join": func() Iterator {
			return NewIndexJoin(
				scan(t, ds, "?s", ex+"knows", "?o"),
				scan(t, ds, "?o", ex+"age", "?age"),
			)
		},
		"three way join": func() Iterator {
			return NewIndexJoin(
				NewIndexJoin(
					scan(t, ds, "?s", ex+"age", integer(3)),
					scan(t, ds, "?s", ex+"knows", "?o"),
				),
				scan(t, ds, "?o", ex+"name", "?name"),
			)
		},
		"filter": func() Iterator {
			return NewFilter(scan(t, ds, "?s", ex+"age", "?age"), expr(t, "?age >= 7"))
		},
		"projection over union": func() Iterator {
			return NewProjection(NewUnion(
				scan(t, ds, "?s", ex+"age", integer(1)),
				scan(t, ds, "?s", ex+"age", integer(2)),
			), []string{"?s"})
		},
		"values join": func() Iterator {
			return NewIndexJoin(
				NewValues([]store.Mapping{{"?s": person(1)}, {"?s": person(7)}, {"?s": ex + "nobody"}}),
				scan(t, ds, "?s", ex+"knows", "?o"),
			)
		},
		"scan then values": func() Iterator {
			return NewIndexJoin(
				scan(t, ds, "?s", ex+"age", "?age"),
				NewValues([]store.Mapping{{"?age": integer(2)}, {"?age": integer(5)}, {}}),
			)
		},
	}
}

func TestResumeYieldsSameMultiset(t *testing.T) {
	ds := newDataset(t, 30)
	for name, build := range pipelines(t, ds) {
		t.Run(name, func(t *testing.T) {
			want, quanta := drive(t, ds, build(), 1<<30, LoadOptions{})
			require.Equal(t, 1, quanta)
			require.NotEmpty(t, want)

			for _, steps := range []int{1, 2, 7} {
				got, quanta := drive(t, ds, build(), steps, LoadOptions{})
				if steps == 1 {
					assert.Greater(t, quanta, 1)
				}
				assert.Equal(t, keys(want), keys(got), "steps=%d", steps)
			}
		})
	}
}

func TestFilterCounters(t *testing.T) {
	ds := newDataset(t, 20)
	f := NewFilter(scan(t, ds, "?s", ex+"age", "?age"), expr(t, "?age < 2"))
	results, _ := drive(t, ds, f, 1<<30, LoadOptions{})
	assert.Len(t, results, 4)
	assert.Equal(t, int64(20), f.consumed)
	assert.Equal(t, int64(4), f.produced)
	assert.InDelta(t, 0.2, f.Selectivity(), 1e-9)

	saved := f.Save().(*plan.Filter)
	assert.Equal(t, "(?age < 2)", saved.Expression)
}

func TestFilterDiscardsErrors(t *testing.T) {
	ds := newDataset(t, 5)
	f := NewFilter(scan(t, ds, "?s", ex+"name", "?name"), expr(t, "?name + 1 > 0"))
	results, _ := drive(t, ds, f, 1<<30, LoadOptions{})
	assert.Empty(t, results)
}

func TestLimit(t *testing.T) {
	ds := newDataset(t, 30)
	for _, steps := range []int{1, 3, 1 << 30} {
		l := NewLimit(scan(t, ds, "?s", ex+"knows", "?o"), 7)
		results, _ := drive(t, ds, l, steps, LoadOptions{})
		assert.Len(t, results, 7, "steps=%d", steps)
		assert.Len(t, keys(results), 7)
	}
}

func TestValuesSkipsIncompatibleRows(t *testing.T) {
	v := NewValues([]store.Mapping{{"?x": "a"}, {"?x": "b", "?y": "1"}, {"?y": "2"}})
	v.NextStage(store.Mapping{"?x": "b"})

	ec := NewExecutionContext(context.Background(), nil)
	var got []store.Mapping
	for {
		mu, err := v.Next(ec)
		require.NoError(t, err)
		if mu == nil {
			break
		}
		got = append(got, mu)
	}
	assert.Equal(t, []store.Mapping{{"?x": "b", "?y": "1"}, {"?x": "b", "?y": "2"}}, got)
	assert.Equal(t, []string{"?x", "?y"}, v.Variables())
}

func topkExpected(t *testing.T, ds *store.Dataset, orderText string, k int) []store.Mapping {
	all, _ := drive(t, ds, scan(t, ds, "?s", ex+"name", "?name"), 1<<30, LoadOptions{})
	o := order(t, orderText)
	sort.SliceStable(all, func(i, j int) bool { return o.CompareMappings(all[i], all[j]) < 0 })
	return all[:k]
}

func TestServerTopK(t *testing.T) {
	ds := newDataset(t, 40)
	want := topkExpected(t, ds, "DESC(?name)", 5)

	for _, steps := range []int{1, 4, 1 << 30} {
		build := func() Iterator {
			o := order(t, "DESC(?name)")
			return NewTopK(NewRankFilter(scan(t, ds, "?s", ex+"name", "?name"), order(t, "DESC(?name)"), false), o, 5)
		}
		got, _ := drive(t, ds, build(), steps, LoadOptions{MaxTopK: 100})
		assert.Equal(t, want, got, "steps=%d", steps)
	}
}

func TestServerTopKRejectedAboveMax(t *testing.T) {
	ds := newDataset(t, 3)
	saved := NewTopK(scan(t, ds, "?s", "?p", "?o"), order(t, "?o"), 50).Save()
	_, err := Load(saved, ds, LoadOptions{MaxTopK: 10})
	assert.ErrorContains(t, err, "exceeds the maximum")
}

func TestPartialTopK(t *testing.T) {
	ds := newDataset(t, 40)
	want := topkExpected(t, ds, "?name", 6)

	for _, capacity := range []int{2, 6, 100} {
		for _, steps := range []int{1, 5, 1 << 30} {
			build := func() Iterator {
				return NewPartialTopK(
					NewRankFilter(scan(t, ds, "?s", ex+"name", "?name"), order(t, "?name"), false),
					order(t, "?name"), 6, capacity,
				)
			}
			pages, _ := drive(t, ds, build(), steps, LoadOptions{MaxTopK: capacity})
			merged, _ := topk.Merge(order(t, "?name"), 6, pages)
			assert.Equal(t, want, merged, "capacity=%d steps=%d", capacity, steps)
		}
	}
}

func TestTopKAtCapNeverSignals(t *testing.T) {
	ds := newDataset(t, 30)
	it := NewTopK(scan(t, ds, "?s", ex+"name", "?name"), order(t, "DESC(?name)"), 5)
	defer it.Close()

	ec := NewExecutionContext(context.Background(), nil)
	ec.MaxTopK = 5
	results := exhaust(t, it, ec)
	require.Len(t, results, 5)
	assert.Equal(t, `"name 029"`, results[0]["?name"])
}

func TestPartialTopKSignalsFullStructure(t *testing.T) {
	ds := newDataset(t, 10)
	it := NewPartialTopK(scan(t, ds, "?s", ex+"name", "?name"), order(t, "?name"), 5, 2)

	ec := NewExecutionContext(context.Background(), nil)
	_, err := it.Next(ec)
	require.ErrorIs(t, err, sparql.ErrTOPKLimitReached)

	var drained int
	for {
		mu, err := it.Pop(ec)
		require.NoError(t, err)
		if mu == nil {
			break
		}
		drained++
	}
	assert.Equal(t, 2, drained)
	require.NoError(t, it.Close())
}

func TestPartialTopKThresholdOverride(t *testing.T) {
	ds := newDataset(t, 20)
	it := NewPartialTopK(scan(t, ds, "?s", ex+"name", "?name"), order(t, "?name"), 3, 10)

	ec := NewExecutionContext(context.Background(), nil)
	ec.Threshold = store.Mapping{"?name": `"name 002"`}

	var got []string
	for {
		mu, err := it.Next(ec)
		require.NoError(t, err)
		if mu == nil {
			break
		}
		got = append(got, mu["?name"])
	}
	assert.Equal(t, []string{`"name 000"`, `"name 001"`}, got)
}

func TestRankFilterPrefixKeepsTies(t *testing.T) {
	ds := newDataset(t, 20)
	ec := NewExecutionContext(context.Background(), nil)
	ec.PublishThreshold(store.Mapping{"?age": integer(3), "?s": person(0)})

	count := func(isPartial bool) int {
		r := NewRankFilter(scan(t, ds, "?s", ex+"age", "?age"), order(t, "?age"), isPartial)
		defer r.Close()
		n := 0
		for {
			mu, err := r.Next(ec)
			require.NoError(t, err)
			if mu == nil {
				return n
			}
			n++
		}
	}
	// ages 0..2 twice each, plus the two people aged 3 for the prefix filter
	assert.Equal(t, 6, count(false))
	assert.Equal(t, 8, count(true))
}

func TestSaveLoadIdempotent(t *testing.T) {
	ds := newDataset(t, 10)
	it := NewProjection(
		NewTopK(
			NewFilter(
				NewIndexJoin(
					NewUnion(
						NewValues([]store.Mapping{{"?s": person(1)}}),
						scan(t, ds, "?s", ex+"age", integer(2)),
					),
					NewLimit(scan(t, ds, "?s", ex+"knows", "?o"), 3),
				),
				expr(t, `?o != <http://example.org/x>`),
			),
			order(t, "ASC(?o)"), 2,
		),
		[]string{"?s", "?o"},
	)

	ec := NewExecutionContext(context.Background(), NewStepBudget(2))
	_, err := it.Next(ec)
	require.True(t, sparql.IsSignal(err))

	first := it.Save()
	loaded, err := Load(first, ds, LoadOptions{MaxTopK: 10})
	require.NoError(t, err)
	assert.Equal(t, first, loaded.Save())
	assert.Equal(t, it.Explain(0), loaded.Explain(0))
}

func TestExplain(t *testing.T) {
	ds := newDataset(t, 2)
	it := NewProjection(NewIndexJoin(
		scan(t, ds, "?s", ex+"knows", "?o"),
		NewFilter(scan(t, ds, "?o", ex+"age", "?age"), expr(t, "?age > 1")),
	), []string{"?s"})

	want := "Projection(?s)\n" +
		"  IndexJoin\n" +
		"    Scan(?s <http://example.org/knows> ?o @ <http://example.org/graph>)\n" +
		"    Filter((?age > 1))\n" +
		"      Scan(?o <http://example.org/age> ?age @ <http://example.org/graph>)\n"
	assert.Equal(t, want, it.Explain(0))
	assert.Equal(t, []string{"?s", "?o", "?age"}, it.Child().(*IndexJoin).Variables())
}
