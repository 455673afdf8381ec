package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksaelezovic/sage/internal/storage"
	triplestore "github.com/aleksaelezovic/sage/internal/store"
	"github.com/aleksaelezovic/sage/pkg/rdf"
	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/iterators"
	"github.com/aleksaelezovic/sage/pkg/sparql/topk"
	"github.com/aleksaelezovic/sage/pkg/store"
)

const (
	watdiv         = "http://example.org/watdiv"
	wsdbm          = "http://db.uwaterloo.ca/~galuc/wsdbm/"
	eligibleRegion = "http://schema.org/eligibleRegion"
	includes       = "http://purl.org/goodrelations/includes"
)

const regionQuery = `SELECT * WHERE {
	?s <http://schema.org/eligibleRegion> <http://db.uwaterloo.ca/~galuc/wsdbm/Country9> .
	?s <http://purl.org/goodrelations/includes> ?includes }`

func offer(i int) string {
	return fmt.Sprintf("%sOffer%d", wsdbm, i)
}

// newWatDiv holds 300 offers of 10 products each; 218 of them are eligible
// in Country9, so the region query has 2180 solutions.
func newWatDiv(t *testing.T) *store.Dataset {
	t.Helper()
	st, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	graph := triplestore.NewTripleStore(st, watdiv)

	var triples []store.Triple
	for i := 0; i < 300; i++ {
		region := wsdbm + "Country9"
		if i >= 218 {
			region = fmt.Sprintf("%sCountry%d", wsdbm, i%9)
		}
		triples = append(triples, store.Triple{Subject: offer(i), Predicate: eligibleRegion, Object: region})
		for j := 0; j < 10; j++ {
			triples = append(triples, store.Triple{
				Subject:   offer(i),
				Predicate: includes,
				Object:    fmt.Sprintf("%sProduct%d", wsdbm, i*10+j),
			})
		}
	}
	require.NoError(t, graph.Insert(context.Background(), triples))

	ds := store.NewDataset()
	ds.Add(graph)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func keys(results []store.Mapping) []string {
	out := make([]string, len(results))
	for i, mu := range results {
		out[i] = mu.Key()
	}
	sort.Strings(out)
	return out
}

// collect resumes a query until it completes, calling budget for every quantum
func collect(t *testing.T, e *Engine, req Request, budget func() iterators.Budget) ([]store.Mapping, int) {
	t.Helper()
	var results []store.Mapping
	for quanta := 1; ; quanta++ {
		require.Less(t, quanta, 10000, "no progress")
		req.Budget = budget()
		res, err := e.Execute(context.Background(), req)
		require.NoError(t, err)
		results = append(results, res.Bindings...)
		if !res.HasNext() {
			return results, quanta
		}
		req = Request{Next: res.Next, MaxResults: req.MaxResults}
	}
}

func unlimited() iterators.Budget { return iterators.Unlimited{} }

func steps(n int) func() iterators.Budget {
	return func() iterators.Budget { return iterators.NewStepBudget(n) }
}

func TestExecuteToCompletion(t *testing.T) {
	e := New(newWatDiv(t), Options{})

	res, err := e.Execute(context.Background(), Request{Query: regionQuery, Budget: iterators.Unlimited{}})
	require.NoError(t, err)
	assert.False(t, res.HasNext())
	assert.Len(t, res.Bindings, 2180)
	assert.Equal(t, 2180, res.Stats.Count)
	assert.ElementsMatch(t, []string{"?s", "?includes"}, res.Variables)
}

func TestExecuteTwoQuanta(t *testing.T) {
	e := New(newWatDiv(t), Options{})
	want, _ := collect(t, e, Request{Query: regionQuery}, unlimited)

	first, err := e.Execute(context.Background(), Request{Query: regionQuery, Budget: iterators.NewStepBudget(700)})
	require.NoError(t, err)
	require.True(t, first.HasNext())
	assert.Less(t, len(first.Bindings), 2180)

	rest, _ := collect(t, e, Request{Next: first.Next}, unlimited)
	got := append(first.Bindings, rest...)
	assert.Len(t, got, 2180)
	assert.Equal(t, keys(want), keys(got))
}

func TestExecuteManyQuanta(t *testing.T) {
	e := New(newWatDiv(t), Options{})
	want, _ := collect(t, e, Request{Query: regionQuery}, unlimited)

	for _, n := range []int{1, 13, 250} {
		t.Run(fmt.Sprintf("%d steps", n), func(t *testing.T) {
			got, quanta := collect(t, e, Request{Query: regionQuery}, steps(n))
			assert.Greater(t, quanta, 1)
			assert.Equal(t, keys(want), keys(got))
		})
	}
}

func TestExecutePaging(t *testing.T) {
	e := New(newWatDiv(t), Options{MaxResults: 100})

	var pages []int
	var results []store.Mapping
	req := Request{Query: regionQuery}
	for {
		req.Budget = iterators.Unlimited{}
		res, err := e.Execute(context.Background(), req)
		require.NoError(t, err)
		pages = append(pages, len(res.Bindings))
		results = append(results, res.Bindings...)
		if !res.HasNext() {
			break
		}
		req = Request{Next: res.Next}
	}

	require.Len(t, pages, 22)
	for _, n := range pages[:21] {
		assert.Equal(t, 100, n)
	}
	assert.Equal(t, 80, pages[21])
	assert.Len(t, results, 2180)
	assert.Len(t, keys(results), 2180)
}

func TestRequestPageSizeOverride(t *testing.T) {
	e := New(newWatDiv(t), Options{MaxResults: 100})

	res, err := e.Execute(context.Background(), Request{Query: regionQuery, Budget: iterators.Unlimited{}, MaxResults: 7})
	require.NoError(t, err)
	assert.Len(t, res.Bindings, 7)
	assert.True(t, res.HasNext())
}

func expectedTopProducts(t *testing.T, e *Engine, order *topk.Order, k int) []string {
	t.Helper()
	all, _ := collect(t, e, Request{Query: regionQuery}, unlimited)
	sort.SliceStable(all, func(i, j int) bool {
		return order.CompareMappings(all[i], all[j]) < 0
	})
	var want []string
	for _, mu := range all[:k] {
		want = append(want, mu["?includes"])
	}
	return want
}

func products(results []store.Mapping) []string {
	out := make([]string, len(results))
	for i, mu := range results {
		out[i] = mu["?includes"]
	}
	return out
}

func TestServerTopKAcrossQuanta(t *testing.T) {
	e := New(newWatDiv(t), Options{MaxTopK: 100})
	order, err := topk.ParseOrder("ASC(?includes)")
	require.NoError(t, err)
	want := expectedTopProducts(t, e, order, 5)

	query := regionQuery + ` ORDER BY ?includes LIMIT 5`
	req := Request{Query: query}
	var got []store.Mapping
	for quanta := 1; ; quanta++ {
		require.Less(t, quanta, 10000)
		req.Budget = iterators.NewStepBudget(300)
		res, err := e.Execute(context.Background(), req)
		require.NoError(t, err)
		if res.HasNext() {
			assert.Empty(t, res.Bindings, "nothing is returned before the TOP-K is complete")
			req = Request{Next: res.Next}
			continue
		}
		got = res.Bindings
		assert.Greater(t, quanta, 1)
		break
	}
	assert.Equal(t, want, products(got))
}

func TestPartialTopKWithClientMerge(t *testing.T) {
	e := New(newWatDiv(t), Options{MaxTopK: 3})
	order, err := topk.ParseOrder("DESC(?includes)")
	require.NoError(t, err)
	want := expectedTopProducts(t, e, order, 5)

	query := regionQuery + ` ORDER BY DESC(?includes) LIMIT 5`
	req := Request{Query: query}
	var merged []store.Mapping
	for quanta := 1; ; quanta++ {
		require.Less(t, quanta, 10000)
		req.Budget = iterators.NewStepBudget(400)
		res, err := e.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res.Bindings), 3, "a page holds at most the local capacity")

		var threshold store.Mapping
		merged, threshold = topk.Merge(order, 5, merged, res.Bindings)
		if !res.HasNext() {
			break
		}
		req = Request{Next: res.Next, Threshold: threshold}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return order.CompareMappings(merged[i], merged[j]) < 0
	})
	assert.Equal(t, want, products(merged))
}

func TestSnapshotReads(t *testing.T) {
	clock := time.UnixMicro(1_000)
	st, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	graph := triplestore.NewTripleStore(st, watdiv,
		triplestore.WithMVCC(true),
		triplestore.WithClock(func() time.Time { return clock }),
	)
	ds := store.NewDataset()
	ds.Add(graph)
	t.Cleanup(func() { ds.Close() })

	insert := func(from, to int) {
		var triples []store.Triple
		for i := from; i < to; i++ {
			triples = append(triples, store.Triple{Subject: offer(i), Predicate: eligibleRegion, Object: wsdbm + "Country1"})
		}
		require.NoError(t, graph.Insert(context.Background(), triples))
	}
	insert(0, 50)

	e := New(ds, Options{Snapshot: true, Now: func() time.Time { return time.UnixMicro(2_000) }})
	query := `SELECT ?s WHERE { ?s <http://schema.org/eligibleRegion> ?r }`
	first, err := e.Execute(context.Background(), Request{Query: query, Budget: iterators.NewStepBudget(10)})
	require.NoError(t, err)
	require.True(t, first.HasNext())

	clock = time.UnixMicro(3_000)
	insert(50, 100)

	rest, _ := collect(t, e, Request{Next: first.Next}, unlimited)
	assert.Len(t, append(first.Bindings, rest...), 50, "triples inserted after the query started are invisible")
}

func TestSnapshotReadsScansOpenedLater(t *testing.T) {
	clock := time.UnixMicro(1_000)
	st, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	graph := triplestore.NewTripleStore(st, watdiv,
		triplestore.WithMVCC(true),
		triplestore.WithClock(func() time.Time { return clock }),
	)
	ds := store.NewDataset()
	ds.Add(graph)
	t.Cleanup(func() { ds.Close() })

	insert := func(predicate string, from, to int) {
		var triples []store.Triple
		for i := from; i < to; i++ {
			triples = append(triples, store.Triple{Subject: offer(i), Predicate: predicate, Object: wsdbm + "Country1"})
		}
		require.NoError(t, graph.Insert(context.Background(), triples))
	}
	insert(eligibleRegion, 0, 50)
	insert(includes, 0, 50)

	e := New(ds, Options{Snapshot: true, Now: func() time.Time { return time.UnixMicro(2_000) }})
	query := `SELECT ?s ?r WHERE {
		{ ?s <http://schema.org/eligibleRegion> ?r } UNION { ?s <http://purl.org/goodrelations/includes> ?r } }`
	first, err := e.Execute(context.Background(), Request{Query: query, Budget: iterators.NewStepBudget(10)})
	require.NoError(t, err)
	require.True(t, first.HasNext())

	// the right branch of the union is first read after these inserts
	clock = time.UnixMicro(3_000)
	insert(includes, 50, 100)

	rest, _ := collect(t, e, Request{Next: first.Next}, unlimited)
	assert.Len(t, append(first.Bindings, rest...), 100)
}

func TestExecuteErrors(t *testing.T) {
	e := New(newWatDiv(t), Options{})
	ctx := context.Background()

	tests := []struct {
		name   string
		req    Request
		target error
	}{
		{"parse error", Request{Query: "SELECT WHERE {"}, ErrInvalidRequest},
		{"unsupported", Request{Query: "SELECT DISTINCT ?s WHERE { ?s ?p ?o }"}, sparql.ErrUnsupportedSPARQL},
		{"optional", Request{Query: "SELECT * WHERE { ?s ?p ?o OPTIONAL { ?o ?q ?r } }"}, sparql.ErrUnsupportedSPARQL},
		{"malformed token", Request{Next: "not a token!"}, ErrInvalidRequest},
		{"unknown graph", Request{Query: "SELECT * WHERE { ?s ?p ?o }", DefaultGraph: "http://example.org/missing"}, store.ErrUnknownGraph},
		{"empty request", Request{}, ErrInvalidRequest},
		{"query and token", Request{Query: regionQuery, Next: "AAAA"}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(ctx, tt.req)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestExplain(t *testing.T) {
	e := New(newWatDiv(t), Options{})
	ctx := context.Background()

	out, err := e.Explain(ctx, Request{Query: regionQuery})
	require.NoError(t, err)
	assert.Contains(t, out, "IndexJoin")
	assert.Contains(t, out, "card=218")

	first, err := e.Execute(ctx, Request{Query: regionQuery, Budget: iterators.NewStepBudget(50)})
	require.NoError(t, err)
	require.True(t, first.HasNext())
	out, err = e.Explain(ctx, Request{Next: first.Next})
	require.NoError(t, err)
	assert.Contains(t, out, "IndexJoin")
}

func TestUpdate(t *testing.T) {
	ds := newWatDiv(t)
	e := New(ds, Options{})
	ctx := context.Background()
	count := func() int {
		res, err := e.Execute(ctx, Request{
			Query:  `SELECT ?s WHERE { ?s <http://schema.org/eligibleRegion> <http://db.uwaterloo.ca/~galuc/wsdbm/Country42> }`,
			Budget: iterators.Unlimited{},
		})
		require.NoError(t, err)
		return len(res.Bindings)
	}

	stats, err := e.Update(ctx, `INSERT DATA {
		<http://example.org/o1> <http://schema.org/eligibleRegion> <http://db.uwaterloo.ca/~galuc/wsdbm/Country42> .
		<http://example.org/o2> <http://schema.org/eligibleRegion> <http://db.uwaterloo.ca/~galuc/wsdbm/Country42> }`, "")
	require.NoError(t, err)
	assert.Equal(t, UpdateStats{Inserted: 2}, stats)
	assert.Equal(t, 2, count())

	stats, err = e.Update(ctx, `DELETE DATA {
		<http://example.org/o1> <http://schema.org/eligibleRegion> <http://db.uwaterloo.ca/~galuc/wsdbm/Country42> }`, watdiv)
	require.NoError(t, err)
	assert.Equal(t, UpdateStats{Deleted: 1}, stats)
	assert.Equal(t, 1, count())

	_, err = e.Update(ctx, `DELETE DATA {
		<http://example.org/o1> <http://schema.org/eligibleRegion> <http://db.uwaterloo.ca/~galuc/wsdbm/Country42> }`, "")
	assert.ErrorIs(t, err, sparql.ErrDeleteInsertConflict)
	assert.Equal(t, 1, count())

	_, err = e.Update(ctx, `SELECT * WHERE { ?s ?p ?o }`, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Update(ctx, `INSERT DATA { GRAPH <http://example.org/missing> { <http://a> <http://b> <http://c> } }`, "")
	assert.ErrorIs(t, err, store.ErrUnknownGraph)
}

func TestLoad(t *testing.T) {
	e := New(newWatDiv(t), Options{})
	data := `<http://example.org/a> <http://schema.org/eligibleRegion> <http://db.uwaterloo.ca/~galuc/wsdbm/Country9> .
# comment
<http://example.org/a> <http://purl.org/goodrelations/includes> "loaded"@en .
<http://example.org/b> <http://purl.org/goodrelations/includes> "x" <http://example.org/watdiv> .
`
	n, err := e.Load(context.Background(), rdf.NewNQuadsReader(strings.NewReader(data)), "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := e.Execute(context.Background(), Request{Query: regionQuery, Budget: iterators.Unlimited{}})
	require.NoError(t, err)
	assert.Len(t, res.Bindings, 2181)

	t.Run("syntax error", func(t *testing.T) {
		_, err := e.Load(context.Background(), rdf.NewNQuadsReader(strings.NewReader("<a> <b>\n")), "")
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("unknown graph", func(t *testing.T) {
		bad := `<http://example.org/a> <http://example.org/p> "x" <http://example.org/missing> .` + "\n"
		_, err := e.Load(context.Background(), rdf.NewNQuadsReader(strings.NewReader(bad)), "")
		assert.ErrorIs(t, err, store.ErrUnknownGraph)
	})
}

func TestOrderByLimitStableAcrossQuanta(t *testing.T) {
	st, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	graph := triplestore.NewTripleStore(st, watdiv)
	var triples []store.Triple
	for i := 0; i < 12; i++ {
		// inserted out of order
		j := (i * 7) % 12
		triples = append(triples, store.Triple{
			Subject:   offer(j),
			Predicate: includes,
			Object:    fmt.Sprintf(`"o%02d"`, j),
		})
	}
	require.NoError(t, graph.Insert(context.Background(), triples))
	ds := store.NewDataset()
	ds.Add(graph)
	t.Cleanup(func() { ds.Close() })

	want := []string{`"o00"`, `"o01"`, `"o02"`, `"o03"`, `"o04"`}
	query := `SELECT * WHERE { ?s ?p ?o } ORDER BY ?o LIMIT 5`
	for _, n := range []int{0, 1, 2, 5} {
		t.Run(fmt.Sprintf("steps=%d", n), func(t *testing.T) {
			e := New(ds, Options{})
			budget := unlimited
			if n > 0 {
				budget = steps(n)
			}
			results, _ := collect(t, e, Request{Query: query}, budget)
			got := make([]string, len(results))
			for i, mu := range results {
				got[i] = mu["?o"]
			}
			assert.Equal(t, want, got)
		})
	}
}
