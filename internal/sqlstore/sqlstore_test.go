package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/aleksaelezovic/sage/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGraph = "http://example.org/graph"

func openTestGraph(t *testing.T, opts ...Option) *Graph {
	t.Helper()
	g, err := Open(filepath.Join(t.TempDir(), "test.db"), testGraph, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func drain(t *testing.T, c store.Cursor) []store.Triple {
	t.Helper()
	defer c.Close()
	var triples []store.Triple
	for c.Next() {
		triples = append(triples, c.Triple())
	}
	require.NoError(t, c.Err())
	return triples
}

func numbered(n int) []store.Triple {
	triples := make([]store.Triple, 0, n)
	for i := 0; i < n; i++ {
		triples = append(triples, store.Triple{
			Subject:   fmt.Sprintf("http://example.org/s%d", i),
			Predicate: "http://example.org/p",
			Object:    fmt.Sprintf(`"%d"`, i%7),
		})
	}
	return triples
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 3; i++ {
		g, err := Open(path, testGraph)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, g.Close())
	}
}

func TestSearch_PagedCursor(t *testing.T) {
	ctx := context.Background()
	g := openTestGraph(t, WithPageSize(8))
	require.NoError(t, g.Insert(ctx, numbered(30)))

	cursor, cardinality, err := g.Search(ctx, store.Pattern{Subject: "?s", Predicate: "http://example.org/p", Object: "?o"}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(30), cardinality)
	assert.Len(t, drain(t, cursor), 30)

	cursor, cardinality, err = g.Search(ctx, store.Pattern{Subject: "?s", Predicate: "?p", Object: `"3"`}, "", 0)
	require.NoError(t, err)
	triples := drain(t, cursor)
	assert.Equal(t, int64(len(triples)), cardinality)
	for _, triple := range triples {
		assert.Equal(t, `"3"`, triple.Object)
	}
}

func TestSearch_Resume(t *testing.T) {
	ctx := context.Background()
	g := openTestGraph(t, WithPageSize(4))
	require.NoError(t, g.Insert(ctx, numbered(20)))
	pattern := store.Pattern{Subject: "?s", Predicate: "?p", Object: "?o"}

	cursor, _, err := g.Search(ctx, pattern, "", 0)
	require.NoError(t, err)
	seen := map[string]bool{}
	for i := 0; i < 9; i++ {
		require.True(t, cursor.Next())
		seen[cursor.Triple().Subject] = true
	}
	lastRead := cursor.LastRead()
	require.NoError(t, cursor.Close())

	cursor, _, err = g.Search(ctx, pattern, lastRead, 0)
	require.NoError(t, err)
	for _, triple := range drain(t, cursor) {
		assert.False(t, seen[triple.Subject], "duplicate %s", triple.Subject)
		seen[triple.Subject] = true
	}
	assert.Len(t, seen, 20)

	_, _, err = g.Search(ctx, pattern, "abc", 0)
	assert.Error(t, err)
}

func TestApply_Conflict(t *testing.T) {
	ctx := context.Background()
	g := openTestGraph(t)
	triples := numbered(3)
	require.NoError(t, g.Insert(ctx, triples))

	// inserting twice keeps a single row
	require.NoError(t, g.Insert(ctx, triples[:1]))
	count, err := g.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	missing := store.Triple{Subject: "http://example.org/x", Predicate: "http://example.org/p", Object: `"x"`}
	err = g.Apply(ctx, []store.Triple{triples[0], missing}, numbered(10)[5:])
	assert.ErrorIs(t, err, store.ErrConflict)
	count, _ = g.Count(ctx)
	assert.Equal(t, int64(3), count, "conflicting apply must roll back")

	require.NoError(t, g.Apply(ctx, triples[:1], nil))
	count, _ = g.Count(ctx)
	assert.Equal(t, int64(2), count)
}

func TestMVCC_SoftDelete(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMicro(100)
	g := openTestGraph(t, WithMVCC(true), WithClock(func() time.Time { return now }))

	triples := numbered(2)
	require.NoError(t, g.Insert(ctx, triples))
	now = time.UnixMicro(200)
	require.NoError(t, g.Delete(ctx, triples[:1]))

	cursor, _, err := g.Search(ctx, store.Pattern{Subject: "?s", Predicate: "?p", Object: "?o"}, "", 0)
	require.NoError(t, err)
	versions := drain(t, cursor)
	require.Len(t, versions, 2)

	visible := 0
	for _, v := range versions {
		if v.VisibleAt(150) {
			visible++
		}
	}
	assert.Equal(t, 2, visible, "snapshot before the delete sees both triples")

	count, _ := g.Count(ctx)
	assert.Equal(t, int64(1), count)

	// re-inserting revives the triple with a new window
	now = time.UnixMicro(300)
	require.NoError(t, g.Insert(ctx, triples[:1]))
	count, _ = g.Count(ctx)
	assert.Equal(t, int64(2), count)
}

func TestSearch_CardinalityOfVisibleRows(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMicro(100)
	g := openTestGraph(t, WithMVCC(true), WithClock(func() time.Time { return now }))

	triples := numbered(10)
	require.NoError(t, g.Insert(ctx, triples))
	now = time.UnixMicro(200)
	require.NoError(t, g.Delete(ctx, triples[:4]))

	pattern := store.Pattern{Subject: "?s", Predicate: "http://example.org/p", Object: "?o"}
	for asOf, want := range map[int64]int64{0: 6, 150: 10, 250: 6, 50: 0} {
		cursor, cardinality, err := g.Search(ctx, pattern, "", asOf)
		require.NoError(t, err)
		assert.Equal(t, want, cardinality, "asOf %d", asOf)
		assert.Len(t, drain(t, cursor), 10, "every version is read")
	}
}

func TestSearch_RepeatedVariable(t *testing.T) {
	ctx := context.Background()
	g := openTestGraph(t)
	require.NoError(t, g.Insert(ctx, []store.Triple{
		{Subject: "http://example.org/a", Predicate: "http://example.org/knows", Object: "http://example.org/a"},
		{Subject: "http://example.org/a", Predicate: "http://example.org/knows", Object: "http://example.org/b"},
		{Subject: "http://example.org/b", Predicate: "http://example.org/knows", Object: "http://example.org/b"},
	}))

	pattern := store.Pattern{Subject: "?x", Predicate: "http://example.org/knows", Object: "?x"}
	cursor, cardinality, err := g.Search(ctx, pattern, "", 0)
	require.NoError(t, err)
	triples := drain(t, cursor)
	assert.Equal(t, int64(2), cardinality)
	require.Len(t, triples, 2)
	for _, triple := range triples {
		assert.Equal(t, triple.Subject, triple.Object)
	}

	cursor, err = g.Open(ctx, pattern, "", 0)
	require.NoError(t, err)
	assert.Len(t, drain(t, cursor), 2)
}
