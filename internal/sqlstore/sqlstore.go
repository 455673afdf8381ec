package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aleksaelezovic/sage/pkg/store"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// DefaultPageSize is the number of rows a cursor fetches per query
const DefaultPageSize = 500

// Graph is one RDF graph stored in a SQLite database.
// Several graphs may share a database file, rows are keyed by graph URI.
type Graph struct {
	db       *sql.DB
	uri      string
	mvcc     bool
	pageSize int
	now      func() time.Time
}

// Option configures a Graph
type Option func(*Graph)

// WithMVCC enables soft deletes
func WithMVCC(enabled bool) Option {
	return func(g *Graph) {
		g.mvcc = enabled
	}
}

// WithPageSize sets the number of rows fetched per cursor query
func WithPageSize(size int) Option {
	return func(g *Graph) {
		if size > 0 {
			g.pageSize = size
		}
	}
}

// WithClock overrides the clock used for version timestamps
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		g.now = now
	}
}

// Open creates or opens a SQLite database at path and returns the graph uri
// stored in it. The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(path, uri string, opts ...Option) (*Graph, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	g := &Graph{db: db, uri: uri, pageSize: DefaultPageSize, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// URI returns the graph name
func (g *Graph) URI() string {
	return g.uri
}

// Close closes the database connection
func (g *Graph) Close() error {
	if g.db == nil {
		return nil
	}
	return g.db.Close()
}

// Insert adds triples in one transaction. A soft-deleted triple gets a
// fresh version window.
func (g *Graph) Insert(ctx context.Context, triples []store.Triple) error {
	return g.withTx(ctx, func(tx *sql.Tx, ts int64) error {
		return g.insertTx(ctx, tx, triples, ts)
	})
}

// Delete removes triples. Missing triples are ignored.
func (g *Graph) Delete(ctx context.Context, triples []store.Triple) error {
	return g.withTx(ctx, func(tx *sql.Tx, ts int64) error {
		_, err := g.deleteTx(ctx, tx, triples, ts)
		return err
	})
}

// Apply deletes then inserts in one transaction, failing with
// store.ErrConflict when a triple to delete is not alive.
func (g *Graph) Apply(ctx context.Context, deletes, inserts []store.Triple) error {
	return g.withTx(ctx, func(tx *sql.Tx, ts int64) error {
		missing, err := g.deleteTx(ctx, tx, deletes, ts)
		if err != nil {
			return err
		}
		if missing != nil {
			return fmt.Errorf("%w: %s %s %s", store.ErrConflict, missing.Subject, missing.Predicate, missing.Object)
		}
		return g.insertTx(ctx, tx, inserts, ts)
	})
}

// Count returns the number of live triples
func (g *Graph) Count(ctx context.Context) (int64, error) {
	var count int64
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM triples WHERE graph = ? AND delete_t = 0`, g.uri).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count triples: %w", err)
	}
	return count, nil
}

func (g *Graph) withTx(ctx context.Context, fn func(tx *sql.Tx, ts int64) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() // #nosec G104 - no-op after commit

	if err := fn(tx, g.now().UnixMicro()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (g *Graph) insertTx(ctx context.Context, tx *sql.Tx, triples []store.Triple, ts int64) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO triples (graph, subject, predicate, object, insert_t, delete_t)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (graph, subject, predicate, object)
		DO UPDATE SET insert_t = excluded.insert_t, delete_t = 0
		WHERE triples.delete_t != 0
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range triples {
		if _, err := stmt.ExecContext(ctx, g.uri, t.Subject, t.Predicate, t.Object, ts); err != nil {
			return fmt.Errorf("insert triple: %w", err)
		}
	}
	return nil
}

// deleteTx returns the first triple that was not alive, if any
func (g *Graph) deleteTx(ctx context.Context, tx *sql.Tx, triples []store.Triple, ts int64) (*store.Triple, error) {
	query := `DELETE FROM triples WHERE graph = ? AND subject = ? AND predicate = ? AND object = ? AND delete_t = 0`
	args := func(t store.Triple) []any { return []any{g.uri, t.Subject, t.Predicate, t.Object} }
	if g.mvcc {
		query = `UPDATE triples SET delete_t = ? WHERE graph = ? AND subject = ? AND predicate = ? AND object = ? AND delete_t = 0`
		args = func(t store.Triple) []any { return []any{ts, g.uri, t.Subject, t.Predicate, t.Object} }
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()

	var missing *store.Triple
	for _, t := range triples {
		res, err := stmt.ExecContext(ctx, args(t)...)
		if err != nil {
			return nil, fmt.Errorf("delete triple: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 && missing == nil {
			t := t
			missing = &t
		}
	}
	return missing, nil
}

// Search returns a paged cursor over the rows matching p, ordered by row id,
// and the number of rows visible at asOf. The resume offset is the id of the
// last row read.
func (g *Graph) Search(ctx context.Context, p store.Pattern, lastRead string, asOf int64) (store.Cursor, int64, error) {
	cursor, err := g.Open(ctx, p, lastRead, asOf)
	if err != nil {
		return nil, 0, err
	}

	c := cursor.(*rowCursor)
	visible := `delete_t = 0`
	args := c.args
	if asOf != 0 {
		visible = `insert_t <= ? AND (delete_t = 0 OR delete_t > ?)`
		args = append(append([]any{}, c.args...), asOf, asOf)
	}
	var cardinality int64
	query := `SELECT COUNT(*) FROM triples WHERE ` + c.where + ` AND ` + visible
	if err := g.db.QueryRowContext(ctx, query, args...).Scan(&cardinality); err != nil {
		return nil, 0, fmt.Errorf("estimate cardinality: %w", err)
	}
	return cursor, cardinality, nil
}

// Open returns a paged cursor over the rows matching p, every version
// included, positioned after lastRead.
func (g *Graph) Open(ctx context.Context, p store.Pattern, lastRead string, asOf int64) (store.Cursor, error) {
	var after int64
	if lastRead != "" {
		id, err := strconv.ParseInt(lastRead, 10, 64)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("malformed resume offset %q for pattern %s", lastRead, p)
		}
		after = id
	}

	where, args := whereClause(g.uri, p)
	return &rowCursor{
		ctx:      ctx,
		graph:    g,
		where:    where,
		args:     args,
		after:    after,
		lastRead: lastRead,
	}, nil
}

// whereClause selects the rows of a graph that agree with the bound
// positions of p and bind its repeated variables consistently.
func whereClause(uri string, p store.Pattern) (string, []any) {
	conds := []string{"graph = ?"}
	args := []any{uri}
	columns := make(map[string]string)
	for _, pos := range []struct{ column, term string }{
		{"subject", p.Subject},
		{"predicate", p.Predicate},
		{"object", p.Object},
	} {
		if !store.IsVariable(pos.term) {
			conds = append(conds, pos.column+" = ?")
			args = append(args, pos.term)
			continue
		}
		if first, ok := columns[pos.term]; ok {
			conds = append(conds, pos.column+" = "+first)
			continue
		}
		columns[pos.term] = pos.column
	}
	return strings.Join(conds, " AND "), args
}

type row struct {
	id     int64
	triple store.Triple
}

// rowCursor fetches one page at a time so that no rows stay open between
// calls: the single connection is shared by every cursor of the graph.
type rowCursor struct {
	ctx      context.Context
	graph    *Graph
	where    string
	args     []any
	after    int64
	page     []row
	pos      int
	done     bool
	current  store.Triple
	lastRead string
	err      error
}

func (c *rowCursor) Next() bool {
	for {
		if c.err != nil {
			return false
		}
		if c.pos >= len(c.page) {
			if c.done {
				return false
			}
			if err := c.fetch(); err != nil {
				c.err = err
				return false
			}
			continue
		}
		r := c.page[c.pos]
		c.pos++
		c.current = r.triple
		c.lastRead = strconv.FormatInt(r.id, 10)
		return true
	}
}

func (c *rowCursor) fetch() error {
	args := append(append([]any{}, c.args...), c.after, c.graph.pageSize)
	rows, err := c.graph.db.QueryContext(c.ctx, `
		SELECT id, subject, predicate, object, insert_t, delete_t
		FROM triples
		WHERE `+c.where+` AND id > ?
		ORDER BY id
		LIMIT ?`, args...)
	if err != nil {
		return fmt.Errorf("query triples: %w", err)
	}
	defer rows.Close()

	c.page = c.page[:0]
	c.pos = 0
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.triple.Subject, &r.triple.Predicate, &r.triple.Object, &r.triple.InsertT, &r.triple.DeleteT); err != nil {
			return fmt.Errorf("scan triple: %w", err)
		}
		c.page = append(c.page, r)
		c.after = r.id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate triples: %w", err)
	}
	if len(c.page) < c.graph.pageSize {
		c.done = true
	}
	return nil
}

func (c *rowCursor) Triple() store.Triple {
	return c.current
}

func (c *rowCursor) LastRead() string {
	return c.lastRead
}

func (c *rowCursor) Err() error {
	return c.err
}

func (c *rowCursor) Close() error {
	c.page = nil
	c.done = true
	return nil
}
