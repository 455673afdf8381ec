package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/aleksaelezovic/sage/internal/encoding"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// index positions: 0=S, 1=P, 2=O, listed in key order
var (
	orderSPO = [3]int{0, 1, 2}
	orderPOS = [3]int{1, 2, 0}
	orderOSP = [3]int{2, 0, 1}
)

// Search returns a cursor over the index range of p, positioned after
// lastRead, and the number of triples visible at asOf that match p.
func (s *TripleStore) Search(ctx context.Context, p store.Pattern, lastRead string, asOf int64) (store.Cursor, int64, error) {
	cursor, err := s.Open(ctx, p, lastRead, asOf)
	if err != nil {
		return nil, 0, err
	}
	c := cursor.(*tripleCursor)
	cardinality, err := s.estimate(c.table, c.prefix, p, c.order, asOf)
	if err != nil {
		cursor.Close()
		return nil, 0, err
	}
	return cursor, cardinality, nil
}

// Open returns a cursor over the index range of p, positioned after lastRead.
// The cursor yields every version in the range; the caller checks visibility
// and repeated variables, so that it can stop between any two entries.
func (s *TripleStore) Open(ctx context.Context, p store.Pattern, lastRead string, asOf int64) (store.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	table, order := s.selectIndex(p)
	prefix, err := s.buildScanPrefix(p, order)
	if err != nil {
		return nil, err
	}

	var seek []byte
	if lastRead != "" {
		seek, err = hex.DecodeString(lastRead)
		if err != nil || !bytes.HasPrefix(seek, prefix) {
			return nil, fmt.Errorf("malformed resume offset %q for pattern %s", lastRead, p)
		}
	}

	txn, err := s.storage.Begin(false)
	if err != nil {
		return nil, err
	}
	it, err := txn.Scan(table, prefix, seek)
	if err != nil {
		txn.Rollback()
		return nil, err
	}

	return &tripleCursor{
		store:    s,
		txn:      txn,
		it:       it,
		table:    table,
		prefix:   prefix,
		order:    order,
		skip:     seek,
		lastRead: lastRead,
	}, nil
}

// selectIndex chooses the best index based on which positions are bound
func (s *TripleStore) selectIndex(p store.Pattern) (store.Table, [3]int) {
	sBound := !store.IsVariable(p.Subject)
	pBound := !store.IsVariable(p.Predicate)
	oBound := !store.IsVariable(p.Object)

	switch {
	case sBound && pBound:
		return store.TableSPO, orderSPO
	case pBound && oBound:
		return store.TablePOS, orderPOS
	case oBound && sBound:
		return store.TableOSP, orderOSP
	case sBound:
		return store.TableSPO, orderSPO
	case pBound:
		return store.TablePOS, orderPOS
	case oBound:
		return store.TableOSP, orderOSP
	default:
		return store.TableSPO, orderSPO
	}
}

// buildScanPrefix builds a key prefix for scanning based on bound positions
func (s *TripleStore) buildScanPrefix(p store.Pattern, order [3]int) ([]byte, error) {
	positions := [3]string{p.Subject, p.Predicate, p.Object}

	prefix := append([]byte{}, s.graph[:]...)
	for _, idx := range order {
		term := positions[idx]
		if store.IsVariable(term) {
			// Stop at first variable
			break
		}
		encoded, _, err := s.encoder.EncodeTerm(term)
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, encoded[:]...)
	}
	return prefix, nil
}

// estimate counts the versions under prefix visible at asOf. Keys are only
// decoded when p repeats a variable.
func (s *TripleStore) estimate(table store.Table, prefix []byte, p store.Pattern, order [3]int, asOf int64) (int64, error) {
	txn, err := s.storage.Begin(false)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	it, err := txn.Scan(table, prefix, nil)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	repeats := p.Repeats()
	count := int64(0)
	for it.Next() {
		value, err := it.Value()
		if err != nil {
			return 0, err
		}
		insertT, deleteT := decodeVersion(value)
		if !(store.Triple{InsertT: insertT, DeleteT: deleteT}).VisibleAt(asOf) {
			continue
		}
		if repeats {
			triple, err := s.decodeTriple(txn, order, it.Key(), value)
			if err != nil {
				return 0, err
			}
			if !p.Matches(triple) {
				continue
			}
		}
		count++
	}
	return count, nil
}

// tripleCursor implements store.Cursor over one index
type tripleCursor struct {
	store    *TripleStore
	txn      store.Transaction
	it       store.Iterator
	table    store.Table
	prefix   []byte
	order    [3]int
	skip     []byte
	current  store.Triple
	lastRead string
	err      error
	closed   bool
}

func (c *tripleCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	for c.it.Next() {
		key := c.it.Key()
		if c.skip != nil {
			skip := bytes.Equal(key, c.skip)
			c.skip = nil
			if skip {
				continue
			}
		}

		value, err := c.it.Value()
		if err != nil {
			c.err = err
			return false
		}
		triple, err := c.store.decodeTriple(c.txn, c.order, key, value)
		if err != nil {
			c.err = err
			return false
		}
		c.current = triple
		c.lastRead = hex.EncodeToString(key)
		return true
	}
	return false
}

// decodeTriple decodes an index entry with its version window
func (s *TripleStore) decodeTriple(txn store.Transaction, order [3]int, key, value []byte) (store.Triple, error) {
	terms, err := encoding.SplitQuadKey(key)
	if err != nil {
		return store.Triple{}, err
	}

	var spo [3]string
	for i, idx := range order {
		spo[idx], err = s.decodeTerm(txn, terms[i])
		if err != nil {
			return store.Triple{}, fmt.Errorf("failed to decode term: %w", err)
		}
	}
	insertT, deleteT := decodeVersion(value)

	return store.Triple{
		Subject:   spo[0],
		Predicate: spo[1],
		Object:    spo[2],
		InsertT:   insertT,
		DeleteT:   deleteT,
	}, nil
}

func (c *tripleCursor) Triple() store.Triple {
	return c.current
}

func (c *tripleCursor) LastRead() string {
	return c.lastRead
}

func (c *tripleCursor) Err() error {
	return c.err
}

func (c *tripleCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.it.Close()
	return c.txn.Rollback()
}

// decodeTerm decodes an encoded term back to its lexical form
func (s *TripleStore) decodeTerm(txn store.Transaction, encoded encoding.EncodedTerm) (string, error) {
	if encoding.IsInline(encoded) {
		return s.decoder.DecodeTerm(encoded, nil)
	}

	str, err := txn.Get(store.TableID2Str, encoded[1:])
	if err != nil {
		return "", fmt.Errorf("missing id2str entry: %w", err)
	}
	value := string(str)
	return s.decoder.DecodeTerm(encoded, &value)
}
