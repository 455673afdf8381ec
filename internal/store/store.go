package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/aleksaelezovic/sage/internal/encoding"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// insertBatchSize bounds the number of triples written per transaction
const insertBatchSize = 1000

// TripleStore is one RDF graph stored in three indexes (SPO, POS, OSP).
// Every index key starts with the hash of the graph URI, so several graphs
// may share one storage.
type TripleStore struct {
	storage store.Storage
	encoder *encoding.TermEncoder
	decoder *encoding.TermDecoder
	uri     string
	graph   [encoding.GraphPrefixSize]byte
	mvcc    bool
	now     func() time.Time
}

// Option configures a TripleStore
type Option func(*TripleStore)

// WithMVCC enables soft deletes: deleted triples keep their version window
// so that snapshot reads still see them.
func WithMVCC(enabled bool) Option {
	return func(s *TripleStore) {
		s.mvcc = enabled
	}
}

// WithClock overrides the clock used for version timestamps
func WithClock(now func() time.Time) Option {
	return func(s *TripleStore) {
		s.now = now
	}
}

// NewTripleStore creates a triplestore for the graph uri
func NewTripleStore(storage store.Storage, uri string, opts ...Option) *TripleStore {
	encoder := encoding.NewTermEncoder()
	s := &TripleStore{
		storage: storage,
		encoder: encoder,
		decoder: encoding.NewTermDecoder(),
		uri:     uri,
		graph:   encoder.EncodeGraph(uri),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URI returns the graph name
func (s *TripleStore) URI() string {
	return s.uri
}

// MVCC reports whether deletes are soft
func (s *TripleStore) MVCC() bool {
	return s.mvcc
}

// Close closes the triplestore
func (s *TripleStore) Close() error {
	return s.storage.Close()
}

// Insert adds triples, committing every insertBatchSize triples
func (s *TripleStore) Insert(ctx context.Context, triples []store.Triple) error {
	for start := 0; start < len(triples); start += insertBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+insertBatchSize, len(triples))
		if err := s.update(func(txn store.Transaction, ts int64) error {
			for _, t := range triples[start:end] {
				if err := s.insertInTxn(txn, t, ts); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes triples. Missing triples are ignored.
func (s *TripleStore) Delete(ctx context.Context, triples []store.Triple) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.update(func(txn store.Transaction, ts int64) error {
		for _, t := range triples {
			if _, err := s.deleteInTxn(txn, t, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// Apply deletes then inserts in a single transaction. Every triple to
// delete must be alive, otherwise nothing is written and store.ErrConflict
// is returned.
func (s *TripleStore) Apply(ctx context.Context, deletes, inserts []store.Triple) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.update(func(txn store.Transaction, ts int64) error {
		for _, t := range deletes {
			found, err := s.deleteInTxn(txn, t, ts)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s %s %s", store.ErrConflict, t.Subject, t.Predicate, t.Object)
			}
		}
		for _, t := range inserts {
			if err := s.insertInTxn(txn, t, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of live triples in the graph
func (s *TripleStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	txn, err := s.storage.Begin(false)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	it, err := txn.Scan(store.TableSPO, s.graph[:], nil)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	count := int64(0)
	for it.Next() {
		value, err := it.Value()
		if err != nil {
			return 0, err
		}
		if _, deleteT := decodeVersion(value); deleteT == 0 {
			count++
		}
	}
	return count, nil
}

func (s *TripleStore) update(fn func(txn store.Transaction, ts int64) error) error {
	txn, err := s.storage.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if err := fn(txn, s.now().UnixMicro()); err != nil {
		return err
	}
	return txn.Commit()
}

type indexKeys struct {
	spo, pos, osp []byte
}

func (s *TripleStore) encodeTriple(t store.Triple) (indexKeys, [3]*string, error) {
	var strs [3]*string
	var terms [3]encoding.EncodedTerm
	for i, term := range []string{t.Subject, t.Predicate, t.Object} {
		encoded, str, err := s.encoder.EncodeTerm(term)
		if err != nil {
			return indexKeys{}, strs, fmt.Errorf("failed to encode term %d: %w", i, err)
		}
		terms[i], strs[i] = encoded, str
	}
	subj, pred, obj := terms[0], terms[1], terms[2]
	return indexKeys{
		spo: s.encoder.EncodeQuadKey(s.graph, subj, pred, obj),
		pos: s.encoder.EncodeQuadKey(s.graph, pred, obj, subj),
		osp: s.encoder.EncodeQuadKey(s.graph, obj, subj, pred),
	}, strs, nil
}

func (s *TripleStore) insertInTxn(txn store.Transaction, t store.Triple, ts int64) error {
	keys, strs, err := s.encodeTriple(t)
	if err != nil {
		return err
	}

	existing, err := txn.Get(store.TableSPO, keys.spo)
	switch {
	case err == nil:
		if _, deleteT := decodeVersion(existing); deleteT == 0 {
			return nil
		}
	case err != store.ErrNotFound:
		return err
	}

	for _, str := range strs {
		if err := s.storeString(txn, str); err != nil {
			return err
		}
	}
	if err := s.storeGraph(txn); err != nil {
		return err
	}

	value := encodeVersion(ts, 0)
	for table, key := range map[store.Table][]byte{store.TableSPO: keys.spo, store.TablePOS: keys.pos, store.TableOSP: keys.osp} {
		if err := txn.Set(table, key, value); err != nil {
			return err
		}
	}
	return nil
}

// deleteInTxn reports whether the triple was alive before the delete
func (s *TripleStore) deleteInTxn(txn store.Transaction, t store.Triple, ts int64) (bool, error) {
	keys, _, err := s.encodeTriple(t)
	if err != nil {
		return false, err
	}

	existing, err := txn.Get(store.TableSPO, keys.spo)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	insertT, deleteT := decodeVersion(existing)
	if deleteT != 0 {
		return false, nil
	}

	for table, key := range map[store.Table][]byte{store.TableSPO: keys.spo, store.TablePOS: keys.pos, store.TableOSP: keys.osp} {
		if s.mvcc {
			err = txn.Set(table, key, encodeVersion(insertT, ts))
		} else {
			err = txn.Delete(table, key)
		}
		if err != nil {
			return false, err
		}
	}

	// Note: the id2str entries are kept, other triples may reference them
	return true, nil
}

// storeString stores a string in the id2str table if provided
func (s *TripleStore) storeString(txn store.Transaction, str *string) error {
	if str == nil {
		return nil
	}

	hash := s.encoder.Hash128(*str)
	key := hash[:]
	value := []byte(*str)

	// Check if already exists to avoid unnecessary writes
	existing, err := txn.Get(store.TableID2Str, key)
	if err == nil && bytes.Equal(existing, value) {
		return nil
	}
	if err != nil && err != store.ErrNotFound {
		return err
	}

	return txn.Set(store.TableID2Str, key, value)
}

func (s *TripleStore) storeGraph(txn store.Transaction) error {
	_, err := txn.Get(store.TableGraphs, s.graph[:])
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}
	return txn.Set(store.TableGraphs, s.graph[:], []byte(s.uri))
}

// ListGraphs returns the URIs of every graph written to the storage
func ListGraphs(storage store.Storage) ([]string, error) {
	txn, err := storage.Begin(false)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	it, err := txn.Scan(store.TableGraphs, nil, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var uris []string
	for it.Next() {
		value, err := it.Value()
		if err != nil {
			return nil, err
		}
		uris = append(uris, string(value))
	}
	return uris, nil
}

func encodeVersion(insertT, deleteT int64) []byte {
	value := make([]byte, 16)
	binary.BigEndian.PutUint64(value[0:8], uint64(insertT)) // #nosec G115 - timestamps are positive
	binary.BigEndian.PutUint64(value[8:16], uint64(deleteT)) // #nosec G115 - timestamps are positive
	return value
}

func decodeVersion(value []byte) (insertT, deleteT int64) {
	if len(value) < 16 {
		return 0, 0
	}
	insertT = int64(binary.BigEndian.Uint64(value[0:8]))  // #nosec G115 - intentional bit-pattern conversion
	deleteT = int64(binary.BigEndian.Uint64(value[8:16])) // #nosec G115 - intentional bit-pattern conversion
	return insertT, deleteT
}
