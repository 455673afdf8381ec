package storage

import (
	"testing"

	"github.com/aleksaelezovic/sage/pkg/store"
)

func TestSetGetDelete(t *testing.T) {
	storage, err := NewBadgerStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer storage.Close()

	txn, err := storage.Begin(true)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if err := txn.Set(store.TableID2Str, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("failed to set: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	txn, _ = storage.Begin(false)
	value, err := txn.Get(store.TableID2Str, []byte("k"))
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if string(value) != "v" {
		t.Errorf("expected v, got %q", value)
	}
	if _, err := txn.Get(store.TableSPO, []byte("k")); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound from another table, got %v", err)
	}
	if err := txn.Set(store.TableID2Str, []byte("x"), nil); err != store.ErrTransactionRO {
		t.Errorf("expected ErrTransactionRO, got %v", err)
	}
	txn.Rollback()

	txn, _ = storage.Begin(true)
	if err := txn.Delete(store.TableID2Str, []byte("k")); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	txn, _ = storage.Begin(false)
	defer txn.Rollback()
	if _, err := txn.Get(store.TableID2Str, []byte("k")); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestScanPrefixAndSeek(t *testing.T) {
	storage, err := NewMemoryStorage()
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer storage.Close()

	txn, _ := storage.Begin(true)
	for _, key := range []string{"a1", "a2", "a3", "b1"} {
		if err := txn.Set(store.TableSPO, []byte(key), []byte{}); err != nil {
			t.Fatalf("failed to set %s: %v", key, err)
		}
	}
	// same key in a different table must not leak into the scan
	if err := txn.Set(store.TablePOS, []byte("a9"), []byte{}); err != nil {
		t.Fatalf("failed to set: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	scan := func(prefix, seek []byte) []string {
		txn, _ := storage.Begin(false)
		defer txn.Rollback()
		it, err := txn.Scan(store.TableSPO, prefix, seek)
		if err != nil {
			t.Fatalf("failed to scan: %v", err)
		}
		defer it.Close()
		var keys []string
		for it.Next() {
			keys = append(keys, string(it.Key()))
		}
		return keys
	}

	if got := scan([]byte("a"), nil); len(got) != 3 || got[0] != "a1" || got[2] != "a3" {
		t.Errorf("prefix scan: got %v", got)
	}
	if got := scan([]byte("a"), []byte("a2")); len(got) != 2 || got[0] != "a2" {
		t.Errorf("seek scan: got %v", got)
	}
	if got := scan(nil, nil); len(got) != 4 {
		t.Errorf("full table scan: got %v", got)
	}
}
