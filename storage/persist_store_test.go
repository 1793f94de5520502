package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
)

func TestPersistenceStore_BasicOperations(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	defer ps.Close()

	key := []byte("test-key")
	value := []byte("test-value")

	if err := ps.Put(key, value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, found, err := ps.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("Expected key to be found")
	}
	if string(got) != string(value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}

	_, found, err = ps.Get([]byte("non-existent"))
	if err != nil {
		t.Fatalf("Get non-existent failed: %v", err)
	}
	if found {
		t.Error("Expected key not to be found")
	}

	if err := ps.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if has, _ := ps.Has(key); has {
		t.Error("Expected key to be deleted")
	}
}

func TestPersistenceStore_GetWithPrefix(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	defer ps.Close()

	prefix := []byte("cert/")
	keys := [][]byte{
		[]byte("cert/a"),
		[]byte("cert/b"),
		[]byte("cert/c"),
		[]byte("certX"),
		[]byte("root/a"),
	}
	for _, key := range keys {
		if err := ps.Put(key, []byte("value-"+string(key))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	results, err := ps.GetWithPrefix(prefix)
	if err != nil {
		t.Fatalf("GetWithPrefix failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for i, kv := range results {
		if !bytes.HasPrefix(kv[0], prefix) {
			t.Errorf("Key %q does not have prefix %q", kv[0], prefix)
		}
		if string(kv[1]) != "value-"+string(keys[i]) {
			t.Errorf("result %d: value %q", i, kv[1])
		}
	}

	onlyKeys, err := ps.KeysWithPrefix(prefix)
	if err != nil {
		t.Fatalf("KeysWithPrefix failed: %v", err)
	}
	if len(onlyKeys) != 3 {
		t.Errorf("Expected 3 keys, got %d", len(onlyKeys))
	}
}

func TestPersistenceStore_UpdateDiscardsOnError(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	defer ps.Close()

	boom := errors.New("boom")
	err = ps.Update(func(tx *leveldb.Transaction) error {
		if err := tx.Put([]byte("k1"), []byte("v1"), nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update returned %v, want %v", err, boom)
	}
	if has, _ := ps.Has([]byte("k1")); has {
		t.Error("discarded transaction leaked a write")
	}

	err = ps.Update(func(tx *leveldb.Transaction) error {
		return tx.Put([]byte("k2"), []byte("v2"), nil)
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if has, _ := ps.Has([]byte("k2")); !has {
		t.Error("committed transaction lost its write")
	}
}

func TestPersistenceStore_ReopenFromDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ps, err := NewPersistenceStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ps.WriteBatch([][2][]byte{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}}); err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ps, err = NewPersistenceStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ps.Close()
	got, found, err := ps.Get([]byte("b"))
	if err != nil || !found || string(got) != "2" {
		t.Errorf("after reopen: %q found=%v err=%v", got, found, err)
	}
}
