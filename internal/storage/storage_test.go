package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.Set("a", []byte("one")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	v, err := m.Get("a")
	if err != nil || string(v) != "one" {
		t.Fatalf("unexpected get: %q %v", v, err)
	}
	// Returned slices are copies; mutating one must not leak into the store.
	v[0] = 'X'
	v2, _ := m.Get("a")
	if string(v2) != "one" {
		t.Fatalf("stored value mutated through the returned slice: %q", v2)
	}
	if err := m.Delete("a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := m.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFilePersistsAcrossBootstraps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cache.json")

	f := NewFile(path)
	if err := f.Bootstrap(); err != nil {
		t.Fatalf("bootstrap of a missing file failed: %v", err)
	}
	if err := f.Set("revocation/current-list", []byte(`{"version":3}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	reopened := NewFile(path)
	if err := reopened.Bootstrap(); err != nil {
		t.Fatalf("second bootstrap failed: %v", err)
	}
	v, err := reopened.Get("revocation/current-list")
	if err != nil || string(v) != `{"version":3}` {
		t.Fatalf("unexpected value after reopen: %q %v", v, err)
	}

	if err := reopened.Delete("revocation/current-list"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	third := NewFile(path)
	if err := third.Bootstrap(); err != nil {
		t.Fatalf("third bootstrap failed: %v", err)
	}
	if _, err := third.Get("revocation/current-list"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after persisted delete, got %v", err)
	}
}

func TestFileBootstrapRejectsCorruptPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := NewFile(path).Bootstrap(); err == nil {
		t.Fatal("expected bootstrap to fail on corrupt payload")
	}
}

func TestFileRequiresPath(t *testing.T) {
	if err := NewFile("").Bootstrap(); err == nil {
		t.Fatal("expected error for empty path")
	}
}
