package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFileStoreMissingFileLoadsEmpty(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "sent.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	entries, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Load() = %v, want empty", entries)
	}
}

func TestFileStoreAppendRewritesJSONArray(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sent.json")
	if err := os.WriteFile(path, []byte(`["911111111111"]`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := store.Append(context.Background(), "912222222222"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var got []string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("ledger file is not a JSON array: %v", err)
	}
	want := []string{"911111111111", "912222222222"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ledger file = %v, want %v", got, want)
	}

	leftovers, err := filepath.Glob(path + ".*.tmp")
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sent.json")

	first, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	l, err := Open(context.Background(), first)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := l.Record(context.Background(), "911111111111"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() after close error = %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	reopened, err := Open(context.Background(), second)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !reopened.Contains("911111111111") {
		t.Fatal("entry should survive a reopen")
	}
}

func TestFileStoreRejectsSecondOwner(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sent.json")

	owner, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	t.Cleanup(func() { _ = owner.Close() })

	if _, err := NewFileStore(path); !errors.Is(err, ErrLedgerLocked) {
		t.Fatalf("second NewFileStore() error = %v, want ErrLedgerLocked", err)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sent.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("Load() should fail on a corrupt ledger")
	}
}
