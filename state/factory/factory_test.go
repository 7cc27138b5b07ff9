package factory

import (
	"path/filepath"
	"testing"

	memorystore "github.com/metherx/cellagent/state/memory"
	sqlitestore "github.com/metherx/cellagent/state/sqlite"
)

func TestOpen_Memory(t *testing.T) {
	store, err := Open("memory")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*memorystore.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestOpen_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := Open("sqlite:" + path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*sqlitestore.Store); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
}

func TestOpen_Invalid(t *testing.T) {
	cases := []string{"", "sqlite:", "postgres://nope", "redis://"}
	for _, dsn := range cases {
		if _, err := Open(dsn); err == nil {
			t.Fatalf("expected error for dsn %q", dsn)
		}
	}
}
