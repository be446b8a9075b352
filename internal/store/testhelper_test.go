package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore opens a migrated SQLite store in a temp dir.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Driver:      "sqlite",
		URL:         filepath.Join(t.TempDir(), "mailrice.db"),
		LockTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
