//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteJobStore(t *testing.T) {
	s, err := NewSQLiteJobStore(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteJobStore returned error: %v", err)
	}
	runJobStoreTests(t, s)
}

func TestOpenSQLite(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "jobs.db")})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteJobStore); !ok {
		t.Fatalf("expected sqlite store, got %T", s)
	}
}
