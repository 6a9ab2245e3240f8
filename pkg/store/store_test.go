package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kadirpekel/warden/pkg/config"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect string
		query   string
		want    string
	}{
		{"sqlite", "SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = ?"},
		{"mysql", "INSERT INTO t VALUES (?, ?)", "INSERT INTO t VALUES (?, ?)"},
		{"postgres", "SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"postgres", "INSERT INTO t VALUES (?, ?, ?)", "INSERT INTO t VALUES ($1, $2, $3)"},
		{"postgres", "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		if got := Rebind(tt.dialect, tt.query); got != tt.want {
			t.Errorf("Rebind(%s, %q) = %q, want %q", tt.dialect, tt.query, got, tt.want)
		}
	}
}

func TestNewValidatesDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	if _, err := New(db, "oracle"); err == nil {
		t.Error("expected error for unsupported dialect")
	}
	if _, err := New(nil, "sqlite"); err == nil {
		t.Error("expected error for nil connection")
	}

	s, err := New(db, "postgres")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Rebind("? ?") != "$1 $2" {
		t.Errorf("store rebind mismatch: %q", s.Rebind("? ?"))
	}
}

func TestOpenRejectsMemoryDriver(t *testing.T) {
	cfg := &config.StoreConfig{Driver: "memory"}
	cfg.SetDefaults()
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("expected error for memory driver")
	}
}
