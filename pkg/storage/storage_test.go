package storage

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesFileAndDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hearthmind.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestInitSchema(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "schema.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS things (id TEXT PRIMARY KEY, created_at_ms INTEGER NOT NULL);`,
		`CREATE INDEX IF NOT EXISTS things_created_idx ON things(created_at_ms DESC);`,
	}
	if err := InitSchema(db, stmts); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	// Idempotent
	if err := InitSchema(db, stmts); err != nil {
		t.Fatalf("InitSchema second run failed: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO things (id, created_at_ms) VALUES ('a', ?)`, NowMS()); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
}
