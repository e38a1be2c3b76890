package audit

import (
	"path/filepath"
	"testing"

	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log, err := NewLog(db)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return log
}

func TestRecordAndRecent(t *testing.T) {
	log := newLog(t)

	if err := log.Record("sess-1", "weather tomorrow", "weather tomorrow", false, ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := log.Record("sess-1", "call 555-123-4567 about bob@example.com", "", true, "query contained too many personal data items"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	recent, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len = %d, want 2", len(recent))
	}
	// Newest first.
	if !recent[0].WasBlocked {
		t.Fatalf("expected blocked record first: %+v", recent[0])
	}
	if recent[0].SanitizedQuery != "" {
		t.Fatal("blocked record must not carry a sanitized query")
	}
	if recent[0].BlockReason == "" {
		t.Fatal("blocked record must carry a reason")
	}
	if recent[1].WasBlocked {
		t.Fatalf("expected allowed record second: %+v", recent[1])
	}
}

func TestRecentLimit(t *testing.T) {
	log := newLog(t)

	for i := 0; i < 5; i++ {
		if err := log.Record("", "query", "query", false, ""); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	recent, err := log.Recent(3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
}
