package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

func newStore(t *testing.T, timeout time.Duration) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, timeout, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestGetOrCreate_ReusesActiveSession(t *testing.T) {
	store := newStore(t, 30*time.Minute)

	first := store.GetOrCreate("chat-1")
	if first.Transient {
		t.Fatal("healthy storage must not hand out transient sessions")
	}
	second := store.GetOrCreate("chat-1")
	if second.ID != first.ID {
		t.Fatalf("session rolled over while active: %s vs %s", first.ID, second.ID)
	}
	if second.LastActivityMS < first.LastActivityMS {
		t.Fatal("activity timestamp not refreshed")
	}
}

func TestGetOrCreate_SeparateChats(t *testing.T) {
	store := newStore(t, 30*time.Minute)

	a := store.GetOrCreate("chat-a")
	b := store.GetOrCreate("chat-b")
	if a.ID == b.ID {
		t.Fatal("chats share a session")
	}
}

func TestGetOrCreate_RollsOverAfterTimeout(t *testing.T) {
	store := newStore(t, 30*time.Minute)

	first := store.GetOrCreate("chat-1")
	// Backdate past the timeout.
	if _, err := store.db.Exec(
		`UPDATE conversation_sessions SET last_activity_ms = last_activity_ms - ? WHERE id = ?`,
		(31 * time.Minute).Milliseconds(), first.ID,
	); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	second := store.GetOrCreate("chat-1")
	if second.ID == first.ID {
		t.Fatal("expired session not rolled over")
	}

	var activeCount int
	if err := store.db.QueryRow(
		`SELECT COUNT(1) FROM conversation_sessions WHERE chat_id = 'chat-1' AND is_active = 1`,
	).Scan(&activeCount); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if activeCount != 1 {
		t.Fatalf("active sessions = %d, want exactly 1", activeCount)
	}
}

func TestGetOrCreate_TransientOnStorageError(t *testing.T) {
	store := newStore(t, 30*time.Minute)
	// Sabotage the table so the transaction fails.
	if _, err := store.db.Exec(`DROP TABLE conversation_sessions`); err != nil {
		t.Fatalf("drop failed: %v", err)
	}

	sess := store.GetOrCreate("chat-1")
	if sess == nil {
		t.Fatal("expected a session despite storage failure")
	}
	if !sess.Transient {
		t.Fatal("expected a transient session")
	}
	if sess.ChatID != "chat-1" || sess.ID == "" {
		t.Fatalf("transient session malformed: %+v", sess)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	store := newStore(t, 30*time.Minute)
	sess := store.GetOrCreate("chat-1")

	if err := store.AddMessage(sess.ID, "chat-1", RoleUser, "turn on the lights"); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if err := store.AddMessage(sess.ID, "chat-1", RoleAssistant, "done"); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	msgs, err := store.SessionMessages(sess.ID, 0)
	if err != nil {
		t.Fatalf("SessionMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Fatalf("order wrong: %+v", msgs)
	}
}

func TestRecentMessagesAcrossSessions(t *testing.T) {
	store := newStore(t, 30*time.Minute)

	first := store.GetOrCreate("chat-1")
	if err := store.AddMessage(first.ID, "chat-1", RoleUser, "older"); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	// Force a rollover, then add to the fresh session.
	if _, err := store.db.Exec(
		`UPDATE conversation_sessions SET last_activity_ms = last_activity_ms - ? WHERE id = ?`,
		(31 * time.Minute).Milliseconds(), first.ID,
	); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}
	second := store.GetOrCreate("chat-1")
	if err := store.AddMessage(second.ID, "chat-1", RoleUser, "newer"); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	msgs, err := store.RecentMessages("chat-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "older" || msgs[1].Content != "newer" {
		t.Fatalf("chronological order broken: %+v", msgs)
	}
}

func TestClearHistory(t *testing.T) {
	store := newStore(t, 30*time.Minute)

	a := store.GetOrCreate("chat-a")
	b := store.GetOrCreate("chat-b")
	_ = store.AddMessage(a.ID, "chat-a", RoleUser, "one")
	_ = store.AddMessage(a.ID, "chat-a", RoleUser, "two")
	_ = store.AddMessage(b.ID, "chat-b", RoleUser, "three")

	n, err := store.ClearHistory("chat-a")
	if err != nil || n != 2 {
		t.Fatalf("ClearHistory chat-a: %d %v", n, err)
	}
	n, err = store.ClearHistory("")
	if err != nil || n != 1 {
		t.Fatalf("ClearHistory all: %d %v", n, err)
	}
}
