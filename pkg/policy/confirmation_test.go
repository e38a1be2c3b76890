package policy

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

func newConfirmationStore(t *testing.T) *ConfirmationStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewConfirmationStore(db)
	if err != nil {
		t.Fatalf("new confirmation store: %v", err)
	}
	return store
}

func TestSuspendAndResolveApproved(t *testing.T) {
	store := newConfirmationStore(t)

	payload := map[string]any{
		"type":      "action_confirmation",
		"domain":    "lock",
		"service":   "unlock",
		"entity_id": "lock.front_door",
	}
	c, err := store.Suspend("chat-1", payload)
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if c.Status != ConfirmationPending {
		t.Fatalf("status = %q, want pending", c.Status)
	}

	resolved, err := store.Resolve("chat-1", true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Status != ConfirmationApproved {
		t.Fatalf("status = %q, want approved", resolved.Status)
	}
	if resolved.Payload["service"] != "unlock" {
		t.Fatalf("payload lost: %v", resolved.Payload)
	}
	if resolved.ResolvedAtMS == 0 {
		t.Fatal("resolved_at not set")
	}
}

func TestResolveRejected(t *testing.T) {
	store := newConfirmationStore(t)

	if _, err := store.Suspend("chat-1", map[string]any{"domain": "camera"}); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	resolved, err := store.Resolve("chat-1", false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Status != ConfirmationRejected {
		t.Fatalf("status = %q, want rejected", resolved.Status)
	}
}

func TestSecondSuspendIsProtocolError(t *testing.T) {
	store := newConfirmationStore(t)

	if _, err := store.Suspend("chat-1", nil); err != nil {
		t.Fatalf("first Suspend failed: %v", err)
	}
	_, err := store.Suspend("chat-1", nil)
	if !errors.Is(err, ErrConfirmationPending) {
		t.Fatalf("err = %v, want ErrConfirmationPending", err)
	}

	// A different conversation is unaffected.
	if _, err := store.Suspend("chat-2", nil); err != nil {
		t.Fatalf("Suspend on other conversation failed: %v", err)
	}
}

func TestConcurrentSuspendsAdmitExactlyOne(t *testing.T) {
	store := newConfirmationStore(t)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Suspend("chat-1", map[string]any{"domain": "lock"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, refused int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrConfirmationPending):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || refused != attempts-1 {
		t.Fatalf("won = %d, refused = %d", won, refused)
	}
}

func TestResolveWithoutPending(t *testing.T) {
	store := newConfirmationStore(t)

	_, err := store.Resolve("chat-1", true)
	if !errors.Is(err, ErrNoPendingConfirmation) {
		t.Fatalf("err = %v, want ErrNoPendingConfirmation", err)
	}
}

func TestSweepExpired(t *testing.T) {
	store := newConfirmationStore(t)

	c, err := store.Suspend("chat-1", nil)
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	// Backdate past the timeout.
	if _, err := store.db.Exec(
		`UPDATE pending_confirmations SET created_at_ms = created_at_ms - 120000 WHERE id = ?`, c.ID,
	); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	n, err := store.SweepExpired(60 * time.Second)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	// The expired record no longer resolves.
	if _, err := store.Resolve("chat-1", true); !errors.Is(err, ErrNoPendingConfirmation) {
		t.Fatalf("err = %v, want ErrNoPendingConfirmation", err)
	}
	// And a fresh suspend is allowed again.
	if _, err := store.Suspend("chat-1", nil); err != nil {
		t.Fatalf("Suspend after expiry failed: %v", err)
	}
}

func TestSweepLeavesFreshPending(t *testing.T) {
	store := newConfirmationStore(t)

	if _, err := store.Suspend("chat-1", nil); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	n, err := store.SweepExpired(60 * time.Second)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d, want 0", n)
	}
	pending, err := store.Pending("chat-1")
	if err != nil || pending == nil {
		t.Fatalf("pending lost: %v %v", pending, err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	store := newConfirmationStore(t)

	if _, err := store.Suspend("chat-1", map[string]any{"n": "first"}); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if _, err := store.Resolve("chat-1", true); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := store.db.Exec(`UPDATE pending_confirmations SET created_at_ms = created_at_ms - 1000`); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}
	if _, err := store.Suspend("chat-2", map[string]any{"n": "second"}); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	hist, err := store.History(10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Payload["n"] != "second" {
		t.Fatalf("history not newest first: %v", hist)
	}
}
