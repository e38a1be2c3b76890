package learn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotsetgreg/hearthmind/pkg/ha"
	"github.com/dotsetgreg/hearthmind/pkg/profile"
	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

func newObserver(t *testing.T, invoker Invoker, writer ProfileWriter, minConfidence float64) *Observer {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	o, err := NewObserver(db, invoker, writer, minConfidence, nil)
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}
	return o
}

// seedObservations backfills the log with one row per day for the
// given entity and state at the given hour, newest first.
func seedObservations(t *testing.T, o *Observer, entityID, domain, state string, hour, days int) {
	t.Helper()
	now := time.Now().UTC()
	for d := 0; d < days; d++ {
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC).AddDate(0, 0, -d)
		if _, err := o.db.Exec(
			`INSERT INTO state_observations (entity_id, domain, state, observed_at_ms) VALUES (?, ?, ?, ?)`,
			entityID, domain, state, at.UnixMilli(),
		); err != nil {
			t.Fatalf("seed observation: %v", err)
		}
	}
}

func TestObserverSamplesWatchedDomainsOnly(t *testing.T) {
	o := newObserver(t, &stubInvoker{response: "[]"}, newRecordingWriter(), 0)

	n, err := o.Sample([]ha.EntityState{
		{EntityID: "light.bedroom", State: "off"},
		{EntityID: "lock.front_door", State: "locked"},
		{EntityID: "sensor.outdoor", State: "12"},
		{EntityID: "light.hall", State: ""},
	})
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("logged = %d, want 2", n)
	}

	var stored int
	if err := o.db.QueryRow(`SELECT COUNT(1) FROM state_observations`).Scan(&stored); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if stored != 2 {
		t.Fatalf("stored = %d, want 2", stored)
	}
}

func TestObserverDetectsRoutines(t *testing.T) {
	invoker := &countingInvoker{
		response: `[{"category":"habit","key":"bedtime_lights_off","value":"23:00","confidence":0.8}]`,
	}
	writer := newRecordingWriter()
	o := newObserver(t, invoker, writer, 0)
	seedObservations(t, o, "light.bedroom", "light", "off", 23, 7)
	seedObservations(t, o, "light.hall", "light", "off", 23, 7)

	applied, err := o.DetectPatterns(context.Background())
	if err != nil {
		t.Fatalf("DetectPatterns failed: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.entries) != 1 || writer.entries[0].Key != "bedtime_lights_off" {
		t.Fatalf("entries = %+v", writer.entries)
	}
	if writer.sources[0] != profile.SourceObserved {
		t.Fatalf("source = %q, want observed", writer.sources[0])
	}
}

func TestObserverSkipsSparseLog(t *testing.T) {
	invoker := &countingInvoker{response: "[]"}
	writer := newRecordingWriter()
	o := newObserver(t, invoker, writer, 0)
	seedObservations(t, o, "light.bedroom", "light", "off", 23, 3)

	applied, err := o.DetectPatterns(context.Background())
	if err != nil {
		t.Fatalf("DetectPatterns failed: %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied = %d, want 0", applied)
	}
	if invoker.callCount() != 0 {
		t.Fatal("sparse log still reached the model")
	}
}

func TestObserverPrunesStaleObservations(t *testing.T) {
	o := newObserver(t, &countingInvoker{response: "[]"}, newRecordingWriter(), 0)

	stale := time.Now().Add(-10 * 24 * time.Hour).UnixMilli()
	if _, err := o.db.Exec(
		`INSERT INTO state_observations (entity_id, domain, state, observed_at_ms) VALUES (?, ?, ?, ?)`,
		"light.bedroom", "light", "off", stale,
	); err != nil {
		t.Fatalf("seed stale observation: %v", err)
	}

	if _, err := o.DetectPatterns(context.Background()); err != nil {
		t.Fatalf("DetectPatterns failed: %v", err)
	}

	var remaining int
	if err := o.db.QueryRow(`SELECT COUNT(1) FROM state_observations`).Scan(&remaining); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("stale observations remaining = %d, want 0", remaining)
	}
}

func TestObserverFiltersLowConfidence(t *testing.T) {
	invoker := &countingInvoker{response: `[
		{"category":"habit","key":"weak","value":"x","confidence":0.1},
		{"category":"habit","key":"strong","value":"23:00","confidence":0.9}
	]`}
	writer := newRecordingWriter()
	o := newObserver(t, invoker, writer, 0.3)
	seedObservations(t, o, "light.bedroom", "light", "off", 23, 7)
	seedObservations(t, o, "light.hall", "light", "off", 23, 7)

	applied, err := o.DetectPatterns(context.Background())
	if err != nil {
		t.Fatalf("DetectPatterns failed: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.entries) != 1 || writer.entries[0].Key != "strong" {
		t.Fatalf("entries = %+v", writer.entries)
	}
}

func TestObserverSurfacesModelFailure(t *testing.T) {
	invoker := &countingInvoker{err: errors.New("model down")}
	o := newObserver(t, invoker, newRecordingWriter(), 0)
	seedObservations(t, o, "light.bedroom", "light", "off", 23, 7)
	seedObservations(t, o, "light.hall", "light", "off", 23, 7)

	if _, err := o.DetectPatterns(context.Background()); err == nil {
		t.Fatal("expected error from failed model call")
	}
}
