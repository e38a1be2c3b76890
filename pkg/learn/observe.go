package learn

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dotsetgreg/hearthmind/pkg/ha"
	"github.com/dotsetgreg/hearthmind/pkg/profile"
	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

// observedDomains are the domains whose state changes carry routine
// information. Sensors churn constantly and teach nothing.
var observedDomains = map[string]bool{
	"light": true, "switch": true, "climate": true,
	"cover": true, "lock": true, "media_player": true,
}

const (
	// observationWindow bounds how far back pattern detection looks.
	// Older samples are pruned on every detection run.
	observationWindow = 7 * 24 * time.Hour
	// minObservations gates detection; below this the log cannot show
	// a recurring routine yet.
	minObservations = 12
	// maxSummaryChars caps the observation summary handed to the model.
	maxSummaryChars = 3000
)

// Observer learns routines from device state instead of conversation.
// Snapshots are sampled into an observation log, and a periodic pass
// asks the model which recurring habits the log reveals. Detected
// routines become profile entries with source "observed" so decay and
// told-overrides treat them like any other watched fact.
type Observer struct {
	db            *sql.DB
	invoker       Invoker
	profiles      ProfileWriter
	minConfidence float64
	log           *zap.Logger
}

func NewObserver(db *sql.DB, invoker Invoker, profiles ProfileWriter, minConfidence float64, log *zap.Logger) (*Observer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			state TEXT NOT NULL,
			observed_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS observations_time_idx ON state_observations(observed_at_ms);`,
	}
	if err := storage.InitSchema(db, stmts); err != nil {
		return nil, err
	}
	return &Observer{
		db:            db,
		invoker:       invoker,
		profiles:      profiles,
		minConfidence: minConfidence,
		log:           log,
	}, nil
}

// Sample records one snapshot of the observed domains. Returns how
// many entities were logged.
func (o *Observer) Sample(states []ha.EntityState) (int, error) {
	tx, err := o.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin observation tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO state_observations (entity_id, domain, state, observed_at_ms) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare observation insert: %w", err)
	}
	defer stmt.Close()

	now := storage.NowMS()
	logged := 0
	for _, s := range states {
		if !observedDomains[s.Domain()] || s.State == "" {
			continue
		}
		if _, err := stmt.Exec(s.EntityID, s.Domain(), s.State, now); err != nil {
			return logged, fmt.Errorf("insert observation: %w", err)
		}
		logged++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit observations: %w", err)
	}
	return logged, nil
}

// DetectPatterns prunes the observation log, summarizes what remains
// and asks the model for recurring routines. Returns how many profile
// entries were written.
func (o *Observer) DetectPatterns(ctx context.Context) (int, error) {
	cutoff := storage.NowMS() - observationWindow.Milliseconds()
	if _, err := o.db.Exec(`DELETE FROM state_observations WHERE observed_at_ms < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("prune observations: %w", err)
	}

	summary, total, err := o.summarize(cutoff)
	if err != nil {
		return 0, err
	}
	if total < minObservations {
		o.log.Debug("observation log too sparse for pattern detection",
			zap.Int("observations", total))
		return 0, nil
	}

	response, err := o.invoker.Invoke(ctx, "", patternPrompt(summary))
	if err != nil {
		return 0, fmt.Errorf("pattern analysis call: %w", err)
	}

	applied := 0
	for _, c := range ParseExtraction(response) {
		if c.Confidence < o.minConfidence {
			continue
		}
		if _, err := o.profiles.Upsert(c.Category, c.Key, c.Value, c.Confidence, c.Sensitivity, profile.SourceObserved); err != nil {
			o.log.Debug("observed routine rejected",
				zap.String("category", c.Category), zap.String("key", c.Key), zap.Error(err))
			continue
		}
		applied++
		o.log.Info("observed routine recorded",
			zap.String("key", c.Key),
			zap.String("value", c.Value),
			zap.Float64("confidence", c.Confidence))
	}
	return applied, nil
}

// summarize aggregates the log into one line per entity, state,
// weekday and hour with an occurrence count, sorted for stable
// prompts.
func (o *Observer) summarize(cutoff int64) (string, int, error) {
	rows, err := o.db.Query(
		`SELECT entity_id, state, observed_at_ms FROM state_observations WHERE observed_at_ms >= ?`, cutoff)
	if err != nil {
		return "", 0, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	total := 0
	for rows.Next() {
		var entityID, state string
		var atMS int64
		if err := rows.Scan(&entityID, &state, &atMS); err != nil {
			return "", 0, err
		}
		at := time.UnixMilli(atMS).UTC()
		key := fmt.Sprintf("%s state=%s %s %02d:00", entityID, state, at.Weekday().String()[:3], at.Hour())
		counts[key]++
		total++
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		line := fmt.Sprintf("%s seen %d times\n", k, counts[k])
		if b.Len()+len(line) > maxSummaryChars {
			b.WriteString("... (truncated)\n")
			break
		}
		b.WriteString(line)
	}
	return b.String(), total, nil
}

func patternPrompt(summary string) string {
	return fmt.Sprintf(`Analyze these smart home device observations and identify recurring routines or habits.
Each line is an entity, its state, a weekday and hour, and how often that combination occurred over the last 7 days.

%s
Extract patterns as a JSON array of objects with these fields:
- category: one of 'habit', 'pattern'
- key: a short descriptive key (e.g., 'bedtime_lights_off', 'preferred_night_temp')
- value: the observed value (e.g., '23:00', '22')
- confidence: how confident you are (0.0-1.0)

Rules:
- Only report combinations that recur on most days
- Focus on timing patterns and preferred settings
- Ignore one-off events

If there are no clear patterns, return an empty array [].

JSON array:`, summary)
}
