// Package profile stores long-lived facts about the household: stated
// preferences, observed habits, detected patterns and plain facts, each
// with a confidence score that tells the assembler how much to trust it.
package profile

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

// Entry categories.
const (
	CategoryPreference = "preference"
	CategoryHabit      = "habit"
	CategoryPattern    = "pattern"
	CategoryFact       = "fact"
)

// Sensitivity levels.
const (
	SensitivityPublic    = "public"
	SensitivityPrivate   = "private"
	SensitivitySensitive = "sensitive"
)

// Sources. Told entries come straight from the user and never decay.
const (
	SourceTold     = "told"
	SourceObserved = "observed"
	SourceInferred = "inferred"
)

// ErrInvalidEntry rejects upserts with an unknown category, sensitivity
// or source.
var ErrInvalidEntry = errors.New("invalid profile entry")

var (
	validCategories    = map[string]bool{CategoryPreference: true, CategoryHabit: true, CategoryPattern: true, CategoryFact: true}
	validSensitivities = map[string]bool{SensitivityPublic: true, SensitivityPrivate: true, SensitivitySensitive: true}
	validSources       = map[string]bool{SourceTold: true, SourceObserved: true, SourceInferred: true}
)

// ValidCategory reports whether c is one of the known categories.
func ValidCategory(c string) bool { return validCategories[c] }

// Entry is one profile row.
type Entry struct {
	ID              string
	Category        string
	Key             string
	Value           string
	Confidence      float64
	Sensitivity     string
	Source          string
	OccurrenceCount int
	FirstSeenMS     int64
	LastSeenMS      int64
}

// Store persists profile entries, one row per (category, key).
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profile_entries (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0.5,
			sensitivity TEXT NOT NULL DEFAULT 'private',
			source TEXT NOT NULL DEFAULT 'told',
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			first_seen_ms INTEGER NOT NULL,
			last_seen_ms INTEGER NOT NULL,
			UNIQUE(category, key)
		);`,
		`CREATE INDEX IF NOT EXISTS profile_confidence_idx ON profile_entries(confidence DESC);`,
	}
	if err := storage.InitSchema(db, stmts); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Upsert inserts or reinforces an entry. On an existing (category, key)
// the value is overwritten, confidence keeps the higher of old and new
// capped at 1.0, and the occurrence count goes up. A told source always
// wins: it overrides the stored source and lifts confidence to at
// least 0.9.
func (s *Store) Upsert(category, key, value string, confidence float64, sensitivity, source string) (*Entry, error) {
	if !validCategories[category] || !validSensitivities[sensitivity] || !validSources[source] {
		return nil, fmt.Errorf("%w: category=%q sensitivity=%q source=%q", ErrInvalidEntry, category, sensitivity, source)
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := storage.NowMS()
	existing, err := scanEntry(tx.QueryRow(
		selectEntry+` WHERE category = ? AND key = ?`, category, key))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e := &Entry{
			ID:              uuid.NewString(),
			Category:        category,
			Key:             key,
			Value:           value,
			Confidence:      confidence,
			Sensitivity:     sensitivity,
			Source:          source,
			OccurrenceCount: 1,
			FirstSeenMS:     now,
			LastSeenMS:      now,
		}
		_, err = tx.Exec(
			`INSERT INTO profile_entries
			 (id, category, key, value, confidence, sensitivity, source, occurrence_count, first_seen_ms, last_seen_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Category, e.Key, e.Value, e.Confidence, e.Sensitivity, e.Source, e.OccurrenceCount, e.FirstSeenMS, e.LastSeenMS,
		)
		if err != nil {
			return nil, fmt.Errorf("insert profile entry: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit upsert: %w", err)
		}
		return e, nil

	case err != nil:
		return nil, fmt.Errorf("query profile entry: %w", err)
	}

	existing.Value = value
	if confidence > existing.Confidence {
		existing.Confidence = confidence
	}
	if existing.Confidence > 1 {
		existing.Confidence = 1
	}
	existing.OccurrenceCount++
	existing.LastSeenMS = now
	if source == SourceTold {
		existing.Source = SourceTold
		if existing.Confidence < 0.9 {
			existing.Confidence = 0.9
		}
	}

	_, err = tx.Exec(
		`UPDATE profile_entries
		 SET value = ?, confidence = ?, source = ?, occurrence_count = ?, last_seen_ms = ?
		 WHERE id = ?`,
		existing.Value, existing.Confidence, existing.Source, existing.OccurrenceCount, existing.LastSeenMS, existing.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update profile entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return existing, nil
}

// GetAll returns entries ordered by confidence descending. category
// empty means all categories; minConfidence 0 means no floor;
// sensitivities empty means all levels.
func (s *Store) GetAll(category string, minConfidence float64, sensitivities ...string) ([]Entry, error) {
	query := selectEntry + ` WHERE 1=1`
	var args []any
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	if minConfidence > 0 {
		query += ` AND confidence >= ?`
		args = append(args, minConfidence)
	}
	if len(sensitivities) > 0 {
		query += ` AND sensitivity IN (?` + strings.Repeat(",?", len(sensitivities)-1) + `)`
		for _, sv := range sensitivities {
			args = append(args, sv)
		}
	}
	query += ` ORDER BY confidence DESC, last_seen_ms DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query profile entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Get returns a single entry or nil.
func (s *Store) Get(category, key string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow(selectEntry+` WHERE category = ? AND key = ?`, category, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Delete removes one entry and reports whether it existed.
func (s *Store) Delete(category, key string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM profile_entries WHERE category = ? AND key = ?`, category, key)
	if err != nil {
		return false, fmt.Errorf("delete profile entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clear removes every entry, or only a category's entries, and returns
// the count removed.
func (s *Store) Clear(category string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if category == "" {
		res, err = s.db.Exec(`DELETE FROM profile_entries`)
	} else {
		res, err = s.db.Exec(`DELETE FROM profile_entries WHERE category = ?`, category)
	}
	if err != nil {
		return 0, fmt.Errorf("clear profile entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Decay multiplies the confidence of observed and inferred entries by
// factor with a floor of 0.1, so unreinforced patterns fade without
// ever vanishing. Told entries are untouched.
func (s *Store) Decay(factor float64) (int, error) {
	if factor <= 0 || factor > 1 {
		return 0, fmt.Errorf("decay factor %v out of range", factor)
	}
	res, err := s.db.Exec(
		`UPDATE profile_entries SET confidence = MAX(0.1, confidence * ?)
		 WHERE source IN (?, ?)`,
		factor, SourceObserved, SourceInferred,
	)
	if err != nil {
		return 0, fmt.Errorf("decay profile entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const selectEntry = `SELECT id, category, key, value, confidence, sensitivity, source, occurrence_count, first_seen_ms, last_seen_ms
	FROM profile_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	if err := row.Scan(&e.ID, &e.Category, &e.Key, &e.Value, &e.Confidence, &e.Sensitivity, &e.Source, &e.OccurrenceCount, &e.FirstSeenMS, &e.LastSeenMS); err != nil {
		return nil, err
	}
	return &e, nil
}
