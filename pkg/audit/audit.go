// Package audit keeps the search audit log. Every outbound search
// attempt is recorded, including the ones the sanitizer blocked, so the
// household can always see what almost left the house.
package audit

import (
	"database/sql"
	"fmt"

	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

// Record is one search attempt.
type Record struct {
	ID             int64
	SessionID      string
	OriginalQuery  string
	SanitizedQuery string
	WasBlocked     bool
	BlockReason    string
	CreatedAtMS    int64
}

type Log struct {
	db *sql.DB
}

func NewLog(db *sql.DB) (*Log, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS search_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL DEFAULT '',
			original_query TEXT NOT NULL,
			sanitized_query TEXT NOT NULL DEFAULT '',
			was_blocked INTEGER NOT NULL DEFAULT 0,
			block_reason TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS audit_created_idx ON search_audit_log(created_at_ms DESC);`,
	}
	if err := storage.InitSchema(db, stmts); err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

// Record writes one attempt. Blocked attempts carry an empty sanitized
// query.
func (l *Log) Record(sessionID, originalQuery, sanitizedQuery string, wasBlocked bool, blockReason string) error {
	_, err := l.db.Exec(
		`INSERT INTO search_audit_log (session_id, original_query, sanitized_query, was_blocked, block_reason, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, originalQuery, sanitizedQuery, wasBlocked, blockReason, storage.NowMS(),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Recent returns the newest records first.
func (l *Log) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(
		`SELECT id, session_id, original_query, sanitized_query, was_blocked, block_reason, created_at_ms
		 FROM search_audit_log ORDER BY created_at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.OriginalQuery, &r.SanitizedQuery, &r.WasBlocked, &r.BlockReason, &r.CreatedAtMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
