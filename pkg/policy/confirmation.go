package policy

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

// Confirmation states. A record only ever moves pending -> approved,
// pending -> rejected or pending -> expired.
const (
	ConfirmationPending  = "pending"
	ConfirmationApproved = "approved"
	ConfirmationRejected = "rejected"
	ConfirmationExpired  = "expired"
)

var (
	// ErrConfirmationPending means a conversation already has an open
	// confirmation and may not suspend a second one.
	ErrConfirmationPending = errors.New("confirmation already pending for conversation")
	// ErrNoPendingConfirmation means a resolve arrived with nothing to
	// resolve, usually after a sweep expired the record.
	ErrNoPendingConfirmation = errors.New("no pending confirmation for conversation")
)

// Confirmation is a suspended service call awaiting a user decision.
type Confirmation struct {
	ID             string
	ConversationID string
	Status         string
	Payload        map[string]any
	CreatedAtMS    int64
	ResolvedAtMS   int64
}

// ConfirmationStore persists suspended calls so a decision survives a
// process restart.
type ConfirmationStore struct {
	db *sql.DB
}

func NewConfirmationStore(db *sql.DB) (*ConfirmationStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_confirmations (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			resolved_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS confirmations_one_pending
			ON pending_confirmations(conversation_id) WHERE status = 'pending';`,
		`CREATE INDEX IF NOT EXISTS confirmations_status_idx
			ON pending_confirmations(status, created_at_ms);`,
	}
	if err := storage.InitSchema(db, stmts); err != nil {
		return nil, err
	}
	return &ConfirmationStore{db: db}, nil
}

// Suspend records a pending confirmation for the conversation. Only one
// may be open at a time; a second suspend is a protocol error.
func (s *ConfirmationStore) Suspend(conversationID string, payload map[string]any) (*Confirmation, error) {
	var open int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM pending_confirmations WHERE conversation_id = ? AND status = ?`,
		conversationID, ConfirmationPending,
	).Scan(&open)
	if err != nil {
		return nil, fmt.Errorf("count pending confirmations: %w", err)
	}
	if open > 0 {
		return nil, ErrConfirmationPending
	}

	c := &Confirmation{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Status:         ConfirmationPending,
		Payload:        payload,
		CreatedAtMS:    storage.NowMS(),
	}
	_, err = s.db.Exec(
		`INSERT INTO pending_confirmations (id, conversation_id, status, payload_json, created_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ConversationID, c.Status, encodePayload(c.Payload), c.CreatedAtMS,
	)
	if err != nil {
		// Two suspends can pass the count check together; the partial
		// unique index rejects the loser.
		if isUniqueViolation(err) {
			return nil, ErrConfirmationPending
		}
		return nil, fmt.Errorf("insert confirmation: %w", err)
	}
	return c, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Pending returns the open confirmation for a conversation, or nil.
func (s *ConfirmationStore) Pending(conversationID string) (*Confirmation, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, status, payload_json, created_at_ms, resolved_at_ms
		 FROM pending_confirmations WHERE conversation_id = ? AND status = ?`,
		conversationID, ConfirmationPending,
	)
	c, err := scanConfirmation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// Resolve closes the pending confirmation with the user's decision and
// returns it so the caller can resume the suspended service call.
func (s *ConfirmationStore) Resolve(conversationID string, approved bool) (*Confirmation, error) {
	c, err := s.Pending(conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNoPendingConfirmation
	}

	status := ConfirmationRejected
	if approved {
		status = ConfirmationApproved
	}
	now := storage.NowMS()
	res, err := s.db.Exec(
		`UPDATE pending_confirmations SET status = ?, resolved_at_ms = ?
		 WHERE id = ? AND status = ?`,
		status, now, c.ID, ConfirmationPending,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve confirmation: %w", err)
	}
	// A concurrent sweep may have expired it between read and update.
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNoPendingConfirmation
	}
	c.Status = status
	c.ResolvedAtMS = now
	return c, nil
}

// SweepExpired marks pending confirmations older than timeout as
// expired and returns how many it closed.
func (s *ConfirmationStore) SweepExpired(timeout time.Duration) (int, error) {
	now := storage.NowMS()
	cutoff := now - timeout.Milliseconds()
	res, err := s.db.Exec(
		`UPDATE pending_confirmations SET status = ?, resolved_at_ms = ?
		 WHERE status = ? AND created_at_ms <= ?`,
		ConfirmationExpired, now, ConfirmationPending, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep confirmations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// History lists the most recent confirmations, newest first.
func (s *ConfirmationStore) History(limit int) ([]Confirmation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, conversation_id, status, payload_json, created_at_ms, resolved_at_ms
		 FROM pending_confirmations ORDER BY created_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query confirmations: %w", err)
	}
	defer rows.Close()

	var out []Confirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfirmation(row rowScanner) (*Confirmation, error) {
	var c Confirmation
	var payloadJSON string
	if err := row.Scan(&c.ID, &c.ConversationID, &c.Status, &payloadJSON, &c.CreatedAtMS, &c.ResolvedAtMS); err != nil {
		return nil, err
	}
	c.Payload = decodePayload(payloadJSON)
	return &c, nil
}

func encodePayload(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodePayload(s string) map[string]any {
	m := map[string]any{}
	if s == "" {
		return m
	}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}
