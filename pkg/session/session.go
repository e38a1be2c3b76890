// Package session keeps per-chat conversation sessions and their
// message history. A chat has at most one active session; after the
// inactivity timeout the old session is retired and a fresh one starts.
package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one bounded stretch of conversation with a chat.
type Session struct {
	ID             string
	ChatID         string
	StartedAtMS    int64
	LastActivityMS int64
	Active         bool
	// Transient sessions exist only in memory, handed out when storage
	// failed so the conversation can still proceed.
	Transient bool
}

// Message is one history row.
type Message struct {
	ID          int64
	SessionID   string
	ChatID      string
	Role        string
	Content     string
	CreatedAtMS int64
}

// Store manages sessions and history over the shared database.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	log     *zap.Logger
}

// NewStore creates the store. timeout is the inactivity window after
// which GetOrCreate rolls the session over; zero or negative falls back
// to 30 minutes.
func NewStore(db *sql.DB, timeout time.Duration, log *zap.Logger) (*Store, error) {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			last_activity_ms INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_chat_active_idx ON conversation_sessions(chat_id, is_active);`,
		`CREATE TABLE IF NOT EXISTS conversation_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS history_session_idx ON conversation_history(session_id, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS history_chat_idx ON conversation_history(chat_id, created_at_ms DESC);`,
	}
	if err := storage.InitSchema(db, stmts); err != nil {
		return nil, err
	}
	return &Store{db: db, timeout: timeout, log: log}, nil
}

// GetOrCreate returns the active session for a chat, refreshing its
// activity timestamp. An inactive-past-timeout session is retired and
// replaced inside the same transaction, so no moment exists with two
// active sessions for one chat. On storage failure a transient
// in-memory session is returned instead of an error; the conversation
// continues, it just will not persist.
func (s *Store) GetOrCreate(chatID string) *Session {
	sess, err := s.getOrCreate(chatID)
	if err != nil {
		s.log.Error("session storage failed, using transient session",
			zap.String("chat_id", chatID), zap.Error(err))
		now := storage.NowMS()
		return &Session{
			ID:             uuid.NewString(),
			ChatID:         chatID,
			StartedAtMS:    now,
			LastActivityMS: now,
			Active:         true,
			Transient:      true,
		}
	}
	return sess
}

func (s *Store) getOrCreate(chatID string) (*Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := storage.NowMS()
	var active Session
	err = tx.QueryRow(
		`SELECT id, chat_id, started_at_ms, last_activity_ms, is_active
		 FROM conversation_sessions WHERE chat_id = ? AND is_active = 1`,
		chatID,
	).Scan(&active.ID, &active.ChatID, &active.StartedAtMS, &active.LastActivityMS, &active.Active)

	switch {
	case err == nil:
		if now-active.LastActivityMS <= s.timeout.Milliseconds() {
			active.LastActivityMS = now
			if _, err := tx.Exec(
				`UPDATE conversation_sessions SET last_activity_ms = ? WHERE id = ?`, now, active.ID,
			); err != nil {
				return nil, fmt.Errorf("touch session: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit session: %w", err)
			}
			return &active, nil
		}
		// Expired. Retire it and fall through to create.
		if _, err := tx.Exec(
			`UPDATE conversation_sessions SET is_active = 0 WHERE id = ?`, active.ID,
		); err != nil {
			return nil, fmt.Errorf("retire session: %w", err)
		}
		s.log.Debug("session expired",
			zap.String("session_id", active.ID),
			zap.String("chat_id", chatID))

	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("query active session: %w", err)
	}

	fresh := &Session{
		ID:             uuid.NewString(),
		ChatID:         chatID,
		StartedAtMS:    now,
		LastActivityMS: now,
		Active:         true,
	}
	if _, err := tx.Exec(
		`INSERT INTO conversation_sessions (id, chat_id, started_at_ms, last_activity_ms, is_active)
		 VALUES (?, ?, ?, ?, 1)`,
		fresh.ID, fresh.ChatID, fresh.StartedAtMS, fresh.LastActivityMS,
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	s.log.Debug("created session", zap.String("session_id", fresh.ID), zap.String("chat_id", chatID))
	return fresh, nil
}

// AddMessage appends one message. Messages for transient sessions are
// accepted and dropped if the insert fails; history gaps are preferable
// to failing the turn.
func (s *Store) AddMessage(sessionID, chatID, role, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO conversation_history (session_id, chat_id, role, content, created_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, chatID, role, content, storage.NowMS(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// SessionMessages returns a session's messages oldest first.
func (s *Store) SessionMessages(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, chat_id, role, content, created_at_ms
		 FROM conversation_history WHERE session_id = ?
		 ORDER BY created_at_ms ASC, id ASC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session messages: %w", err)
	}
	return collectMessages(rows)
}

// RecentMessages returns a chat's last messages across sessions, in
// chronological order.
func (s *Store) RecentMessages(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, chat_id, role, content, created_at_ms
		 FROM conversation_history WHERE chat_id = ?
		 ORDER BY created_at_ms DESC, id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ClearHistory deletes messages for one chat, or all history when
// chatID is empty, returning the count removed.
func (s *Store) ClearHistory(chatID string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if chatID == "" {
		res, err = s.db.Exec(`DELETE FROM conversation_history`)
	} else {
		res, err = s.db.Exec(`DELETE FROM conversation_history WHERE chat_id = ?`, chatID)
	}
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAtMS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
