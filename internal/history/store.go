// Package history persists finished calls to SQLite so the conversation
// view can show past calls with their terminal status.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wisp-im/wisp/internal/call"
)

// Entry is one finished call.
type Entry struct {
	SessionID string    `json:"session_id"`
	AccountID string    `json:"account_id"`
	Peer      string    `json:"peer"`
	Direction string    `json:"direction"`
	Media     string    `json:"media"` // comma-separated
	State     string    `json:"state"`
	Reason    string    `json:"reason"`
	Label     string    `json:"label"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Seconds   int64     `json:"seconds"` // talk time; 0 when never connected
}

// Store wraps the calls SQLite database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the call history database in the given directory.
func Open(configDir string) (*Store, error) {
	dbPath := filepath.Join(configDir, "calls.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency with the UI reading while calls write
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			session_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			peer       TEXT NOT NULL,
			direction  TEXT NOT NULL,
			media      TEXT DEFAULT '',
			state      TEXT NOT NULL,
			reason     TEXT DEFAULT '',
			label      TEXT DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at   INTEGER NOT NULL,
			seconds    INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_calls_account_ended
			ON calls(account_id, ended_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

// Record inserts one finished call. Re-recording the same session replaces
// the row, so duplicate terminations stay harmless here too.
func (s *Store) Record(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO calls
			(session_id, account_id, peer, direction, media, state, reason, label, started_at, ended_at, seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.AccountID, e.Peer, e.Direction, e.Media, e.State, e.Reason, e.Label,
		e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli(), e.Seconds)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// Recent returns the newest calls for an account, optionally filtered to one
// peer. limit <= 0 means a default page of 50.
func (s *Store) Recent(accountID, peer string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT session_id, account_id, peer, direction, media, state, reason, label, started_at, ended_at, seconds
		FROM calls WHERE account_id = ?`
	args := []any{accountID}
	if peer != "" {
		query += ` AND peer = ?`
		args = append(args, peer)
	}
	query += ` ORDER BY ended_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, ended int64
		if err := rows.Scan(&e.SessionID, &e.AccountID, &e.Peer, &e.Direction, &e.Media,
			&e.State, &e.Reason, &e.Label, &started, &ended, &e.Seconds); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(started)
		e.EndedAt = time.UnixMilli(ended)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MissedCount returns the number of missed calls for an account since a
// given time. The conversation list uses it for the unread badge.
func (s *Store) MissedCount(accountID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM calls
		WHERE account_id = ? AND state = ? AND ended_at >= ?
	`, accountID, string(call.StateMissed), since.UnixMilli()).Scan(&n)
	return n, err
}

// FromSnapshot converts a terminal session snapshot into a history entry.
func FromSnapshot(snap call.Snapshot) Entry {
	media := make([]string, 0, len(snap.Media))
	for _, m := range snap.Media {
		media = append(media, string(m))
	}
	return Entry{
		SessionID: snap.ID,
		AccountID: snap.AccountID,
		Peer:      snap.Peer,
		Direction: string(snap.Direction),
		Media:     strings.Join(media, ","),
		State:     string(snap.State),
		Reason:    string(snap.Reason),
		Label:     snap.Label,
		StartedAt: snap.CreatedAt,
		EndedAt:   snap.EndedAt,
		Seconds:   int64(snap.Duration() / time.Second),
	}
}
