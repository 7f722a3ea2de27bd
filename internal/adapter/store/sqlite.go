package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/arturoeanton/go-doc-talk-ollama/internal/domain"
)

// initialSchema creates the session and audit tables.
const initialSchema = `
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    response_time_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action TEXT NOT NULL,
    resource TEXT NOT NULL,
    details TEXT,
    ip TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore persists conversation turns and request audit records.
// It implements port.SessionStore and middleware.AuditWriter.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// the schema. WAL mode keeps concurrent readers from blocking writes.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(initialSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendTurn persists one conversation turn for a session.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, role, content, response_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, turn.Role, turn.Content, turn.ResponseTime.Milliseconds(), turn.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append turn for session %s: %w", sessionID, err)
	}
	return nil
}

// ListTurns returns all turns for a session in append order.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, response_time_ms, created_at
		 FROM turns WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list turns for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var ms int64
		if err := rows.Scan(&t.Role, &t.Content, &ms, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn for session %s: %w", sessionID, err)
		}
		t.ResponseTime = time.Duration(ms) * time.Millisecond
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// PruneTurns deletes the oldest turns beyond keep for a session.
func (s *SQLiteStore) PruneTurns(ctx context.Context, sessionID string, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id = ? AND id NOT IN (
		     SELECT id FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 )`,
		sessionID, sessionID, keep,
	)
	if err != nil {
		return fmt.Errorf("prune turns for session %s: %w", sessionID, err)
	}
	return nil
}

// ClearSession removes every turn for a session.
func (s *SQLiteStore) ClearSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	return nil
}

// WriteAudit records one request audit entry.
func (s *SQLiteStore) WriteAudit(action, resource, details, ip string) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (action, resource, details, ip) VALUES (?, ?, ?, ?)`,
		action, resource, details, ip,
	)
	if err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}
