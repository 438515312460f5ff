package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/switchboard-ai/switchboard/pkg/models"
)

// SQLiteStore persists records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for
// an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_results (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			invocation_id INTEGER NOT NULL,
			tool TEXT NOT NULL,
			args TEXT,
			content TEXT NOT NULL,
			outcome TEXT NOT NULL,
			is_error INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tool_results table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tool_results_invocation
		ON tool_results (session_id, invocation_id, created_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create invocation index: %w", err)
	}
	return nil
}

// Save writes one record.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_results (id, session_id, invocation_id, tool, args, content, outcome, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.InvocationID, rec.Tool, string(rec.Args), rec.Content, string(rec.Outcome), rec.IsError, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save audit record: %w", err)
	}
	return nil
}

// Get fetches a record by id. Returns nil when not found.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, invocation_id, tool, args, content, outcome, is_error, created_at
		FROM tool_results WHERE id = ?
	`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ByInvocation returns the records for one invocation, oldest first.
func (s *SQLiteStore) ByInvocation(ctx context.Context, sessionID string, invocationID uint64) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, invocation_id, tool, args, content, outcome, is_error, created_at
		FROM tool_results
		WHERE session_id = ? AND invocation_id = ?
		ORDER BY created_at ASC
	`, sessionID, invocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// BySession returns up to limit records for a session, newest first.
func (s *SQLiteStore) BySession(ctx context.Context, sessionID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, invocation_id, tool, args, content, outcome, is_error, created_at
		FROM tool_results
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var args, outcome, createdAt string
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.InvocationID, &rec.Tool, &args, &rec.Content, &outcome, &rec.IsError, &createdAt); err != nil {
		return nil, err
	}
	if args != "" {
		rec.Args = []byte(args)
	}
	rec.Outcome = models.InvocationOutcome(outcome)
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse record timestamp: %w", err)
	}
	rec.CreatedAt = ts
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
