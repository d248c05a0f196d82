package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mindloom-ai/launcher/internal/shared"
)

// writeRetries is how many times a write is retried on SQLITE_BUSY.
const writeRetries = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes to prevent SQLITE_BUSY under WAL.
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		input_json TEXT,
		success INTEGER NOT NULL,
		error TEXT,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordOperation appends one operation outcome to the audit trail.
func (s *SQLiteStore) RecordOperation(ctx context.Context, rec *OperationRecord) error {
	query := `
	INSERT INTO operations (id, session_id, operation, input_json, success, error, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var input interface{}
	if len(rec.Input) > 0 {
		input = string(rec.Input)
	}
	var errText interface{}
	if rec.Error != "" {
		errText = rec.Error
	}

	return s.execWithRetry(ctx, "record operation", query,
		rec.ID, rec.SessionID, rec.Operation, input,
		boolToInt(rec.Success), errText, rec.DurationMS, rec.CreatedAt.Unix(),
	)
}

// RecordTurn appends one conversational turn.
func (s *SQLiteStore) RecordTurn(ctx context.Context, sessionID, role, content string) error {
	query := `INSERT INTO turns (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	return s.execWithRetry(ctx, "record turn", query, sessionID, role, content, time.Now().Unix())
}

// RecentOperations returns the newest operation records, newest first.
func (s *SQLiteStore) RecentOperations(ctx context.Context, limit int) ([]*OperationRecord, error) {
	query := `
	SELECT id, session_id, operation, input_json, success, error, duration_ms, created_at
	FROM operations ORDER BY created_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []*OperationRecord
	for rows.Next() {
		var (
			rec       OperationRecord
			input     sql.NullString
			errText   sql.NullString
			success   int
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Operation, &input, &success, &errText, &rec.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		if input.Valid {
			rec.Input = []byte(input.String)
		}
		rec.Error = errText.String
		rec.Success = success != 0
		rec.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation rows: %w", err)
	}
	return out, nil
}

// execWithRetry serializes the write and retries on SQLite concurrency
// errors.
func (s *SQLiteStore) execWithRetry(ctx context.Context, what, query string, args ...interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying write after conflict", "what", what, "attempt", attempt+1)
			select {
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			break
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
