// Package store persists the audit trail: every dispatched operation with
// its outcome, and every conversational turn. The in-flight session state
// itself is deliberately not persisted; the audit trail is for operators
// reviewing what an unattended run actually did.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// OperationRecord is one dispatched operation and its terminal outcome.
type OperationRecord struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Operation  string          `json:"operation"`
	Input      json.RawMessage `json:"input,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TurnRecord is one conversational turn.
type TurnRecord struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository defines the audit persistence operations.
type Repository interface {
	// RecordOperation appends one operation outcome to the audit trail.
	RecordOperation(ctx context.Context, rec *OperationRecord) error

	// RecordTurn appends one conversational turn.
	RecordTurn(ctx context.Context, sessionID, role, content string) error

	// RecentOperations returns the newest operation records, newest first.
	RecentOperations(ctx context.Context, limit int) ([]*OperationRecord, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
