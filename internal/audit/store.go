// Package audit persists complete tool results. When oversized results are
// truncated before reaching the model, the full content is recorded here so
// nothing is lost; the records never flow back into a conversation.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

// Record is one persisted tool result, always the full untruncated content.
type Record struct {
	ID           string                   `json:"id"`
	SessionID    string                   `json:"session_id"`
	InvocationID uint64                   `json:"invocation_id"`
	Tool         string                   `json:"tool"`
	Args         json.RawMessage          `json:"args,omitempty"`
	Content      string                   `json:"content"`
	Outcome      models.InvocationOutcome `json:"outcome"`
	IsError      bool                     `json:"is_error"`
	CreatedAt    time.Time                `json:"created_at"`
}

// NewRecord builds a record with a fresh id and timestamp.
func NewRecord(sessionID string, invocationID uint64, tool string, args json.RawMessage, content string, outcome models.InvocationOutcome, isError bool) *Record {
	return &Record{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		InvocationID: invocationID,
		Tool:         tool,
		Args:         args,
		Content:      content,
		Outcome:      outcome,
		IsError:      isError,
		CreatedAt:    time.Now().UTC(),
	}
}

// Store persists tool result records.
type Store interface {
	// Save writes one record.
	Save(ctx context.Context, rec *Record) error
	// Get fetches a record by id. Returns nil when not found.
	Get(ctx context.Context, id string) (*Record, error)
	// ByInvocation returns the records for one invocation of a session,
	// oldest first.
	ByInvocation(ctx context.Context, sessionID string, invocationID uint64) ([]*Record, error)
	// BySession returns up to limit records for a session, newest first.
	BySession(ctx context.Context, sessionID string, limit int) ([]*Record, error)
	// Close releases store resources.
	Close() error
}
