package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps records in memory. Used in tests and when persistence is
// disabled.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save appends one record.
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

// Get fetches a record by id. Returns nil when not found.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

// ByInvocation returns the records for one invocation, oldest first.
func (s *MemoryStore) ByInvocation(_ context.Context, sessionID string, invocationID uint64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.SessionID == sessionID && rec.InvocationID == invocationID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// BySession returns up to limit records for a session, newest first.
func (s *MemoryStore) BySession(_ context.Context, sessionID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].SessionID == sessionID {
			cp := *s.records[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
