package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

// storeTests exercises the Store contract against any implementation.
func storeTests(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	rec := NewRecord("sess-1", 7, "search", json.RawMessage(`{"q":"tide tables"}`), "result body", models.OutcomeSucceeded, false)
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for saved record")
	}
	if got.Content != "result body" {
		t.Errorf("Content = %q, want %q", got.Content, "result body")
	}
	if got.InvocationID != 7 || got.SessionID != "sess-1" {
		t.Errorf("keys = (%q, %d), want (sess-1, 7)", got.SessionID, got.InvocationID)
	}
	if got.Outcome != models.OutcomeSucceeded {
		t.Errorf("Outcome = %q, want %q", got.Outcome, models.OutcomeSucceeded)
	}

	missing, err := store.Get(ctx, "no-such-id")
	if err != nil {
		t.Fatalf("Get for missing id failed: %v", err)
	}
	if missing != nil {
		t.Error("Get returned a record for an unknown id")
	}

	second := NewRecord("sess-1", 7, "search", nil, "retry body", models.OutcomeTruncated, false)
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	other := NewRecord("sess-2", 7, "search", nil, "other session", models.OutcomeSucceeded, false)
	if err := store.Save(ctx, other); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	byInv, err := store.ByInvocation(ctx, "sess-1", 7)
	if err != nil {
		t.Fatalf("ByInvocation failed: %v", err)
	}
	if len(byInv) != 2 {
		t.Fatalf("ByInvocation returned %d records, want 2", len(byInv))
	}
	if byInv[0].Content != "result body" {
		t.Errorf("ByInvocation order wrong, first = %q", byInv[0].Content)
	}

	bySess, err := store.BySession(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("BySession failed: %v", err)
	}
	if len(bySess) != 1 {
		t.Fatalf("BySession returned %d records, want 1", len(bySess))
	}
	if bySess[0].Content != "retry body" {
		t.Errorf("BySession should return newest first, got %q", bySess[0].Content)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	storeTests(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()
	storeTests(t, store)
}
