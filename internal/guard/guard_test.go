package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/switchboard-ai/switchboard/internal/audit"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

func testGuard(store audit.Store) *Guard {
	return New(Options{
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestSmallResultPassesThrough(t *testing.T) {
	store := audit.NewMemoryStore()
	g := testGuard(store)

	in := models.ToolResult{Name: "search", Content: "short answer", Outcome: models.OutcomeSucceeded}
	out := g.Process(context.Background(), "sess", in, nil)

	if out.Content != "short answer" {
		t.Errorf("Content changed: %q", out.Content)
	}
	if out.Outcome != models.OutcomeSucceeded {
		t.Errorf("Outcome = %q, want succeeded", out.Outcome)
	}
	if store.Len() != 0 {
		t.Error("small result was persisted to the audit store")
	}
}

func TestOversizedTextTruncated(t *testing.T) {
	store := audit.NewMemoryStore()
	g := testGuard(store)

	content := strings.Repeat("x", 12000)
	in := models.ToolResult{InvocationID: 3, Name: "fetch", Content: content}
	out := g.Process(context.Background(), "sess", in, json.RawMessage(`{"url":"a"}`))

	if out.Outcome != models.OutcomeTruncated {
		t.Errorf("Outcome = %q, want truncated", out.Outcome)
	}
	if !strings.HasPrefix(out.Content, strings.Repeat("x", MaxTextChars)) {
		t.Error("truncated content does not keep the text prefix")
	}
	if !strings.Contains(out.Content, "original was 12000 characters") {
		t.Errorf("footer missing original size: %q", out.Content[len(out.Content)-80:])
	}
	if strings.Contains(out.Content, "/") {
		t.Error("footer must not mention file paths")
	}
	if len(out.Content) > MaxTextChars+100 {
		t.Errorf("truncated content too long: %d", len(out.Content))
	}

	recs, err := store.ByInvocation(context.Background(), "sess", 3)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one audit record, got %d (err %v)", len(recs), err)
	}
	if recs[0].Content != content {
		t.Error("audit record does not hold the full original content")
	}
}

func TestOversizedMappingKeepsFirstPairs(t *testing.T) {
	g := testGuard(audit.NewMemoryStore())

	var sb strings.Builder
	sb.WriteByte('{')
	for i := 0; i < 200; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `"key%03d":%q`, i, strings.Repeat("v", 50))
	}
	sb.WriteByte('}')

	in := models.ToolResult{Name: "lookup", Content: sb.String()}
	out := g.Process(context.Background(), "sess", in, nil)

	body := out.Content[:strings.Index(out.Content, "\n\n[result truncated")]
	var kept map[string]string
	if err := json.Unmarshal([]byte(body), &kept); err != nil {
		t.Fatalf("truncated mapping is not valid JSON: %v", err)
	}
	if len(kept) != MaxMappingPairs {
		t.Errorf("kept %d pairs, want %d", len(kept), MaxMappingPairs)
	}
	if _, ok := kept["key000"]; !ok {
		t.Error("first pair missing from truncated mapping")
	}
	if _, ok := kept["key020"]; ok {
		t.Error("pair beyond the limit survived truncation")
	}
}

func TestOversizedSequenceKeepsFirstElements(t *testing.T) {
	g := testGuard(audit.NewMemoryStore())

	elems := make([]string, 40)
	for i := range elems {
		elems[i] = strings.Repeat("e", 300) + fmt.Sprint(i)
	}
	raw, _ := json.Marshal(elems)

	in := models.ToolResult{Name: "list", Content: string(raw)}
	out := g.Process(context.Background(), "sess", in, nil)

	body := out.Content[:strings.Index(out.Content, "\n\n[result truncated")]
	var kept []string
	if err := json.Unmarshal([]byte(body), &kept); err != nil {
		t.Fatalf("truncated sequence is not valid JSON: %v", err)
	}
	if len(kept) != MaxSequenceElems {
		t.Errorf("kept %d elements, want %d", len(kept), MaxSequenceElems)
	}
	if !strings.HasSuffix(kept[0], "0") {
		t.Error("sequence order not preserved")
	}
}

func TestMalformedJSONFallsBackToText(t *testing.T) {
	g := testGuard(audit.NewMemoryStore())

	content := "{" + strings.Repeat("not json", 2000)
	in := models.ToolResult{Name: "broken", Content: content}
	out := g.Process(context.Background(), "sess", in, nil)

	if !strings.HasPrefix(out.Content, content[:100]) {
		t.Error("fallback text truncation lost the prefix")
	}
	if out.Outcome != models.OutcomeTruncated {
		t.Errorf("Outcome = %q, want truncated", out.Outcome)
	}
}

func TestCutUTF8DoesNotSplitRunes(t *testing.T) {
	s := strings.Repeat("日", 10)
	cut := cutUTF8(s, 10)
	if !strings.HasPrefix(s, cut) {
		t.Errorf("cut is not a prefix: %q", cut)
	}
	for _, r := range cut {
		if r != '日' {
			t.Fatalf("rune split produced %q", r)
		}
	}
}

func TestRepetitionBreaker(t *testing.T) {
	b := NewRepetitionBreaker(0)

	args := json.RawMessage(`{"b":2,"a":1}`)
	if b.Observe("search", args) {
		t.Error("first call tripped the breaker")
	}
	if b.Observe("search", args) {
		t.Error("second call tripped the breaker")
	}
	// Key order differences must not evade detection.
	if !b.Observe("search", json.RawMessage(`{"a":1,"b":2}`)) {
		t.Error("third identical call did not trip the breaker")
	}

	if b.Observe("search", json.RawMessage(`{"a":1,"b":3}`)) {
		t.Error("different arguments tripped the breaker")
	}
	if b.Observe("other", args) {
		t.Error("different tool tripped the breaker")
	}

	b.Reset()
	if b.Observe("search", args) {
		t.Error("breaker still tripped after reset")
	}
}

func TestRepetitionMessageIsPlainResult(t *testing.T) {
	msg := RepetitionMessage("search")
	if !strings.Contains(msg, "search") {
		t.Errorf("message does not name the tool: %q", msg)
	}
	if strings.Contains(strings.ToLower(msg), "error") {
		t.Errorf("message should read as a result, not an error: %q", msg)
	}
}
