// Package guard bounds tool results before they reach the model. Oversized
// results are truncated with shape awareness (mappings keep their first
// pairs, sequences their first elements, text its prefix) and the complete
// original is persisted to the audit store. The footer added to a truncated
// result states only the original size.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/switchboard-ai/switchboard/internal/audit"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

const (
	// DefaultThreshold is the result size above which truncation applies.
	DefaultThreshold = 10000
	// MaxMappingPairs is how many key/value pairs survive from a JSON object.
	MaxMappingPairs = 20
	// MaxSequenceElems is how many elements survive from a JSON array.
	MaxSequenceElems = 5
	// MaxTextChars is how much of a plain text result survives.
	MaxTextChars = 3000
)

// Guard truncates oversized tool results and records the originals.
type Guard struct {
	threshold int
	store     audit.Store
	logger    *slog.Logger
}

// Options configures a Guard. Zero values take the package defaults.
type Options struct {
	Threshold int
	Store     audit.Store
	Logger    *slog.Logger
}

// New creates a Guard. A nil store disables persistence of originals.
func New(opts Options) *Guard {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guard{
		threshold: opts.Threshold,
		store:     opts.Store,
		logger:    opts.Logger.With("component", "guard"),
	}
}

// Process applies the size policy to a tool result. Results at or under the
// threshold pass through unchanged. Oversized results come back truncated
// with Outcome set accordingly; the full original is saved to the audit
// store first. Persistence failures are logged, never surfaced, so a slow
// audit store cannot fail a tool call.
func (g *Guard) Process(ctx context.Context, sessionID string, result models.ToolResult, args json.RawMessage) models.ToolResult {
	if len(result.Content) <= g.threshold {
		return result
	}

	originalSize := len(result.Content)

	if g.store != nil {
		outcome := models.OutcomeSucceeded
		if result.IsError {
			outcome = models.OutcomeFailed
		}
		rec := audit.NewRecord(sessionID, result.InvocationID, result.Name, args, result.Content, outcome, result.IsError)
		if err := g.store.Save(ctx, rec); err != nil {
			g.logger.Warn("failed to persist full tool result",
				"tool", result.Name,
				"invocation_id", result.InvocationID,
				"error", err)
		}
	}

	truncated := truncateByShape(result.Content)
	if len(truncated) > MaxTextChars {
		truncated = cutUTF8(truncated, MaxTextChars)
	}

	result.Content = truncated + fmt.Sprintf("\n\n[result truncated: original was %d characters]", originalSize)
	result.Outcome = models.OutcomeTruncated

	g.logger.Debug("tool result truncated",
		"tool", result.Name,
		"invocation_id", result.InvocationID,
		"original_chars", originalSize,
		"kept_chars", len(truncated))
	return result
}

// truncateByShape keeps the leading structure of JSON results and the prefix
// of everything else.
func truncateByShape(content string) string {
	trimmed := bytes.TrimSpace([]byte(content))
	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		if out, ok := truncateMapping(trimmed); ok {
			return out
		}
	case len(trimmed) > 0 && trimmed[0] == '[':
		if out, ok := truncateSequence(trimmed); ok {
			return out
		}
	}
	return cutUTF8(content, MaxTextChars)
}

// truncateMapping keeps the first MaxMappingPairs pairs in document order.
func truncateMapping(data []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return "", false
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", false
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	kept := 0
	for dec.More() && kept < MaxMappingPairs {
		keyTok, err := dec.Token()
		if err != nil {
			return "", false
		}
		key, ok := keyTok.(string)
		if !ok {
			return "", false
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return "", false
		}
		if kept > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return "", false
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(value)
		kept++
	}
	buf.WriteByte('}')
	return buf.String(), true
}

// truncateSequence keeps the first MaxSequenceElems elements.
func truncateSequence(data []byte) (string, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return "", false
	}
	if len(elems) > MaxSequenceElems {
		elems = elems[:MaxSequenceElems]
	}
	out, err := json.Marshal(elems)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// cutUTF8 cuts s to at most n bytes without splitting a rune.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
