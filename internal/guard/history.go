package guard

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultRepetitionLimit allows a (tool, arguments) pair to run this many
// times; the next identical call trips the breaker.
const DefaultRepetitionLimit = 2

// RepetitionBreaker detects an agent stuck re-invoking the same tool with
// the same arguments. Arguments are canonicalized before comparison so key
// order and whitespace differences do not evade detection.
type RepetitionBreaker struct {
	limit  int
	mu     sync.Mutex
	counts map[string]int
}

// NewRepetitionBreaker creates a breaker. limit <= 0 takes the default.
func NewRepetitionBreaker(limit int) *RepetitionBreaker {
	if limit <= 0 {
		limit = DefaultRepetitionLimit
	}
	return &RepetitionBreaker{
		limit:  limit,
		counts: make(map[string]int),
	}
}

// Observe records one invocation and reports whether the breaker tripped.
// The first calls up to the limit return false; every identical call after
// that returns true.
func (b *RepetitionBreaker) Observe(tool string, args json.RawMessage) bool {
	key := tool + "\x00" + canonicalArgs(args)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[key]++
	return b.counts[key] > b.limit
}

// Reset clears all observed invocations.
func (b *RepetitionBreaker) Reset() {
	b.mu.Lock()
	b.counts = make(map[string]int)
	b.mu.Unlock()
}

// RepetitionMessage is the well-formed result returned in place of a tool
// call that tripped the breaker. It reads as an ordinary tool result so the
// model can adjust course instead of handling an error.
func RepetitionMessage(tool string) string {
	return fmt.Sprintf("Tool %q was already called with these exact arguments and returned the same result. Choose a different tool or change the arguments instead of repeating the call.", tool)
}

// canonicalArgs produces a stable rendering of the arguments. JSON objects
// re-marshal with sorted keys; anything unparsable falls back to the raw
// bytes.
func canonicalArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return string(args)
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return string(args)
	}
	return string(canonical)
}
