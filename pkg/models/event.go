package models

import "time"

// StreamEventType identifies the kind of wire event.
type StreamEventType string

const (
	EventToolCallStarted  StreamEventType = "tool_call_started"
	EventToolCallFinished StreamEventType = "tool_call_finished"
	EventAnswerChunk      StreamEventType = "answer_chunk"
	EventFinalAnswer      StreamEventType = "final_answer"
	EventError            StreamEventType = "error"
	EventSessionEnded     StreamEventType = "session_ended"
)

// EndReason explains why a session stream terminated.
type EndReason string

const (
	EndCompleted          EndReason = "completed"
	EndCancelled          EndReason = "cancelled"
	EndStepBudgetExceeded EndReason = "step_budget_exceeded"
	EndFatalError         EndReason = "fatal_error"
)

// StreamEvent is the unified wire event emitted to clients.
//
// Sequence is monotonic within a session; clients may rely on strictly
// increasing sequence numbers and on (Sequence, InvocationID) being unique.
// Events that arrived further out of order than the multiplexer's reorder
// window carry Reordered=true instead of stalling the stream.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	Sequence     uint64          `json:"sequence"`
	SessionID    string          `json:"session_id,omitempty"`
	InvocationID uint64          `json:"invocation_id,omitempty"`
	Time         time.Time       `json:"time,omitempty"`

	// Payloads; at most one is set for a given Type.
	Tool   *ToolEventPayload `json:"tool,omitempty"`
	Answer string            `json:"answer,omitempty"`
	Error  string            `json:"error,omitempty"`
	End    *EndPayload       `json:"end,omitempty"`

	// Reordered marks an event emitted past the bounded reorder window.
	Reordered bool `json:"reordered,omitempty"`
}

// ToolEventPayload carries tool call details on started/finished events.
type ToolEventPayload struct {
	Name    string `json:"name"`
	Args    string `json:"args,omitempty"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// EndPayload carries the terminal reason on session_ended events.
type EndPayload struct {
	Reason EndReason `json:"reason"`
	Detail string    `json:"detail,omitempty"`
}

// Terminal reports whether the event ends the stream. Every stream ends
// with exactly one terminal event: final_answer on normal completion,
// error on fatal failure, session_ended otherwise (cancellation, step
// budget exhaustion).
func (e *StreamEvent) Terminal() bool {
	switch e.Type {
	case EventFinalAnswer, EventError, EventSessionEnded:
		return true
	}
	return false
}
