// Package models provides domain types shared across the switchboard core:
// tool invocations, tool results, and the streaming wire events emitted to
// clients.
package models

import (
	"encoding/json"
	"time"
)

// ToolOrigin identifies where a tool descriptor came from. Origins resolve
// name conflicts in a fixed priority order: builtin > user-loaded > external.
type ToolOrigin string

const (
	OriginBuiltin    ToolOrigin = "builtin"
	OriginUserLoaded ToolOrigin = "user-loaded"
	OriginExternal   ToolOrigin = "external"
)

// Priority returns the conflict-resolution rank of the origin.
// Lower is stronger.
func (o ToolOrigin) Priority() int {
	switch o {
	case OriginBuiltin:
		return 0
	case OriginUserLoaded:
		return 1
	default:
		return 2
	}
}

// Param describes one tool parameter.
type Param struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// ToolCall is a single tool execution request produced by the planner.
// InvocationID is unique per call and monotonically increasing within a
// session.
type ToolCall struct {
	InvocationID uint64          `json:"invocation_id"`
	Name         string          `json:"name"`
	Args         json.RawMessage `json:"args,omitempty"`
}

// InvocationOutcome is the terminal state of a tool invocation.
// It is set exactly once.
type InvocationOutcome string

const (
	OutcomePending   InvocationOutcome = "pending"
	OutcomeSucceeded InvocationOutcome = "succeeded"
	OutcomeFailed    InvocationOutcome = "failed"
	OutcomeTruncated InvocationOutcome = "truncated"
)

// ToolResult is what the agent loop receives back for one invocation.
// Failures are well-formed results, not errors: the planner is expected to
// read Content and adapt.
type ToolResult struct {
	InvocationID uint64            `json:"invocation_id"`
	Name         string            `json:"name,omitempty"`
	Content      string            `json:"content"`
	Outcome      InvocationOutcome `json:"outcome"`
	IsError      bool              `json:"is_error,omitempty"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	FinishedAt   time.Time         `json:"finished_at,omitempty"`
}
