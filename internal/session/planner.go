package session

import (
	"context"

	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// Message is one transcript entry handed to the planner.
type Message struct {
	// Role is "user", "assistant" or "tool".
	Role    string
	Content string
	// ToolCalls is set on assistant messages that request tools.
	ToolCalls []models.ToolCall
	// ToolName and InvocationID are set on tool result messages.
	ToolName     string
	InvocationID uint64
	IsError      bool
}

// Step is one planner decision. Either ToolCalls is non-empty and the
// session executes them, or Answer holds the final response. Text carries
// optional commentary streamed to the client before tool execution.
type Step struct {
	Text      string
	ToolCalls []models.ToolCall
	Answer    string
}

// Planner decides the next step of a session from the transcript and the
// tools currently available. Implementations typically wrap a language
// model; tests use scripted planners.
type Planner interface {
	NextStep(ctx context.Context, transcript []Message, tools []registry.Descriptor) (*Step, error)
}
