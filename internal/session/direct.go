package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// DirectPlanner is a deterministic planner with no model behind it. Lines in
// the user message of the form
//
//	/tool <name> <json-args>
//
// become tool calls; a message without any directives is echoed back as the
// final answer. Once tool results arrive they are summarized and the session
// completes. Useful for wiring, demos, and tests.
type DirectPlanner struct{}

func NewDirectPlanner() *DirectPlanner { return &DirectPlanner{} }

func (p *DirectPlanner) NextStep(ctx context.Context, transcript []Message, tools []registry.Descriptor) (*Step, error) {
	if len(transcript) == 0 {
		return nil, fmt.Errorf("empty transcript")
	}
	last := transcript[len(transcript)-1]

	if last.Role == "tool" {
		return &Step{Answer: summarizeResults(transcript)}, nil
	}

	// Find the most recent user message.
	var input string
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "user" {
			input = transcript[i].Content
			break
		}
	}

	calls, err := parseDirectives(input)
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return &Step{Answer: input}, nil
	}
	return &Step{ToolCalls: calls}, nil
}

// summarizeResults joins the trailing run of tool results into an answer.
func summarizeResults(transcript []Message) string {
	var lines []string
	for i := len(transcript) - 1; i >= 0; i-- {
		msg := transcript[i]
		if msg.Role != "tool" {
			break
		}
		line := msg.ToolName + ": " + msg.Content
		if msg.IsError {
			line = msg.ToolName + " failed: " + msg.Content
		}
		lines = append([]string{line}, lines...)
	}
	return strings.Join(lines, "\n")
}

func parseDirectives(input string) ([]models.ToolCall, error) {
	var calls []models.ToolCall
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "/tool ") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/tool "))
		name, argsText, _ := strings.Cut(rest, " ")
		if name == "" {
			return nil, fmt.Errorf("tool directive missing name: %q", line)
		}
		args := json.RawMessage(`{}`)
		if argsText = strings.TrimSpace(argsText); argsText != "" {
			if !json.Valid([]byte(argsText)) {
				return nil, fmt.Errorf("tool directive for %s has invalid JSON args", name)
			}
			args = json.RawMessage(argsText)
		}
		calls = append(calls, models.ToolCall{Name: name, Args: args})
	}
	return calls, nil
}
