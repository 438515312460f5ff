// Package session runs the agent loop: ask the planner for a step, execute
// the requested tools, feed results back, repeat until a final answer, the
// step budget, cancellation or a fatal error ends it. Events stream through
// a per-session multiplexer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/internal/guard"
	"github.com/switchboard-ai/switchboard/internal/observability"
	"github.com/switchboard-ai/switchboard/internal/provider"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/stream"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// State is the session lifecycle stage.
type State string

const (
	StateInitializing       State = "initializing"
	StateRunning            State = "running"
	StateCompleted          State = "completed"
	StateCancelled          State = "cancelled"
	StateStepBudgetExceeded State = "step_budget_exceeded"
	StateFatalError         State = "fatal_error"
)

const (
	// DefaultStepBudget is the most planner steps a session may take.
	DefaultStepBudget = 20
	// DefaultHistoryLimit is how many transcript messages the planner sees.
	DefaultHistoryLimit = 10
)

// Invoker calls tools on external providers. *supervisor.Supervisor
// satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, providerID, tool string, args json.RawMessage, timeout time.Duration) (*provider.CallToolResult, error)
}

// Options configures a session. Zero values take the package defaults.
type Options struct {
	StepBudget    int
	HistoryLimit  int
	InvokeTimeout time.Duration
	Guard         *guard.Guard
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	Mux           stream.Options
}

// Session is one agent conversation turn. Create with New, start with Run,
// consume Events until the channel closes.
type Session struct {
	id       string
	planner  Planner
	registry *registry.Registry
	snapshot *registry.Snapshot
	invoker  Invoker
	guard    *guard.Guard
	breaker  *guard.RepetitionBreaker
	mux      *stream.Mux
	logger   *slog.Logger
	opts     Options

	invocations atomic.Uint64

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	transcript []Message
}

// New creates a session. invoker may be nil when no external providers are
// registered.
func New(planner Planner, reg *registry.Registry, invoker Invoker, opts Options) *Session {
	if opts.StepBudget <= 0 {
		opts.StepBudget = DefaultStepBudget
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Guard == nil {
		opts.Guard = guard.New(guard.Options{Logger: opts.Logger})
	}

	id := uuid.NewString()
	muxOpts := opts.Mux
	if muxOpts.Logger == nil {
		muxOpts.Logger = opts.Logger
	}

	return &Session{
		id:       id,
		planner:  planner,
		registry: reg,
		invoker:  invoker,
		guard:    opts.Guard,
		breaker:  guard.NewRepetitionBreaker(0),
		mux:      stream.New(muxOpts),
		logger:   opts.Logger.With("component", "session", "session_id", id),
		opts:     opts,
		state:    StateInitializing,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events is the ordered event stream. It closes when the session ends.
func (s *Session) Events() <-chan models.StreamEvent {
	return s.mux.Events()
}

// Cancel stops the session cooperatively. In-flight tool results are
// discarded and the stream ends with a session_ended event.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state != StateInitializing && s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.mux.Cancel(s.id, models.EndCancelled, true)
	s.logger.Info("session cancelled")
}

// Run executes the loop for one user input. It blocks until the session
// reaches a terminal state and always closes the event stream before
// returning. Run may be called once.
func (s *Session) Run(ctx context.Context, userInput string) {
	defer s.mux.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The tool set is pinned here: registry changes made while the session
	// runs are only visible to sessions started afterwards.
	s.registry.SyncExternal()
	snap := s.registry.Snapshot()

	s.mu.Lock()
	if s.state != StateInitializing {
		s.mu.Unlock()
		return
	}
	s.cancel = cancel
	s.snapshot = snap
	s.state = StateRunning
	s.transcript = append(s.transcript, Message{Role: "user", Content: userInput})
	s.mu.Unlock()

	s.logger.Info("session started", "input_chars", len(userInput), "tool_set_version", snap.Version())

	for step := 1; step <= s.opts.StepBudget; step++ {
		if runCtx.Err() != nil {
			return
		}

		next, err := s.plan(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			s.fail(&FatalError{Err: err})
			return
		}

		if next.Text != "" {
			s.mux.Publish(models.StreamEvent{
				Type:      models.EventAnswerChunk,
				Sequence:  s.mux.NextSeq(),
				SessionID: s.id,
				Answer:    next.Text,
			})
		}

		if len(next.ToolCalls) == 0 {
			s.complete(next.Answer)
			return
		}

		s.appendMessage(Message{Role: "assistant", Content: next.Text, ToolCalls: next.ToolCalls})
		results := s.executeTools(runCtx, next.ToolCalls)
		if runCtx.Err() != nil {
			return
		}
		for _, res := range results {
			s.appendMessage(Message{
				Role:         "tool",
				Content:      res.Content,
				ToolName:     res.Name,
				InvocationID: res.InvocationID,
				IsError:      res.IsError,
			})
		}
	}

	s.exhaust()
}

// plan asks the planner for the next step against the session's pinned
// tool snapshot.
func (s *Session) plan(ctx context.Context) (*Step, error) {
	s.mu.Lock()
	transcript := s.trimmedTranscriptLocked()
	s.mu.Unlock()

	next, err := s.planner.NextStep(ctx, transcript, s.snapshot.List())
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	if next == nil {
		return nil, errors.New("planner returned no step")
	}
	return next, nil
}

// executeTools runs the step's tool calls concurrently. Every call gets a
// started and a finished event; failures come back as error results for the
// planner rather than ending the session.
func (s *Session) executeTools(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	snap := s.snapshot
	results := make([]models.ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		call.InvocationID = s.invocations.Add(1)

		startSeq := s.mux.NextSeq()
		finishSeq := s.mux.NextSeq()

		wg.Add(1)
		go func(idx int, call models.ToolCall, startSeq, finishSeq uint64) {
			defer wg.Done()

			s.mux.Publish(models.StreamEvent{
				Type:         models.EventToolCallStarted,
				Sequence:     startSeq,
				SessionID:    s.id,
				InvocationID: call.InvocationID,
				Tool:         &models.ToolEventPayload{Name: call.Name, Args: string(call.Args)},
			})

			result := s.runTool(ctx, snap, call)
			results[idx] = result

			s.mux.Publish(models.StreamEvent{
				Type:         models.EventToolCallFinished,
				Sequence:     finishSeq,
				SessionID:    s.id,
				InvocationID: call.InvocationID,
				Tool: &models.ToolEventPayload{
					Name:    call.Name,
					Content: result.Content,
					IsError: result.IsError,
				},
			})
		}(i, call, startSeq, finishSeq)
	}
	wg.Wait()
	return results
}

// runTool executes one call and applies the repetition breaker and the
// result guard.
func (s *Session) runTool(ctx context.Context, snap *registry.Snapshot, call models.ToolCall) models.ToolResult {
	result := models.ToolResult{
		InvocationID: call.InvocationID,
		Name:         call.Name,
		StartedAt:    time.Now().UTC(),
		Outcome:      models.OutcomeSucceeded,
	}

	d, found := snap.Lookup(call.Name)
	origin := "unknown"
	if found {
		origin = string(d.Origin)
	}

	if s.breaker.Observe(call.Name, call.Args) {
		// A well-formed result, not an error: the planner should change
		// course, not retry.
		result.Content = guard.RepetitionMessage(call.Name)
		result.FinishedAt = time.Now().UTC()
		s.logger.Info("repeated tool call intercepted", "tool", call.Name)
		s.observeInvocation(call.Name, origin, "repetition")
		return result
	}

	var content string
	var err error
	if !found {
		err = fmt.Errorf("unknown tool %q", call.Name)
	} else {
		content, err = s.dispatch(ctx, d, call.Args)
	}
	result.FinishedAt = time.Now().UTC()
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		result.Outcome = models.OutcomeFailed
		s.logger.Warn("tool call failed", "tool", call.Name, "error", err)
	} else {
		result.Content = content
	}

	processed := s.guard.Process(ctx, s.id, result, call.Args)

	if m := s.opts.Metrics; m != nil {
		status := "success"
		if result.IsError {
			status = "error"
		}
		m.ToolInvocations.WithLabelValues(call.Name, origin, status).Inc()
		m.ToolDuration.WithLabelValues(call.Name).Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
		if processed.Outcome == models.OutcomeTruncated {
			m.TruncatedResults.WithLabelValues(call.Name).Inc()
		}
	}
	return processed
}

func (s *Session) observeInvocation(tool, origin, status string) {
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.ToolInvocations.WithLabelValues(tool, origin, status).Inc()
}

// dispatch routes the call to its binding.
func (s *Session) dispatch(ctx context.Context, d registry.Descriptor, args json.RawMessage) (string, error) {
	switch d.Origin {
	case models.OriginBuiltin:
		return d.Handler(ctx, args)
	case models.OriginUserLoaded:
		return d.Exec.Run(ctx, args)
	case models.OriginExternal:
		if s.invoker == nil {
			return "", fmt.Errorf("no provider supervisor for external tool %q", d.Name)
		}
		res, err := s.invoker.Invoke(ctx, d.ProviderID, d.RemoteName, args, s.opts.InvokeTimeout)
		if err != nil {
			return "", err
		}
		if res.IsError {
			return "", errors.New(res.Content)
		}
		return res.Content, nil
	default:
		return "", fmt.Errorf("tool %q has unsupported origin %q", d.Name, d.Origin)
	}
}

func (s *Session) complete(answer string) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateCompleted
	s.mu.Unlock()

	s.mux.Publish(models.StreamEvent{
		Type:      models.EventFinalAnswer,
		Sequence:  s.mux.NextSeq(),
		SessionID: s.id,
		Answer:    answer,
	})
	s.logger.Info("session completed")
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateFatalError
	s.mu.Unlock()

	s.mux.Publish(models.StreamEvent{
		Type:      models.EventError,
		Sequence:  s.mux.NextSeq(),
		SessionID: s.id,
		Error:     err.Error(),
	})
	s.logger.Error("session failed", "error", err)
}

func (s *Session) exhaust() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStepBudgetExceeded
	s.mu.Unlock()

	s.mux.Publish(models.StreamEvent{
		Type:      models.EventSessionEnded,
		Sequence:  s.mux.NextSeq(),
		SessionID: s.id,
		End: &models.EndPayload{
			Reason: models.EndStepBudgetExceeded,
			Detail: fmt.Sprintf("step budget of %d exhausted", s.opts.StepBudget),
		},
	})
	s.logger.Warn("session exceeded step budget", "budget", s.opts.StepBudget)
}

func (s *Session) appendMessage(msg Message) {
	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.mu.Unlock()
}

// trimmedTranscriptLocked returns the last HistoryLimit messages.
func (s *Session) trimmedTranscriptLocked() []Message {
	n := len(s.transcript)
	if n <= s.opts.HistoryLimit {
		out := make([]Message, n)
		copy(out, s.transcript)
		return out
	}
	out := make([]Message, s.opts.HistoryLimit)
	copy(out, s.transcript[n-s.opts.HistoryLimit:])
	return out
}
