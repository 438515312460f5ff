// Package supervisor launches external tool provider processes, performs the
// capability handshake, monitors liveness, and restarts crashed providers
// with exponential backoff.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard-ai/switchboard/internal/backoff"
	"github.com/switchboard-ai/switchboard/internal/observability"
	"github.com/switchboard-ai/switchboard/internal/provider"
)

const (
	// DefaultHandshakeTimeout bounds the spawn-to-capabilities handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultProbeInterval is how often a ready provider is pinged.
	DefaultProbeInterval = 30 * time.Second
	// DefaultProbeFailureLimit is the consecutive probe failures before a
	// provider is marked degraded. One more failure marks it crashed.
	DefaultProbeFailureLimit = 3
	// DefaultHandshakeFailureLimit is the consecutive handshake failures
	// before supervision gives up and stops the provider.
	DefaultHandshakeFailureLimit = 5
	// DefaultInvokeTimeout applies when a caller does not set one.
	DefaultInvokeTimeout = 30 * time.Second
)

// Conn is the connection a supervised provider exposes once its handshake
// completed. *provider.Client satisfies it.
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Tools() []provider.ToolSpec
	Ping(ctx context.Context) error
	CallTool(ctx context.Context, name string, args json.RawMessage) (*provider.CallToolResult, error)
}

// Factory creates a connection for a provider config. Tests substitute fakes.
type Factory func(cfg *provider.Config, logger *slog.Logger) Conn

// Capability is the published tool surface of one live provider.
type Capability struct {
	ProviderID string
	Tools      []provider.ToolSpec
}

// Options configures a Supervisor. Zero values take the package defaults.
type Options struct {
	HandshakeTimeout      time.Duration
	ProbeInterval         time.Duration
	ProbeFailureLimit     int
	HandshakeFailureLimit int
	Restart               backoff.Policy
	Factory               Factory
	Logger                *slog.Logger
	Metrics               *observability.Metrics
	// OnChange is invoked (without locks held) whenever the published
	// capability set changes.
	OnChange func()
}

// Supervisor owns one supervision goroutine per registered provider.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.RWMutex
	handles map[string]*handle

	token atomic.Uint64
}

// New creates a Supervisor. Call Stop to shut down all providers.
func New(opts Options) *Supervisor {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.ProbeFailureLimit <= 0 {
		opts.ProbeFailureLimit = DefaultProbeFailureLimit
	}
	if opts.HandshakeFailureLimit <= 0 {
		opts.HandshakeFailureLimit = DefaultHandshakeFailureLimit
	}
	if opts.Restart == (backoff.Policy{}) {
		opts.Restart = backoff.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Factory == nil {
		opts.Factory = func(cfg *provider.Config, logger *slog.Logger) Conn {
			return provider.NewClient(cfg, nil, logger)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:       opts,
		logger:     opts.Logger.With("component", "supervisor"),
		baseCtx:    ctx,
		baseCancel: cancel,
		handles:    make(map[string]*handle),
	}
}

// Register validates the config and launches supervision for the provider.
// The spawn and handshake happen asynchronously; callers observe progress
// through Status.
func (s *Supervisor) Register(cfg *provider.Config) error {
	if cfg == nil {
		return &ConfigError{Reason: "nil config"}
	}
	if err := cfg.Validate(); err != nil {
		return &ConfigError{ProviderID: cfg.ID, Reason: err.Error()}
	}
	if !cfg.Enabled {
		return &ConfigError{ProviderID: cfg.ID, Reason: "provider is disabled"}
	}

	s.mu.Lock()
	if _, exists := s.handles[cfg.ID]; exists {
		s.mu.Unlock()
		return &ConfigError{ProviderID: cfg.ID, Reason: "provider id already registered"}
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	h := newHandle(cfg, cancel)
	s.handles[cfg.ID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, h)
	}()

	s.logger.Info("provider registered", "provider", cfg.ID, "command", cfg.Command)
	return nil
}

// Deregister stops supervision for a provider and removes it. Blocks until
// the supervision goroutine has exited and the process is torn down.
func (s *Supervisor) Deregister(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok {
		s.mu.Unlock()
		return &ConfigError{ProviderID: id, Reason: "provider not registered"}
	}
	delete(s.handles, id)
	s.mu.Unlock()

	h.cancel()
	<-h.done

	if s.opts.Metrics != nil {
		s.opts.Metrics.ProviderUp.DeleteLabelValues(id)
	}
	s.publish()
	s.logger.Info("provider deregistered", "provider", id)
	return nil
}

// Invoke calls a tool on a provider. Ready and degraded providers accept
// invocations; all other states return ProviderUnavailableError.
func (s *Supervisor) Invoke(ctx context.Context, providerID, tool string, args json.RawMessage, timeout time.Duration) (*provider.CallToolResult, error) {
	s.mu.RLock()
	h, ok := s.handles[providerID]
	s.mu.RUnlock()
	if !ok {
		return nil, &ProviderUnavailableError{ProviderID: providerID, Reason: "not registered"}
	}

	conn, state := h.connState()
	if conn == nil || (state != StateReady && state != StateDegraded) {
		return nil, &ProviderUnavailableError{ProviderID: providerID, Reason: fmt.Sprintf("provider is %s", state)}
	}

	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := conn.CallTool(cctx, tool, args)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded):
			return nil, &TimeoutError{ProviderID: providerID, Tool: tool, Timeout: timeout}
		case errors.Is(err, provider.ErrClosed):
			return nil, &ProviderUnavailableError{ProviderID: providerID, Reason: "connection lost"}
		default:
			var rpcErr *provider.RPCError
			if errors.As(err, &rpcErr) {
				return nil, &RemoteError{ProviderID: providerID, Tool: tool, Code: rpcErr.Code, Message: rpcErr.Message}
			}
			return nil, &RemoteError{ProviderID: providerID, Tool: tool, Message: err.Error()}
		}
	}
	return result, nil
}

// Capabilities returns the tool surface of every provider currently able to
// serve invocations.
func (s *Supervisor) Capabilities() []Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := make([]Capability, 0, len(s.handles))
	for id, h := range s.handles {
		conn, state := h.connState()
		if conn == nil || (state != StateReady && state != StateDegraded) {
			continue
		}
		caps = append(caps, Capability{ProviderID: id, Tools: conn.Tools()})
	}
	return caps
}

// Token returns the capability invalidation token. It increases every time
// the published capability set changes, so consumers can cheaply detect
// staleness.
func (s *Supervisor) Token() uint64 {
	return s.token.Load()
}

// Status returns a snapshot for every registered provider.
func (s *Supervisor) Status() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]Status, 0, len(s.handles))
	for _, h := range s.handles {
		statuses = append(statuses, h.status())
	}
	return statuses
}

// ProviderState reports the state of one provider. The bool is false when
// the id is not registered.
func (s *Supervisor) ProviderState(id string) (State, bool) {
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return h.currentState(), true
}

// Stop shuts down all providers and waits for supervision goroutines.
func (s *Supervisor) Stop() {
	s.baseCancel()
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) publish() {
	s.token.Add(1)
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

// setProviderUp maintains the per-provider availability gauge.
func (s *Supervisor) setProviderUp(id string, up bool) {
	if s.opts.Metrics == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	s.opts.Metrics.ProviderUp.WithLabelValues(id).Set(v)
}

// run is the supervision loop for one provider. It owns the handle's state
// transitions: starting, then ready on handshake success, degraded and
// crashed from the probe loop, stopped when supervision gives up.
func (s *Supervisor) run(ctx context.Context, h *handle) {
	defer close(h.done)

	id := h.config.ID
	attempt := 0
	handshakeFails := 0

	for {
		if ctx.Err() != nil {
			h.setState(StateStopped)
			return
		}

		h.setState(StateStarting)
		conn := s.opts.Factory(h.config, s.logger)

		hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		err := conn.Connect(hctx)
		cancel()

		if err != nil {
			_ = conn.Close()
			handshakeFails++
			h.noteHandshakeFailure()
			if s.opts.Metrics != nil {
				s.opts.Metrics.HandshakeFailures.WithLabelValues(id).Inc()
			}
			s.logger.Warn("provider handshake failed",
				"provider", id,
				"consecutive", handshakeFails,
				"error", err)

			if handshakeFails >= s.opts.HandshakeFailureLimit {
				h.setState(StateStopped)
				s.logger.Error("provider stopped after repeated handshake failures",
					"provider", id,
					"failures", handshakeFails)
				s.publish()
				return
			}

			attempt++
			if backoff.SleepBackoff(ctx, s.opts.Restart, attempt) != nil {
				h.setState(StateStopped)
				return
			}
			continue
		}

		handshakeFails = 0
		attempt = 0
		h.setReady(conn)
		s.setProviderUp(id, true)
		s.logger.Info("provider ready", "provider", id, "tools", len(conn.Tools()))
		s.publish()

		s.probeLoop(ctx, h, conn)

		h.clearConn()
		_ = conn.Close()
		s.setProviderUp(id, false)

		if ctx.Err() != nil {
			h.setState(StateStopped)
			return
		}

		h.noteRestart()
		if s.opts.Metrics != nil {
			s.opts.Metrics.ProviderRestarts.WithLabelValues(id).Inc()
		}
		s.logger.Warn("provider crashed, scheduling restart", "provider", id)
		s.publish()

		attempt++
		if backoff.SleepBackoff(ctx, s.opts.Restart, attempt) != nil {
			h.setState(StateStopped)
			return
		}
	}
}

// probeLoop pings the provider on the configured interval. It returns when
// the provider should be treated as crashed or the context is done. Hitting
// the failure limit marks the provider degraded; one more failure, or a dead
// transport, ends the loop.
func (s *Supervisor) probeLoop(ctx context.Context, h *handle, conn Conn) {
	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	id := h.config.ID
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !conn.Connected() {
			s.logger.Warn("provider connection lost", "provider", id)
			return
		}

		pctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		err := conn.Ping(pctx)
		cancel()

		if err == nil {
			if failures > 0 {
				wasDegraded := h.currentState() == StateDegraded
				failures = 0
				h.setProbeFailures(0)
				if wasDegraded {
					h.setState(StateReady)
					s.logger.Info("provider recovered", "provider", id)
				}
			}
			continue
		}

		failures++
		h.setProbeFailures(failures)
		s.logger.Warn("provider probe failed",
			"provider", id,
			"consecutive", failures,
			"error", err)

		if failures == s.opts.ProbeFailureLimit {
			h.setState(StateDegraded)
			s.logger.Warn("provider degraded", "provider", id)
		} else if failures > s.opts.ProbeFailureLimit {
			return
		}
	}
}
