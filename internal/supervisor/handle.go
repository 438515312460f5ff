package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/internal/provider"
)

// State describes the lifecycle stage of a supervised provider process.
type State string

const (
	// StateStarting means the process is being spawned or the capability
	// handshake is in progress.
	StateStarting State = "starting"
	// StateReady means the handshake completed and the provider is
	// serving invocations.
	StateReady State = "ready"
	// StateDegraded means the provider missed consecutive liveness probes
	// but is still accepting invocations.
	StateDegraded State = "degraded"
	// StateCrashed means the process died or stopped responding and a
	// restart is pending.
	StateCrashed State = "crashed"
	// StateStopped means supervision has given up on the provider.
	StateStopped State = "stopped"
)

// Status is a point-in-time snapshot of a supervised provider, safe to
// serialize for status endpoints.
type Status struct {
	ProviderID        string    `json:"provider_id"`
	State             State     `json:"state"`
	Restarts          int       `json:"restarts"`
	HandshakeFailures int       `json:"handshake_failures"`
	ProbeFailures     int       `json:"probe_failures"`
	LastReady         time.Time `json:"last_ready,omitempty"`
	ToolCount         int       `json:"tool_count"`
}

// handle tracks the runtime status of one supervised provider. All mutable
// fields are guarded by mu; the supervision goroutine is the only writer.
type handle struct {
	config *provider.Config
	cancel context.CancelFunc
	done   chan struct{}

	mu                sync.RWMutex
	conn              Conn
	state             State
	lastReady         time.Time
	restarts          int
	handshakeFailures int
	probeFailures     int
}

func newHandle(cfg *provider.Config, cancel context.CancelFunc) *handle {
	return &handle{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateStarting,
	}
}

func (h *handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *handle) setReady(conn Conn) {
	h.mu.Lock()
	h.conn = conn
	h.state = StateReady
	h.lastReady = time.Now()
	h.probeFailures = 0
	h.mu.Unlock()
}

func (h *handle) clearConn() {
	h.mu.Lock()
	h.conn = nil
	h.mu.Unlock()
}

func (h *handle) noteHandshakeFailure() {
	h.mu.Lock()
	h.handshakeFailures++
	h.state = StateCrashed
	h.mu.Unlock()
}

func (h *handle) noteRestart() {
	h.mu.Lock()
	h.restarts++
	h.state = StateCrashed
	h.mu.Unlock()
}

func (h *handle) setProbeFailures(n int) {
	h.mu.Lock()
	h.probeFailures = n
	h.mu.Unlock()
}

// connState returns the live connection and current state together so
// callers see a consistent pair.
func (h *handle) connState() (Conn, State) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn, h.state
}

func (h *handle) currentState() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *handle) status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Status{
		ProviderID:        h.config.ID,
		State:             h.state,
		Restarts:          h.restarts,
		HandshakeFailures: h.handshakeFailures,
		ProbeFailures:     h.probeFailures,
		LastReady:         h.lastReady,
	}
	if h.conn != nil {
		st.ToolCount = len(h.conn.Tools())
	}
	return st
}
