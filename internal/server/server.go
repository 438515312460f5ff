// Package server exposes the orchestration core over HTTP: an SSE chat
// endpoint, a WebSocket chat endpoint, tool and provider management APIs,
// health and Prometheus metrics.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/switchboard-ai/switchboard/internal/audit"
	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/guard"
	"github.com/switchboard-ai/switchboard/internal/observability"
	"github.com/switchboard-ai/switchboard/internal/provider"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/internal/stream"
	"github.com/switchboard-ai/switchboard/internal/supervisor"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// Options wires the server's collaborators.
type Options struct {
	Config     *config.Config
	Planner    session.Planner
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Guard      *guard.Guard
	Audit      audit.Store
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg        *config.Config
	planner    session.Planner
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	guard      *guard.Guard
	audit      audit.Store
	metrics    *observability.Metrics
	logger     *slog.Logger

	httpServer *http.Server
	listener   net.Listener

	mu     sync.Mutex
	active map[string]*session.Session
}

// New creates the server. Config and Planner are required.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		cfg:        opts.Config,
		planner:    opts.Planner,
		registry:   opts.Registry,
		supervisor: opts.Supervisor,
		guard:      opts.Guard,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "server"),
		active:     make(map[string]*session.Session),
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/providers", s.handleProvidersList)
	mux.HandleFunc("POST /api/providers", s.handleProvidersAdd)
	mux.HandleFunc("DELETE /api/providers/{id}", s.handleProvidersRemove)
	mux.HandleFunc("POST /api/chat", s.handleChatSSE)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleSessionCancel)
	mux.HandleFunc("GET /api/sessions/{id}/results", s.handleSessionResults)
	mux.HandleFunc("/ws/chat", s.handleChatWS)

	return s.withRequestMetrics(mux)
}

// Start begins listening. It returns once the listener is bound; serving
// continues in the background until Shutdown.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", addr)
	return nil
}

// Addr returns the bound listen address. Useful when port 0 was configured.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Server.Addr()
	}
	return s.listener.Addr().String()
}

// Shutdown cancels active sessions and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, sess := range s.active {
		sess.Cancel()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// startSession creates and launches a session for one user message. The
// returned session's event channel closes when it finishes.
func (s *Server) startSession(ctx context.Context, input string) *session.Session {
	var invoker session.Invoker
	if s.supervisor != nil {
		invoker = s.supervisor
	}
	sess := session.New(s.planner, s.registry, invoker, session.Options{
		StepBudget:    s.cfg.Session.StepBudget,
		HistoryLimit:  s.cfg.Session.HistoryLimit,
		InvokeTimeout: s.cfg.Session.InvokeTimeout(),
		Guard:         s.guard,
		Logger:        s.logger,
		Metrics:       s.metrics,
		Mux: stream.Options{
			WindowSize: s.cfg.Session.ReorderWindow,
			WindowWait: time.Duration(s.cfg.Session.ReorderWaitMs) * time.Millisecond,
		},
	})

	s.mu.Lock()
	s.active[sess.ID()] = sess
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}

	go func() {
		sess.Run(ctx, input)
		s.mu.Lock()
		delete(s.active, sess.ID())
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ActiveSessions.Dec()
			s.metrics.SessionsEnded.WithLabelValues(string(sess.State())).Inc()
		}
	}()
	return sess
}

// observeEvent records stream metrics for one released event.
func (s *Server) observeEvent(ev models.StreamEvent) {
	if s.metrics == nil {
		return
	}
	s.metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	if ev.Reordered {
		s.metrics.ReorderedEvents.Inc()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()

	resp := map[string]any{
		"status":           "ok",
		"tools":            snap.Len(),
		"registry_version": snap.Version(),
	}
	if s.supervisor != nil {
		resp["providers"] = s.supervisor.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	s.registry.SyncExternal()
	snap := s.registry.Snapshot()

	type toolInfo struct {
		Name        string            `json:"name"`
		Description string            `json:"description,omitempty"`
		Origin      models.ToolOrigin `json:"origin"`
		Params      []models.Param    `json:"params,omitempty"`
		Provider    string            `json:"provider,omitempty"`
	}

	tools := make([]toolInfo, 0, snap.Len())
	for _, d := range snap.List() {
		tools = append(tools, toolInfo{
			Name:        d.Name,
			Description: d.Description,
			Origin:      d.Origin,
			Params:      d.Params,
			Provider:    d.ProviderID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Version(),
		"tools":   tools,
	})
}

func (s *Server) handleProvidersList(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		writeJSON(w, http.StatusOK, map[string]any{"providers": []supervisor.Status{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.supervisor.Status()})
}

func (s *Server) handleProvidersAdd(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		writeError(w, http.StatusServiceUnavailable, "provider supervision is disabled")
		return
	}

	var cfg provider.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider config: "+err.Error())
		return
	}

	if err := s.supervisor.Register(&cfg); err != nil {
		var cfgErr *supervisor.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusUnprocessableEntity, cfgErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("provider added", "provider", cfg.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"provider_id": cfg.ID, "state": supervisor.StateStarting})
}

func (s *Server) handleProvidersRemove(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		writeError(w, http.StatusServiceUnavailable, "provider supervision is disabled")
		return
	}

	id := r.PathValue("id")
	if err := s.supervisor.Deregister(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.registry.SyncExternal()
	writeJSON(w, http.StatusOK, map[string]any{"provider_id": id, "state": supervisor.StateStopped})
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	sess, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	sess.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "state": sess.State()})
}

// handleSessionResults exposes the persisted full tool results to operators.
// These never flow back into a conversation.
func (s *Server) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := s.audit.BySession(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": records})
}

// withRequestMetrics records request duration per method, route and status.
func (s *Server) withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequestDuration.WithLabelValues(
			r.Method,
			r.URL.Path,
			strconv.Itoa(rec.status),
		).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status for metrics. It forwards
// Flush and Hijack so streaming handlers keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
