package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/switchboard-ai/switchboard/internal/audit"
	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/guard"
	"github.com/switchboard-ai/switchboard/internal/observability"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/internal/supervisor"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type serverFixture struct {
	server *Server
	ts     *httptest.Server
	store  *audit.MemoryStore
}

func newFixture(t *testing.T, mutate func(*Options)) *serverFixture {
	t.Helper()

	logger := testLogger()
	reg := registry.New(nil, logger)
	if err := reg.RegisterBuiltin(registry.Descriptor{
		Name:        "ping",
		Description: "replies with pong",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "pong", nil
		},
	}); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	store := audit.NewMemoryStore()
	opts := Options{
		Config:   config.Default(),
		Planner:  session.NewDirectPlanner(),
		Registry: reg,
		Guard:    guard.New(guard.Options{Store: store, Logger: logger}),
		Audit:    store,
		Metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		Logger:   logger,
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return &serverFixture{server: srv, ts: ts, store: store}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestNewRequiresPlanner(t *testing.T) {
	if _, err := New(Options{Config: config.Default()}); err == nil {
		t.Fatal("expected error without planner")
	}
	if _, err := New(Options{Planner: session.NewDirectPlanner()}); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["tools"] != float64(1) {
		t.Fatalf("tools = %v, want 1", body["tools"])
	}
}

func TestToolsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/api/tools")
	if err != nil {
		t.Fatalf("GET /api/tools: %v", err)
	}
	body := decodeBody(t, resp)
	tools, ok := body["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("tools = %v, want one entry", body["tools"])
	}
	tool := tools[0].(map[string]any)
	if tool["name"] != "ping" {
		t.Fatalf("tool name = %v", tool["name"])
	}
	if tool["origin"] != string(models.OriginBuiltin) {
		t.Fatalf("tool origin = %v", tool["origin"])
	}
}

// readSSE collects events from a streaming chat response until the body ends.
func readSSE(t *testing.T, resp *http.Response) []models.StreamEvent {
	t.Helper()
	defer resp.Body.Close()

	var events []models.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("unmarshal event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func postChat(t *testing.T, url, message string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(chatRequest{Message: message})
	resp, err := http.Post(url+"/api/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/chat: %v", err)
	}
	return resp
}

func TestChatSSEDirectAnswer(t *testing.T) {
	f := newFixture(t, nil)

	resp := postChat(t, f.ts.URL, "hello")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := readSSE(t, resp)
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	last := events[len(events)-1]
	if last.Type != models.EventFinalAnswer {
		t.Fatalf("last event = %s, want final_answer", last.Type)
	}
	if last.Answer != "hello" {
		t.Fatalf("answer = %q, want echo", last.Answer)
	}
}

func TestChatSSEToolFlow(t *testing.T) {
	f := newFixture(t, nil)

	resp := postChat(t, f.ts.URL, `/tool ping {}`)
	events := readSSE(t, resp)

	var types []models.StreamEventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []models.StreamEventType{
		models.EventToolCallStarted,
		models.EventToolCallFinished,
		models.EventFinalAnswer,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
	final := events[len(events)-1]
	if !strings.Contains(final.Answer, "ping: pong") {
		t.Fatalf("final answer = %q", final.Answer)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t, nil)

	resp := postChat(t, f.ts.URL, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionCancelNotFound(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Post(f.ts.URL+"/api/sessions/nope/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionResults(t *testing.T) {
	f := newFixture(t, nil)

	rec := audit.NewRecord("sess-1", 7, "ping", json.RawMessage(`{}`), "pong", models.OutcomeSucceeded, false)
	if err := f.store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	resp, err := http.Get(f.ts.URL + "/api/sessions/sess-1/results")
	if err != nil {
		t.Fatalf("GET results: %v", err)
	}
	body := decodeBody(t, resp)
	results, ok := body["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("results = %v, want one record", body["results"])
	}

	resp, err = http.Get(f.ts.URL + "/api/sessions/sess-1/results?limit=bogus")
	if err != nil {
		t.Fatalf("GET results: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad limit", resp.StatusCode)
	}
}

func TestSessionResultsWithoutAuditStore(t *testing.T) {
	f := newFixture(t, func(opts *Options) { opts.Audit = nil })

	resp, err := http.Get(f.ts.URL + "/api/sessions/sess-1/results")
	if err != nil {
		t.Fatalf("GET results: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestProvidersWithoutSupervisor(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/api/providers")
	if err != nil {
		t.Fatalf("GET providers: %v", err)
	}
	body := decodeBody(t, resp)
	if providers, ok := body["providers"].([]any); !ok || len(providers) != 0 {
		t.Fatalf("providers = %v, want empty list", body["providers"])
	}

	resp, err = http.Post(f.ts.URL+"/api/providers", "application/json", strings.NewReader(`{"id":"x"}`))
	if err != nil {
		t.Fatalf("POST providers: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestProvidersAddRejectsInvalidConfig(t *testing.T) {
	sup := supervisor.New(supervisor.Options{Logger: testLogger()})
	t.Cleanup(sup.Stop)
	f := newFixture(t, func(opts *Options) { opts.Supervisor = sup })

	// Missing command fails validation before any process is spawned.
	resp, err := http.Post(f.ts.URL+"/api/providers", "application/json", strings.NewReader(`{"id":"bad","enabled":true}`))
	if err != nil {
		t.Fatalf("POST providers: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestProvidersRemoveNotFound(t *testing.T) {
	sup := supervisor.New(supervisor.Options{Logger: testLogger()})
	t.Cleanup(sup.Stop)
	f := newFixture(t, func(opts *Options) { opts.Supervisor = sup })

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/providers/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE provider: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartAndShutdown(t *testing.T) {
	logger := testLogger()
	cfg := config.Default()
	cfg.Server.Port = 0

	srv, err := New(Options{
		Config:   cfg,
		Planner:  session.NewDirectPlanner(),
		Registry: registry.New(nil, logger),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/api/health", srv.Addr()))
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
