package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// fakeTransport scripts responses per method for client tests.
type fakeTransport struct {
	connected bool
	calls     []string
	responses map[string]any
	errs      map[string]error
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: map[string]any{
			"initialize": InitializeResult{
				ProtocolVersion: protocolVersion,
				ServerInfo:      ServerInfo{Name: "fake", Version: "0.1.0"},
			},
			"tools/list": ListToolsResult{
				Tools: []ToolSpec{{Name: "lookup", Description: "looks things up"}},
			},
		},
		errs: map[string]error{},
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	resp, ok := f.responses[method]
	if !ok {
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + method}
	}
	return json.Marshal(resp)
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	return nil
}

func (f *fakeTransport) Connected() bool { return f.connected && !f.closed }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestClientConnectHandshake(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(&Config{ID: "p1", Command: "fake"}, ft, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := c.ServerInfo().Name; got != "fake" {
		t.Errorf("ServerInfo().Name = %q, want %q", got, "fake")
	}

	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "lookup" {
		t.Errorf("Tools() = %+v, want one tool named lookup", tools)
	}
}

func TestClientConnectInitializeFails(t *testing.T) {
	ft := newFakeTransport()
	ft.errs["initialize"] = fmt.Errorf("boom")
	c := NewClient(&Config{ID: "p1", Command: "fake"}, ft, nil)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error from failed initialize")
	}
	if !ft.closed {
		t.Error("transport should be closed after handshake failure")
	}
}

func TestClientConnectToolListFails(t *testing.T) {
	ft := newFakeTransport()
	ft.errs["tools/list"] = fmt.Errorf("boom")
	c := NewClient(&Config{ID: "p1", Command: "fake"}, ft, nil)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error from failed tools/list")
	}
	if !ft.closed {
		t.Error("transport should be closed after handshake failure")
	}
}

func TestClientPingFallsBackToToolList(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(&Config{ID: "p1", Command: "fake"}, ft, nil)

	// ping is not scripted, so the fake returns method-not-found and the
	// client should fall back to tools/list.
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	last := ft.calls[len(ft.calls)-1]
	if last != "tools/list" {
		t.Errorf("last call = %q, want tools/list fallback", last)
	}
}

func TestClientPingRealError(t *testing.T) {
	ft := newFakeTransport()
	ft.errs["ping"] = errors.New("pipe broken")
	c := NewClient(&Config{ID: "p1", Command: "fake"}, ft, nil)

	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error to propagate")
	}
}

func TestClientCallTool(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["tools/call"] = CallToolResult{Content: "42"}
	c := NewClient(&Config{ID: "p1", Command: "fake"}, ft, nil)

	res, err := c.CallTool(context.Background(), "lookup", json.RawMessage(`{"q":"x"}`))
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if res.Content != "42" || res.IsError {
		t.Errorf("CallTool() = %+v, want content 42", res)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{ID: "p", Command: "server", Enabled: true}, false},
		{"missing id", Config{Command: "server"}, true},
		{"missing command", Config{ID: "p"}, true},
		{"path traversal", Config{ID: "p", Command: "../../bin/sh"}, true},
		{"shell metachars", Config{ID: "p", Command: "server", Args: []string{"a; rm -rf /"}}, true},
		{"quoted args ok", Config{ID: "p", Command: "server", Args: []string{`--name="a b"`}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
