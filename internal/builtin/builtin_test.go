package builtin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/switchboard-ai/switchboard/internal/registry"
)

func TestRegister(t *testing.T) {
	reg := registry.New(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	snap := reg.Snapshot()
	for _, name := range []string{"get_current_time", "calculator"} {
		if _, ok := snap.Lookup(name); !ok {
			t.Errorf("builtin %q missing from registry", name)
		}
	}
}

func TestCurrentTime(t *testing.T) {
	out, err := currentTime(context.Background(), nil)
	if err != nil {
		t.Fatalf("currentTime failed: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, out); err != nil {
		t.Errorf("output %q is not RFC3339: %v", out, err)
	}
}

func TestCurrentTimeWithZone(t *testing.T) {
	out, err := currentTime(context.Background(), json.RawMessage(`{"timezone":"UTC"}`))
	if err != nil {
		t.Fatalf("currentTime failed: %v", err)
	}
	parsed, err := time.Parse(time.RFC3339, out)
	if err != nil {
		t.Fatalf("output %q is not RFC3339: %v", out, err)
	}
	if zone, _ := parsed.Zone(); zone != "UTC" {
		t.Errorf("zone = %q, want UTC", zone)
	}

	if _, err := currentTime(context.Background(), json.RawMessage(`{"timezone":"Nowhere/Fake"}`)); err == nil {
		t.Error("unknown timezone accepted")
	}
}

func TestCalculator(t *testing.T) {
	tests := []struct {
		expr    string
		want    string
		wantErr bool
	}{
		{expr: "1 + 2", want: "3"},
		{expr: "2 * 3 + 4", want: "10"},
		{expr: "2 * (3 + 4)", want: "14"},
		{expr: "10 / 4", want: "2.5"},
		{expr: "-3 + 1", want: "-2"},
		{expr: "2 * -3", want: "-6"},
		{expr: "1 / 0", wantErr: true},
		{expr: "1 +", wantErr: true},
		{expr: "(1 + 2", wantErr: true},
		{expr: "abc", wantErr: true},
		{expr: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			args, _ := json.Marshal(map[string]string{"expression": tt.expr})
			got, err := calculate(context.Background(), args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("calculate(%q) = %q, want error", tt.expr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("calculate(%q) failed: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("calculate(%q) = %q, want %q", tt.expr, got, tt.want)
			}
		})
	}
}
