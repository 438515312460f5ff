package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  host: 0.0.0.0
  port: 9000
providers:
  - id: search
    command: /usr/local/bin/search-server
    args: ["--stdio"]
    enabled: true
tools:
  modules_dir: /etc/switchboard/tools.d
session:
  step_budget: 8
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr())
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "search" {
		t.Errorf("unexpected providers: %+v", cfg.Providers)
	}
	if cfg.Session.StepBudget != 8 {
		t.Errorf("StepBudget = %d, want 8", cfg.Session.StepBudget)
	}
	// Unset fields take defaults.
	if cfg.Session.HistoryLimit != 10 {
		t.Errorf("HistoryLimit = %d, want default 10", cfg.Session.HistoryLimit)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "config.json5", `{
  // comments are allowed in json5
  server: { port: 9001 },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("Port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want default", cfg.Server.Host)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SB_TEST_CMD", "/opt/bin/tool-server")
	path := writeConfig(t, "config.yaml", `
providers:
  - id: envy
    command: ${SB_TEST_CMD}
    enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Providers[0].Command != "/opt/bin/tool-server" {
		t.Errorf("Command = %q", cfg.Providers[0].Command)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"duplicate providers", `
providers:
  - id: twin
    command: a
    enabled: true
  - id: twin
    command: b
    enabled: true
`},
		{"bad log level", "logging:\n  level: loud\n"},
		{"unparsable", "server: [not a map\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tt.content)
			if _, err := Load(path); err == nil {
				t.Error("Load accepted invalid config")
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if cfg.Server.Port != 8740 {
		t.Errorf("Port = %d, want default 8740", cfg.Server.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
