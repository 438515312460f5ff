// Package config loads and validates the server configuration.
package config

import (
	"fmt"
	"time"

	"github.com/switchboard-ai/switchboard/internal/provider"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server" json:"server"`
	Providers   []*provider.Config `yaml:"providers" json:"providers"`
	Tools       ToolsConfig        `yaml:"tools" json:"tools"`
	Session     SessionConfig      `yaml:"session" json:"session"`
	Supervision SupervisionConfig  `yaml:"supervision" json:"supervision"`
	Audit       AuditConfig        `yaml:"audit" json:"audit"`
	Logging     LoggingConfig      `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Addr is the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ToolsConfig configures the registry.
type ToolsConfig struct {
	// ModulesDir holds user tool module manifests.
	ModulesDir string `yaml:"modules_dir" json:"modules_dir"`
	// Watch reloads modules when the directory changes.
	Watch bool `yaml:"watch" json:"watch"`
	// WatchDebounceMs coalesces bursts of filesystem events.
	WatchDebounceMs int `yaml:"watch_debounce_ms" json:"watch_debounce_ms"`
}

// SessionConfig configures the agent loop.
type SessionConfig struct {
	StepBudget       int `yaml:"step_budget" json:"step_budget"`
	HistoryLimit     int `yaml:"history_limit" json:"history_limit"`
	InvokeTimeoutSec int `yaml:"invoke_timeout_seconds" json:"invoke_timeout_seconds"`
	// GuardThreshold is the tool result size that triggers truncation.
	GuardThreshold int `yaml:"guard_threshold" json:"guard_threshold"`
	// ReorderWindow is the event multiplexer's window size.
	ReorderWindow int `yaml:"reorder_window" json:"reorder_window"`
	// ReorderWaitMs is the longest an out-of-order event is held.
	ReorderWaitMs int `yaml:"reorder_wait_ms" json:"reorder_wait_ms"`
}

// InvokeTimeout returns the configured external tool timeout.
func (s SessionConfig) InvokeTimeout() time.Duration {
	return time.Duration(s.InvokeTimeoutSec) * time.Second
}

// SupervisionConfig configures provider supervision.
type SupervisionConfig struct {
	HandshakeTimeoutSec   int `yaml:"handshake_timeout_seconds" json:"handshake_timeout_seconds"`
	ProbeIntervalSec      int `yaml:"probe_interval_seconds" json:"probe_interval_seconds"`
	ProbeFailureLimit     int `yaml:"probe_failure_limit" json:"probe_failure_limit"`
	HandshakeFailureLimit int `yaml:"handshake_failure_limit" json:"handshake_failure_limit"`
}

// AuditConfig configures the full result store.
type AuditConfig struct {
	// Path is the SQLite database file; empty keeps records in memory.
	Path string `yaml:"path" json:"path"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8740,
		},
		Tools: ToolsConfig{
			ModulesDir: "tools.d",
			Watch:      true,
		},
		Session: SessionConfig{
			StepBudget:   20,
			HistoryLimit: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for mistakes that should stop startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p == nil {
			return fmt.Errorf("providers contains a null entry")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", p.ID, err)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Session.StepBudget < 0 {
		return fmt.Errorf("session.step_budget must not be negative")
	}
	return nil
}

// applyDefaults fills unset fields after a file load.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Tools.ModulesDir == "" {
		c.Tools.ModulesDir = def.Tools.ModulesDir
	}
	if c.Session.StepBudget == 0 {
		c.Session.StepBudget = def.Session.StepBudget
	}
	if c.Session.HistoryLimit == 0 {
		c.Session.HistoryLimit = def.Session.HistoryLimit
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}
