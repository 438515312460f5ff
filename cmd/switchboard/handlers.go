// handlers.go implements the command logic behind the cobra definitions in
// commands.go.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchboard-ai/switchboard/internal/audit"
	"github.com/switchboard-ai/switchboard/internal/builtin"
	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/guard"
	"github.com/switchboard-ai/switchboard/internal/observability"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/server"
	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/internal/supervisor"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

const shutdownTimeout = 10 * time.Second

// resolveConfigPath prefers the flag, then SWITCHBOARD_CONFIG. An empty
// result means built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	return os.Getenv(defaultConfigEnv)
}

// buildLogger constructs the process logger from the logging config.
func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// runServe wires the whole server together and blocks until shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	logger.Info("starting switchboard",
		"version", version,
		"commit", commit,
		"config", configPath,
		"addr", cfg.Server.Addr(),
	)

	// Audit store for full, untruncated tool results.
	var store audit.Store
	if cfg.Audit.Path != "" {
		sqliteStore, err := audit.NewSQLiteStore(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		store = sqliteStore
	} else {
		store = audit.NewMemoryStore()
	}
	defer store.Close()

	metrics := observability.NewMetrics(nil)

	// The supervisor and registry reference each other: the registry pulls
	// capabilities from the supervisor, and capability changes trigger a
	// registry sync. reg is assigned before any provider is registered.
	var reg *registry.Registry
	refreshCatalog := func() {
		if reg == nil {
			return
		}
		reg.SyncExternal()
		counts := map[string]int{
			string(models.OriginBuiltin):    0,
			string(models.OriginUserLoaded): 0,
			string(models.OriginExternal):   0,
		}
		for _, d := range reg.Snapshot().List() {
			counts[string(d.Origin)]++
		}
		for origin, n := range counts {
			metrics.RegistryTools.WithLabelValues(origin).Set(float64(n))
		}
	}
	sup := supervisor.New(supervisor.Options{
		HandshakeTimeout:      time.Duration(cfg.Supervision.HandshakeTimeoutSec) * time.Second,
		ProbeInterval:         time.Duration(cfg.Supervision.ProbeIntervalSec) * time.Second,
		ProbeFailureLimit:     cfg.Supervision.ProbeFailureLimit,
		HandshakeFailureLimit: cfg.Supervision.HandshakeFailureLimit,
		Logger:                logger,
		Metrics:               metrics,
		OnChange:              refreshCatalog,
	})
	defer sup.Stop()

	reg = registry.New(sup, logger)
	if err := builtin.Register(reg); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	if _, loadErrs := reg.Reload(cfg.Tools.ModulesDir); len(loadErrs) > 0 {
		for _, loadErr := range loadErrs {
			logger.Warn("tool module skipped", "error", loadErr)
		}
	}
	refreshCatalog()

	var watcher *registry.Watcher
	if cfg.Tools.Watch {
		if _, err := os.Stat(cfg.Tools.ModulesDir); err == nil {
			watcher = registry.NewWatcher(
				reg,
				cfg.Tools.ModulesDir,
				time.Duration(cfg.Tools.WatchDebounceMs)*time.Millisecond,
				refreshCatalog,
				logger,
			)
			if err := watcher.Start(ctx); err != nil {
				return fmt.Errorf("failed to watch tool modules: %w", err)
			}
			defer watcher.Stop()
		} else {
			logger.Info("tool module watch skipped, directory missing", "dir", cfg.Tools.ModulesDir)
		}
	}

	for _, providerCfg := range cfg.Providers {
		if err := sup.Register(providerCfg); err != nil {
			logger.Error("provider registration failed", "provider", providerCfg.ID, "error", err)
		}
	}

	srv, err := server.New(server.Options{
		Config:     cfg,
		Planner:    session.NewDirectPlanner(),
		Registry:   reg,
		Supervisor: sup,
		Guard: guard.New(guard.Options{
			Threshold: cfg.Session.GuardThreshold,
			Store:     store,
			Logger:    logger,
		}),
		Audit:   store,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runToolsList prints the builtin and user-loaded tool catalog.
func runToolsList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := registry.New(nil, logger)
	if err := builtin.Register(reg); err != nil {
		return err
	}
	_, loadErrs := reg.Reload(cfg.Tools.ModulesDir)
	for _, loadErr := range loadErrs {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", loadErr)
	}

	snap := reg.Snapshot()
	fmt.Fprintf(cmd.OutOrStdout(), "catalog version %d, %d tools\n", snap.Version(), snap.Len())
	for _, d := range snap.List() {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %-12s %s\n", d.Name, d.Origin, d.Description)
	}
	return nil
}

// runProvidersList prints the providers from the configuration file.
func runProvidersList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(cfg.Providers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no providers configured")
		return nil
	}
	for _, p := range cfg.Providers {
		state := "enabled"
		if !p.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %-9s %s\n", p.ID, state, p.Command)
	}
	return nil
}

// runValidate loads the config and reports the result.
func runValidate(cmd *cobra.Command, configPath string) error {
	if strings.TrimSpace(configPath) == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d providers, listen %s)\n",
		configPath, len(cfg.Providers), cfg.Server.Addr())
	return nil
}
