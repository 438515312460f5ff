// Package main provides the CLI entry point for the Switchboard tool
// orchestration server.
//
// Switchboard supervises external tool providers, merges their tools with
// builtin and user-loaded ones into a versioned registry, and runs agent
// sessions whose events stream to clients over SSE and WebSocket.
//
// # Basic Usage
//
// Start the server:
//
//	switchboard serve --config switchboard.yaml
//
// Inspect the tool catalog of a running server:
//
//	switchboard tools
//
// Validate a configuration file without starting anything:
//
//	switchboard validate --config switchboard.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - tool orchestration and streaming server",
		Long: `Switchboard runs agent sessions against a catalog of tools.

Tools come from three origins: builtins compiled into the binary,
user modules loaded from a manifest directory, and external providers
supervised as child processes. Session events stream to clients over
SSE and WebSocket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildProvidersCmd(),
		buildValidateCmd(),
	)

	return rootCmd
}
