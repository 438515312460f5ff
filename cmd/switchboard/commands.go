// commands.go contains the cobra command definitions and their flags. Each
// builder wires a command to its handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

// defaultConfigEnv names the environment variable consulted when --config is
// not given.
const defaultConfigEnv = "SWITCHBOARD_CONFIG"

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Switchboard server",
		Long: `Start the Switchboard server.

The server will:
1. Load configuration from the given file (or built-in defaults)
2. Open the audit store for full tool results
3. Launch supervision for every configured provider
4. Load builtin tools and user tool modules
5. Serve the chat, tool and provider APIs over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults
  switchboard serve

  # Start with a config file and debug logging
  switchboard serve --config /etc/switchboard/config.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (YAML or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func buildToolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List builtin and user-loaded tools",
		Long: `List the tools that would be available at startup.

External provider tools only exist while their providers run, so this
command shows the builtin and user-loaded origins only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (YAML or JSON5)")

	return cmd
}

func buildProvidersCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured tool providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersList(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (YAML or JSON5)")

	return cmd
}

func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (YAML or JSON5)")

	return cmd
}
