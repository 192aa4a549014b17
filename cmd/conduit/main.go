// Package main provides the CLI entry point for conduit, the run execution
// and streaming engine.
//
// # Basic Usage
//
// Start the API and workers in one process:
//
//	conduit serve --config conduit.yaml
//
// Split the roles across processes sharing NATS and a database:
//
//	conduit serve --config conduit.yaml --worker=false
//	conduit serve --config conduit.yaml --api=false
//
// Manage database migrations:
//
//	conduit migrate up
//	conduit migrate status
//
// # Environment Variables
//
//   - CONDUIT_CONFIG: Path to configuration file (default: conduit.yaml)
//
// Config files may reference any variable as ${NAME}.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "conduit.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "conduit - assistant run execution and streaming engine",
		Long: `conduit executes assistant runs on a worker pool and streams their
output to clients over websockets.

Runs are created over the HTTP API, queued on NATS JetStream (or in
memory) and executed against OpenAI, Anthropic or a local
OpenAI-compatible model server.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit path, then CONDUIT_CONFIG, then
// ./conduit.yaml if it exists. An empty result means defaults only.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("CONDUIT_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}
