package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conduit/internal/config"
)

// buildServeCmd creates the "serve" command.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		api        bool
		worker     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and run workers",
		Long: `Start conduit.

The server will:
1. Load configuration and open the stores (CockroachDB or memory)
2. Connect to NATS, or use the in-process bus and queue
3. Start the worker pool executing queued runs (--worker)
4. Start the HTTP API with websocket streaming (--api)

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Everything in one process
  conduit serve

  # API only, workers run elsewhere
  conduit serve --config /etc/conduit/prod.yaml --worker=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), serveOptions{
				Debug:  debug,
				API:    api,
				Worker: worker,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&api, "api", true, "Serve the HTTP API")
	cmd.Flags().BoolVar(&worker, "worker", true, "Execute queued runs")
	return cmd
}

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage database migrations.

Migrations ensure the schema matches the version of conduit you are running.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	var upSteps, downSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath), upSteps)
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "Number of migrations to apply (0 = all)")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, resolveConfigPath(configPath), downSteps)
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "Number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if _, err := config.Load(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", displayPath(path))
			return err
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	cmd.AddCommand(schema, validate)
	return cmd
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "conduit %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
