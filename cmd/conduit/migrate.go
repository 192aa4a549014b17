package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/storage"
)

// poolConfig maps the database section onto the storage pool settings.
func poolConfig(db config.DatabaseConfig) storage.PoolConfig {
	return storage.PoolConfig{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
		ConnectTimeout:  db.ConnectTimeout,
	}
}

func openMigrator(ctx context.Context, configPath string) (*sql.DB, *storage.Migrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.URL == "" {
		return nil, nil, errors.New("database.url is required for migrations")
	}
	db, err := storage.OpenDB(ctx, cfg.Database.URL, poolConfig(cfg.Database))
	if err != nil {
		return nil, nil, err
	}
	migrator, err := storage.NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return db, migrator, nil
}

func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running database migrations", "config", displayPath(configPath), "steps", steps)
	db, migrator, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}
	return nil
}

func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back migrations", "config", displayPath(configPath), "steps", steps)
	db, migrator, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rolledBack, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	for _, id := range rolledBack {
		slog.Info("rolled back migration", "id", id)
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	db, migrator, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAPPLIED AT")
	for _, m := range applied {
		fmt.Fprintf(w, "%s\tapplied\t%s\n", m.ID, m.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(w, "%s\tpending\t-\n", m.ID)
	}
	return w.Flush()
}
