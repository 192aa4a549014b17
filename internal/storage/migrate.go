package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one embedded schema change, read from
// migrations/<id>.up.sql and migrations/<id>.down.sql.
type Migration struct {
	ID   string
	Up   string
	Down string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the embedded migrations in ID order. Each step runs in
// its own transaction together with its schema_migrations bookkeeping.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator loads the embedded migrations for db.
func NewMigrator(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

const createMigrationTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	id STRING PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Up applies up to steps pending migrations, all of them when steps <= 0,
// and returns the IDs applied. On error the IDs applied so far are
// returned with it.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	_, pending, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > 0 {
		pending = pending[:min(steps, len(pending))]
	}

	var done []string
	for _, mig := range pending {
		if err := m.step(ctx, mig.ID, "apply", mig.Up, `INSERT INTO schema_migrations (id) VALUES ($1)`); err != nil {
			return done, err
		}
		done = append(done, mig.ID)
	}
	return done, nil
}

// Down rolls back the most recent steps migrations, at least one.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	applied, _, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	steps = min(max(steps, 1), len(applied))

	var done []string
	for _, entry := range slices.Backward(applied[len(applied)-steps:]) {
		i := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.ID == entry.ID })
		if i < 0 {
			return done, fmt.Errorf("migration %s is applied but not embedded in this build", entry.ID)
		}
		if err := m.step(ctx, entry.ID, "rollback", m.migrations[i].Down, `DELETE FROM schema_migrations WHERE id = $1`); err != nil {
			return done, err
		}
		done = append(done, entry.ID)
	}
	return done, nil
}

// Status lists applied migrations in ID order and the embedded ones still
// pending. It creates schema_migrations when missing.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if _, err := m.db.ExecContext(ctx, createMigrationTable); err != nil {
		return nil, nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	seen := map[string]bool{}
	for rows.Next() {
		var entry AppliedMigration
		if err := rows.Scan(&entry.ID, &entry.AppliedAt); err != nil {
			return nil, nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied = append(applied, entry)
		seen[entry.ID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("schema_migrations: %w", err)
	}

	var pending []Migration
	for _, mig := range m.migrations {
		if !seen[mig.ID] {
			pending = append(pending, mig)
		}
	}
	return applied, pending, nil
}

// step runs one migration body and its bookkeeping statement atomically.
func (m *Migrator) step(ctx context.Context, id, verb, body, record string) (err error) {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%s %s: no sql", verb, id)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s %s: begin: %w", verb, id, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("%s %s: %w", verb, id, err)
	}
	if _, err = tx.ExecContext(ctx, record, id); err != nil {
		return fmt.Errorf("%s %s: record: %w", verb, id, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s %s: commit: %w", verb, id, err)
	}
	return nil
}

// loadMigrations pairs the embedded up and down files by ID.
func loadMigrations() ([]Migration, error) {
	byID := map[string]*Migration{}
	err := fs.WalkDir(migrationFiles, "migrations", func(name string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		base := path.Base(name)
		var dst func(*Migration) *string
		var id string
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			id, dst = strings.TrimSuffix(base, ".up.sql"), func(m *Migration) *string { return &m.Up }
		case strings.HasSuffix(base, ".down.sql"):
			id, dst = strings.TrimSuffix(base, ".down.sql"), func(m *Migration) *string { return &m.Down }
		default:
			return nil
		}
		data, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if byID[id] == nil {
			byID[id] = &Migration{ID: id}
		}
		*dst(byID[id]) = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(byID))
	for _, mig := range byID {
		migrations = append(migrations, *mig)
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return strings.Compare(a.ID, b.ID) })
	return migrations, nil
}
