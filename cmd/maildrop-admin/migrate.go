package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/db"
	"github.com/migadu/maildrop/sqlitedb"
)

func handleMigrateCommand(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(out)
		return fmt.Errorf("missing migrate subcommand")
	}

	switch args[0] {
	case "up":
		return handleMigrateUp(ctx, args[1:], out)
	case "down":
		return handleMigrateDown(ctx, args[1:], out)
	case "version":
		return handleMigrateVersion(ctx, args[1:], out)
	case "force":
		return handleMigrateForce(ctx, args[1:], out)
	case "help", "--help", "-h":
		printMigrateUsage(out)
		return nil
	default:
		printMigrateUsage(out)
		return fmt.Errorf("unknown migrate subcommand: %s", args[0])
	}
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprint(w, `Store schema migration management

Run this while the maildrop server is stopped. On Postgres an advisory lock
keeps two migrations from running at once.

Usage:
  maildrop-admin migrate up      [--config config.toml]
  maildrop-admin migrate down    [--config config.toml] [--limit N | --all]
  maildrop-admin migrate version [--config config.toml]
  maildrop-admin migrate force   [--config config.toml] <version>
`)
}

// openMigrator returns a migrate instance for the configured backend and a
// function that releases it.
func openMigrator(ctx context.Context, configPath string, exclusive bool) (*migrate.Migrate, func(), error) {
	cfg, err := loadAdminConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		m, sqlDB, err := db.OpenMigrate(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if !exclusive {
			return m, func() { sqlDB.Close() }, nil
		}
		if err := db.AcquireMigrationLock(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		return m, func() {
			db.ReleaseMigrationLock(context.Background(), sqlDB)
			sqlDB.Close()
		}, nil
	case config.BackendSQLite:
		m, err := sqlitedb.OpenMigrate(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return m, func() { m.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("the %s backend has no schema", cfg.Store.Backend)
	}
}

func handleMigrateUp(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("migrate up", out)
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, release, err := openMigrator(ctx, *configPath, true)
	if err != nil {
		return fmt.Errorf("failed to initialize migration tool: %w", err)
	}
	defer release()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply UP migrations: %w", err)
	}
	fmt.Fprintln(out, "Migrations applied successfully.")
	return showVersion(m, out)
}

func handleMigrateDown(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("migrate down", out)
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 1 {
		return fmt.Errorf("--limit must be at least 1")
	}

	m, release, err := openMigrator(ctx, *configPath, true)
	if err != nil {
		return fmt.Errorf("failed to initialize migration tool: %w", err)
	}
	defer release()

	steps := *limit
	if *all {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintln(out, "No migrations to revert.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get current migration version: %w", err)
		}
		if dirty {
			return fmt.Errorf("schema is dirty at version %d, fix it with 'force' first", version)
		}
		steps = int(version)
	}

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	fmt.Fprintf(out, "Reverted %d migration(s).\n", steps)
	return showVersion(m, out)
}

func handleMigrateVersion(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("migrate version", out)
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, release, err := openMigrator(ctx, *configPath, false)
	if err != nil {
		return fmt.Errorf("failed to initialize migration tool: %w", err)
	}
	defer release()
	return showVersion(m, out)
}

func handleMigrateForce(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("migrate force", out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: maildrop-admin migrate force <version>")
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid version number: %w", err)
	}

	m, release, err := openMigrator(ctx, *configPath, true)
	if err != nil {
		return fmt.Errorf("failed to initialize migration tool: %w", err)
	}
	defer release()

	if err := m.Force(version); err != nil {
		return fmt.Errorf("failed to force version: %w", err)
	}
	fmt.Fprintf(out, "Version forced to %d.\n", version)
	return showVersion(m, out)
}

func showVersion(m *migrate.Migrate, out io.Writer) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(out, "Current migration version: none")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	fmt.Fprintf(out, "Current migration version: %d\n", version)
	if dirty {
		fmt.Fprintln(out, "Dirty state: YES (the schema may be inconsistent, use 'force' to fix)")
	} else {
		fmt.Fprintln(out, "Dirty state: no")
	}
	return nil
}
