package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// OpenMigrate returns a migrate instance over its own database/sql handle.
// Closing the returned *sql.DB releases the connection.
func OpenMigrate(ctx context.Context, cfg config.DatabaseConfig) (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", cfg.ConnString())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, sqlDB, nil
}

// migrateUp applies pending migrations at startup.
func (db *Database) migrateUp(ctx context.Context, cfg config.DatabaseConfig) error {
	m, sqlDB, err := OpenMigrate(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if version, dirty, err := m.Version(); err == nil {
		logger.Info("DB: schema ready", "version", version, "dirty", dirty)
	}
	return nil
}

// AcquireMigrationLock takes the advisory lock that keeps manual migrations
// from running twice.
func AcquireMigrationLock(ctx context.Context, sqlDB *sql.DB) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire exclusive database lock, is another migration running?")
	}
	return nil
}

func ReleaseMigrationLock(ctx context.Context, sqlDB *sql.DB) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&unlocked); err != nil {
		logger.Warn("DB: failed to release advisory lock after migration", "error", err)
	} else if !unlocked {
		logger.Warn("DB: advisory lock was not held at release")
	}
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
