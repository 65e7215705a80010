// Package sqlitedb is a maildrop store in a single SQLite file, for
// deployments that do not run Postgres. All writes go through one
// connection; WAL mode lets readers proceed while it writes.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
)

const (
	driverName   = "sqlite"
	backendLabel = "sqlite"
)

// Store is a SQLite backed MaildropStore and account manager.
type Store struct {
	db *sql.DB
}

func dsn(path string) string {
	pragmas := url.Values{}
	pragmas.Add("_pragma", "journal_mode(WAL)")
	pragmas.Add("_pragma", "busy_timeout(5000)")
	pragmas.Add("_pragma", "foreign_keys(1)")
	pragmas.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + pragmas.Encode()
}

// Open opens or creates the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	logger.Info("SQLite: opening database", "path", path)

	sqlDB, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// A single connection serializes writers, so lock checks and updates
	// never interleave.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := migrateUp(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return &Store{db: sqlDB}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func recordQuery(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, backendLabel).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status, backendLabel).Inc()
}

// queryRow runs a single-row query and scans it into dest.
func (s *Store) queryRow(ctx context.Context, operation, query string, args []any, dest ...any) error {
	start := time.Now()
	err := s.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	recordQuery(operation, start, err)
	return err
}

func (s *Store) query(ctx context.Context, operation, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	recordQuery(operation, start, err)
	return rows, err
}

func (s *Store) exec(ctx context.Context, operation, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, query, args...)
	recordQuery(operation, start, err)
	return res, err
}

// withTx runs fn in a transaction and records it like the Postgres store.
// fn must only use tx: the pool has a single connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		metrics.DBTransactionsTotal.WithLabelValues("rollback", backendLabel).Inc()
		metrics.DBTransactionDuration.WithLabelValues(backendLabel).Observe(time.Since(start).Seconds())
		return err
	}

	if err := tx.Commit(); err != nil {
		metrics.DBTransactionsTotal.WithLabelValues("rollback", backendLabel).Inc()
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	metrics.DBTransactionsTotal.WithLabelValues("commit", backendLabel).Inc()
	metrics.DBTransactionDuration.WithLabelValues(backendLabel).Observe(time.Since(start).Seconds())
	return nil
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func accountNotFound(user string) error {
	return fmt.Errorf("%w: %s", consts.ErrAccountNotFound, user)
}

func messageNotFound(user string, pos int) error {
	return fmt.Errorf("%w: %s #%d", consts.ErrMessageNotFound, user, pos)
}
