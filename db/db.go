package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
)

const backendLabel = "postgres"

// BodyStore keeps message bodies outside the database. Without one, bodies
// are stored inline in the messages table.
type BodyStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type Database struct {
	Pool   *pgxpool.Pool
	bodies BodyStore
}

// NewDatabase connects to Postgres, applies pending migrations and returns
// the store. bodies may be nil.
func NewDatabase(ctx context.Context, cfg config.DatabaseConfig, bodies BodyStore) (*Database, error) {
	logger.Info("DB: connecting to database", "url", cfg.RedactedConnString())

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}

	lifetime, err := cfg.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	poolConfig.MaxConnLifetime = lifetime

	idle, err := cfg.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	poolConfig.MaxConnIdleTime = idle

	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}
	poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(queryTimeout.Milliseconds(), 10)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{Pool: pool, bodies: bodies}
	if err := db.migrateUp(ctx, cfg); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("DB: pool created", "max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime, "max_idle", pool.Config().MaxConnIdleTime)
	return db, nil
}

// Close releases the pool. It satisfies io.Closer so the POP3 listener can
// close the store after draining.
func (db *Database) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	return nil
}

func (db *Database) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// StartPoolMetrics periodically publishes pool statistics until ctx is done.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Pool.Stat()
				metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
				metrics.DBPoolIdleConns.Set(float64(stats.IdleConns()))
				metrics.DBPoolInUseConns.Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
	done  bool
}

// BeginTx starts a new transaction and wraps it for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &measuredTx{Tx: tx, start: time.Now()}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit", backendLabel).Inc()
	}
	mtx.finish()
	return err
}

// Rollback after a successful Commit is a no-op and is not counted.
func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	if !mtx.done {
		metrics.DBTransactionsTotal.WithLabelValues("rollback", backendLabel).Inc()
	}
	mtx.finish()
	return err
}

func (mtx *measuredTx) finish() {
	if mtx.done {
		return
	}
	mtx.done = true
	metrics.DBTransactionDuration.WithLabelValues(backendLabel).Observe(time.Since(mtx.start).Seconds())
}

// TimedQueryRow wraps QueryRow with duration metrics
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := db.Pool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, backendLabel).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", backendLabel).Inc()
	return row
}

// TimedQuery wraps Query with duration metrics
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.Pool.Query(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, backendLabel).Observe(time.Since(start).Seconds())
	recordQuery(operation, err)
	return rows, err
}

// TimedExec wraps Exec with duration metrics
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := db.Pool.Exec(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, backendLabel).Observe(time.Since(start).Seconds())
	recordQuery(operation, err)
	return tag, err
}

func recordQuery(operation string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, backendLabel).Inc()
}
