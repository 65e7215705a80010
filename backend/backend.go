// Package backend opens the maildrop store selected in [store] backend.
package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/db"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/memstore"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/pkg/retry"
	"github.com/migadu/maildrop/server"
	"github.com/migadu/maildrop/server/pop3"
	"github.com/migadu/maildrop/sqlitedb"
	"github.com/migadu/maildrop/storage"
)

// Store is everything the servers and admin tools need from a backend.
type Store interface {
	pop3.MaildropStore
	pop3.LockAcquirer
	pop3.MaildropLister
	pop3.SnapshotStore
	server.Manager
	metrics.StatsProvider
	io.Closer
}

var (
	_ Store = (*db.Database)(nil)
	_ Store = (*sqlitedb.Store)(nil)
	_ Store = (*memstore.Store)(nil)
)

// Open connects to the configured backend. Postgres connections are retried
// with backoff; a bad configuration is not.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("Store: using the in-memory backend, nothing survives a restart")
		return memstore.New(), nil
	case config.BackendSQLite:
		return sqlitedb.Open(ctx, cfg.SQLite.Path)
	case config.BackendPostgres:
		return openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openPostgres(ctx context.Context, cfg *config.Config) (Store, error) {
	var bodies db.BodyStore
	if cfg.S3.Enabled {
		s3, err := storage.New(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		bodies = s3
		logger.Info("Store: message bodies are kept in S3", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	}

	backoff, err := cfg.Store.GetConnectBackoff()
	if err != nil {
		return nil, fmt.Errorf("invalid store connect_backoff: %w", err)
	}

	var database *db.Database
	err = retry.WithRetry(ctx, func() error {
		database, err = db.NewDatabase(ctx, cfg.Database, bodies)
		return err
	}, retry.BackoffConfig{
		InitialInterval: backoff,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      cfg.Store.ConnectRetries,
		OperationName:   "database connect",
	})
	if err != nil {
		return nil, err
	}
	return database, nil
}
