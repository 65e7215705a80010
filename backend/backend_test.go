package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/memstore"
	"github.com/migadu/maildrop/sqlitedb"
)

func TestOpenMemory(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Store.Backend = config.BackendMemory

	store, err := Open(context.Background(), &cfg)
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &memstore.Store{}, store)
}

func TestOpenSQLite(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Store.Backend = config.BackendSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "maildrop.db")

	store, err := Open(context.Background(), &cfg)
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &sqlitedb.Store{}, store)
	require.NoError(t, store.Ping(context.Background()))
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Store.Backend = "redis"

	_, err := Open(context.Background(), &cfg)
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestOpenPostgresGivesUp(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Database.Host = "127.0.0.1"
	cfg.Database.Port = 1
	cfg.Store.ConnectRetries = 1
	cfg.Store.ConnectBackoff = "10ms"

	_, err := Open(context.Background(), &cfg)
	assert.ErrorContains(t, err, "after 2 attempts")
}
