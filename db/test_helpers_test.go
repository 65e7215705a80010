package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/testutils"
)

// setupTestDatabase connects to the database named in config-test.toml and
// empties it. Tests are skipped when the file is absent or in -short mode.
func setupTestDatabase(t *testing.T, bodies BodyStore) *Database {
	t.Helper()
	cfg := testutils.LoadTestDatabaseConfig(t)

	ctx := context.Background()
	database, err := NewDatabase(ctx, cfg, bodies)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running and %s database exists", cfg.Name)

	_, err = database.Pool.Exec(ctx, "TRUNCATE maildrops, messages RESTART IDENTITY CASCADE")
	require.NoError(t, err)

	t.Cleanup(func() { database.Close() })
	return database
}

func setupTestBodies(t *testing.T) *testutils.FileBodyStore {
	t.Helper()
	bodies, err := testutils.NewFileBodyStore(t.TempDir())
	require.NoError(t, err)
	return bodies
}
