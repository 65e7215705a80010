package sqlitedb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/testutils"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	testutils.RunStoreTests(t, func(t *testing.T) testutils.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "maildrop.db"))
	})
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "maildrop.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(ctx, "bob", "{PLAIN}secret"))
	_, err = s.AppendMessage(ctx, "bob", testutils.Message("kept"))
	require.NoError(t, err)
	require.NoError(t, s.MarkMessage(ctx, "bob", 1, true))
	require.NoError(t, s.SetLocked(ctx, "bob", true))
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	locked, err := s.IsLocked(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, locked, "a lock left by a crashed process survives until the startup sweep")

	marked, err := s.IsMarked(ctx, "bob", 1)
	require.NoError(t, err)
	assert.True(t, marked)

	content, err := s.MessageContent(ctx, "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, testutils.Message("kept"), content)
}

func TestOpenMigrateReportsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maildrop.db")
	s := openTestStore(t, path)
	require.NoError(t, s.Ping(context.Background()))

	m, err := OpenMigrate(path)
	require.NoError(t, err)
	defer m.Close()

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "maildrop.db"))

	for _, user := range []string{"bob", "carol"} {
		require.NoError(t, s.CreateAccount(ctx, user, "{PLAIN}x"))
	}
	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, "bob", testutils.Message("stat"))
		require.NoError(t, err)
	}
	require.NoError(t, s.SetLocked(ctx, "carol", true))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalAccounts)
	assert.Equal(t, int64(3), stats.TotalMessages)
	assert.Equal(t, int64(3*len(testutils.Message("stat"))), stats.TotalBytes)
	assert.Equal(t, int64(1), stats.LockedMaildrops)
}
