package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/testutils"
)

// writeSQLiteConfig points a config file at a fresh SQLite database.
func writeSQLiteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "[store]\nbackend = \"sqlite\"\n\n[sqlite]\npath = \"" + filepath.Join(dir, "maildrop.db") + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := runCommand(context.Background(), args[0], args[1:], &out)
	return out.String(), err
}

func TestAccountLifecycle(t *testing.T) {
	cfg := writeSQLiteConfig(t)

	out, err := run(t, "accounts", "add", "--config", cfg, "--username", "bob@example.com", "--password", "secret", "--scheme", "plain")
	require.NoError(t, err)
	assert.Contains(t, out, "Account bob@example.com created")

	_, err = run(t, "accounts", "add", "--config", cfg, "--username", "bob@example.com", "--password", "again")
	assert.ErrorContains(t, err, "already exists")

	out, err = run(t, "accounts", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "USERNAME")
	assert.Contains(t, out, "bob@example.com")

	_, err = run(t, "accounts", "passwd", "--config", cfg, "--username", "bob@example.com", "--password", "new")
	require.NoError(t, err)

	out, err = run(t, "accounts", "show", "--config", cfg, "--username", "bob@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "Locked:    no")

	_, err = run(t, "accounts", "delete", "--config", cfg, "--username", "bob@example.com")
	require.NoError(t, err)

	out, err = run(t, "accounts", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No accounts.")
}

func TestMessagesAndUnlock(t *testing.T) {
	cfg := writeSQLiteConfig(t)
	_, err := run(t, "accounts", "add", "--config", cfg, "--username", "bob", "--password", "secret")
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "msg.eml")
	require.NoError(t, os.WriteFile(file, testutils.Message("Quarterly report"), 0644))

	out, err := run(t, "messages", "add", "--config", cfg, "--username", "bob", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Message 1 appended to bob")

	out, err = run(t, "messages", "list", "--config", cfg, "--username", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Quarterly report")

	out, err = run(t, "messages", "show", "--config", cfg, "--username", "bob", "--position", "1")
	require.NoError(t, err)
	assert.Equal(t, string(testutils.Message("Quarterly report")), out)

	out, err = run(t, "messages", "show", "--config", cfg, "--username", "bob", "--position", "1", "--text")
	require.NoError(t, err)
	assert.Contains(t, out, "Body of Quarterly report")

	_, err = run(t, "messages", "show", "--config", cfg, "--username", "bob", "--position", "2")
	assert.ErrorContains(t, err, "not found")

	out, err = run(t, "unlock", "--config", cfg, "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "was not locked")

	out, err = run(t, "unlock", "--config", cfg, "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "0 maildrops unlocked")

	_, err = run(t, "unlock", "--config", cfg)
	assert.Error(t, err)
}

func TestMigrateVersionSQLite(t *testing.T) {
	cfg := writeSQLiteConfig(t)
	_, err := run(t, "migrate", "up", "--config", cfg)
	require.NoError(t, err)

	out, err := run(t, "migrate", "version", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Current migration version: 1")
	assert.Contains(t, out, "Dirty state: no")
}

func TestMemoryBackendRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[store]\nbackend = \"memory\"\n"), 0644))

	_, err := run(t, "accounts", "list", "--config", path)
	assert.ErrorContains(t, err, "memory backend")
}

func TestUnknownCommand(t *testing.T) {
	out, err := run(t, "frobnicate")
	assert.ErrorContains(t, err, "unknown command")
	assert.True(t, strings.Contains(out, "Usage:"))
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
