package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/helpers"
	"github.com/migadu/maildrop/testutils"
)

func TestStoreContract(t *testing.T) {
	testutils.RunStoreTests(t, func(t *testing.T) testutils.Store {
		return setupTestDatabase(t, nil)
	})
}

func TestStoreContractWithBodyStore(t *testing.T) {
	testutils.RunStoreTests(t, func(t *testing.T) testutils.Store {
		return setupTestDatabase(t, setupTestBodies(t))
	})
}

func TestOffloadedBodies(t *testing.T) {
	ctx := context.Background()
	bodies := setupTestBodies(t)
	database := setupTestDatabase(t, bodies)

	require.NoError(t, database.CreateAccount(ctx, "bob@example.com", "{PLAIN}secret"))
	for i := 0; i < 2; i++ {
		_, err := database.AppendMessage(ctx, "bob@example.com", testutils.Message("same"))
		require.NoError(t, err)
	}
	other, err := database.AppendMessage(ctx, "bob@example.com", testutils.Message("other"))
	require.NoError(t, err)

	assert.Len(t, bodies.Keys(), 2, "identical bodies in one maildrop share an object")
	assert.Contains(t, bodies.Keys(), "example.com/bob/"+other.Hash)

	var inline int
	require.NoError(t, database.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE content IS NOT NULL`).Scan(&inline))
	assert.Zero(t, inline)

	content, err := database.MessageContent(ctx, "bob@example.com", 3)
	require.NoError(t, err)
	assert.Equal(t, testutils.Message("other"), content)

	_, content, err = database.GetMessage(ctx, "bob@example.com", 1)
	require.NoError(t, err)
	assert.Equal(t, testutils.Message("same"), content)

	// Removing one of the two copies keeps the shared object.
	require.NoError(t, database.MarkMessage(ctx, "bob@example.com", 1, true))
	removed, err := database.DeleteMarked(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Len(t, bodies.Keys(), 2)

	require.NoError(t, database.MarkMessage(ctx, "bob@example.com", 1, true))
	require.NoError(t, database.MarkMessage(ctx, "bob@example.com", 2, true))
	removed, err = database.DeleteMarked(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, bodies.Keys())
}

func TestDeleteAccountRemovesBodies(t *testing.T) {
	ctx := context.Background()
	bodies := setupTestBodies(t)
	database := setupTestDatabase(t, bodies)

	require.NoError(t, database.CreateAccount(ctx, "bob@example.com", "{PLAIN}secret"))
	_, err := database.AppendMessage(ctx, "bob@example.com", testutils.Message("gone"))
	require.NoError(t, err)
	require.Len(t, bodies.Keys(), 1)

	require.NoError(t, database.DeleteAccount(ctx, "bob@example.com"))
	assert.Empty(t, bodies.Keys())
}

func TestAppendFailsWhenUploadFails(t *testing.T) {
	ctx := context.Background()
	bodies := setupTestBodies(t)
	database := setupTestDatabase(t, bodies)

	require.NoError(t, database.CreateAccount(ctx, "bob@example.com", "{PLAIN}secret"))
	msg := testutils.Message("broken")
	bodies.SetError(bodyKey("bob@example.com", helpers.HashContent(msg)), errors.New("bucket unavailable"))

	_, err := database.AppendMessage(ctx, "bob@example.com", msg)
	assert.ErrorIs(t, err, consts.ErrS3UploadFailed)

	n, err := database.MessageCount(ctx, "bob@example.com", true)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedeliveryAfterDeleteKeepsBody(t *testing.T) {
	ctx := context.Background()
	bodies := setupTestBodies(t)
	database := setupTestDatabase(t, bodies)

	require.NoError(t, database.CreateAccount(ctx, "bob@example.com", "{PLAIN}secret"))
	_, err := database.AppendMessage(ctx, "bob@example.com", testutils.Message("again"))
	require.NoError(t, err)
	require.NoError(t, database.MarkMessage(ctx, "bob@example.com", 1, true))
	_, err = database.DeleteMarked(ctx, "bob@example.com")
	require.NoError(t, err)
	require.Empty(t, bodies.Keys())

	_, err = database.AppendMessage(ctx, "bob@example.com", testutils.Message("again"))
	require.NoError(t, err)
	content, err := database.MessageContent(ctx, "bob@example.com", 1)
	require.NoError(t, err)
	assert.Equal(t, testutils.Message("again"), content)
}

func TestAppendWaitsForConcurrentDelete(t *testing.T) {
	ctx := context.Background()
	bodies := setupTestBodies(t)
	database := setupTestDatabase(t, bodies)

	require.NoError(t, database.CreateAccount(ctx, "bob@example.com", "{PLAIN}secret"))
	_, err := database.AppendMessage(ctx, "bob@example.com", testutils.Message("shared"))
	require.NoError(t, err)
	require.NoError(t, database.MarkMessage(ctx, "bob@example.com", 1, true))

	deleting := make(chan struct{})
	release := make(chan struct{})
	bodies.OnDelete(func(string) {
		close(deleting)
		<-release
	})

	deleteDone := make(chan error, 1)
	go func() {
		_, err := database.DeleteMarked(ctx, "bob@example.com")
		deleteDone <- err
	}()
	<-deleting

	appendDone := make(chan error, 1)
	go func() {
		_, err := database.AppendMessage(ctx, "bob@example.com", testutils.Message("shared"))
		appendDone <- err
	}()

	select {
	case err := <-appendDone:
		t.Fatalf("append finished while the delete held the maildrop: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	bodies.OnDelete(nil)
	close(release)
	require.NoError(t, <-deleteDone)
	require.NoError(t, <-appendDone)

	content, err := database.MessageContent(ctx, "bob@example.com", 1)
	require.NoError(t, err)
	assert.Equal(t, testutils.Message("shared"), content)
	assert.Len(t, bodies.Keys(), 1)
}

func TestMissingBodyIsAnError(t *testing.T) {
	ctx := context.Background()
	bodies := setupTestBodies(t)
	database := setupTestDatabase(t, bodies)

	require.NoError(t, database.CreateAccount(ctx, "bob@example.com", "{PLAIN}secret"))
	info, err := database.AppendMessage(ctx, "bob@example.com", testutils.Message("lost"))
	require.NoError(t, err)
	require.NoError(t, bodies.Delete(ctx, bodyKey("bob@example.com", info.Hash)))

	_, err = database.MessageContent(ctx, "bob@example.com", 1)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, consts.ErrMessageNotFound)
}

func TestPasswordRehash(t *testing.T) {
	ctx := context.Background()
	database := setupTestDatabase(t, nil)

	require.NoError(t, database.CreateAccount(ctx, "bob", "{PLAIN}secret"))
	ok, err := database.PasswordMatches(ctx, "bob", "secret")
	require.NoError(t, err)
	require.True(t, ok)

	var stored string
	require.NoError(t, database.Pool.QueryRow(ctx,
		`SELECT password FROM maildrops WHERE username = $1`, "bob").Scan(&stored))
	assert.Contains(t, stored, "{BLF-CRYPT}")

	ok, err = database.PasswordMatches(ctx, "bob", "secret")
	require.NoError(t, err)
	assert.True(t, ok)
}
