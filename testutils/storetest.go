package testutils

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/pkg/password"
	"github.com/migadu/maildrop/server"
	"github.com/migadu/maildrop/server/pop3"
)

// Store is the full surface every backend implements.
type Store interface {
	pop3.MaildropStore
	pop3.LockAcquirer
	pop3.MaildropLister
	pop3.SnapshotStore
	server.Manager
}

// Message builds a small message with the given subject.
func Message(subject string) []byte {
	return []byte("From: Alice <alice@example.org>\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" +
		"Body of " + subject + "\r\n")
}

// RunStoreTests checks the behavior the POP3 interpreter, the LMTP listener
// and the admin tools rely on. open must return an empty store.
func RunStoreTests(t *testing.T, open func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store Store)
	}{
		{"Accounts", testAccounts},
		{"Passwords", testPasswords},
		{"Locking", testLocking},
		{"Messages", testMessages},
		{"MarksAndDeletion", testMarksAndDeletion},
		{"AppendKeepsPositions", testAppendKeepsPositions},
		{"SnapshotBounds", testSnapshotBounds},
		{"AdminViews", testAdminViews},
		{"InterpreterSession", testInterpreterSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func seed(t *testing.T, store Store, user string, subjects ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, user, "{PLAIN}secret"))
	for _, subject := range subjects {
		_, err := store.AppendMessage(ctx, user, Message(subject))
		require.NoError(t, err)
	}
}

func testAccounts(t *testing.T, store Store) {
	ctx := context.Background()

	require.NoError(t, store.CreateAccount(ctx, "carol@example.com", "{PLAIN}x"))
	require.NoError(t, store.CreateAccount(ctx, "bob@example.com", "{PLAIN}x"))

	err := store.CreateAccount(ctx, "bob@example.com", "{PLAIN}y")
	assert.ErrorIs(t, err, consts.ErrAccountExists)
	assert.ErrorIs(t, store.CreateAccount(ctx, "has space", "{PLAIN}x"), consts.ErrInvalidUsername)
	assert.ErrorIs(t, store.CreateAccount(ctx, "", "{PLAIN}x"), consts.ErrInvalidUsername)

	exists, err := store.AccountExists(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = store.AccountExists(ctx, "BOB@example.com")
	require.NoError(t, err)
	assert.False(t, exists, "usernames are case-sensitive")

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "bob@example.com", accounts[0].Username)
	assert.Equal(t, "carol@example.com", accounts[1].Username)

	require.NoError(t, store.DeleteAccount(ctx, "carol@example.com"))
	assert.ErrorIs(t, store.DeleteAccount(ctx, "carol@example.com"), consts.ErrAccountNotFound)
	_, err = store.GetAccount(ctx, "carol@example.com")
	assert.ErrorIs(t, err, consts.ErrAccountNotFound)
	assert.ErrorIs(t, store.SetPassword(ctx, "carol@example.com", "{PLAIN}z"), consts.ErrAccountNotFound)

	require.NoError(t, store.Ping(ctx))
}

func testPasswords(t *testing.T, store Store) {
	ctx := context.Background()

	hash, err := password.Hash(password.SchemeBcrypt, "open sesame")
	require.NoError(t, err)
	require.NoError(t, store.CreateAccount(ctx, "bob", hash))

	ok, err := store.PasswordMatches(ctx, "bob", "open sesame")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.PasswordMatches(ctx, "bob", "open")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.PasswordMatches(ctx, "nobody", "open sesame")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetPassword(ctx, "bob", "{PLAIN}changed"))
	ok, err = store.PasswordMatches(ctx, "bob", "changed")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testLocking(t *testing.T, store Store) {
	ctx := context.Background()
	seed(t, store, "bob")
	seed(t, store, "carol")

	locked, err := store.IsLocked(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, locked)

	acquired, err := store.AcquireLock(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, acquired)
	acquired, err = store.AcquireLock(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, acquired)

	locked, err = store.IsLocked(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, locked)

	account, err := store.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, account.Locked)
	assert.NotNil(t, account.LockedAt)

	unlocked, err := store.Unlock(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, unlocked)
	unlocked, err = store.Unlock(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, unlocked)

	require.NoError(t, store.SetLocked(ctx, "bob", true))
	require.NoError(t, store.SetLocked(ctx, "carol", true))
	n, err := store.UnlockAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.UnlockAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.IsLocked(ctx, "nobody")
	assert.ErrorIs(t, err, consts.ErrAccountNotFound)
	_, err = store.AcquireLock(ctx, "nobody")
	assert.ErrorIs(t, err, consts.ErrAccountNotFound)
	_, err = store.Unlock(ctx, "nobody")
	assert.ErrorIs(t, err, consts.ErrAccountNotFound)
	assert.ErrorIs(t, store.SetLocked(ctx, "nobody", true), consts.ErrAccountNotFound)
}

func testMessages(t *testing.T, store Store) {
	ctx := context.Background()
	seed(t, store, "bob", "one", "two", "three")

	n, err := store.MessageCount(ctx, "bob", false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var total int64
	uidls := make(map[string]bool)
	for pos, subject := range []string{"one", "two", "three"} {
		size, err := store.MessageSize(ctx, "bob", pos+1)
		require.NoError(t, err)
		assert.Equal(t, int64(len(Message(subject))), size)
		total += size

		content, err := store.MessageContent(ctx, "bob", pos+1)
		require.NoError(t, err)
		assert.Equal(t, Message(subject), content)

		uidl, err := store.MessageUID(ctx, "bob", pos+1)
		require.NoError(t, err)
		assert.NotEmpty(t, uidl)
		assert.False(t, strings.ContainsAny(uidl, " \r\n"))
		uidls[uidl] = true
	}
	assert.Len(t, uidls, 3, "UIDLs are unique")

	size, err := store.MaildropSize(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, total, size)

	for _, pos := range []int{0, -1, 4} {
		_, err := store.MessageSize(ctx, "bob", pos)
		assert.ErrorIs(t, err, consts.ErrMessageNotFound, "position %d", pos)
		_, err = store.MessageContent(ctx, "bob", pos)
		assert.ErrorIs(t, err, consts.ErrMessageNotFound, "position %d", pos)
		_, err = store.MessageUID(ctx, "bob", pos)
		assert.ErrorIs(t, err, consts.ErrMessageNotFound, "position %d", pos)
		assert.ErrorIs(t, store.MarkMessage(ctx, "bob", pos, true), consts.ErrMessageNotFound)

		exists, err := store.MessageExists(ctx, "bob", pos)
		require.NoError(t, err)
		assert.False(t, exists)
		marked, err := store.IsMarked(ctx, "bob", pos)
		require.NoError(t, err)
		assert.False(t, marked)
	}

	_, err = store.AppendMessage(ctx, "nobody", Message("lost"))
	assert.ErrorIs(t, err, consts.ErrAccountNotFound)
	_, err = store.AppendMessage(ctx, "bob", nil)
	assert.ErrorIs(t, err, consts.ErrEmptyMessage)
}

func testMarksAndDeletion(t *testing.T, store Store) {
	ctx := context.Background()
	seed(t, store, "bob", "one", "two", "three")

	require.NoError(t, store.MarkMessage(ctx, "bob", 2, true))

	marked, err := store.IsMarked(ctx, "bob", 2)
	require.NoError(t, err)
	assert.True(t, marked)
	exists, err := store.MessageExists(ctx, "bob", 2)
	require.NoError(t, err)
	assert.False(t, exists, "marked messages do not exist for the session")
	exists, err = store.MessageExists(ctx, "bob", 3)
	require.NoError(t, err)
	assert.True(t, exists)

	unmarkedCount, err := store.MessageCount(ctx, "bob", false)
	require.NoError(t, err)
	assert.Equal(t, 2, unmarkedCount)
	allCount, err := store.MessageCount(ctx, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, 3, allCount)

	size, err := store.MaildropSize(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(len(Message("one"))+len(Message("three"))), size)

	entries, err := store.Listing(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Position)
		assert.Equal(t, i == 1, e.Marked)
	}

	require.NoError(t, store.UnmarkAll(ctx, "bob"))
	n, err := store.MessageCount(ctx, "bob", false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, store.MarkMessage(ctx, "bob", 1, true))
	require.NoError(t, store.MarkMessage(ctx, "bob", 2, true))
	removed, err := store.DeleteMarked(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err = store.MessageCount(ctx, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	content, err := store.MessageContent(ctx, "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, Message("three"), content, "positions are renumbered after deletion")

	removed, err = store.DeleteMarked(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func testAppendKeepsPositions(t *testing.T, store Store) {
	ctx := context.Background()
	seed(t, store, "bob", "one", "two")
	require.NoError(t, store.MarkMessage(ctx, "bob", 1, true))

	info, err := store.AppendMessage(ctx, "bob", Message("late"))
	require.NoError(t, err)
	assert.Equal(t, 3, info.Position)

	marked, err := store.IsMarked(ctx, "bob", 1)
	require.NoError(t, err)
	assert.True(t, marked)
	content, err := store.MessageContent(ctx, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, Message("two"), content)
}

func testSnapshotBounds(t *testing.T, store Store) {
	ctx := context.Background()
	seed(t, store, "carol")
	last, err := store.LastMessageID(ctx, "carol")
	require.NoError(t, err)
	assert.Zero(t, last)

	seed(t, store, "bob", "one", "two")
	require.NoError(t, store.MarkMessage(ctx, "bob", 1, true))
	last, err = store.LastMessageID(ctx, "bob")
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, "bob", Message("late"))
	require.NoError(t, err)
	next, err := store.LastMessageID(ctx, "bob")
	require.NoError(t, err)
	assert.Greater(t, next, last)

	n, err := store.MessageCountUpTo(ctx, "bob", last, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.MessageCountUpTo(ctx, "bob", last, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	size, err := store.MaildropSizeUpTo(ctx, "bob", last)
	require.NoError(t, err)
	assert.Equal(t, int64(len(Message("two"))), size)

	n, err = store.MessageCountUpTo(ctx, "bob", next, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testAdminViews(t *testing.T, store Store) {
	ctx := context.Background()
	seed(t, store, "bob", "one", "two")
	require.NoError(t, store.MarkMessage(ctx, "bob", 1, true))

	account, err := store.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", account.Username)
	assert.Equal(t, 2, account.MessageCount)
	assert.Equal(t, 1, account.MarkedCount)
	assert.Equal(t, int64(len(Message("two"))), account.MaildropSize)
	assert.False(t, account.Locked)
	assert.Nil(t, account.LockedAt)

	messages, err := store.ListMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, 1, messages[0].Position)
	assert.True(t, messages[0].Marked)
	assert.Equal(t, "two", messages[1].Subject)
	assert.Contains(t, messages[1].From, "alice@example.org")
	assert.Len(t, messages[1].Hash, 64)

	info, content, err := store.GetMessage(ctx, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, messages[1].UIDL, info.UIDL)
	assert.Equal(t, Message("two"), content)

	_, _, err = store.GetMessage(ctx, "bob", 3)
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
	_, err = store.ListMessages(ctx, "nobody")
	assert.ErrorIs(t, err, consts.ErrAccountNotFound)

	require.NoError(t, store.DeleteAccount(ctx, "bob"))
	seed(t, store, "bob")
	n, err := store.MessageCount(ctx, "bob", true)
	require.NoError(t, err)
	assert.Zero(t, n, "deleting an account removes its messages")
}

func testInterpreterSession(t *testing.T, store Store) {
	ctx := context.Background()
	seed(t, store, "bob", "one", "two", "three")
	send := func(interp *pop3.Interpreter, line string) string {
		return interp.Handle(ctx, line+"\r\n")
	}

	interp := pop3.NewInterpreter(store)
	require.True(t, strings.HasPrefix(send(interp, "USER bob"), "+OK"))
	require.True(t, strings.HasPrefix(send(interp, "PASS secret"), "+OK"))

	rival := pop3.NewInterpreter(store)
	require.True(t, strings.HasPrefix(send(rival, "USER bob"), "-ERR"), "a locked maildrop refuses a second session")

	size := len(Message("one")) + len(Message("two")) + len(Message("three"))
	assert.Equal(t, fmt.Sprintf("+OK 3 %d", size), send(interp, "STAT"))
	assert.True(t, strings.HasPrefix(send(interp, "DELE 2"), "+OK"))
	assert.Equal(t, "+OK 1 messages deleted QUIT", send(interp, "QUIT"))

	locked, err := store.IsLocked(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, locked)
	n, err := store.MessageCount(ctx, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
