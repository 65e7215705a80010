//go:build integration

package pop3_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/integration_tests/common"
	"github.com/migadu/maildrop/server/pop3"
	"github.com/migadu/maildrop/sqlitedb"
)

func message(subject, body string) string {
	return fmt.Sprintf("From: sender@example.org\r\nTo: alice@example.com\r\nSubject: %s\r\n\r\n%s\r\n", subject, body)
}

func TestDeliverThenRetrieve(t *testing.T) {
	stack := common.SetupStack(t, common.NewStackPath(t), pop3.POP3ServerOptions{})
	account := common.CreateTestAccount(t, stack.Store, "alice@example.com")

	require.NoError(t, common.Deliver(t, stack.LMTPAddr, "sender@example.org",
		[]string{"alice+news@example.com"}, message("First", "hello")))
	require.NoError(t, common.Deliver(t, stack.LMTPAddr, "sender@example.org",
		[]string{"alice@example.com"}, message("Second", ".dotted line")))

	c := common.NewPOP3Client(t, stack.POP3Addr)
	c.Login(t, account)

	stat := c.Cmd(t, "STAT")
	assert.True(t, strings.HasPrefix(stat, "+OK 2 "), stat)

	status, lines := c.Multi(t, "LIST")
	require.True(t, strings.HasPrefix(status, "+OK"), status)
	assert.Len(t, lines, 2)

	status, lines = c.Multi(t, "RETR 2")
	require.True(t, strings.HasPrefix(status, "+OK"), status)
	assert.Contains(t, lines, "Subject: Second")
	assert.Contains(t, lines, ".dotted line")

	status, lines = c.Multi(t, "TOP 1 0")
	require.True(t, strings.HasPrefix(status, "+OK"), status)
	assert.Contains(t, lines, "Subject: First")
	assert.NotContains(t, lines, "hello")

	assert.True(t, strings.HasPrefix(c.Cmd(t, "DELE 1"), "+OK"))
	assert.True(t, strings.HasPrefix(c.Cmd(t, "QUIT"), "+OK 1 messages deleted"))

	count, err := stack.Store.MessageCount(context.Background(), account.Username, true)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeliverToUnknownUser(t *testing.T) {
	stack := common.SetupStack(t, common.NewStackPath(t), pop3.POP3ServerOptions{})
	err := common.Deliver(t, stack.LMTPAddr, "sender@example.org",
		[]string{"nobody@example.com"}, message("Lost", "nobody home"))
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)
}

func TestSecondSessionIsLockedOut(t *testing.T) {
	stack := common.SetupStack(t, common.NewStackPath(t), pop3.POP3ServerOptions{})
	account := common.CreateTestAccount(t, stack.Store, "bob@example.com")

	first := common.NewPOP3Client(t, stack.POP3Addr)
	first.Login(t, account)

	second := common.NewPOP3Client(t, stack.POP3Addr)
	assert.True(t, strings.HasPrefix(second.Cmd(t, "USER %s", account.Username), "-ERR"))

	assert.True(t, strings.HasPrefix(first.Cmd(t, "QUIT"), "+OK"))
	require.NoError(t, first.WaitClosed())

	third := common.NewPOP3Client(t, stack.POP3Addr)
	third.Login(t, account)
	assert.True(t, strings.HasPrefix(third.Cmd(t, "QUIT"), "+OK"))
}

func TestDroppedConnectionRestoresMaildrop(t *testing.T) {
	stack := common.SetupStack(t, common.NewStackPath(t), pop3.POP3ServerOptions{})
	account := common.CreateTestAccount(t, stack.Store, "carol@example.com")
	require.NoError(t, common.Deliver(t, stack.LMTPAddr, "sender@example.org",
		[]string{account.Username}, message("Keep", "me")))

	c := common.NewPOP3Client(t, stack.POP3Addr)
	c.Login(t, account)
	assert.True(t, strings.HasPrefix(c.Cmd(t, "DELE 1"), "+OK"))
	c.Drop()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		locked, err := stack.Store.IsLocked(ctx, account.Username)
		return err == nil && !locked
	}, 5*time.Second, 20*time.Millisecond)

	marked, err := stack.Store.IsMarked(ctx, account.Username, 1)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestIdleSessionIsClosed(t *testing.T) {
	stack := common.SetupStack(t, common.NewStackPath(t), pop3.POP3ServerOptions{
		IdleTimeout: 200 * time.Millisecond,
	})
	account := common.CreateTestAccount(t, stack.Store, "dave@example.com")

	c := common.NewPOP3Client(t, stack.POP3Addr)
	c.Login(t, account)
	require.NoError(t, c.WaitClosed())

	require.Eventually(t, func() bool {
		locked, err := stack.Store.IsLocked(context.Background(), account.Username)
		return err == nil && !locked
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRestartClearsStaleLocks(t *testing.T) {
	path := common.NewStackPath(t)
	ctx := context.Background()

	store, err := sqlitedb.Open(ctx, path)
	require.NoError(t, err)
	account := common.CreateTestAccount(t, store, "erin@example.com")
	require.NoError(t, store.SetLocked(ctx, account.Username, true))
	require.NoError(t, store.Close())

	stack := common.SetupStack(t, path, pop3.POP3ServerOptions{})
	locked, err := stack.Store.IsLocked(ctx, account.Username)
	require.NoError(t, err)
	assert.False(t, locked)

	c := common.NewPOP3Client(t, stack.POP3Addr)
	c.Login(t, account)
	assert.True(t, strings.HasPrefix(c.Cmd(t, "QUIT"), "+OK"))
}
