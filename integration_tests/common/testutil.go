//go:build integration

// Package common starts the maildrop servers on loopback ports for the
// integration tests.
package common

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/pkg/password"
	"github.com/migadu/maildrop/server/lmtp"
	"github.com/migadu/maildrop/server/pop3"
	"github.com/migadu/maildrop/sqlitedb"
)

type TestAccount struct {
	Username string
	Password string
}

// TestStack is a POP3 and an LMTP listener sharing one SQLite store.
type TestStack struct {
	Store    *sqlitedb.Store
	Path     string
	POP3     *pop3.POP3Server
	LMTP     *lmtp.LMTPServerBackend
	POP3Addr string
	LMTPAddr string
}

func waitReady(t *testing.T, ready <-chan struct{}, errChan chan error, name string) {
	t.Helper()
	select {
	case <-ready:
	case err := <-errChan:
		t.Fatalf("%s server failed to start: %v", name, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("%s server did not become ready", name)
	}
}

// SetupStack opens a store at path and starts both listeners on it.
func SetupStack(t *testing.T, path string, options pop3.POP3ServerOptions) *TestStack {
	t.Helper()
	ctx := context.Background()

	store, err := sqlitedb.Open(ctx, path)
	require.NoError(t, err)

	pop3Server, err := pop3.New(ctx, "test", "127.0.0.1:0", store, options)
	require.NoError(t, err)
	lmtpServer, err := lmtp.New(ctx, "test", "localhost", "127.0.0.1:0", store, lmtp.LMTPServerOptions{
		MaxMessageSize: 1024 * 1024,
	})
	require.NoError(t, err)

	errChan := make(chan error, 2)
	go pop3Server.Start(errChan)
	go lmtpServer.Start(errChan)
	waitReady(t, pop3Server.Ready(), errChan, "POP3")
	waitReady(t, lmtpServer.Ready(), errChan, "LMTP")

	// The POP3 listener closes the store, so it stops after LMTP.
	t.Cleanup(func() {
		lmtpServer.Close()
		pop3Server.Close()
	})

	return &TestStack{
		Store:    store,
		Path:     path,
		POP3:     pop3Server,
		LMTP:     lmtpServer,
		POP3Addr: pop3Server.Addr().String(),
		LMTPAddr: lmtpServer.Addr().String(),
	}
}

// NewStackPath returns a database path in a fresh temporary directory.
func NewStackPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "maildrop.db")
}

func CreateTestAccount(t *testing.T, store *sqlitedb.Store, username string) TestAccount {
	t.Helper()
	account := TestAccount{Username: username, Password: "pw-" + username}
	hash, err := password.Hash(password.SchemeBcrypt, account.Password)
	require.NoError(t, err)
	require.NoError(t, store.CreateAccount(context.Background(), username, hash))
	return account
}

// Deliver sends one message over LMTP.
func Deliver(t *testing.T, addr, from string, to []string, body string) error {
	t.Helper()
	c, err := smtp.DialLMTP(addr)
	require.NoError(t, err)
	defer c.Close()
	if err := c.Hello("localhost"); err != nil {
		return err
	}
	return c.SendMail(from, to, strings.NewReader(body))
}

// POP3Client is a line-level POP3 client.
type POP3Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func NewPOP3Client(t *testing.T, address string) *POP3Client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &POP3Client{conn: conn, reader: bufio.NewReader(conn)}
	greeting, err := c.ReadLine()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(greeting, "+OK"), "unexpected greeting %q", greeting)
	return c
}

func (c *POP3Client) ReadLine() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\r\n"), nil
}

// Cmd sends one command and returns the status line.
func (c *POP3Client) Cmd(t *testing.T, format string, args ...any) string {
	t.Helper()
	_, err := fmt.Fprintf(c.conn, format+"\r\n", args...)
	require.NoError(t, err)
	line, err := c.ReadLine()
	require.NoError(t, err)
	return line
}

// Multi sends one command and returns the status line and the body lines
// with dot-stuffing removed.
func (c *POP3Client) Multi(t *testing.T, format string, args ...any) (string, []string) {
	t.Helper()
	status := c.Cmd(t, format, args...)
	if !strings.HasPrefix(status, "+OK") {
		return status, nil
	}
	var lines []string
	for {
		line, err := c.ReadLine()
		require.NoError(t, err)
		if line == "." {
			return status, lines
		}
		lines = append(lines, strings.TrimPrefix(line, "."))
	}
}

func (c *POP3Client) Login(t *testing.T, account TestAccount) {
	t.Helper()
	require.True(t, strings.HasPrefix(c.Cmd(t, "USER %s", account.Username), "+OK"))
	require.True(t, strings.HasPrefix(c.Cmd(t, "PASS %s", account.Password), "+OK"))
}

// Drop closes the connection without QUIT.
func (c *POP3Client) Drop() {
	c.conn.Close()
}

// WaitClosed waits until the server closes the connection.
func (c *POP3Client) WaitClosed() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := c.reader.ReadString('\n')
	if err == io.EOF {
		return nil
	}
	return fmt.Errorf("connection still open: %v", err)
}
