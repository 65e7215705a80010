package lmtp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/memstore"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server"
)

const testMessage = "From: alice@example.org\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: lunch\r\n" +
	"\r\n" +
	"Noon at the usual place?\r\n"

func newStore(t *testing.T, users ...string) *memstore.Store {
	t.Helper()
	store := memstore.New()
	for _, user := range users {
		require.NoError(t, store.CreateAccount(context.Background(), user, "{PLAIN}secret"))
	}
	return store
}

func startServer(t *testing.T, store Deliverer, opts LMTPServerOptions) *LMTPServerBackend {
	t.Helper()
	srv, err := New(context.Background(), "test", "localhost", "127.0.0.1:0", store, opts)
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go srv.Start(errChan)

	select {
	case <-srv.Ready():
	case err := <-errChan:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dial(t *testing.T, srv *LMTPServerBackend) *smtp.Client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	c := smtp.NewClientLMTP(conn)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Hello("mx.example.com"))
	return c
}

// sendLMTP writes body after MAIL and RCPT and returns the per-recipient replies.
func sendLMTP(t *testing.T, c *smtp.Client, body string) map[string]*smtp.SMTPError {
	t.Helper()
	statuses := make(map[string]*smtp.SMTPError)
	w, err := c.Data()
	require.NoError(t, err)
	_, err = io.WriteString(w, body)
	require.NoError(t, err)
	resp, err := w.CloseWithLMTPResponse()
	for rcpt := range resp {
		statuses[rcpt] = nil
	}
	var lmtpErr smtp.LMTPDataError
	if err != nil {
		require.True(t, errors.As(err, &lmtpErr), "unexpected DATA error: %v", err)
	}
	for rcpt, status := range lmtpErr {
		statuses[rcpt] = status
	}
	return statuses
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected an SMTP error, got %v", err)
	return smtpErr.Code
}

func TestDeliveryAppendsToMaildrop(t *testing.T) {
	store := newStore(t, "bob@example.com")
	srv := startServer(t, store, LMTPServerOptions{})
	before := testutil.ToFloat64(metrics.LMTPDeliveriesTotal.WithLabelValues("success"))

	c := dial(t, srv)
	require.NoError(t, c.Mail("alice@example.org", nil))
	require.NoError(t, c.Rcpt("bob@example.com", nil))
	statuses := sendLMTP(t, c, testMessage)

	require.Contains(t, statuses, "bob@example.com")
	assert.Nil(t, statuses["bob@example.com"])
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LMTPDeliveriesTotal.WithLabelValues("success")))

	messages, err := store.ListMessages(context.Background(), "bob@example.com")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "lunch", messages[0].Subject)
	assert.Equal(t, int64(len(testMessage)), messages[0].Size)
}

func TestDeliveryUnknownRecipient(t *testing.T) {
	store := newStore(t, "bob@example.com")
	srv := startServer(t, store, LMTPServerOptions{})

	c := dial(t, srv)
	require.NoError(t, c.Mail("alice@example.org", nil))
	err := c.Rcpt("nobody@example.com", nil)
	require.Error(t, err)
	assert.Equal(t, 550, smtpCode(t, err))
}

func TestDeliveryDetailFallsBackToBaseAddress(t *testing.T) {
	store := newStore(t, "bob@example.com")
	srv := startServer(t, store, LMTPServerOptions{})

	c := dial(t, srv)
	require.NoError(t, c.Mail("alice@example.org", nil))
	require.NoError(t, c.Rcpt("bob+lists@example.com", nil))
	statuses := sendLMTP(t, c, testMessage)
	assert.Nil(t, statuses["bob+lists@example.com"])

	n, err := store.MessageCount(context.Background(), "bob@example.com", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeliveryMultipleRecipients(t *testing.T) {
	store := newStore(t, "bob@example.com", "carol@example.com")
	srv := startServer(t, store, LMTPServerOptions{})

	c := dial(t, srv)
	require.NoError(t, c.Mail("", nil))
	require.NoError(t, c.Rcpt("bob@example.com", nil))
	require.NoError(t, c.Rcpt("carol@example.com", nil))
	statuses := sendLMTP(t, c, testMessage)
	assert.Len(t, statuses, 2)

	for _, user := range []string{"bob@example.com", "carol@example.com"} {
		n, err := store.MessageCount(context.Background(), user, true)
		require.NoError(t, err)
		assert.Equal(t, 1, n, user)
	}
}

func TestDeliveryMessageTooLarge(t *testing.T) {
	store := newStore(t, "bob@example.com")
	srv := startServer(t, store, LMTPServerOptions{MaxMessageSize: 64})

	c := dial(t, srv)
	require.NoError(t, c.Mail("alice@example.org", nil))
	require.NoError(t, c.Rcpt("bob@example.com", nil))
	statuses := sendLMTP(t, c, testMessage+strings.Repeat("x", 128)+"\r\n")

	status := statuses["bob@example.com"]
	require.NotNil(t, status)
	assert.Equal(t, 552, status.Code)
	assert.Equal(t, smtp.EnhancedCode{5, 3, 4}, status.EnhancedCode)

	n, err := store.MessageCount(context.Background(), "bob@example.com", true)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliveryDoesNotTouchLock(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "bob@example.com")
	require.NoError(t, store.SetLocked(ctx, "bob@example.com", true))
	srv := startServer(t, store, LMTPServerOptions{})

	c := dial(t, srv)
	require.NoError(t, c.Mail("alice@example.org", nil))
	require.NoError(t, c.Rcpt("bob@example.com", nil))
	sendLMTP(t, c, testMessage)

	locked, err := store.IsLocked(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, locked)
	n, err := store.MessageCount(ctx, "bob@example.com", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// failingStore accepts every recipient and fails every append.
type failingStore struct{}

func (failingStore) AccountExists(ctx context.Context, user string) (bool, error) {
	return true, nil
}

func (failingStore) AppendMessage(ctx context.Context, username string, content []byte) (*server.MessageInfo, error) {
	return nil, errors.New("disk full")
}

func TestDeliveryStoreFailureIsTemporary(t *testing.T) {
	srv := startServer(t, failingStore{}, LMTPServerOptions{})

	c := dial(t, srv)
	require.NoError(t, c.Mail("alice@example.org", nil))
	require.NoError(t, c.Rcpt("bob@example.com", nil))
	statuses := sendLMTP(t, c, testMessage)

	status := statuses["bob@example.com"]
	require.NotNil(t, status)
	assert.Equal(t, 451, status.Code)
}

func TestUntrustedNetworkRejected(t *testing.T) {
	store := newStore(t, "bob@example.com")
	srv := startServer(t, store, LMTPServerOptions{TrustedNetworks: []string{"192.0.2.0/24"}})

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	c := smtp.NewClientLMTP(conn)
	defer c.Close()

	err = c.Hello("mx.example.com")
	require.Error(t, err)
	assert.Equal(t, 554, smtpCode(t, err))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(context.Background(), "test", "localhost", "127.0.0.1:0", nil, LMTPServerOptions{})
	assert.Error(t, err)

	_, err = New(context.Background(), "test", "localhost", "127.0.0.1:0", memstore.New(),
		LMTPServerOptions{TrustedNetworks: []string{"not-a-cidr"}})
	assert.Error(t, err)
}
