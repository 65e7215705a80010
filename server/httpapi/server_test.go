package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/maildrop/memstore"
	"github.com/migadu/maildrop/pkg/password"
	"github.com/migadu/maildrop/server"
)

const testKey = "s3cret-key"

func newTestServer(t *testing.T, opts ServerOptions) (*memstore.Store, http.Handler) {
	t.Helper()
	store := memstore.New()
	if opts.APIKey == "" {
		opts.APIKey = testKey
	}
	srv, err := New(store, opts)
	require.NoError(t, err)
	return store, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresKeyAndStore(t *testing.T) {
	_, err := New(memstore.New(), ServerOptions{})
	assert.Error(t, err)
	_, err = New(nil, ServerOptions{APIKey: testKey})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	store, h := newTestServer(t, ServerOptions{})

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	require.NoError(t, store.Close())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testKey, http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"valid key", "Bearer " + testKey, http.StatusOK},
		{"lowercase scheme", "bearer " + testKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/accounts", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAllowedHosts(t *testing.T) {
	_, h := newTestServer(t, ServerOptions{AllowedHosts: []string{"10.1.2.3", "192.168.0.0/16"}})

	tests := []struct {
		remote string
		want   int
	}{
		{"10.1.2.3:5000", http.StatusOK},
		{"192.168.44.1:5000", http.StatusOK},
		{"10.1.2.4:5000", http.StatusForbidden},
		{"203.0.113.9:5000", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/accounts", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("Authorization", "Bearer "+testKey)
			req.Header.Set("X-Forwarded-For", "10.1.2.3")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCreateAndListAccounts(t *testing.T) {
	store, h := newTestServer(t, ServerOptions{})

	rec := do(t, h, "POST", "/api/v1/accounts", `{"username":"bob","password":"hunter2"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	ok, err := store.PasswordMatches(context.Background(), "bob", "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	rec = do(t, h, "POST", "/api/v1/accounts", `{"username":"bob","password":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, "POST", "/api/v1/accounts", `{"username":"bad name","password":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/api/v1/accounts", `{"username":"carol"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/api/v1/accounts", `{"username":"carol","password":"x","scheme":"ROT13"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "GET", "/api/v1/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var accounts []server.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "bob", accounts[0].Username)
}

func TestSetPasswordAndDelete(t *testing.T) {
	store, h := newTestServer(t, ServerOptions{})
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, "bob", "{PLAIN}old"))

	rec := do(t, h, "PUT", "/api/v1/accounts/bob/password", `{"password":"new","scheme":"`+password.SchemeSSHA512+`"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	ok, err := store.PasswordMatches(ctx, "bob", "new")
	require.NoError(t, err)
	assert.True(t, ok)

	rec = do(t, h, "PUT", "/api/v1/accounts/nobody/password", `{"password":"new"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, "DELETE", "/api/v1/accounts/bob", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, "DELETE", "/api/v1/accounts/bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMaildropAndMessages(t *testing.T) {
	store, h := newTestServer(t, ServerOptions{})
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, "bob", "{PLAIN}pw"))
	_, err := store.AppendMessage(ctx, "bob", []byte("Subject: one\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, "bob", []byte("Subject: two\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	require.NoError(t, store.MarkMessage(ctx, "bob", 1, true))

	rec := do(t, h, "GET", "/api/v1/maildrops/bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var account server.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.Equal(t, 2, account.MessageCount)
	assert.Equal(t, 1, account.MarkedCount)

	rec = do(t, h, "GET", "/api/v1/maildrops/bob/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var messages []server.MessageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, "two", messages[1].Subject)
	assert.True(t, messages[0].Marked)

	rec = do(t, h, "GET", "/api/v1/maildrops/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnlock(t *testing.T) {
	store, h := newTestServer(t, ServerOptions{})
	ctx := context.Background()
	for _, user := range []string{"bob", "carol", "dave"} {
		require.NoError(t, store.CreateAccount(ctx, user, "{PLAIN}pw"))
		require.NoError(t, store.SetLocked(ctx, user, true))
	}

	rec := do(t, h, "DELETE", "/api/v1/maildrops/bob/lock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unlocked":true}`, rec.Body.String())

	rec = do(t, h, "DELETE", "/api/v1/maildrops/bob/lock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unlocked":false}`, rec.Body.String())

	rec = do(t, h, "DELETE", "/api/v1/maildrops/nobody/lock", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, "POST", "/api/v1/maildrops/unlock", `{"usernames":["carol","bob"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unlocked":1}`, rec.Body.String())

	rec = do(t, h, "POST", "/api/v1/maildrops/unlock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unlocked":1}`, rec.Body.String())

	locked, err := store.IsLocked(ctx, "dave")
	require.NoError(t, err)
	assert.False(t, locked)
}

// brokenStore fails every call.
type brokenStore struct {
	*memstore.Store
}

func (brokenStore) ListAccounts(ctx context.Context) ([]server.Account, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailureIsInternalError(t *testing.T) {
	srv, err := New(brokenStore{memstore.New()}, ServerOptions{APIKey: testKey})
	require.NoError(t, err)

	rec := do(t, srv.Handler(), "GET", "/api/v1/accounts", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
