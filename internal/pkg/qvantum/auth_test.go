package qvantum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokenStore struct {
	mu     sync.Mutex
	tokens map[string]string
	saves  int
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: make(map[string]string)}
}

func (f *fakeTokenStore) SaveRefreshToken(_ context.Context, account, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[account] = token
	f.saves++
	return nil
}

func (f *fakeTokenStore) RefreshToken(_ context.Context, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[account], nil
}

func authServers(t *testing.T, logins, refreshes *atomic.Int32, refreshStatus int) (*httptest.Server, *httptest.Server) {
	t.Helper()
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		assert.Equal(t, "/v1/accounts:signInWithPassword", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"idToken":      "login-token",
			"refreshToken": "refresh-1",
			"expiresIn":    "3600",
		})
	}))
	t.Cleanup(auth.Close)

	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		assert.Equal(t, "/v1/token", r.URL.Path)
		if refreshStatus != http.StatusOK {
			w.WriteHeader(refreshStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id_token":      "refreshed-token",
			"refresh_token": "refresh-2",
			"expires_in":    "3600",
		})
	}))
	t.Cleanup(token.Close)
	return auth, token
}

func TestTokenSourceLoginWhenNoRefreshToken(t *testing.T) {
	var logins, refreshes atomic.Int32
	auth, tokenSrv := authServers(t, &logins, &refreshes, http.StatusOK)
	store := newFakeTokenStore()

	ts := NewTokenSource(auth.URL, tokenSrv.URL, "test-key",
		&Credential{Email: "user@example.com", Password: "secret"}, store)

	token, fresh, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-token", token)
	assert.True(t, fresh)
	assert.Equal(t, int32(1), logins.Load())
	assert.Equal(t, int32(0), refreshes.Load())
	assert.Equal(t, "refresh-1", store.tokens["user@example.com"])
}

func TestTokenSourceReusesValidToken(t *testing.T) {
	var logins, refreshes atomic.Int32
	auth, tokenSrv := authServers(t, &logins, &refreshes, http.StatusOK)

	ts := NewTokenSource(auth.URL, tokenSrv.URL, "test-key",
		&Credential{Email: "user@example.com", Password: "secret"}, newFakeTokenStore())

	_, _, err := ts.Token(context.Background())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		token, fresh, err := ts.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "login-token", token)
		assert.False(t, fresh, "cached token is not fresh")
	}
	assert.Equal(t, int32(1), logins.Load())
}

func TestTokenSourceRefreshesBeforeExpiry(t *testing.T) {
	var logins, refreshes atomic.Int32
	auth, tokenSrv := authServers(t, &logins, &refreshes, http.StatusOK)

	ts := NewTokenSource(auth.URL, tokenSrv.URL, "test-key",
		&Credential{Email: "user@example.com", Password: "secret"}, newFakeTokenStore())

	_, _, err := ts.Token(context.Background())
	require.NoError(t, err)

	// Move to 30s before expiry, inside the safety margin.
	ts.now = func() time.Time { return time.Now().Add(3600*time.Second - 30*time.Second) }

	token, fresh, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-token", token)
	assert.True(t, fresh)
	assert.Equal(t, int32(1), logins.Load(), "should refresh, not re-login")
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestTokenSourceFallsBackToLoginOnRevokedRefreshToken(t *testing.T) {
	var logins, refreshes atomic.Int32
	auth, tokenSrv := authServers(t, &logins, &refreshes, http.StatusBadRequest)
	store := newFakeTokenStore()
	store.tokens["user@example.com"] = "revoked"

	ts := NewTokenSource(auth.URL, tokenSrv.URL, "test-key",
		&Credential{Email: "user@example.com", Password: "secret"}, store)
	require.NoError(t, ts.Load(context.Background()))

	token, _, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-token", token)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, int32(1), logins.Load())
}

func TestTokenSourceRestoredRefreshTokenAvoidsLogin(t *testing.T) {
	var logins, refreshes atomic.Int32
	auth, tokenSrv := authServers(t, &logins, &refreshes, http.StatusOK)
	store := newFakeTokenStore()
	store.tokens["user@example.com"] = "persisted"

	ts := NewTokenSource(auth.URL, tokenSrv.URL, "test-key",
		&Credential{Email: "user@example.com", Password: "secret"}, store)
	require.NoError(t, ts.Load(context.Background()))

	token, _, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-token", token)
	assert.Equal(t, int32(0), logins.Load())
}

func TestTokenSourceSingleFlightsConcurrentRefresh(t *testing.T) {
	var logins, refreshes atomic.Int32
	auth, tokenSrv := authServers(t, &logins, &refreshes, http.StatusOK)

	ts := NewTokenSource(auth.URL, tokenSrv.URL, "test-key",
		&Credential{Email: "user@example.com", Password: "secret"}, newFakeTokenStore())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, _, err := ts.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "login-token", token)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), logins.Load(), "concurrent callers share one login")
}

func TestTokenSourceTransientAuthServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ts := NewTokenSource(srv.URL, srv.URL, "test-key",
		&Credential{Email: "user@example.com", Password: "secret"}, nil)

	_, _, err := ts.Token(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsAuthError(err))
}

func TestTokenSourceInvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"INVALID_PASSWORD"}}`))
	}))
	defer srv.Close()

	ts := NewTokenSource(srv.URL, srv.URL, "test-key",
		&Credential{Email: "user@example.com", Password: "wrong"}, nil)

	_, _, err := ts.Token(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}
