package qvantum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// defaultSafetyMargin is how long before actual expiry a token is
	// treated as expired, so an in-flight request never carries a token
	// that dies mid-call.
	defaultSafetyMargin = 60 * time.Second

	userAgent = "qvantum-controller"
)

// Credential owns the account secrets and the current token pair. It is
// mutated only by a successful login or refresh and never logged.
type Credential struct {
	Email    string
	Password string

	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

type tokenStore interface {
	SaveRefreshToken(ctx context.Context, account, token string) error
	RefreshToken(ctx context.Context, account string) (string, error)
}

// TokenSource manages the credential lifecycle: initial login, silent
// refresh ahead of expiry, and fallback to a full login when the
// refresh token is revoked. Refresh-or-login is single-flighted;
// concurrent callers await the one in-flight attempt.
type TokenSource struct {
	authServer  string
	tokenServer string
	apiKey      string
	http        *http.Client
	store       tokenStore
	margin      time.Duration
	logger      *zap.Logger

	mu   sync.Mutex
	cred *Credential
	sf   singleflight.Group

	now func() time.Time
}

func NewTokenSource(authServer, tokenServer, apiKey string, cred *Credential, store tokenStore) *TokenSource {
	return &TokenSource{
		authServer:  authServer,
		tokenServer: tokenServer,
		apiKey:      apiKey,
		http:        &http.Client{Timeout: 30 * time.Second},
		store:       store,
		margin:      defaultSafetyMargin,
		logger:      zap.L(),
		cred:        cred,
		now:         time.Now,
	}
}

// Load restores a persisted refresh token so a restart refreshes
// instead of performing a full login.
func (ts *TokenSource) Load(ctx context.Context) error {
	if ts.store == nil {
		return nil
	}
	token, err := ts.store.RefreshToken(ctx, ts.cred.Email)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ts.cred.refreshToken = token
	ts.mu.Unlock()
	if token != "" {
		ts.logger.Debug("restored refresh token from store")
	}
	return nil
}

// Token returns an access token guaranteed valid for at least the
// safety margin, refreshing or logging in as needed. fresh reports
// whether the token was obtained during this call rather than served
// from cache; a rejection of a fresh token is a genuine denial, not an
// expiry race.
func (ts *TokenSource) Token(ctx context.Context) (token string, fresh bool, err error) {
	ts.mu.Lock()
	if ts.valid() {
		token = ts.cred.accessToken
		ts.mu.Unlock()
		return token, false, nil
	}
	ts.mu.Unlock()

	v, err, _ := ts.sf.Do("refresh", func() (any, error) {
		return ts.refreshOrLogin(ctx)
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), true, nil
}

// Invalidate drops the current access token so the next Token call
// forces a refresh. Used when the API rejects a cached token.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.cred.expiresAt = time.Time{}
	ts.mu.Unlock()
}

// valid reports whether the current token outlives the safety margin.
// Caller holds ts.mu.
func (ts *TokenSource) valid() bool {
	return ts.cred.accessToken != "" && ts.now().Add(ts.margin).Before(ts.cred.expiresAt)
}

func (ts *TokenSource) refreshOrLogin(ctx context.Context) (string, error) {
	ts.mu.Lock()
	// Another caller may have completed the refresh while we waited on
	// the singleflight slot.
	if ts.valid() {
		token := ts.cred.accessToken
		ts.mu.Unlock()
		return token, nil
	}
	refreshToken := ts.cred.refreshToken
	ts.mu.Unlock()

	if refreshToken != "" {
		token, err := ts.refresh(ctx, refreshToken)
		if err == nil {
			return token, nil
		}
		if !IsAuthError(err) {
			return "", err
		}
		ts.logger.Warn("refresh token rejected, falling back to login")
	}
	return ts.login(ctx)
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

func (ts *TokenSource) login(ctx context.Context) (string, error) {
	ts.logger.Debug("authenticating with password grant")
	payload := map[string]string{
		"returnSecureToken": "true",
		"email":             ts.cred.Email,
		"password":          ts.cred.Password,
		"clientType":        "CLIENT_TYPE_WEB",
	}
	url := fmt.Sprintf("%s/v1/accounts:signInWithPassword?key=%s", ts.authServer, ts.apiKey)

	var res signInResponse
	if err := ts.post(ctx, url, payload, &res, ReasonInvalidCredentials); err != nil {
		return "", err
	}
	ts.commit(ctx, res.IDToken, res.RefreshToken, res.ExpiresIn)
	ts.logger.Info("authenticated with cloud api")
	return res.IDToken, nil
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
}

func (ts *TokenSource) refresh(ctx context.Context, refreshToken string) (string, error) {
	ts.logger.Debug("refreshing access token")
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	url := fmt.Sprintf("%s/v1/token?key=%s", ts.tokenServer, ts.apiKey)

	var res refreshResponse
	if err := ts.post(ctx, url, payload, &res, ReasonRefreshFailed); err != nil {
		return "", err
	}
	ts.commit(ctx, res.IDToken, res.RefreshToken, res.ExpiresIn)
	return res.IDToken, nil
}

// commit installs a fresh token pair and persists the refresh token.
func (ts *TokenSource) commit(ctx context.Context, idToken, refreshToken, expiresIn string) {
	expiresAt := ts.expiry(idToken, expiresIn)

	ts.mu.Lock()
	ts.cred.accessToken = idToken
	ts.cred.refreshToken = refreshToken
	ts.cred.expiresAt = expiresAt
	ts.mu.Unlock()

	if ts.store == nil {
		return
	}
	if err := ts.store.SaveRefreshToken(ctx, ts.cred.Email, refreshToken); err != nil {
		// Non-fatal: the process keeps its in-memory token pair, only a
		// restart pays the cost of a full login.
		ts.logger.Warn("failed to persist refresh token", zap.Error(err))
	}
}

// expiry derives the expiry timestamp from expiresIn, cross-checked
// against the id token's exp claim when it parses as a JWT. The earlier
// of the two wins.
func (ts *TokenSource) expiry(idToken, expiresIn string) time.Time {
	secs, err := strconv.Atoi(expiresIn)
	if err != nil || secs <= 0 {
		secs = 3600
	}
	expiresAt := ts.now().Add(time.Duration(secs) * time.Second)

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Time.Before(expiresAt) {
			expiresAt = exp.Time
		}
	}
	return expiresAt
}

func (ts *TokenSource) post(ctx context.Context, url string, payload any, out any, reason AuthReason) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	res, err := ts.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer func() {
		_ = res.Body.Close()
	}()

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return json.NewDecoder(res.Body).Decode(out)
	case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
		return &TransientError{StatusCode: res.StatusCode, Err: fmt.Errorf("auth server error")}
	default:
		data, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &AuthError{Reason: reason, Err: fmt.Errorf("status %d: %s", res.StatusCode, data)}
	}
}
