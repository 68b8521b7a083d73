// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyline-dev/keyline/pkg/accounts"
	"github.com/keyline-dev/keyline/pkg/clients"
	"github.com/keyline-dev/keyline/pkg/config"
	"github.com/keyline-dev/keyline/pkg/keys"
	"github.com/keyline-dev/keyline/pkg/ratelimit"
	"github.com/keyline-dev/keyline/pkg/server/middleware"
	"github.com/keyline-dev/keyline/pkg/session"
	"github.com/keyline-dev/keyline/pkg/storage"
	"github.com/keyline-dev/keyline/pkg/tokens"
	"github.com/keyline-dev/keyline/pkg/upstream"
)

// Fixture identities shared across the endpoint tests.
const (
	testIssuer       = "http://localhost:3000"
	testClientID     = "client-123"
	testClientSecret = "secret"
	testPublicClient = "spa-client"
	testUserID       = "user-456"
	testUserEmail    = "a@example.com"
	testUserPassword = "hunter22"
	testRedirectURI  = "https://app.example.com/cb"
)

// testEnv wires a full handler over the in-memory gateway.
type testEnv struct {
	router    http.Handler
	store     *storage.MemoryGateway
	keys      *keys.Manager
	sessions  *session.Manager
	accounts  *accounts.Service
	codes     *tokens.CodeStore
	refresh   *tokens.RefreshStore
	minter    *tokens.Minter
	providers *upstream.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryGateway()
	t.Cleanup(func() { _ = store.Close() })

	km := keys.NewManager()
	_, err := km.Initialize()
	require.NoError(t, err)

	cfg := &config.Config{
		Issuer:          testIssuer,
		RateLimitWindow: time.Minute,
		RateLimitMax:    1000,
	}

	env := &testEnv{
		store:     store,
		keys:      km,
		sessions:  session.NewManager(km),
		accounts:  accounts.NewService(store),
		codes:     tokens.NewCodeStore(store),
		refresh:   tokens.NewRefreshStore(store),
		minter:    tokens.NewMinter(km, testIssuer),
		providers: &upstream.Registry{},
	}

	h := New(Deps{
		Config:    cfg,
		Store:     store,
		Clients:   clients.NewRegistry(store),
		Accounts:  env.accounts,
		Codes:     env.codes,
		Refresh:   env.refresh,
		States:    tokens.NewStateStore(store),
		Minter:    env.minter,
		Sessions:  env.sessions,
		Keys:      km,
		Validator: middleware.NewValidator(km, testIssuer),
		Limiter:   ratelimit.NewLimiter(store, cfg.RateLimitWindow, cfg.RateLimitMax),
		Providers: env.providers,
	})
	env.router = h.Routes()

	env.seedClients(t)
	env.seedAccount(t)
	return env
}

func (e *testEnv) seedClients(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	digest := sha256.Sum256([]byte(testClientSecret))
	require.NoError(t, e.store.PutClient(ctx, &storage.ClientRecord{
		ID:                      testClientID,
		Name:                    "Test App",
		RedirectURIs:            []string{testRedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scopes:                  []string{"openid", "profile", "email", "offline_access"},
		TokenEndpointAuthMethod: clients.AuthMethodBasic,
		SecretHash:              digest[:],
		IsActive:                true,
		CreatedAt:               now,
		UpdatedAt:               now,
	}))

	require.NoError(t, e.store.PutClient(ctx, &storage.ClientRecord{
		ID:                      testPublicClient,
		Name:                    "Test SPA",
		RedirectURIs:            []string{testRedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scopes:                  []string{"openid", "profile", "email", "offline_access"},
		TokenEndpointAuthMethod: clients.AuthMethodNone,
		IsActive:                true,
		CreatedAt:               now,
		UpdatedAt:               now,
	}))
}

func (e *testEnv) seedAccount(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte(testUserPassword), bcrypt.MinCost)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, e.store.PutAccount(ctx, &storage.AccountRecord{
		ID:           testUserID,
		PasswordHash: hash,
		IsActive:     true,
		Name:         "Test User",
		GivenName:    "Test",
		FamilyName:   "User",
		CreatedAt:    now,
		UpdatedAt:    now,
	}))

	_, err = e.accounts.AddContact(ctx, testUserID, storage.ContactTypeEmail, testUserEmail, true, true)
	require.NoError(t, err)
}

// sessionCookie logs the fixture user in and returns the session cookie.
func (e *testEnv) sessionCookie(t *testing.T) *http.Cookie {
	t.Helper()
	token, err := e.sessions.Issue(testUserID)
	require.NoError(t, err)
	return &http.Cookie{Name: session.CookieName, Value: token}
}

// obtainCode walks the authorization endpoint with a valid session and
// returns the authorization code issued for the query parameters.
func (e *testEnv) obtainCode(t *testing.T, params url.Values) string {
	t.Helper()

	r := httptest.NewRequest(http.MethodGet, "http://localhost:3000/authorize?"+params.Encode(), nil)
	r.AddCookie(e.sessionCookie(t))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusFound, w.Code, "authorize did not redirect: %s", w.Body.String())
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "redirect carried no code: %s", loc)
	return code
}

// postForm sends a form-encoded POST. basicAuth of nil means no header.
func (e *testEnv) postForm(t *testing.T, path string, form url.Values, basicAuth []string) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, "http://localhost:3000"+path,
		strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuth != nil {
		r.SetBasicAuth(basicAuth[0], basicAuth[1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func decodeJSON(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func authorizeParams(clientID string) url.Values {
	return url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
		"scope":         {"openid profile email"},
	}
}
