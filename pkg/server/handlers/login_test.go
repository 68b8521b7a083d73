// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyline-dev/keyline/pkg/session"
)

func TestLoginPageRendersForm(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest(http.MethodGet, "http://localhost:3000/login?return_to=%2Fauthorize%3Fclient_id%3Dx", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), `name="email"`)
	assert.Contains(t, w.Body.String(), `name="password"`)
	assert.Contains(t, w.Body.String(), "/authorize?client_id=x")
}

func TestLoginSetsSessionAndRedirects(t *testing.T) {
	env := newTestEnv(t)

	w := env.postForm(t, "/login", url.Values{
		"email":     {testUserEmail},
		"password":  {testUserPassword},
		"return_to": {"/authorize?client_id=x"},
	}, nil)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/authorize?client_id=x", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, session.CookieName, cookies[0].Name)

	sess, err := env.sessions.Verify(cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, testUserID, sess.UserID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", testUserEmail, "nope"},
		{"unknown email", "ghost@example.com", testUserPassword},
		{"missing password", testUserEmail, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.postForm(t, "/login", url.Values{
				"email":    {tc.email},
				"password": {tc.password},
			}, nil)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Empty(t, w.Result().Cookies())
		})
	}
}

func TestLoginNeutralizesOpenRedirects(t *testing.T) {
	env := newTestEnv(t)

	for _, returnTo := range []string{"https://evil.example.com/", "//evil.example.com/", ""} {
		w := env.postForm(t, "/login", url.Values{
			"email":     {testUserEmail},
			"password":  {testUserPassword},
			"return_to": {returnTo},
		}, nil)

		require.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/", w.Header().Get("Location"))
	}
}

func TestLoginThenAuthorizeFlow(t *testing.T) {
	env := newTestEnv(t)

	// Authorize without a session bounces to login.
	params := authorizeParams(testClientID)
	r := httptest.NewRequest(http.MethodGet, "http://localhost:3000/authorize?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusFound, w.Code)

	loginURL, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	returnTo := loginURL.Query().Get("return_to")
	require.NotEmpty(t, returnTo)

	// Logging in redirects back to the original authorize request.
	w = env.postForm(t, "/login", url.Values{
		"email":     {testUserEmail},
		"password":  {testUserPassword},
		"return_to": {returnTo},
	}, nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, returnTo, w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)

	// Replaying authorize with the fresh session yields a code.
	r = httptest.NewRequest(http.MethodGet, "http://localhost:3000"+returnTo, nil)
	r.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, loc.Query().Get("code"))
}
