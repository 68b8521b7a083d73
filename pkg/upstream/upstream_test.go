// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/keyline-dev/keyline/pkg/config"
	"github.com/keyline-dev/keyline/pkg/pkce"
)

func TestFacebookIdentityMapping(t *testing.T) {
	body := []byte(`{
		"id": "fb-123",
		"name": "Test User",
		"first_name": "Test",
		"last_name": "User",
		"email": "a@example.com",
		"picture": {"data": {"url": "https://cdn.example.com/p.jpg"}}
	}`)

	id, err := facebookIdentity(body)
	require.NoError(t, err)
	assert.Equal(t, "fb-123", id.Subject)
	assert.Equal(t, "a@example.com", id.Email)
	assert.True(t, id.EmailVerified)
	assert.Equal(t, "Test User", id.Name)
	assert.Equal(t, "Test", id.GivenName)
	assert.Equal(t, "User", id.FamilyName)
	assert.Equal(t, "https://cdn.example.com/p.jpg", id.Picture)
}

func TestFacebookIdentityWithoutEmail(t *testing.T) {
	id, err := facebookIdentity([]byte(`{"id": "fb-123", "name": "Test User"}`))
	require.NoError(t, err)
	assert.Empty(t, id.Email)
	assert.False(t, id.EmailVerified)
}

func TestFacebookIdentityRejectsMissingID(t *testing.T) {
	_, err := facebookIdentity([]byte(`{"name": "No ID"}`))
	assert.ErrorIs(t, err, ErrIdentityRejected)
}

func TestXIdentityMapping(t *testing.T) {
	body := []byte(`{"data": {"id": "x-9", "name": "Test User", "username": "testuser",
		"profile_image_url": "https://pbs.example.com/p.png"}}`)

	id, err := xIdentity(body)
	require.NoError(t, err)
	assert.Equal(t, "x-9", id.Subject)
	assert.Equal(t, "Test User", id.Name)
	assert.Equal(t, "https://pbs.example.com/p.png", id.Picture)
	// X's users endpoint carries no email.
	assert.Empty(t, id.Email)
	assert.False(t, id.EmailVerified)
}

func TestXIdentityRejectsMissingID(t *testing.T) {
	_, err := xIdentity([]byte(`{"data": {}}`))
	assert.ErrorIs(t, err, ErrIdentityRejected)
}

func TestOAuth2ProviderAuthCodeURL(t *testing.T) {
	p := NewOAuth2Provider(OAuth2Config{
		Name:         NameFacebook,
		ClientID:     "fb-app",
		ClientSecret: "fb-secret",
		RedirectURL:  "http://localhost:3000/auth/facebook/callback",
		Scopes:       []string{"public_profile", "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://www.facebook.com/v19.0/dialog/oauth",
			TokenURL: "https://graph.facebook.com/v19.0/oauth/access_token",
		},
	}, facebookIdentity)

	verifier := pkce.GenerateVerifier()
	raw := p.AuthCodeURL("st-1", "ignored-nonce", verifier)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "fb-app", q.Get("client_id"))
	assert.Equal(t, "st-1", q.Get("state"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, pkce.ChallengeS256(verifier), q.Get("code_challenge"))
	assert.Equal(t, "http://localhost:3000/auth/facebook/callback", q.Get("redirect_uri"))
}

func TestOAuth2ProviderExchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "code-1", r.FormValue("code"))
		assert.NotEmpty(t, r.FormValue("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "fb-123", "name": "Test User"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewOAuth2Provider(OAuth2Config{
		Name:         NameFacebook,
		ClientID:     "fb-app",
		ClientSecret: "fb-secret",
		RedirectURL:  "http://localhost:3000/auth/facebook/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:  srv.URL + "/auth",
			TokenURL: srv.URL + "/token",
		},
		UserinfoURL: srv.URL + "/me",
	}, facebookIdentity)

	id, err := p.Exchange(context.Background(), "code-1", pkce.GenerateVerifier(), "")
	require.NoError(t, err)
	assert.Equal(t, "fb-123", id.Subject)
	assert.Equal(t, "Test User", id.Name)
}

func TestOAuth2ProviderExchangeRejectsUserinfoError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1", "token_type": "Bearer"})
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewOAuth2Provider(OAuth2Config{
		Name:        NameX,
		ClientID:    "x-app",
		Endpoint:    oauth2.Endpoint{TokenURL: srv.URL + "/token"},
		UserinfoURL: srv.URL + "/me",
	}, xIdentity)

	_, err := p.Exchange(context.Background(), "code-1", pkce.GenerateVerifier(), "")
	assert.ErrorIs(t, err, ErrIdentityRejected)
}

func TestNewRegistrySkipsUnconfiguredProviders(t *testing.T) {
	cfg := &config.Config{
		Issuer: "http://localhost:3000",
		Providers: config.ProvidersConfig{
			Facebook: config.ProviderCredentials{ClientID: "fb-app", ClientSecret: "fb-secret"},
		},
	}

	r := NewRegistry(context.Background(), cfg)
	assert.ElementsMatch(t, []string{NameFacebook}, r.Names())
	assert.NotNil(t, r.Get(NameFacebook))
	assert.Nil(t, r.Get(NameGoogle))
}
