// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package session issues and verifies the short-lived login session token
// carried by the oidc_session cookie.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/keyline-dev/keyline/pkg/jwtcodec"
	"github.com/keyline-dev/keyline/pkg/keys"
)

// CookieName is the session cookie set after interactive login.
const CookieName = "oidc_session"

// Lifetime is the session validity window.
const Lifetime = 15 * time.Minute

// purposeClaim distinguishes session tokens from access and ID tokens so one
// cannot stand in for the other.
const purposeClaim = "session"

var (
	// ErrInvalidSession covers any session token that fails verification.
	ErrInvalidSession = errors.New("invalid session token")
)

// Session is a verified login session.
type Session struct {
	UserID   string
	IssuedAt time.Time
}

// Manager mints and verifies session tokens against the signing key set.
type Manager struct {
	keys *keys.Manager
	now  func() time.Time
}

// NewManager creates a session Manager.
func NewManager(km *keys.Manager) *Manager {
	return &Manager{keys: km, now: time.Now}
}

// NewManagerWithClock creates a session Manager with a fixed clock for tests.
func NewManagerWithClock(km *keys.Manager, now func() time.Time) *Manager {
	return &Manager{keys: km, now: now}
}

// Issue signs a session token for the user with the active RS256 key.
func (m *Manager) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	pair := m.keys.LatestActive("RS256")
	if pair == nil {
		return "", errors.New("no active RS256 signing key")
	}

	now := m.now()
	claims := map[string]any{
		"sub":     userID,
		"iat":     now.Unix(),
		"exp":     now.Add(Lifetime).Unix(),
		"purpose": purposeClaim,
	}
	token, err := jwtcodec.Sign(claims, pair.Key, pair.Algorithm, pair.KID)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, nil
}

// Verify checks a session token's signature, expiry, and purpose. The kid
// header selects the key; retired keys still verify until they expire.
func (m *Manager) Verify(token string) (*Session, error) {
	kid, err := jwtcodec.HeaderKid(token)
	if err != nil {
		return nil, ErrInvalidSession
	}

	pair := m.keys.Get(kid)
	if pair == nil || !m.now().Before(pair.ExpiresAt) {
		return nil, ErrInvalidSession
	}

	_, claims, err := jwtcodec.VerifyAt(token, pair.Key.Public(), pair.Algorithm, m.now())
	if err != nil {
		return nil, ErrInvalidSession
	}

	if purpose, _ := claims["purpose"].(string); purpose != purposeClaim {
		return nil, ErrInvalidSession
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidSession
	}

	iat, ok := jwtcodec.NumericClaim(claims, "iat")
	if !ok {
		return nil, ErrInvalidSession
	}
	return &Session{UserID: sub, IssuedAt: time.Unix(iat, 0)}, nil
}

// FromRequest verifies the session cookie on a request. Returns nil without
// error when no cookie is present.
func (m *Manager) FromRequest(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, nil
	}
	return m.Verify(cookie.Value)
}

// SetCookie writes the session cookie. Secure is set when the request
// arrived over TLS, directly or behind a forwarding proxy.
func SetCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(Lifetime.Seconds()),
		HttpOnly: true,
		Secure:   requestIsTLS(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func ClearCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   requestIsTLS(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func requestIsTLS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
