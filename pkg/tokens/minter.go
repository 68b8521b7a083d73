// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyline-dev/keyline/pkg/jwtcodec"
	"github.com/keyline-dev/keyline/pkg/keys"
)

// AccessTokenLifetime is the validity window of minted access tokens.
const AccessTokenLifetime = time.Hour

// Minter signs access and ID tokens with the key manager's active RS256 key.
type Minter struct {
	keys            *keys.Manager
	issuer          string
	defaultAudience string
	now             func() time.Time
}

// NewMinter creates a Minter for the given issuer.
func NewMinter(km *keys.Manager, issuer string) *Minter {
	return &Minter{keys: km, issuer: issuer, now: time.Now}
}

// NewMinterWithClock creates a Minter with a fixed clock for tests.
func NewMinterWithClock(km *keys.Manager, issuer string, now func() time.Time) *Minter {
	return &Minter{keys: km, issuer: issuer, now: now}
}

// WithDefaultAudience adds aud to every access token alongside the client id.
// Resource servers that validate a fixed audience need this when clients are
// dynamic.
func (m *Minter) WithDefaultAudience(aud string) *Minter {
	m.defaultAudience = aud
	return m
}

// accessAudience is the aud claim for an access token: the client id alone,
// or both the client id and the configured default audience.
func (m *Minter) accessAudience(clientID string) any {
	if m.defaultAudience == "" || m.defaultAudience == clientID {
		return clientID
	}
	return []string{clientID, m.defaultAudience}
}

// IdentityClaims carries the optional end-user claims projected into ID
// tokens when the corresponding scope was granted.
type IdentityClaims struct {
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
}

// IDTokenInput is everything bound into one ID token.
type IDTokenInput struct {
	ClientID string
	UserID   string
	Scopes   []string
	Nonce    string
	AuthTime int64
	Identity IdentityClaims
}

func (m *Minter) signingKey() (*keys.KeyPair, error) {
	pair := m.keys.LatestActive("RS256")
	if pair == nil {
		return nil, errors.New("no active RS256 signing key")
	}
	return pair, nil
}

// AccessToken mints the bearer JWT for an authorized grant.
func (m *Minter) AccessToken(clientID, userID string, scopes []string) (string, error) {
	pair, err := m.signingKey()
	if err != nil {
		return "", err
	}

	now := m.now()
	claims := map[string]any{
		"iss":       m.issuer,
		"sub":       userID,
		"aud":       m.accessAudience(clientID),
		"iat":       now.Unix(),
		"exp":       now.Add(AccessTokenLifetime).Unix(),
		"scope":     strings.Join(scopes, " "),
		"client_id": clientID,
		"jti":       uuid.NewString(),
	}
	token, err := jwtcodec.Sign(claims, pair.Key, pair.Algorithm, pair.KID)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, nil
}

// IDToken mints the identity JWT for an authorized grant. Identity claims
// appear only when the matching scope was granted, and empty values are
// omitted.
func (m *Minter) IDToken(input IDTokenInput) (string, error) {
	pair, err := m.signingKey()
	if err != nil {
		return "", err
	}

	now := m.now()
	claims := map[string]any{
		"iss": m.issuer,
		"sub": input.UserID,
		"aud": input.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(AccessTokenLifetime).Unix(),
		"jti": uuid.NewString(),
	}
	if input.AuthTime != 0 {
		claims["auth_time"] = input.AuthTime
	}
	if input.Nonce != "" {
		claims["nonce"] = input.Nonce
	}

	if hasScope(input.Scopes, "email") && input.Identity.Email != "" {
		claims["email"] = input.Identity.Email
		claims["email_verified"] = input.Identity.EmailVerified
	}
	if hasScope(input.Scopes, "profile") {
		setIfNonEmpty(claims, "name", input.Identity.Name)
		setIfNonEmpty(claims, "given_name", input.Identity.GivenName)
		setIfNonEmpty(claims, "family_name", input.Identity.FamilyName)
		setIfNonEmpty(claims, "picture", input.Identity.Picture)
	}

	token, err := jwtcodec.Sign(claims, pair.Key, pair.Algorithm, pair.KID)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return token, nil
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func setIfNonEmpty(claims map[string]any, name, value string) {
	if value != "" {
		claims[name] = value
	}
}
