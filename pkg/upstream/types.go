// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream integrates external identity providers for federated
// login. OIDC providers (Google, Microsoft) verify ID tokens against the
// provider's JWKS; plain OAuth2 providers (Facebook, X) fetch the profile
// from a userinfo endpoint.
package upstream

import (
	"context"
	"errors"
)

// Provider names. These appear in URL paths and provider_account rows.
const (
	NameGoogle    = "google"
	NameMicrosoft = "microsoft"
	NameFacebook  = "facebook"
	NameX         = "x"
)

// ErrIdentityRejected covers any upstream response that does not yield a
// usable external identity.
var ErrIdentityRejected = errors.New("upstream identity rejected")

// Identity is the normalized external identity a provider returns after a
// successful callback exchange.
type Identity struct {
	// Subject is the provider's stable user identifier.
	Subject string

	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
}

// Provider is one external identity provider.
type Provider interface {
	// Name returns the provider's path segment.
	Name() string

	// AuthCodeURL builds the provider's authorization URL. nonce is ignored
	// by plain OAuth2 providers.
	AuthCodeURL(state, nonce, codeVerifier string) string

	// Exchange redeems the callback code and returns the verified identity.
	Exchange(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error)
}
