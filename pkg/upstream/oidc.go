// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/keyline-dev/keyline/pkg/logger"
)

// OIDCProvider is a federated provider discovered via OIDC. The callback
// code is exchanged for tokens and the ID token is verified against the
// provider's JWKS before any claim is trusted.
type OIDCProvider struct {
	name     string
	oauth    oauth2.Config
	verifier *idTokenVerifier
}

// OIDCConfig configures an OIDCProvider.
type OIDCConfig struct {
	Name         string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// NewOIDCProvider discovers the issuer's endpoints and builds the provider.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover issuer %s: %w", cfg.IssuerURL, err)
	}

	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil || meta.JWKSURL == "" {
		return nil, fmt.Errorf("issuer %s metadata missing jwks_uri", cfg.IssuerURL)
	}

	verifier, err := newIDTokenVerifier(ctx, cfg.IssuerURL, cfg.ClientID, meta.JWKSURL)
	if err != nil {
		return nil, err
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	logger.Infow("configured upstream OIDC provider",
		"provider", cfg.Name,
		"issuer", cfg.IssuerURL,
	)
	return &OIDCProvider{
		name: cfg.Name,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		verifier: verifier,
	}, nil
}

// Name implements Provider.
func (p *OIDCProvider) Name() string { return p.name }

// AuthCodeURL implements Provider. PKCE and the OIDC nonce are always sent.
func (p *OIDCProvider) AuthCodeURL(state, nonce, codeVerifier string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(codeVerifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
}

// Exchange implements Provider. The identity comes from the verified ID
// token only; the access token is discarded.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error) {
	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code with %s: %w", p.name, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%s token response missing id_token: %w", p.name, ErrIdentityRejected)
	}

	claims, err := p.verifier.verify(ctx, rawIDToken, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to verify %s ID token: %w", p.name, err)
	}
	return identityFromClaims(claims)
}
