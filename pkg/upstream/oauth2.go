// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// userinfoMapper normalizes one provider's userinfo JSON to an Identity.
type userinfoMapper func(body []byte) (*Identity, error)

// OAuth2Provider is a federated provider without OIDC: the callback code is
// exchanged for an access token which then fetches the profile from a
// userinfo endpoint.
type OAuth2Provider struct {
	name        string
	oauth       oauth2.Config
	userinfoURL string
	mapIdentity userinfoMapper
}

// OAuth2Config configures an OAuth2Provider.
type OAuth2Config struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	UserinfoURL  string
}

// NewOAuth2Provider builds a userinfo-based provider.
func NewOAuth2Provider(cfg OAuth2Config, mapper userinfoMapper) *OAuth2Provider {
	return &OAuth2Provider{
		name: cfg.Name,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     cfg.Endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
		userinfoURL: cfg.UserinfoURL,
		mapIdentity: mapper,
	}
}

// Name implements Provider.
func (p *OAuth2Provider) Name() string { return p.name }

// AuthCodeURL implements Provider. nonce has no OAuth2 equivalent and is
// ignored.
func (p *OAuth2Provider) AuthCodeURL(state, _, codeVerifier string) string {
	return p.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier))
}

// Exchange implements Provider.
func (p *OAuth2Provider) Exchange(ctx context.Context, code, codeVerifier, _ string) (*Identity, error) {
	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code with %s: %w", p.name, err)
	}

	client := p.oauth.Client(ctx, token)
	resp, err := client.Get(p.userinfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s userinfo: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s userinfo returned %d: %w", p.name, resp.StatusCode, ErrIdentityRejected)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s userinfo: %w", p.name, err)
	}
	return p.mapIdentity(body)
}

// facebookIdentity maps Graph API /me fields onto an Identity. Facebook only
// returns email when the user granted the email permission, and a returned
// email is always verified.
func facebookIdentity(body []byte) (*Identity, error) {
	var info struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Email     string `json:"email"`
		Picture   struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"picture"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode facebook userinfo: %w", err)
	}
	if info.ID == "" {
		return nil, ErrIdentityRejected
	}
	return &Identity{
		Subject:       info.ID,
		Email:         info.Email,
		EmailVerified: info.Email != "",
		Name:          info.Name,
		GivenName:     info.FirstName,
		FamilyName:    info.LastName,
		Picture:       info.Picture.Data.URL,
	}, nil
}

// xIdentity maps the X API /2/users/me response onto an Identity. The
// endpoint does not return an email address.
func xIdentity(body []byte) (*Identity, error) {
	var info struct {
		Data struct {
			ID              string `json:"id"`
			Name            string `json:"name"`
			Username        string `json:"username"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode x userinfo: %w", err)
	}
	if info.Data.ID == "" {
		return nil, ErrIdentityRejected
	}
	return &Identity{
		Subject: info.Data.ID,
		Name:    info.Data.Name,
		Picture: info.Data.ProfileImageURL,
	}, nil
}
