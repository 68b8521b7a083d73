// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"github.com/keyline-dev/keyline/pkg/config"
	"github.com/keyline-dev/keyline/pkg/logger"
)

const (
	facebookAuthURL     = "https://www.facebook.com/v19.0/dialog/oauth"
	facebookTokenURL    = "https://graph.facebook.com/v19.0/oauth/access_token"
	facebookUserinfoURL = "https://graph.facebook.com/v19.0/me?fields=id,name,first_name,last_name,email,picture"

	xAuthURL     = "https://x.com/i/oauth2/authorize"
	xTokenURL    = "https://api.x.com/2/oauth2/token"
	xUserinfoURL = "https://api.x.com/2/users/me?user.fields=profile_image_url"
)

// Registry holds the configured federated providers keyed by name.
type Registry struct {
	providers map[string]Provider
}

// Get returns the named provider or nil.
func (r *Registry) Get(name string) Provider {
	return r.providers[name]
}

// Register adds a provider under its own name, replacing any existing entry.
func (r *Registry) Register(p Provider) {
	if r.providers == nil {
		r.providers = make(map[string]Provider)
	}
	r.providers[p.Name()] = p
}

// Names lists the configured provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// NewRegistry builds every provider with credentials in the configuration.
// Providers without credentials are skipped. OIDC discovery failures are
// logged and skipped so one unreachable issuer does not block startup.
func NewRegistry(ctx context.Context, cfg *config.Config) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	redirect := func(name string) string {
		return strings.TrimSuffix(cfg.Issuer, "/") + "/auth/" + name + "/callback"
	}

	if cfg.Providers.Google.Configured() {
		p, err := NewOIDCProvider(ctx, OIDCConfig{
			Name:         NameGoogle,
			IssuerURL:    "https://accounts.google.com",
			ClientID:     cfg.Providers.Google.ClientID,
			ClientSecret: cfg.Providers.Google.ClientSecret,
			RedirectURL:  redirect(NameGoogle),
		})
		if err != nil {
			logger.Errorw("skipping google provider", "error", err)
		} else {
			r.providers[NameGoogle] = p
		}
	}

	if cfg.Providers.Microsoft.Configured() {
		issuer := fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", cfg.Providers.Microsoft.Tenant)
		p, err := NewOIDCProvider(ctx, OIDCConfig{
			Name:         NameMicrosoft,
			IssuerURL:    issuer,
			ClientID:     cfg.Providers.Microsoft.ClientID,
			ClientSecret: cfg.Providers.Microsoft.ClientSecret,
			RedirectURL:  redirect(NameMicrosoft),
		})
		if err != nil {
			logger.Errorw("skipping microsoft provider", "error", err)
		} else {
			r.providers[NameMicrosoft] = p
		}
	}

	if cfg.Providers.Facebook.Configured() {
		r.providers[NameFacebook] = NewOAuth2Provider(OAuth2Config{
			Name:         NameFacebook,
			ClientID:     cfg.Providers.Facebook.ClientID,
			ClientSecret: cfg.Providers.Facebook.ClientSecret,
			RedirectURL:  redirect(NameFacebook),
			Scopes:       []string{"public_profile", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  facebookAuthURL,
				TokenURL: facebookTokenURL,
			},
			UserinfoURL: facebookUserinfoURL,
		}, facebookIdentity)
	}

	if cfg.Providers.X.Configured() {
		r.providers[NameX] = NewOAuth2Provider(OAuth2Config{
			Name:         NameX,
			ClientID:     cfg.Providers.X.ClientID,
			ClientSecret: cfg.Providers.X.ClientSecret,
			RedirectURL:  redirect(NameX),
			Scopes:       []string{"users.read", "tweet.read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  xAuthURL,
				TokenURL: xTokenURL,
			},
			UserinfoURL: xUserinfoURL,
		}, xIdentity)
	}

	return r
}
