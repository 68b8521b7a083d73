// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package handlers implements the HTTP surface of the authorization server:
// the OAuth/OIDC protocol endpoints, interactive login, federated-login
// callbacks, and discovery.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

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

// Handler carries the wired services behind the HTTP endpoints.
type Handler struct {
	cfg       *config.Config
	store     storage.Gateway
	clients   *clients.Registry
	accounts  *accounts.Service
	codes     *tokens.CodeStore
	refresh   *tokens.RefreshStore
	states    *tokens.StateStore
	minter    *tokens.Minter
	sessions  *session.Manager
	keys      *keys.Manager
	validator *middleware.Validator
	limiter   *ratelimit.Limiter
	providers *upstream.Registry
}

// Deps is the constructor input for Handler.
type Deps struct {
	Config    *config.Config
	Store     storage.Gateway
	Clients   *clients.Registry
	Accounts  *accounts.Service
	Codes     *tokens.CodeStore
	Refresh   *tokens.RefreshStore
	States    *tokens.StateStore
	Minter    *tokens.Minter
	Sessions  *session.Manager
	Keys      *keys.Manager
	Validator *middleware.Validator
	Limiter   *ratelimit.Limiter
	Providers *upstream.Registry
}

// New creates a Handler.
func New(d Deps) *Handler {
	return &Handler{
		cfg:       d.Config,
		store:     d.Store,
		clients:   d.Clients,
		accounts:  d.Accounts,
		codes:     d.Codes,
		refresh:   d.Refresh,
		states:    d.States,
		minter:    d.Minter,
		sessions:  d.Sessions,
		keys:      d.Keys,
		validator: d.Validator,
		limiter:   d.Limiter,
		providers: d.Providers,
	}
}

// Routes mounts every endpoint on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/.well-known/openid-configuration", h.Discovery)
	r.Get("/.well-known/jwks.json", h.JWKS)

	r.Get("/authorize", h.Authorize)
	r.With(h.limiter.Middleware("token")).Post("/token", h.Token)
	r.Post("/introspect", h.Introspect)
	r.Post("/revoke", h.Revoke)

	r.With(h.validator.Bearer).Get("/userinfo", h.UserInfo)

	r.Get("/login", h.LoginPage)
	r.With(h.limiter.Middleware("login")).Post("/login", h.Login)

	r.Get("/auth/{provider}", h.FederatedStart)
	r.Get("/auth/{provider}/callback", h.FederatedCallback)

	r.Get("/health", h.Health)

	return r
}

// noStore marks a protocol response uncacheable.
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
