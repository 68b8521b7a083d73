// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"html"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keyline-dev/keyline/pkg/accounts"
	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/pkce"
	"github.com/keyline-dev/keyline/pkg/session"
	"github.com/keyline-dev/keyline/pkg/tokens"
)

// FederatedStart begins a federated login: it persists the CSRF state with
// the PKCE verifier and redirects the browser to the provider.
func (h *Handler) FederatedStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider := h.providers.Get(name)
	if provider == nil {
		http.NotFound(w, r)
		return
	}

	state := uuid.NewString()
	verifier := pkce.GenerateVerifier()
	nonce := uuid.NewString()

	err := h.states.Store(r.Context(), tokens.StateInput{
		State:        state,
		ReturnTo:     h.safeReturnTo(r.URL.Query().Get("return_to")),
		CodeVerifier: verifier,
		Provider:     name,
		Nonce:        nonce,
	})
	if err != nil {
		logger.Errorw("failed to store oauth state", "error", err, "provider", name)
		h.federatedErrorPage(w, "internal error")
		return
	}

	http.Redirect(w, r, provider.AuthCodeURL(state, nonce, verifier), http.StatusFound)
}

// FederatedCallback finishes a federated login: consume the state, exchange
// the code, resolve the local account, and establish a session.
func (h *Handler) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider := h.providers.Get(name)
	if provider == nil {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		logger.Warnw("federated login denied upstream",
			"provider", name,
			"error", errCode,
		)
		h.federatedErrorPage(w, "the provider rejected the sign-in request")
		return
	}

	stateValue := q.Get("state")
	code := q.Get("code")
	if stateValue == "" || code == "" {
		h.federatedErrorPage(w, "missing state or code")
		return
	}

	state, err := h.states.Consume(r.Context(), stateValue)
	if err != nil {
		logger.Errorw("oauth state consume failed", "error", err, "provider", name)
		h.federatedErrorPage(w, "internal error")
		return
	}
	if state == nil || state.Provider != name {
		h.federatedErrorPage(w, "login session expired, start again")
		return
	}

	identity, err := provider.Exchange(r.Context(), code, state.CodeVerifier, state.Nonce)
	if err != nil {
		logger.Warnw("federated exchange failed", "error", err, "provider", name)
		h.federatedErrorPage(w, "could not verify the sign-in with the provider")
		return
	}

	account, err := h.accounts.ResolveProviderAccount(r.Context(), name, identity.Subject, accounts.Profile{
		Email:         identity.Email,
		EmailVerified: identity.EmailVerified,
		Name:          identity.Name,
		GivenName:     identity.GivenName,
		FamilyName:    identity.FamilyName,
		Picture:       identity.Picture,
	})
	if err != nil {
		logger.Errorw("failed to resolve provider account", "error", err, "provider", name)
		h.federatedErrorPage(w, "internal error")
		return
	}
	if !account.IsActive {
		h.federatedErrorPage(w, "account is inactive")
		return
	}

	token, err := h.sessions.Issue(account.ID)
	if err != nil {
		logger.Errorw("failed to issue session token", "error", err)
		h.federatedErrorPage(w, "internal error")
		return
	}
	session.SetCookie(w, r, token)

	http.Redirect(w, r, h.safeReturnTo(state.ReturnTo), http.StatusFound)
}

func (h *Handler) federatedErrorPage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, federatedErrorHTML, html.EscapeString(message))
}

const federatedErrorHTML = `<!DOCTYPE html>
<html>
<head><title>Sign In Failed</title></head>
<body>
<h1>Sign In Failed</h1>
<p>%s</p>
<p><a href="/login">Back to sign in</a></p>
</body>
</html>
`
