// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/keyline-dev/keyline/pkg/clients"
	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/oidcerr"
)

// Revoke implements RFC 7009. The endpoint never reveals whether the token
// existed: once the request itself is well-formed and the client is
// identified, the answer is 200 with an empty body.
//
// Access tokens are short-lived JWTs and revocation of them is a no-op;
// only refresh tokens have server-side state to destroy.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if !isFormEncoded(r) {
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeInvalidRequest,
			"Content-Type must be application/x-www-form-urlencoded"))
		return
	}
	if err := r.ParseForm(); err != nil {
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeInvalidRequest, "malformed form body"))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeInvalidRequest, "token is required"))
		return
	}
	hint := r.PostFormValue("token_type_hint")
	if hint != "" && hint != "refresh_token" && hint != "access_token" {
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeUnsupportedTokenType,
			"token_type_hint must be refresh_token or access_token"))
		return
	}

	creds, oerr := extractClientCredentials(r)
	if oerr != nil {
		oidcerr.WriteJSON(w, oerr)
		return
	}

	clientID, oerr := h.revocationClient(r, creds)
	if oerr != nil {
		oidcerr.WriteJSON(w, oerr)
		return
	}

	if hint != "access_token" {
		if _, err := h.refresh.Revoke(r.Context(), token, clientID); err != nil {
			logger.Errorw("refresh token revocation failed", "error", err)
			oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeServerError, "storage failure"))
			return
		}
	}

	noStore(w)
	w.WriteHeader(http.StatusOK)
}

// revocationClient identifies the revoking client. Confidential clients must
// authenticate; public clients may present a bare client_id, which is
// honored only when the client record exists with auth method none.
func (h *Handler) revocationClient(r *http.Request, creds clientCredentials) (string, *oidcerr.Error) {
	if creds.HasSecret {
		client, err := h.clients.Authenticate(r.Context(), creds.ID, creds.Secret)
		if err != nil {
			logger.Errorw("client authentication failed", "error", err)
			return "", oidcerr.New(oidcerr.CodeServerError, "client lookup failed")
		}
		if client == nil {
			return "", oidcerr.New(oidcerr.CodeInvalidClient, "client authentication failed")
		}
		return client.ID, nil
	}

	if creds.ID == "" {
		return "", oidcerr.New(oidcerr.CodeInvalidClient, "client authentication required")
	}
	client, err := h.clients.Get(r.Context(), creds.ID)
	if err != nil {
		logger.Errorw("client lookup failed", "error", err)
		return "", oidcerr.New(oidcerr.CodeServerError, "client lookup failed")
	}
	if client == nil || client.TokenEndpointAuthMethod != clients.AuthMethodNone {
		return "", oidcerr.New(oidcerr.CodeInvalidClient, "client authentication required")
	}
	return client.ID, nil
}
