// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keyline-dev/keyline/pkg/jwtcodec"
	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/oidcerr"
	"github.com/keyline-dev/keyline/pkg/storage"
)

// introspection is an RFC 7662 response. Only active is always present.
type introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Sub       string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Aud       string `json:"aud,omitempty"`
	JTI       string `json:"jti,omitempty"`
}

// Introspect implements RFC 7662. The endpoint always answers 200 once the
// caller is authenticated; an unrecognized token is simply inactive.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if !isFormEncoded(r) {
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeInvalidRequest,
			"Content-Type must be application/x-www-form-urlencoded"))
		return
	}
	if err := r.ParseForm(); err != nil {
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeInvalidRequest, "malformed form body"))
		return
	}

	creds, oerr := extractClientCredentials(r)
	if oerr != nil {
		oidcerr.WriteJSON(w, oerr)
		return
	}
	if !creds.HasSecret {
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeInvalidClient, "client authentication required"))
		return
	}
	client, err := h.clients.Authenticate(r.Context(), creds.ID, creds.Secret)
	if err != nil {
		logger.Errorw("client authentication failed", "error", err)
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeServerError, "client lookup failed"))
		return
	}
	if client == nil {
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeInvalidClient, "client authentication failed"))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeInvalidRequest, "token is required"))
		return
	}
	hint := r.PostFormValue("token_type_hint")

	if hint != "refresh_token" {
		if resp, ok := h.introspectAccessToken(token); ok {
			writeIntrospection(w, resp)
			return
		}
	}
	if hint != "access_token" {
		if resp, ok := h.introspectRefreshToken(r, token); ok {
			writeIntrospection(w, resp)
			return
		}
	}
	writeIntrospection(w, introspection{Active: false})
}

// introspectAccessToken resolves the token as a locally minted JWT. ok is
// false when the token is not a JWT of ours at all.
func (h *Handler) introspectAccessToken(token string) (introspection, bool) {
	kid, err := jwtcodec.HeaderKid(token)
	if err != nil {
		return introspection{}, false
	}
	pair := h.keys.Get(kid)
	if pair == nil {
		pair = h.keys.LatestActive("RS256")
	}
	if pair == nil {
		return introspection{}, false
	}

	_, claims, err := jwtcodec.Verify(token, pair.Key.Public(), pair.Algorithm)
	if err != nil {
		if errors.Is(err, jwtcodec.ErrExpired) {
			exp, ok := jwtcodec.NumericClaim(h.unverifiedClaims(token), "exp")
			if !ok {
				return introspection{Active: false}, true
			}
			return introspection{Active: false, Exp: exp}, true
		}
		return introspection{}, false
	}

	if iss, _ := claims["iss"].(string); iss != h.cfg.Issuer {
		return introspection{}, false
	}

	resp := introspection{
		Active:    true,
		TokenType: "Bearer",
	}
	resp.Scope, _ = claims["scope"].(string)
	resp.ClientID, _ = claims["client_id"].(string)
	resp.Sub, _ = claims["sub"].(string)
	resp.Username = resp.Sub
	resp.Iss, _ = claims["iss"].(string)
	resp.Aud, _ = claims["aud"].(string)
	resp.JTI, _ = claims["jti"].(string)
	resp.Exp, _ = jwtcodec.NumericClaim(claims, "exp")
	resp.Iat, _ = jwtcodec.NumericClaim(claims, "iat")
	return resp, true
}

// unverifiedClaims decodes the payload without verification, for reporting
// exp on an expired token.
func (h *Handler) unverifiedClaims(token string) map[string]any {
	_, payload, _, err := jwtcodec.Parse(token)
	if err != nil {
		return nil
	}
	return payload
}

// introspectRefreshToken looks the token up without consuming it.
func (h *Handler) introspectRefreshToken(r *http.Request, token string) (introspection, bool) {
	rec, err := h.store.GetRefreshToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return introspection{}, false
		}
		logger.Errorw("refresh token lookup failed", "error", err)
		return introspection{}, false
	}

	if rec.ExpiresAt.Before(time.Now()) {
		return introspection{Active: false, Exp: rec.ExpiresAt.Unix()}, true
	}
	return introspection{
		Active:    true,
		Scope:     strings.Join(rec.Scopes, " "),
		ClientID:  rec.ClientID,
		Username:  rec.UserID,
		Sub:       rec.UserID,
		TokenType: "refresh_token",
		Exp:       rec.ExpiresAt.Unix(),
		Iat:       rec.CreatedAt.Unix(),
	}, true
}

func writeIntrospection(w http.ResponseWriter, resp introspection) {
	noStore(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
