// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"html"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/keyline-dev/keyline/pkg/clients"
	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/oidcerr"
	"github.com/keyline-dev/keyline/pkg/pkce"
	"github.com/keyline-dev/keyline/pkg/tokens"
)

// Input length limits for authorization requests.
const (
	maxStateLen     = 512
	maxScopeLen     = 2048
	maxChallengeLen = 128
)

var allowedPrompts = []string{"none", "login", "consent", "select_account"}

// authorizeRequest is the typed projection of the /authorize query string.
type authorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
	MaxAge              string
}

func parseAuthorizeRequest(r *http.Request) authorizeRequest {
	q := r.URL.Query()
	return authorizeRequest{
		ClientID:            strings.TrimSpace(q.Get("client_id")),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Prompt:              q.Get("prompt"),
		MaxAge:              q.Get("max_age"),
	}
}

// Authorize implements the authorization endpoint. Errors detected before
// the redirect URI is validated render an HTML page; later errors redirect
// back to the client per RFC 6749 section 4.1.2.1.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	req := parseAuthorizeRequest(r)

	// Pre-redirect validation: these failures must never be redirected.
	if req.ClientID == "" {
		h.authorizeErrorPage(w, "client_id is required")
		return
	}
	if req.RedirectURI == "" || !validAbsoluteHTTPURL(req.RedirectURI) {
		h.authorizeErrorPage(w, "redirect_uri must be an absolute http(s) URL")
		return
	}
	if len(req.State) > maxStateLen {
		h.authorizeErrorPage(w, "state exceeds maximum length")
		return
	}
	if len(req.Scope) > maxScopeLen {
		h.authorizeErrorPage(w, "scope exceeds maximum length")
		return
	}

	client, err := h.clients.Get(r.Context(), req.ClientID)
	if err != nil {
		logger.Errorw("client lookup failed", "error", err)
		h.authorizeErrorPage(w, "internal error")
		return
	}
	if client == nil {
		h.authorizeErrorPage(w, "unknown client")
		return
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		h.authorizeErrorPage(w, "redirect_uri is not registered for this client")
		return
	}

	// The redirect URI is trusted from here on; errors go back to the client.
	fail := func(code, description string) {
		oidcerr.Redirect(w, r, req.RedirectURI, oidcerr.New(code, description), req.State)
	}

	if req.ResponseType != "code" {
		fail(oidcerr.CodeUnsupportedResponseType, "only response_type=code is supported")
		return
	}

	scopes := strings.Fields(req.Scope)
	if !slices.Contains(scopes, "openid") {
		fail(oidcerr.CodeInvalidScope, "scope must include openid")
		return
	}
	var badScopes []string
	for _, s := range scopes {
		if !client.HasScope(s) {
			badScopes = append(badScopes, s)
		}
	}
	if len(badScopes) > 0 {
		fail(oidcerr.CodeInvalidScope, "scopes not allowed for client: "+strings.Join(badScopes, " "))
		return
	}

	if !client.HasResponseType("code") {
		fail(oidcerr.CodeUnauthorizedClient, "client may not use response_type=code")
		return
	}

	if client.TokenEndpointAuthMethod == clients.AuthMethodNone && req.CodeChallenge == "" {
		fail(oidcerr.CodeInvalidRequest, "PKCE is required")
		return
	}
	if req.CodeChallengeMethod != "" && !pkce.ValidMethod(req.CodeChallengeMethod) {
		fail(oidcerr.CodeInvalidRequest, "unknown code_challenge_method")
		return
	}
	if req.Prompt != "" && !slices.Contains(allowedPrompts, req.Prompt) {
		fail(oidcerr.CodeInvalidRequest, "unknown prompt value")
		return
	}
	if req.MaxAge != "" {
		if n, err := strconv.Atoi(req.MaxAge); err != nil || n < 0 {
			fail(oidcerr.CodeInvalidRequest, "max_age must be a non-negative integer")
			return
		}
	}
	if len(req.CodeChallenge) > maxChallengeLen {
		fail(oidcerr.CodeInvalidRequest, "code_challenge exceeds maximum length")
		return
	}
	if req.CodeChallengeMethod != "" && req.CodeChallenge == "" {
		fail(oidcerr.CodeInvalidRequest, "code_challenge_method requires code_challenge")
		return
	}

	sess, err := h.sessions.FromRequest(r)
	if err != nil || sess == nil {
		h.redirectToLogin(w, r)
		return
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = pkce.MethodPlain
	}

	code, err := h.codes.Issue(r.Context(), tokens.IssueCodeInput{
		ClientID:            client.ID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		UserID:              sess.UserID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               req.Nonce,
		AuthTime:            sess.IssuedAt.Unix(),
	})
	if err != nil {
		logger.Errorw("failed to issue authorization code", "error", err)
		fail(oidcerr.CodeServerError, "failed to issue authorization code")
		return
	}

	target, _ := url.Parse(req.RedirectURI)
	q := target.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	loginURL := strings.TrimSuffix(h.cfg.Issuer, "/") + "/login?return_to=" +
		url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (h *Handler) authorizeErrorPage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, authorizeErrorHTML, html.EscapeString(message))
}

const authorizeErrorHTML = `<!DOCTYPE html>
<html>
<head><title>Authorization Error</title></head>
<body>
<h1>Authorization Error</h1>
<p>%s</p>
</body>
</html>
`

func validAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
