// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/session"
)

// LoginPage renders the interactive login form. Configured federated
// providers are offered as alternatives.
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")

	var providerLinks strings.Builder
	for _, name := range h.providers.Names() {
		link := "/auth/" + name
		if returnTo != "" {
			link += "?return_to=" + url.QueryEscape(returnTo)
		}
		fmt.Fprintf(&providerLinks, `<p><a href="%s">Sign in with %s</a></p>`+"\n",
			html.EscapeString(link), html.EscapeString(name))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, loginPageHTML, html.EscapeString(returnTo), providerLinks.String())
}

const loginPageHTML = `<!DOCTYPE html>
<html>
<head><title>Sign In</title></head>
<body>
<h1>Sign In</h1>
<form method="post" action="/login">
  <input type="hidden" name="return_to" value="%s">
  <label>Email <input type="email" name="email" required></label>
  <label>Password <input type="password" name="password" required></label>
  <button type="submit">Sign in</button>
</form>
%s
</body>
</html>
`

// Login verifies the submitted credentials, sets the session cookie, and
// redirects to return_to. Failures re-render the form; the reason is not
// detailed beyond invalid credentials.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.loginError(w, "malformed form body")
		return
	}
	email := r.PostFormValue("email")
	password := r.PostFormValue("password")
	returnTo := r.PostFormValue("return_to")

	if email == "" || password == "" {
		h.loginError(w, "email and password are required")
		return
	}

	account, err := h.accounts.AuthenticateByEmail(r.Context(), email, password)
	if err != nil {
		logger.Errorw("login lookup failed", "error", err)
		h.loginError(w, "internal error")
		return
	}
	if account == nil {
		h.loginError(w, "invalid credentials")
		return
	}

	token, err := h.sessions.Issue(account.ID)
	if err != nil {
		logger.Errorw("failed to issue session token", "error", err)
		h.loginError(w, "internal error")
		return
	}
	session.SetCookie(w, r, token)

	http.Redirect(w, r, h.safeReturnTo(returnTo), http.StatusFound)
}

// safeReturnTo confines post-login redirects to this service. Absolute URLs
// and protocol-relative paths would make the login form an open redirector.
func (h *Handler) safeReturnTo(returnTo string) string {
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		return "/"
	}
	return returnTo
}

func (h *Handler) loginError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, loginErrorHTML, html.EscapeString(message))
}

const loginErrorHTML = `<!DOCTYPE html>
<html>
<head><title>Sign In</title></head>
<body>
<h1>Sign In Failed</h1>
<p>%s</p>
<p><a href="/login">Try again</a></p>
</body>
</html>
`
