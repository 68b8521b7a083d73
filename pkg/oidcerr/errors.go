// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package oidcerr defines the OAuth 2.0 / OIDC error surface: the RFC 6749
// error tokens, the JSON error body shape, and helpers for writing error
// responses and error redirects.
package oidcerr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Error codes surfaced to clients. These are wire-format tokens, not Go
// identifiers; handlers must never invent codes outside this set.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidScope            = "invalid_scope"
	CodeInvalidToken            = "invalid_token"
	CodeInsufficientScope       = "insufficient_scope"
	CodeUnsupportedTokenType    = "unsupported_token_type"
	CodeServerError             = "server_error"
	CodeUserNotFound            = "user_not_found"
	CodeUserInactive            = "user_inactive"
	CodeRateLimitExceeded       = "rate_limit_exceeded"
	CodeServiceUnavailable      = "service_unavailable"
)

// Error is an OAuth protocol error. It marshals to the standard
// {"error": "...", "error_description": "..."} body.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// New creates a protocol error with the given code and description.
func New(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Status returns the HTTP status code for the error per RFC 6749 and
// RFC 6750.
func (e *Error) Status() int {
	switch e.Code {
	case CodeInvalidClient, CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeInsufficientScope, CodeUserInactive:
		return http.StatusForbidden
	case CodeUserNotFound:
		return http.StatusNotFound
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeServerError:
		return http.StatusInternalServerError
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// WriteJSON writes the error as a JSON response with the appropriate status.
// Token endpoint responses must not be cached.
func WriteJSON(w http.ResponseWriter, e *Error) {
	WriteJSONStatus(w, e, e.Status())
}

// WriteJSONStatus is WriteJSON with an explicit status, for surfaces whose
// RFC pins a status different from the default mapping.
func WriteJSONStatus(w http.ResponseWriter, e *Error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// Redirect sends a 302 to redirectURI carrying the error per RFC 6749
// section 4.1.2.1. state is echoed only when the client supplied one.
func Redirect(w http.ResponseWriter, r *http.Request, redirectURI string, e *Error, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// The caller validated redirectURI before getting here; treat a parse
		// failure as an internal fault rather than leaking the raw error.
		http.Error(w, "invalid redirect", http.StatusInternalServerError)
		return
	}
	q := u.Query()
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
