// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package middleware provides the HTTP middleware protecting bearer
// endpoints: access-token validation and scope enforcement.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/keyline-dev/keyline/pkg/jwtcodec"
	"github.com/keyline-dev/keyline/pkg/keys"
	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/oidcerr"
)

// claimsContextKey stores the verified access-token claims in the request
// context.
type claimsContextKey struct{}

// Claims returns the verified access-token claims attached by Bearer, or nil.
func Claims(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsContextKey{}).(map[string]any)
	return claims
}

// Validator verifies access tokens against the local key set.
type Validator struct {
	keys   *keys.Manager
	issuer string
	now    func() time.Time
}

// NewValidator creates a Validator for tokens minted by this issuer.
func NewValidator(km *keys.Manager, issuer string) *Validator {
	return &Validator{keys: km, issuer: issuer, now: time.Now}
}

// NewValidatorWithClock creates a Validator with a fixed clock for tests.
func NewValidatorWithClock(km *keys.Manager, issuer string, now func() time.Time) *Validator {
	return &Validator{keys: km, issuer: issuer, now: now}
}

// Validate verifies a raw access token and returns its claims. The reason
// for a failure is logged, never surfaced.
func (v *Validator) Validate(token string) (map[string]any, error) {
	kid, err := jwtcodec.HeaderKid(token)
	if err != nil {
		return nil, err
	}

	var pair *keys.KeyPair
	if kid != "" {
		pair = v.keys.Get(kid)
	}
	if pair == nil {
		pair = v.keys.LatestActive("RS256")
	}
	if pair == nil {
		return nil, fmt.Errorf("no key available for kid %q", kid)
	}
	if !v.now().Before(pair.ExpiresAt) {
		return nil, fmt.Errorf("key %s expired", pair.KID)
	}

	_, claims, err := jwtcodec.VerifyAt(token, pair.Key.Public(), pair.Algorithm, v.now())
	if err != nil {
		return nil, err
	}

	if iss, _ := claims["iss"].(string); iss != v.issuer {
		return nil, fmt.Errorf("issuer mismatch")
	}
	exp, ok := jwtcodec.NumericClaim(claims, "exp")
	if !ok || exp <= 0 {
		return nil, fmt.Errorf("missing or invalid exp claim")
	}
	if exp <= v.now().Unix() {
		return nil, jwtcodec.ErrExpired
	}
	return claims, nil
}

// Bearer authenticates requests carrying an access token in the
// Authorization header and attaches the claims to the request context.
func (v *Validator) Bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			WriteBearerError(w, oidcerr.CodeInvalidRequest, "bearer token required")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		claims, err := v.Validate(token)
		if err != nil {
			logger.Debugw("access token rejected", "error", err)
			WriteBearerError(w, oidcerr.CodeInvalidToken, "token verification failed")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects requests whose token does not carry the scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := Claims(r.Context())
			granted, _ := claims["scope"].(string)
			if !hasScope(granted, scope) {
				WriteBearerError(w, oidcerr.CodeInsufficientScope,
					fmt.Sprintf("scope %s required", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasScope(granted, want string) bool {
	for _, s := range strings.Fields(granted) {
		if s == want {
			return true
		}
	}
	return false
}

// WriteBearerError writes an RFC 6750 protocol error with the matching
// WWW-Authenticate challenge. A request with no usable credentials is
// answered with 401, not the 400 that invalid_request maps to elsewhere.
func WriteBearerError(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q", code))
	e := oidcerr.New(code, description)
	status := e.Status()
	if code == oidcerr.CodeInvalidRequest {
		status = http.StatusUnauthorized
	}
	oidcerr.WriteJSONStatus(w, e, status)
}
