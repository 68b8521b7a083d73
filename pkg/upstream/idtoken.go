// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// idTokenVerifier verifies upstream ID tokens against the provider's JWKS.
// jwk.Cache handles fetching and refresh; no additional caching is needed.
type idTokenVerifier struct {
	issuer     string
	clientID   string
	jwksURL    string
	jwksClient *jwk.Cache
}

func newIDTokenVerifier(ctx context.Context, issuer, clientID, jwksURL string) (*idTokenVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	return &idTokenVerifier{
		issuer:     issuer,
		clientID:   clientID,
		jwksURL:    jwksURL,
		jwksClient: cache,
	}, nil
}

func (v *idTokenVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header missing kid")
		}

		keySet, err := v.jwksClient.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}

		var rawKey any
		if err := key.Raw(&rawKey); err != nil {
			return nil, fmt.Errorf("failed to get raw key: %w", err)
		}
		return rawKey, nil
	}
}

// verify parses and validates the ID token, returning its claims. nonce, when
// non-empty, must match the token's nonce claim.
func (v *idTokenVerifier) verify(ctx context.Context, rawIDToken, nonce string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(rawIDToken, v.keyFunc(ctx),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ID token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to get claims from ID token")
	}
	if nonce != "" {
		if got, _ := claims["nonce"].(string); got != nonce {
			return nil, fmt.Errorf("ID token nonce mismatch")
		}
	}
	return claims, nil
}

// identityFromClaims maps standard OIDC claims onto an Identity.
func identityFromClaims(claims jwt.MapClaims) (*Identity, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrIdentityRejected
	}
	id := &Identity{Subject: sub}
	id.Email, _ = claims["email"].(string)
	id.EmailVerified, _ = claims["email_verified"].(bool)
	id.Name, _ = claims["name"].(string)
	id.GivenName, _ = claims["given_name"].(string)
	id.FamilyName, _ = claims["family_name"].(string)
	id.Picture, _ = claims["picture"].(string)
	return id, nil
}
