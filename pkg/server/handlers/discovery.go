// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keyline-dev/keyline/pkg/clients"
)

// discoveryDocument is the OIDC provider metadata served at
// /.well-known/openid-configuration.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Discovery serves the provider metadata projected from configuration.
func (h *Handler) Discovery(w http.ResponseWriter, _ *http.Request) {
	issuer := strings.TrimSuffix(h.cfg.Issuer, "/")
	doc := discoveryDocument{
		Issuer:                           h.cfg.Issuer,
		AuthorizationEndpoint:            issuer + "/authorize",
		TokenEndpoint:                    issuer + "/token",
		UserinfoEndpoint:                 issuer + "/userinfo",
		JWKSURI:                          issuer + "/.well-known/jwks.json",
		RevocationEndpoint:               issuer + "/revoke",
		IntrospectionEndpoint:            issuer + "/introspect",
		ResponseTypesSupported:           []string{"code"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256", "ES256"},
		GrantTypesSupported:              []string{"authorization_code", "refresh_token"},
		ScopesSupported:                  []string{"openid", "profile", "email", "offline_access"},
		TokenEndpointAuthMethodsSupported: []string{
			clients.AuthMethodBasic, clients.AuthMethodPost, clients.AuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{"S256", "plain"},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce",
			"email", "email_verified", "name", "given_name", "family_name", "picture",
		},
	}

	noStore(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// JWKS serves the public signing keys per RFC 7517. Only active, unexpired
// keys are published.
func (h *Handler) JWKS(w http.ResponseWriter, _ *http.Request) {
	noStore(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.keys.JWKS())
}
