// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package clients implements the OAuth client registry: registration,
// lookup, secret authentication, updates, and deactivation.
package clients

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/keyline-dev/keyline/pkg/jwtcodec"
	"github.com/keyline-dev/keyline/pkg/storage"
)

// Token endpoint auth methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// Allowed value sets for client metadata.
var (
	AllowedGrantTypes = []string{
		"authorization_code", "refresh_token", "client_credentials", "password", "implicit",
	}
	AllowedResponseTypes = []string{"code", "token", "id_token"}
	AllowedScopes        = []string{"openid", "profile", "email", "offline_access"}
	AllowedAuthMethods   = []string{AuthMethodBasic, AuthMethodPost, AuthMethodNone}
)

// ErrInvalidInput flags registration or update input that fails validation.
var ErrInvalidInput = errors.New("invalid client input")

// secretBytes is the entropy of generated client secrets.
const secretBytes = 32

// Client is the public view of a registered OAuth client.
type Client struct {
	ID                      string
	Name                    string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	TokenEndpointAuthMethod string
	IsActive                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// HasGrantType reports whether the client may use the given grant.
func (c *Client) HasGrantType(grant string) bool {
	return slices.Contains(c.GrantTypes, grant)
}

// HasResponseType reports whether the client may use the given response type.
func (c *Client) HasResponseType(rt string) bool {
	return slices.Contains(c.ResponseTypes, rt)
}

// HasRedirectURI reports whether uri is registered, compared by exact string
// equality. No URL normalization: a trailing slash is a different URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasScope reports whether the client may request the given scope.
func (c *Client) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// IsPublic reports whether the client authenticates with no secret.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// ClientWithSecret is the registration result. Secret is the plaintext
// client secret, returned exactly once and never stored.
type ClientWithSecret struct {
	Client
	Secret string
}

// RegisterInput is the input to Register. Empty slices take defaults.
type RegisterInput struct {
	Name                    string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	TokenEndpointAuthMethod string
}

// Patch updates a client. Nil fields are preserved.
type Patch struct {
	Name          *string
	RedirectURIs  *[]string
	GrantTypes    *[]string
	ResponseTypes *[]string
	Scopes        *[]string
	IsActive      *bool
}

// Registry manages OAuth client records in the backing store.
type Registry struct {
	store storage.Gateway
	now   func() time.Time
}

// NewRegistry creates a Registry over the given gateway.
func NewRegistry(store storage.Gateway) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Register validates input, mints an id and (for confidential clients) a
// secret, and persists the client. Only the secret's digest is stored; the
// plaintext is returned once in the result.
func (r *Registry) Register(ctx context.Context, input RegisterInput) (*ClientWithSecret, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(input.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: at least one redirect URI is required", ErrInvalidInput)
	}
	for _, uri := range input.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	grantTypes := input.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code"}
	}
	if err := validateSubset(grantTypes, AllowedGrantTypes, "grant_types"); err != nil {
		return nil, err
	}

	responseTypes := input.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	if err := validateSubset(responseTypes, AllowedResponseTypes, "response_types"); err != nil {
		return nil, err
	}

	scopes := input.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	if err := validateSubset(scopes, AllowedScopes, "scopes"); err != nil {
		return nil, err
	}

	authMethod := input.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = AuthMethodBasic
	}
	if !slices.Contains(AllowedAuthMethods, authMethod) {
		return nil, fmt.Errorf("%w: unknown token_endpoint_auth_method %q", ErrInvalidInput, authMethod)
	}

	now := r.now()
	rec := &storage.ClientRecord{
		ID:                      uuid.NewString(),
		Name:                    input.Name,
		RedirectURIs:            slices.Clone(input.RedirectURIs),
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scopes:                  scopes,
		TokenEndpointAuthMethod: authMethod,
		IsActive:                true,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	var secret string
	if authMethod != AuthMethodNone {
		raw := make([]byte, secretBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("failed to generate client secret: %w", err)
		}
		secret = jwtcodec.EncodeSegment(raw)
		digest := sha256.Sum256([]byte(secret))
		rec.SecretHash = digest[:]
	}

	if err := r.store.PutClient(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}

	return &ClientWithSecret{Client: *toClient(rec), Secret: secret}, nil
}

// Get returns the client's public view only while it is active.
func (r *Registry) Get(ctx context.Context, id string) (*Client, error) {
	rec, err := r.store.GetClient(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !rec.IsActive {
		return nil, nil
	}
	return toClient(rec), nil
}

// Authenticate returns the client iff it is active, uses a secret-bearing
// auth method, and the presented secret matches the stored digest. The
// digest comparison is constant-time.
func (r *Registry) Authenticate(ctx context.Context, id, secret string) (*Client, error) {
	rec, err := r.store.GetClient(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !rec.IsActive || rec.TokenEndpointAuthMethod == AuthMethodNone || len(rec.SecretHash) == 0 {
		return nil, nil
	}

	digest := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(digest[:], rec.SecretHash) != 1 {
		return nil, nil
	}
	return toClient(rec), nil
}

// Update applies a patch, preserving unset fields, and returns the new view.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*Client, error) {
	rec, err := r.store.GetClient(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		rec.Name = *patch.Name
	}
	if patch.RedirectURIs != nil {
		if len(*patch.RedirectURIs) == 0 {
			return nil, fmt.Errorf("%w: at least one redirect URI is required", ErrInvalidInput)
		}
		for _, uri := range *patch.RedirectURIs {
			if err := validateRedirectURI(uri); err != nil {
				return nil, err
			}
		}
		rec.RedirectURIs = slices.Clone(*patch.RedirectURIs)
	}
	if patch.GrantTypes != nil {
		if err := validateSubset(*patch.GrantTypes, AllowedGrantTypes, "grant_types"); err != nil {
			return nil, err
		}
		rec.GrantTypes = slices.Clone(*patch.GrantTypes)
	}
	if patch.ResponseTypes != nil {
		if err := validateSubset(*patch.ResponseTypes, AllowedResponseTypes, "response_types"); err != nil {
			return nil, err
		}
		rec.ResponseTypes = slices.Clone(*patch.ResponseTypes)
	}
	if patch.Scopes != nil {
		if err := validateSubset(*patch.Scopes, AllowedScopes, "scopes"); err != nil {
			return nil, err
		}
		rec.Scopes = slices.Clone(*patch.Scopes)
	}
	if patch.IsActive != nil {
		rec.IsActive = *patch.IsActive
	}
	rec.UpdatedAt = r.now()

	if err := r.store.PutClient(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}
	return toClient(rec), nil
}

// Deactivate soft-deletes a client. Authentication and introspection reject
// deactivated clients; the row remains.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	rec, err := r.store.GetClient(ctx, id)
	if err != nil {
		return err
	}
	rec.IsActive = false
	rec.UpdatedAt = r.now()
	return r.store.PutClient(ctx, rec)
}

func toClient(rec *storage.ClientRecord) *Client {
	return &Client{
		ID:                      rec.ID,
		Name:                    rec.Name,
		RedirectURIs:            slices.Clone(rec.RedirectURIs),
		GrantTypes:              slices.Clone(rec.GrantTypes),
		ResponseTypes:           slices.Clone(rec.ResponseTypes),
		Scopes:                  slices.Clone(rec.Scopes),
		TokenEndpointAuthMethod: rec.TokenEndpointAuthMethod,
		IsActive:                rec.IsActive,
		CreatedAt:               rec.CreatedAt,
		UpdatedAt:               rec.UpdatedAt,
	}
}

func validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: redirect URI %q must be an absolute http(s) URL", ErrInvalidInput, uri)
	}
	return nil
}

func validateSubset(values, allowed []string, field string) error {
	for _, v := range values {
		if !slices.Contains(allowed, v) {
			return fmt.Errorf("%w: unknown %s value %q", ErrInvalidInput, field, v)
		}
	}
	return nil
}
