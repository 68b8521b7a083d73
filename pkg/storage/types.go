// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the typed gateway over the backing store. All
// durable state flows through the Gateway interface; the Redis implementation
// is the production backend, the in-memory one serves development and tests.
package storage

import (
	"context"
	"errors"
	"time"
)

// Record lifetimes. The stores enforce these; the gateway only applies the
// TTLs it is handed.
const (
	// AuthorizationCodeTTL bounds authorization-code validity.
	AuthorizationCodeTTL = 10 * time.Minute

	// RefreshTokenTTL bounds refresh-token validity.
	RefreshTokenTTL = 30 * 24 * time.Hour

	// OAuthStateTTL bounds federated-login CSRF state validity.
	OAuthStateTTL = 10 * time.Minute
)

// Sentinel errors. Everything else returned by a Gateway is a transport
// error; callers log it and translate to server_error.
var (
	// ErrNotFound signals a key with no row.
	ErrNotFound = errors.New("record not found")

	// ErrNotApplied signals a conditional write or consume-once whose
	// precondition did not hold. The gateway never silently succeeds on a
	// precondition failure.
	ErrNotApplied = errors.New("precondition not applied")
)

// ContactType discriminates contact methods.
type ContactType string

// Supported contact method types.
const (
	ContactTypeEmail ContactType = "email"
	ContactTypePhone ContactType = "phone"
)

// ClientRecord is a registered OAuth client as persisted.
type ClientRecord struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	Scopes                  []string  `json:"scopes"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	SecretHash              []byte    `json:"secret_hash,omitempty"`
	IsActive                bool      `json:"is_active"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// AccountRecord is an end-user principal. ID doubles as the token subject.
type AccountRecord struct {
	ID           string    `json:"id"`
	PasswordHash []byte    `json:"password_hash,omitempty"`
	IsActive     bool      `json:"is_active"`
	Name         string    `json:"name,omitempty"`
	GivenName    string    `json:"given_name,omitempty"`
	FamilyName   string    `json:"family_name,omitempty"`
	Picture      string    `json:"picture,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ContactMethodRecord links an account to an email address or phone number.
// (Type, Value) is globally unique, enforced with a conditional insert.
type ContactMethodRecord struct {
	AccountID  string      `json:"account_id"`
	ContactID  string      `json:"contact_id"`
	Type       ContactType `json:"type"`
	Value      string      `json:"value"`
	IsPrimary  bool        `json:"is_primary"`
	VerifiedAt *time.Time  `json:"verified_at,omitempty"`
}

// ProviderAccountRecord links an external identity to a local account.
// Unique on (Provider, ProviderSubject).
type ProviderAccountRecord struct {
	Provider        string    `json:"provider"`
	ProviderSubject string    `json:"provider_sub"`
	AccountID       string    `json:"account_id"`
	ContactID       string    `json:"contact_id,omitempty"`
	LinkedAt        time.Time `json:"linked_at"`
}

// AuthorizationCodeRecord is a one-time authorization-code row.
type AuthorizationCodeRecord struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	UserID              string    `json:"user_id"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
	AuthTime            int64     `json:"auth_time"`
}

// RefreshTokenRecord is a one-time refresh-token row. AuthTime is zero for
// legacy rows; consumers fall back to CreatedAt.
type RefreshTokenRecord struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	AuthTime  int64     `json:"auth_time,omitempty"`
}

// OAuthStateRecord is a one-time CSRF state row for federated login.
type OAuthStateRecord struct {
	State        string    `json:"state"`
	ReturnTo     string    `json:"return_to"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Nonce        string    `json:"nonce,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Gateway is the typed surface over the backing store. Implementations must
// honor context cancellation on every call.
type Gateway interface {
	// Clients.
	PutClient(ctx context.Context, rec *ClientRecord) error
	GetClient(ctx context.Context, id string) (*ClientRecord, error)

	// Accounts.
	PutAccount(ctx context.Context, rec *AccountRecord) error
	GetAccount(ctx context.Context, id string) (*AccountRecord, error)

	// Contact methods. InsertContactMethod is conditional on (type, value)
	// being unclaimed and returns ErrNotApplied otherwise.
	InsertContactMethod(ctx context.Context, rec *ContactMethodRecord) error
	GetContactMethod(ctx context.Context, typ ContactType, value string) (*ContactMethodRecord, error)
	ListContactMethodsByAccount(ctx context.Context, accountID string) ([]*ContactMethodRecord, error)

	// Provider accounts.
	PutProviderAccount(ctx context.Context, rec *ProviderAccountRecord) error
	GetProviderAccount(ctx context.Context, provider, providerSubject string) (*ProviderAccountRecord, error)

	// Authorization codes. ConsumeAuthorizationCode atomically reads and
	// deletes the row; ErrNotApplied means another consumer won.
	PutAuthorizationCode(ctx context.Context, rec *AuthorizationCodeRecord, ttl time.Duration) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCodeRecord, error)
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCodeRecord, error)
	DeleteAuthorizationCode(ctx context.Context, code string) error

	// Refresh tokens. The by-(user, client) index backs mass revocation.
	PutRefreshToken(ctx context.Context, rec *RefreshTokenRecord, ttl time.Duration) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error)
	ConsumeRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error)
	DeleteRefreshToken(ctx context.Context, token string) error
	ListRefreshTokensByUser(ctx context.Context, userID, clientID string) ([]string, error)
	RemoveRefreshTokenIndex(ctx context.Context, userID, clientID, token string) error
	ClearRefreshTokenIndex(ctx context.Context, userID, clientID string) error

	// Federated-login CSRF state.
	PutOAuthState(ctx context.Context, rec *OAuthStateRecord, ttl time.Duration) error
	ConsumeOAuthState(ctx context.Context, state string) (*OAuthStateRecord, error)

	// IncrementCounter bumps the fixed-window counter for (key, windowBucket)
	// and returns the new value. The row expires after ttl.
	IncrementCounter(ctx context.Context, key string, windowBucket int64, ttl time.Duration) (int64, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
