// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/keyline-dev/keyline/pkg/clients"
	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/oidcerr"
	"github.com/keyline-dev/keyline/pkg/pkce"
	"github.com/keyline-dev/keyline/pkg/storage"
	"github.com/keyline-dev/keyline/pkg/telemetry"
	"github.com/keyline-dev/keyline/pkg/tokens"
)

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// clientCredentials are the credentials extracted from the Basic header or
// the form body.
type clientCredentials struct {
	ID        string
	Secret    string
	HasSecret bool
}

// extractClientCredentials merges Basic and form credentials. A client_id
// disagreement between the two is an error.
func extractClientCredentials(r *http.Request) (clientCredentials, *oidcerr.Error) {
	var creds clientCredentials

	basicID, basicSecret, hasBasic := r.BasicAuth()
	formID := r.PostFormValue("client_id")
	formSecret := r.PostFormValue("client_secret")

	if hasBasic {
		if formID != "" && formID != basicID {
			return creds, oidcerr.New(oidcerr.CodeInvalidRequest,
				"client_id in body disagrees with Authorization header")
		}
		return clientCredentials{ID: basicID, Secret: basicSecret, HasSecret: true}, nil
	}

	creds.ID = formID
	if formSecret != "" {
		creds.Secret = formSecret
		creds.HasSecret = true
	}
	return creds, nil
}

// Token implements the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if !isFormEncoded(r) {
		h.tokenError(w, oidcerr.New(oidcerr.CodeInvalidRequest,
			"Content-Type must be application/x-www-form-urlencoded"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.tokenError(w, oidcerr.New(oidcerr.CodeInvalidRequest, "malformed form body"))
		return
	}

	grantType := r.PostFormValue("grant_type")

	creds, oerr := extractClientCredentials(r)
	if oerr != nil {
		h.tokenError(w, oerr)
		return
	}

	client, oerr := h.authenticateClient(r.Context(), creds, grantType)
	if oerr != nil {
		h.tokenError(w, oerr)
		return
	}

	switch grantType {
	case "authorization_code":
		h.tokenAuthorizationCode(w, r, client)
	case "refresh_token":
		h.tokenRefresh(w, r, client)
	default:
		h.tokenError(w, oidcerr.New(oidcerr.CodeUnsupportedGrantType,
			"grant_type must be authorization_code or refresh_token"))
	}
}

// authenticateClient resolves the requesting client. Credential-less
// requests are accepted only from public clients using the
// authorization_code grant.
func (h *Handler) authenticateClient(ctx context.Context, creds clientCredentials, grantType string) (*clients.Client, *oidcerr.Error) {
	if creds.HasSecret {
		client, err := h.clients.Authenticate(ctx, creds.ID, creds.Secret)
		if err != nil {
			logger.Errorw("client authentication failed", "error", err)
			return nil, oidcerr.New(oidcerr.CodeServerError, "client lookup failed")
		}
		if client == nil {
			return nil, oidcerr.New(oidcerr.CodeInvalidClient, "client authentication failed")
		}
		return client, nil
	}

	if creds.ID == "" || grantType != "authorization_code" {
		return nil, oidcerr.New(oidcerr.CodeInvalidClient, "client authentication required")
	}
	client, err := h.clients.Get(ctx, creds.ID)
	if err != nil {
		logger.Errorw("client lookup failed", "error", err)
		return nil, oidcerr.New(oidcerr.CodeServerError, "client lookup failed")
	}
	if client == nil || !client.IsPublic() {
		return nil, oidcerr.New(oidcerr.CodeInvalidClient, "client authentication required")
	}
	return client, nil
}

func (h *Handler) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client *clients.Client) {
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	if code == "" || redirectURI == "" {
		h.tokenError(w, oidcerr.New(oidcerr.CodeInvalidRequest, "code and redirect_uri are required"))
		return
	}
	if !client.HasGrantType("authorization_code") {
		h.tokenError(w, oidcerr.New(oidcerr.CodeUnauthorizedClient,
			"client may not use the authorization_code grant"))
		return
	}

	rec, err := h.codes.Consume(r.Context(), code, client.ID, redirectURI)
	if err != nil {
		logger.Errorw("authorization code consume failed", "error", err)
		h.tokenError(w, oidcerr.New(oidcerr.CodeServerError, "storage failure"))
		return
	}
	if rec == nil {
		h.tokenError(w, oidcerr.New(oidcerr.CodeInvalidGrant, "invalid authorization code"))
		return
	}

	if client.IsPublic() && rec.CodeChallenge == "" {
		h.tokenError(w, oidcerr.New(oidcerr.CodeInvalidGrant, "PKCE required"))
		return
	}
	if rec.CodeChallenge != "" {
		verifier := r.PostFormValue("code_verifier")
		if verifier == "" || !pkce.Verify(verifier, rec.CodeChallenge, rec.CodeChallengeMethod) {
			h.tokenError(w, oidcerr.New(oidcerr.CodeInvalidGrant, "PKCE verification failed"))
			return
		}
	}

	account, oerr := h.loadGrantAccount(r.Context(), rec.UserID)
	if oerr != nil {
		h.tokenError(w, oerr)
		return
	}

	issueRefresh := client.HasGrantType("refresh_token") && slices.Contains(rec.Scopes, "offline_access")
	h.respondWithTokens(w, r, client, grantIdentity{
		UserID:   rec.UserID,
		Scopes:   rec.Scopes,
		Nonce:    rec.Nonce,
		AuthTime: rec.AuthTime,
		Account:  account,
	}, issueRefresh, "authorization_code")
}

func (h *Handler) tokenRefresh(w http.ResponseWriter, r *http.Request, client *clients.Client) {
	token := r.PostFormValue("refresh_token")
	if token == "" {
		h.tokenError(w, oidcerr.New(oidcerr.CodeInvalidRequest, "refresh_token is required"))
		return
	}
	if !client.HasGrantType("refresh_token") {
		h.tokenError(w, oidcerr.New(oidcerr.CodeUnauthorizedClient,
			"client may not use the refresh_token grant"))
		return
	}

	rec, err := h.refresh.Consume(r.Context(), token, client.ID)
	if err != nil {
		logger.Errorw("refresh token consume failed", "error", err)
		h.tokenError(w, oidcerr.New(oidcerr.CodeServerError, "storage failure"))
		return
	}
	if rec == nil {
		h.tokenError(w, oidcerr.New(oidcerr.CodeInvalidGrant, "invalid refresh token"))
		return
	}

	account, oerr := h.loadGrantAccount(r.Context(), rec.UserID)
	if oerr != nil {
		h.tokenError(w, oerr)
		return
	}

	authTime := rec.AuthTime
	if authTime == 0 {
		// Legacy rows predate the auth_time column.
		authTime = rec.CreatedAt.Unix()
	}
	h.respondWithTokens(w, r, client, grantIdentity{
		UserID:   rec.UserID,
		Scopes:   rec.Scopes,
		AuthTime: authTime,
		Account:  account,
	}, true, "refresh_token")
}

// grantIdentity is the resolved subject of a successful grant.
type grantIdentity struct {
	UserID   string
	Scopes   []string
	Nonce    string
	AuthTime int64
	Account  *storage.AccountRecord
}

func (h *Handler) loadGrantAccount(ctx context.Context, userID string) (*storage.AccountRecord, *oidcerr.Error) {
	account, err := h.accounts.Get(ctx, userID)
	if err != nil {
		logger.Errorw("account lookup failed", "error", err, "user_id", userID)
		return nil, oidcerr.New(oidcerr.CodeServerError, "account lookup failed")
	}
	if account == nil {
		logger.Errorw("granted code references missing account", "user_id", userID)
		return nil, oidcerr.New(oidcerr.CodeServerError, "account not found")
	}
	if !account.IsActive {
		return nil, oidcerr.New(oidcerr.CodeInvalidGrant, "account is inactive")
	}
	return account, nil
}

func (h *Handler) respondWithTokens(w http.ResponseWriter, r *http.Request, client *clients.Client, grant grantIdentity, issueRefresh bool, grantType string) {
	accessToken, err := h.minter.AccessToken(client.ID, grant.UserID, grant.Scopes)
	if err != nil {
		logger.Errorw("failed to mint access token", "error", err)
		h.tokenError(w, oidcerr.New(oidcerr.CodeServerError, "token minting failed"))
		return
	}

	identity := h.identityClaims(r.Context(), grant)
	idToken, err := h.minter.IDToken(tokens.IDTokenInput{
		ClientID: client.ID,
		UserID:   grant.UserID,
		Scopes:   grant.Scopes,
		Nonce:    grant.Nonce,
		AuthTime: grant.AuthTime,
		Identity: identity,
	})
	if err != nil {
		logger.Errorw("failed to mint ID token", "error", err)
		h.tokenError(w, oidcerr.New(oidcerr.CodeServerError, "token minting failed"))
		return
	}

	resp := tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(tokens.AccessTokenLifetime.Seconds()),
		Scope:       strings.Join(grant.Scopes, " "),
		IDToken:     idToken,
	}

	if issueRefresh {
		refreshToken, err := h.refresh.Issue(r.Context(), tokens.IssueRefreshInput{
			ClientID: client.ID,
			UserID:   grant.UserID,
			Scopes:   grant.Scopes,
			AuthTime: grant.AuthTime,
		})
		if err != nil {
			logger.Errorw("failed to issue refresh token", "error", err)
			h.tokenError(w, oidcerr.New(oidcerr.CodeServerError, "token minting failed"))
			return
		}
		resp.RefreshToken = refreshToken
	}

	telemetry.TokensIssued.WithLabelValues(grantType).Inc()
	noStore(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// identityClaims projects the account's profile and primary contacts into ID
// token claims. Contact lookup failures degrade to fewer claims rather than
// failing the grant.
func (h *Handler) identityClaims(ctx context.Context, grant grantIdentity) tokens.IdentityClaims {
	identity := tokens.IdentityClaims{
		Name:       grant.Account.Name,
		GivenName:  grant.Account.GivenName,
		FamilyName: grant.Account.FamilyName,
		Picture:    grant.Account.Picture,
	}
	if slices.Contains(grant.Scopes, "email") {
		email, err := h.accounts.PrimaryEmail(ctx, grant.UserID)
		if err != nil {
			logger.Warnw("contact lookup failed", "error", err, "user_id", grant.UserID)
		} else if email != nil {
			identity.Email = email.Value
			identity.EmailVerified = email.VerifiedAt != nil
		}
	}
	return identity
}

func (h *Handler) tokenError(w http.ResponseWriter, e *oidcerr.Error) {
	telemetry.GrantFailures.WithLabelValues(e.Code).Inc()
	oidcerr.WriteJSON(w, e)
}

func isFormEncoded(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	mediaType, _, _ := strings.Cut(ct, ";")
	return strings.TrimSpace(mediaType) == "application/x-www-form-urlencoded"
}
