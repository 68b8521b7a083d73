// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/keyline-dev/keyline/pkg/jwtcodec"
	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/storage"
	"github.com/keyline-dev/keyline/pkg/telemetry"
)

// refreshBytes is the entropy of issued refresh tokens.
const refreshBytes = 32

// RefreshStore issues, rotates, and revokes one-time refresh tokens.
type RefreshStore struct {
	store storage.Gateway
	now   func() time.Time
}

// NewRefreshStore creates a RefreshStore over the given gateway.
func NewRefreshStore(store storage.Gateway) *RefreshStore {
	return &RefreshStore{store: store, now: time.Now}
}

// NewRefreshStoreWithClock creates a RefreshStore with a fixed clock for
// tests.
func NewRefreshStoreWithClock(store storage.Gateway, now func() time.Time) *RefreshStore {
	return &RefreshStore{store: store, now: now}
}

// IssueRefreshInput carries everything bound into a refresh token at
// issuance. AuthTime is optional; zero means unknown.
type IssueRefreshInput struct {
	ClientID string
	UserID   string
	Scopes   []string
	AuthTime int64
}

// Issue mints a random token and persists it, with the (user, client) index
// entry, under a 30-day absolute expiry.
func (s *RefreshStore) Issue(ctx context.Context, input IssueRefreshInput) (string, error) {
	raw := make([]byte, refreshBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	token := jwtcodec.EncodeSegment(raw)

	now := s.now()
	rec := &storage.RefreshTokenRecord{
		Token:     token,
		ClientID:  input.ClientID,
		UserID:    input.UserID,
		Scopes:    input.Scopes,
		ExpiresAt: now.Add(storage.RefreshTokenTTL),
		CreatedAt: now,
		AuthTime:  input.AuthTime,
	}
	if err := s.store.PutRefreshToken(ctx, rec, storage.RefreshTokenTTL); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return token, nil
}

// Consume redeems a token for the presenting client, deleting it from both
// tables. It returns nil without error when the token is missing, bound to
// a different client, expired, or already consumed.
//
// The client-binding check runs before the consume: a cross-client
// presentation is logged as a security event and leaves the row intact for
// the legitimate client. A consume-once miss means a replay and is logged.
func (s *RefreshStore) Consume(ctx context.Context, token, clientID string) (*storage.RefreshTokenRecord, error) {
	rec, err := s.store.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if rec.ClientID != clientID {
		logger.Warnw("refresh token presented by wrong client",
			"event", "refresh_token_client_mismatch",
			"client_id", clientID,
			"owner_client_id", rec.ClientID,
			"user_id", rec.UserID,
		)
		return nil, nil
	}

	if rec.ExpiresAt.Before(s.now()) {
		if err := s.store.DeleteRefreshToken(ctx, token); err != nil {
			return nil, err
		}
		if err := s.store.RemoveRefreshTokenIndex(ctx, rec.UserID, rec.ClientID, token); err != nil {
			return nil, err
		}
		return nil, nil
	}

	consumed, err := s.store.ConsumeRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotApplied) {
			telemetry.RefreshReplays.Inc()
			logger.Warnw("refresh token replay detected",
				"event", "refresh_token_replay",
				"client_id", clientID,
				"user_id", rec.UserID,
			)
			return nil, nil
		}
		return nil, err
	}

	if err := s.store.RemoveRefreshTokenIndex(ctx, consumed.UserID, consumed.ClientID, token); err != nil {
		return nil, err
	}
	return consumed, nil
}

// Revoke deletes a token presented by its owning client. Returns true iff
// the token existed and belonged to the client.
func (s *RefreshStore) Revoke(ctx context.Context, token, clientID string) (bool, error) {
	rec, err := s.store.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rec.ClientID != clientID {
		logger.Warnw("refresh token revocation by wrong client",
			"event", "refresh_token_client_mismatch",
			"client_id", clientID,
			"owner_client_id", rec.ClientID,
			"user_id", rec.UserID,
		)
		return false, nil
	}

	if err := s.store.DeleteRefreshToken(ctx, token); err != nil {
		return false, err
	}
	if err := s.store.RemoveRefreshTokenIndex(ctx, rec.UserID, rec.ClientID, token); err != nil {
		return false, err
	}

	telemetry.Revocations.Inc()
	logger.Infow("refresh token revoked",
		"event", "revocation",
		"client_id", clientID,
		"user_id", rec.UserID,
	)
	return true, nil
}

// RevokeByUser deletes every refresh token a client holds for a user by
// walking the secondary index, then clears the index partition. Returns how
// many tokens were deleted.
func (s *RefreshStore) RevokeByUser(ctx context.Context, clientID, userID string) (int, error) {
	tokens, err := s.store.ListRefreshTokensByUser(ctx, userID, clientID)
	if err != nil {
		return 0, err
	}

	revoked := 0
	for _, token := range tokens {
		if err := s.store.DeleteRefreshToken(ctx, token); err != nil {
			return revoked, err
		}
		revoked++
	}

	if err := s.store.ClearRefreshTokenIndex(ctx, userID, clientID); err != nil {
		return revoked, err
	}

	if revoked > 0 {
		logger.Infow("refresh tokens mass-revoked",
			"event", "revocation",
			"client_id", clientID,
			"user_id", userID,
			"count", revoked,
		)
	}
	return revoked, nil
}
