// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyline-dev/keyline/pkg/storage"
)

func testRefreshInput() IssueRefreshInput {
	return IssueRefreshInput{
		ClientID: "client-123",
		UserID:   "user-456",
		Scopes:   []string{"openid", "offline_access"},
		AuthTime: 1_700_000_000,
	}
}

func TestRefreshIssueAndConsume(t *testing.T) {
	s := NewRefreshStore(newTestStore(t))
	ctx := context.Background()

	token, err := s.Issue(ctx, testRefreshInput())
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	rec, err := s.Consume(ctx, token, "client-123")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "user-456", rec.UserID)
	assert.Equal(t, int64(1_700_000_000), rec.AuthTime)
}

func TestRefreshReplayReturnsNil(t *testing.T) {
	s := NewRefreshStore(newTestStore(t))
	ctx := context.Background()

	token, err := s.Issue(ctx, testRefreshInput())
	require.NoError(t, err)

	first, err := s.Consume(ctx, token, "client-123")
	require.NoError(t, err)
	require.NotNil(t, first)

	replay, err := s.Consume(ctx, token, "client-123")
	require.NoError(t, err)
	assert.Nil(t, replay)
}

func TestRefreshRotation(t *testing.T) {
	s := NewRefreshStore(newTestStore(t))
	ctx := context.Background()

	r1, err := s.Issue(ctx, testRefreshInput())
	require.NoError(t, err)

	rec, err := s.Consume(ctx, r1, "client-123")
	require.NoError(t, err)
	require.NotNil(t, rec)

	// Rotation: a fresh token is consumable exactly once.
	r2, err := s.Issue(ctx, IssueRefreshInput{
		ClientID: rec.ClientID,
		UserID:   rec.UserID,
		Scopes:   rec.Scopes,
		AuthTime: rec.AuthTime,
	})
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)

	got, err := s.Consume(ctx, r2, "client-123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1_700_000_000), got.AuthTime)

	again, err := s.Consume(ctx, r2, "client-123")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestRefreshCrossClientDoesNotDelete(t *testing.T) {
	s := NewRefreshStore(newTestStore(t))
	ctx := context.Background()

	token, err := s.Issue(ctx, testRefreshInput())
	require.NoError(t, err)

	rec, err := s.Consume(ctx, token, "other-client")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// The legitimate client can still use it.
	rec, err = s.Consume(ctx, token, "client-123")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestRefreshExpiredDeletesBothTables(t *testing.T) {
	store := newTestStore(t)
	now := time.Unix(1_700_000_000, 0)
	s := NewRefreshStoreWithClock(store, func() time.Time { return now })
	ctx := context.Background()

	token, err := s.Issue(ctx, testRefreshInput())
	require.NoError(t, err)

	now = now.Add(storage.RefreshTokenTTL + time.Hour)
	rec, err := s.Consume(ctx, token, "client-123")
	require.NoError(t, err)
	assert.Nil(t, rec)

	tokens, err := store.ListRefreshTokensByUser(ctx, "user-456", "client-123")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestRefreshRevoke(t *testing.T) {
	store := newTestStore(t)
	s := NewRefreshStore(store)
	ctx := context.Background()

	token, err := s.Issue(ctx, testRefreshInput())
	require.NoError(t, err)

	// Wrong client cannot revoke.
	ok, err := s.Revoke(ctx, token, "other-client")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Revoke(ctx, token, "client-123")
	require.NoError(t, err)
	assert.True(t, ok)

	// A revoked token is gone from both tables.
	rec, err := s.Consume(ctx, token, "client-123")
	require.NoError(t, err)
	assert.Nil(t, rec)
	tokens, err := store.ListRefreshTokensByUser(ctx, "user-456", "client-123")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	// Revoking an unknown token is not an error.
	ok, err = s.Revoke(ctx, "unknown", "client-123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshRevokeByUser(t *testing.T) {
	store := newTestStore(t)
	s := NewRefreshStore(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Issue(ctx, testRefreshInput())
		require.NoError(t, err)
	}
	other, err := s.Issue(ctx, IssueRefreshInput{
		ClientID: "other-client",
		UserID:   "user-456",
		Scopes:   []string{"openid"},
	})
	require.NoError(t, err)

	count, err := s.RevokeByUser(ctx, "client-123", "user-456")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	tokens, err := store.ListRefreshTokensByUser(ctx, "user-456", "client-123")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	// The other client's token survives.
	rec, err := s.Consume(ctx, other, "other-client")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}
