// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyline-dev/keyline/pkg/storage"
)

func newTestService(t *testing.T) (*Service, *storage.MemoryGateway) {
	t.Helper()
	store := storage.NewMemoryGateway()
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store), store
}

func TestCreateWithPasswordAndAuthenticate(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	account, err := s.CreateWithPassword(ctx, "a@example.com", "hunter22", Profile{Name: "Test User"})
	require.NoError(t, err)
	assert.NotEmpty(t, account.ID)
	assert.True(t, account.IsActive)

	got, err := s.AuthenticateByEmail(ctx, "a@example.com", "hunter22")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, account.ID, got.ID)

	got, err = s.AuthenticateByEmail(ctx, "a@example.com", "wrong")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.AuthenticateByEmail(ctx, "nobody@example.com", "hunter22")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateWithPasswordRejectsTakenEmail(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateWithPassword(ctx, "a@example.com", "pw1", Profile{})
	require.NoError(t, err)

	_, err = s.CreateWithPassword(ctx, "a@example.com", "pw2", Profile{})
	assert.ErrorIs(t, err, ErrContactTaken)
}

func TestAuthenticateInactiveAccount(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()

	account, err := s.CreateWithPassword(ctx, "a@example.com", "hunter22", Profile{})
	require.NoError(t, err)

	account.IsActive = false
	require.NoError(t, store.PutAccount(ctx, account))

	got, err := s.AuthenticateByEmail(ctx, "a@example.com", "hunter22")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPrimaryEmail(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	account, err := s.CreateWithPassword(ctx, "primary@example.com", "pw", Profile{EmailVerified: true})
	require.NoError(t, err)

	_, err = s.AddContact(ctx, account.ID, storage.ContactTypeEmail, "secondary@example.com", false, false)
	require.NoError(t, err)
	_, err = s.AddContact(ctx, account.ID, storage.ContactTypePhone, "+15551234567", true, true)
	require.NoError(t, err)

	email, err := s.PrimaryEmail(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, email)
	assert.Equal(t, "primary@example.com", email.Value)
	assert.NotNil(t, email.VerifiedAt)
}

func TestResolveProviderAccountCreatesAndLinks(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()

	account, err := s.ResolveProviderAccount(ctx, "google", "sub-1", Profile{
		Email:         "a@example.com",
		EmailVerified: true,
		Name:          "Test User",
	})
	require.NoError(t, err)
	assert.True(t, account.IsActive)
	assert.Equal(t, "Test User", account.Name)

	link, err := store.GetProviderAccount(ctx, "google", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, account.ID, link.AccountID)

	// A second login resolves to the same account.
	again, err := s.ResolveProviderAccount(ctx, "google", "sub-1", Profile{})
	require.NoError(t, err)
	assert.Equal(t, account.ID, again.ID)
}

func TestResolveProviderAccountAttachesByVerifiedEmail(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	existing, err := s.CreateWithPassword(ctx, "a@example.com", "pw", Profile{})
	require.NoError(t, err)

	resolved, err := s.ResolveProviderAccount(ctx, "google", "sub-1", Profile{
		Email:         "a@example.com",
		EmailVerified: true,
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, resolved.ID)
}

func TestResolveProviderAccountIgnoresUnverifiedEmail(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	existing, err := s.CreateWithPassword(ctx, "a@example.com", "pw", Profile{})
	require.NoError(t, err)

	// An unverified email must not attach to the existing account.
	resolved, err := s.ResolveProviderAccount(ctx, "evil", "sub-x", Profile{
		Email:         "a@example.com",
		EmailVerified: false,
	})
	require.NoError(t, err)
	assert.NotEqual(t, existing.ID, resolved.ID)
}

func TestResolveProviderAccountRequiresIdentifiers(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.ResolveProviderAccount(context.Background(), "", "sub", Profile{})
	assert.Error(t, err)
	_, err = s.ResolveProviderAccount(context.Background(), "google", "", Profile{})
	assert.Error(t, err)
}
