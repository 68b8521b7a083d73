// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyline-dev/keyline/pkg/storage"
)

// StateStore holds the CSRF state and PKCE verifier for federated-login
// callbacks. Rows are consume-once with a 10-minute TTL.
type StateStore struct {
	store storage.Gateway
	now   func() time.Time
}

// NewStateStore creates a StateStore over the given gateway.
func NewStateStore(store storage.Gateway) *StateStore {
	return &StateStore{store: store, now: time.Now}
}

// StateInput is the payload bound to a federated-login state value.
type StateInput struct {
	State        string
	ReturnTo     string
	CodeVerifier string
	Provider     string
	Nonce        string
}

// Store persists the state row with a 10-minute TTL.
func (s *StateStore) Store(ctx context.Context, input StateInput) error {
	rec := &storage.OAuthStateRecord{
		State:        input.State,
		ReturnTo:     input.ReturnTo,
		CodeVerifier: input.CodeVerifier,
		Provider:     input.Provider,
		Nonce:        input.Nonce,
		ExpiresAt:    s.now().Add(storage.OAuthStateTTL),
	}
	if err := s.store.PutOAuthState(ctx, rec, storage.OAuthStateTTL); err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}
	return nil
}

// Consume redeems a state value once. Returns nil without error when the
// state is missing, expired, or already consumed.
func (s *StateStore) Consume(ctx context.Context, state string) (*storage.OAuthStateRecord, error) {
	rec, err := s.store.ConsumeOAuthState(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrNotApplied) {
			return nil, nil
		}
		return nil, err
	}
	if rec.ExpiresAt.Before(s.now()) {
		return nil, nil
	}
	return rec, nil
}
