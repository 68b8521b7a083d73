// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokens implements the consume-once stores for authorization codes,
// refresh tokens, and federated-login CSRF state. The store's atomic
// read-and-delete is the sole correctness mechanism for single use; none of
// these types retries or synthesizes the conditional from separate calls.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/keyline-dev/keyline/pkg/storage"
)

// codeBytes is the entropy of issued authorization codes.
const codeBytes = 32

// CodeStore issues and consumes one-time authorization codes.
type CodeStore struct {
	store storage.Gateway
	now   func() time.Time
}

// NewCodeStore creates a CodeStore over the given gateway.
func NewCodeStore(store storage.Gateway) *CodeStore {
	return &CodeStore{store: store, now: time.Now}
}

// NewCodeStoreWithClock creates a CodeStore with a fixed clock for tests.
func NewCodeStoreWithClock(store storage.Gateway, now func() time.Time) *CodeStore {
	return &CodeStore{store: store, now: now}
}

// IssueCodeInput carries everything bound into an authorization code at
// issuance.
type IssueCodeInput struct {
	ClientID            string
	RedirectURI         string
	Scopes              []string
	UserID              string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            int64
}

// Issue mints a random code and persists it with a 10-minute absolute
// expiry.
func (s *CodeStore) Issue(ctx context.Context, input IssueCodeInput) (string, error) {
	raw := make([]byte, codeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}
	code := hex.EncodeToString(raw)

	rec := &storage.AuthorizationCodeRecord{
		Code:                code,
		ClientID:            input.ClientID,
		RedirectURI:         input.RedirectURI,
		Scopes:              input.Scopes,
		UserID:              input.UserID,
		CodeChallenge:       input.CodeChallenge,
		CodeChallengeMethod: input.CodeChallengeMethod,
		Nonce:               input.Nonce,
		ExpiresAt:           s.now().Add(storage.AuthorizationCodeTTL),
		AuthTime:            input.AuthTime,
	}
	if err := s.store.PutAuthorizationCode(ctx, rec, storage.AuthorizationCodeTTL); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return code, nil
}

// Consume redeems a code for the client it was issued to. It returns nil
// (without error) when the code is missing, bound to a different client or
// redirect URI, expired, or already consumed by a parallel caller.
//
// The binding check runs before the consume so a mismatched presentation
// does not burn the legitimate client's code, but a mismatch still deletes
// the row as defense in depth. redirect_uri is compared by exact string
// equality; URL normalization would widen the accepted set.
func (s *CodeStore) Consume(ctx context.Context, code, clientID, redirectURI string) (*storage.AuthorizationCodeRecord, error) {
	rec, err := s.store.GetAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if rec.ClientID != clientID || rec.RedirectURI != redirectURI {
		_ = s.store.DeleteAuthorizationCode(ctx, code)
		return nil, nil
	}

	if rec.ExpiresAt.Before(s.now()) {
		if err := s.store.DeleteAuthorizationCode(ctx, code); err != nil {
			return nil, err
		}
		return nil, nil
	}

	consumed, err := s.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotApplied) {
			// A parallel consumer already took it.
			return nil, nil
		}
		return nil, err
	}
	return consumed, nil
}
