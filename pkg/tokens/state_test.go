// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStoreAndConsume(t *testing.T) {
	s := NewStateStore(newTestStore(t))
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, StateInput{
		State:        "st-1",
		ReturnTo:     "/authorize?client_id=x",
		CodeVerifier: "verifier-12345",
		Provider:     "google",
		Nonce:        "n1",
	}))

	rec, err := s.Consume(ctx, "st-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "/authorize?client_id=x", rec.ReturnTo)
	assert.Equal(t, "verifier-12345", rec.CodeVerifier)
	assert.Equal(t, "google", rec.Provider)
	assert.Equal(t, "n1", rec.Nonce)

	// Consume-once.
	rec, err = s.Consume(ctx, "st-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStateConsumeMissing(t *testing.T) {
	s := NewStateStore(newTestStore(t))

	rec, err := s.Consume(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
