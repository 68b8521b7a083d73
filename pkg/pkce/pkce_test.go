// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package pkce

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyS256(t *testing.T) {
	verifier := GenerateVerifier()
	challenge := ChallengeS256(verifier)

	assert.True(t, Verify(verifier, challenge, MethodS256))
	assert.False(t, Verify(verifier+"x", challenge, MethodS256))
	assert.False(t, Verify("", challenge, MethodS256))
	assert.False(t, Verify(verifier, challenge+"x", MethodS256))
}

func TestVerifyPlain(t *testing.T) {
	assert.True(t, Verify("verifier-12345", "verifier-12345", MethodPlain))
	assert.False(t, Verify("verifier-12345", "other", MethodPlain))
}

func TestVerifyUnknownMethod(t *testing.T) {
	verifier := GenerateVerifier()
	challenge := ChallengeS256(verifier)

	assert.False(t, Verify(verifier, challenge, "S512"))
	assert.False(t, Verify(verifier, verifier, ""))
}

func TestValidMethod(t *testing.T) {
	assert.True(t, ValidMethod("S256"))
	assert.True(t, ValidMethod("plain"))
	assert.False(t, ValidMethod("s256"))
	assert.False(t, ValidMethod(""))
}

func TestGeneratedVerifierShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		v := GenerateVerifier()
		assert.GreaterOrEqual(t, len(v), 43)
		assert.False(t, seen[v], "verifier repeated")
		seen[v] = true
	}
}
