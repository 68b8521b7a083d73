// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package pkce implements Proof Key for Code Exchange (RFC 7636) generation
// and verification.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/oauth2"

	"github.com/keyline-dev/keyline/pkg/jwtcodec"
)

// Challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// ValidMethod reports whether method is a recognized challenge method.
func ValidMethod(method string) bool {
	return method == MethodS256 || method == MethodPlain
}

// GenerateVerifier generates a cryptographically random code_verifier per
// RFC 7636 section 4.1 (43 characters of base64url alphabet). Delegates to
// golang.org/x/oauth2; panics on crypto/rand failure.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeS256 computes BASE64URL(SHA256(verifier)) per RFC 7636
// section 4.2.
func ChallengeS256(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify checks verifier against challenge for the given method. Unknown
// methods verify as false. Comparisons are constant-time.
func Verify(verifier, challenge, method string) bool {
	switch method {
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		derived := jwtcodec.EncodeSegment(sum[:])
		return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
	case MethodPlain:
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}
