// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package jwtcodec implements the compact-JWS sign/parse/verify path used for
// access tokens, ID tokens, and session tokens.
//
// Signing and signature verification build on golang-jwt's signing methods,
// whose ECDSA variants emit IEEE P1363 (fixed-width r||s) signatures as
// required for JOSE. Structural parsing and time-claim validation are done
// here so that failures map onto a small, stable error set and no claim
// semantics leak in from the library.
package jwtcodec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failure modes. Callers translate these to protocol errors;
// the distinction is never exposed to end users directly.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrAlgMismatch    = errors.New("algorithm mismatch")
	ErrUnsupportedAlg = errors.New("unsupported algorithm")
	ErrBadSignature   = errors.New("signature verification failed")
	ErrExpired        = errors.New("token expired")
	ErrNotYetValid    = errors.New("token not yet valid")
)

// acceptedAlgs is the closed set of JWS algorithms this service will sign or
// verify with. Anything else fails with ErrUnsupportedAlg before signature
// verification is attempted.
var acceptedAlgs = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"HS256": true, "HS384": true, "HS512": true,
}

// Accepted reports whether alg is in the accepted algorithm set.
func Accepted(alg string) bool {
	return acceptedAlgs[alg]
}

// EncodeSegment base64url-encodes b without padding.
func EncodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeSegment decodes an unpadded base64url segment.
func DecodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// Sign serializes claims as a compact JWS signed with key.
// key must match alg: *rsa.PrivateKey for RS*, *ecdsa.PrivateKey for ES*,
// []byte for HS*. kid, when non-empty, is placed in the protected header.
func Sign(claims map[string]any, key any, alg, kid string) (string, error) {
	if !acceptedAlgs[alg] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}

	token := jwt.NewWithClaims(method, jwt.MapClaims(claims))
	if kid != "" {
		token.Header["kid"] = kid
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse splits a compact JWS into its decoded header, payload, and signature
// without verifying anything. It fails with ErrMalformedToken when the token
// does not have exactly three parts or any part is not base64url-encoded
// JSON (the signature part need only be valid base64url).
func Parse(token string) (header map[string]any, payload map[string]any, signature []byte, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedToken, len(parts))
	}

	headerJSON, err := DecodeSegment(parts[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: bad header encoding", ErrMalformedToken)
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: header is not a JSON object", ErrMalformedToken)
	}

	payloadJSON, err := DecodeSegment(parts[1])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: bad payload encoding", ErrMalformedToken)
	}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedToken)
	}

	signature, err = DecodeSegment(parts[2])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: bad signature encoding", ErrMalformedToken)
	}

	return header, payload, signature, nil
}

// Verify checks token against key and returns its header and payload.
//
// The sequence is fixed: structural parse, optional expected-algorithm check,
// accepted-set check, signature verification, then exp/nbf validation.
// No other claims are interpreted; callers check iss and aud themselves.
func Verify(token string, key any, expectedAlg string) (map[string]any, map[string]any, error) {
	return VerifyAt(token, key, expectedAlg, time.Now())
}

// VerifyAt is Verify with an explicit evaluation time.
func VerifyAt(token string, key any, expectedAlg string, now time.Time) (map[string]any, map[string]any, error) {
	header, payload, signature, err := Parse(token)
	if err != nil {
		return nil, nil, err
	}

	alg, _ := header["alg"].(string)
	if expectedAlg != "" && alg != expectedAlg {
		return nil, nil, fmt.Errorf("%w: header alg %q, expected %q", ErrAlgMismatch, alg, expectedAlg)
	}
	if !acceptedAlgs[alg] {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}

	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}

	lastDot := strings.LastIndexByte(token, '.')
	if err := method.Verify(token[:lastDot], signature, key); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrBadSignature, alg)
	}

	if exp, ok := NumericClaim(payload, "exp"); ok && !now.Before(time.Unix(exp, 0)) {
		return nil, nil, ErrExpired
	}
	if nbf, ok := NumericClaim(payload, "nbf"); ok && now.Before(time.Unix(nbf, 0)) {
		return nil, nil, ErrNotYetValid
	}

	return header, payload, nil
}

// NumericClaim extracts a numeric-date claim as Unix seconds. JSON numbers
// decode as float64; integer-typed values appear when claims were built
// in-process.
func NumericClaim(claims map[string]any, name string) (int64, bool) {
	switch v := claims[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// HeaderKid returns the kid of an unverified token, when present. Used to
// pick the verification key before any signature check.
func HeaderKid(token string) (string, error) {
	header, _, _, err := Parse(token)
	if err != nil {
		return "", err
	}
	kid, _ := header["kid"].(string)
	return kid, nil
}
