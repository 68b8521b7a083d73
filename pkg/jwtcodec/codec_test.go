// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package jwtcodec

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClaims() map[string]any {
	return map[string]any{
		"sub":   "user-456",
		"iss":   "http://localhost:3000",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "openid profile",
	}
}

type signer struct {
	alg  string
	priv any
	pub  any
}

func testSigners(t *testing.T) []signer {
	t.Helper()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	es256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	es384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	secret := []byte("0123456789abcdef0123456789abcdef")

	return []signer{
		{"RS256", rsaKey, &rsaKey.PublicKey},
		{"RS384", rsaKey, &rsaKey.PublicKey},
		{"RS512", rsaKey, &rsaKey.PublicKey},
		{"ES256", es256, &es256.PublicKey},
		{"ES384", es384, &es384.PublicKey},
		{"HS256", secret, secret},
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, s := range testSigners(t) {
		t.Run(s.alg, func(t *testing.T) {
			token, err := Sign(testClaims(), s.priv, s.alg, "kid-1")
			require.NoError(t, err)

			header, payload, err := Verify(token, s.pub, s.alg)
			require.NoError(t, err)
			assert.Equal(t, s.alg, header["alg"])
			assert.Equal(t, "kid-1", header["kid"])
			assert.Equal(t, "user-456", payload["sub"])
			assert.Equal(t, "openid profile", payload["scope"])
		})
	}
}

func TestVerifyRejectsMutatedToken(t *testing.T) {
	for _, s := range testSigners(t) {
		t.Run(s.alg, func(t *testing.T) {
			token, err := Sign(testClaims(), s.priv, s.alg, "")
			require.NoError(t, err)

			// Flip one character in each segment.
			for _, idx := range []int{1, strings.Index(token, ".") + 2, strings.LastIndex(token, ".") + 2} {
				mutated := []byte(token)
				if mutated[idx] == 'A' {
					mutated[idx] = 'B'
				} else {
					mutated[idx] = 'A'
				}
				_, _, err := Verify(string(mutated), s.pub, s.alg)
				assert.Error(t, err, "mutation at %d accepted", idx)
			}
		})
	}
}

func TestES256SignatureIsP1363(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	token, err := Sign(testClaims(), key, "ES256", "")
	require.NoError(t, err)

	_, _, sig, err := Parse(token)
	require.NoError(t, err)

	// Fixed-width r||s for P-256, never a DER SEQUENCE.
	assert.Len(t, sig, 64)
	assert.NotEqual(t, byte(0x30), sig[0])
}

func TestVerifyAlgMismatch(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token, err := Sign(testClaims(), rsaKey, "RS256", "")
	require.NoError(t, err)

	_, _, err = Verify(token, &rsaKey.PublicKey, "RS512")
	assert.ErrorIs(t, err, ErrAlgMismatch)
}

func TestVerifyUnsupportedAlg(t *testing.T) {
	// Token with alg "none" and an empty signature.
	header := EncodeSegment([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := EncodeSegment([]byte(`{"sub":"user-456"}`))
	token := header + "." + payload + "."

	_, _, err := Verify(token, nil, "")
	assert.ErrorIs(t, err, ErrUnsupportedAlg)
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two parts", "abc.def"},
		{"four parts", "a.b.c.d"},
		{"header not base64", "!!!.e30.sig"},
		{"header not json", EncodeSegment([]byte("nope")) + ".e30.c2ln"},
		{"payload not json", "e30." + EncodeSegment([]byte("nope")) + ".c2ln"},
		{"signature not base64", "e30.e30.!!!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := Parse(tc.token)
			assert.ErrorIs(t, err, ErrMalformedToken)
		})
	}
}

func TestVerifyTimeBounds(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)

	t.Run("expired", func(t *testing.T) {
		token, err := Sign(map[string]any{"exp": now.Unix()}, rsaKey, "RS256", "")
		require.NoError(t, err)
		_, _, err = VerifyAt(token, &rsaKey.PublicKey, "RS256", now)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("not yet expired", func(t *testing.T) {
		token, err := Sign(map[string]any{"exp": now.Add(time.Second).Unix()}, rsaKey, "RS256", "")
		require.NoError(t, err)
		_, _, err = VerifyAt(token, &rsaKey.PublicKey, "RS256", now)
		assert.NoError(t, err)
	})

	t.Run("not yet valid", func(t *testing.T) {
		token, err := Sign(map[string]any{
			"nbf": now.Add(time.Minute).Unix(),
			"exp": now.Add(time.Hour).Unix(),
		}, rsaKey, "RS256", "")
		require.NoError(t, err)
		_, _, err = VerifyAt(token, &rsaKey.PublicKey, "RS256", now)
		assert.ErrorIs(t, err, ErrNotYetValid)
	})

	t.Run("nbf in the past", func(t *testing.T) {
		token, err := Sign(map[string]any{
			"nbf": now.Add(-time.Minute).Unix(),
			"exp": now.Add(time.Hour).Unix(),
		}, rsaKey, "RS256", "")
		require.NoError(t, err)
		_, _, err = VerifyAt(token, &rsaKey.PublicKey, "RS256", now)
		assert.NoError(t, err)
	})
}

func TestBase64SegmentRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		{0xff, 0xfe, 0xfd},
		[]byte("hello world"),
		{0xfb, 0xff, 0xbf, 0x3e, 0x3f, 0x00, 0x01},
	}
	for _, b := range inputs {
		enc := EncodeSegment(b)
		assert.NotContains(t, enc, "+")
		assert.NotContains(t, enc, "/")
		assert.NotContains(t, enc, "=")

		dec, err := DecodeSegment(enc)
		require.NoError(t, err)
		assert.Equal(t, b, dec)
	}
}

func TestHeaderKid(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token, err := Sign(testClaims(), rsaKey, "RS256", "my-kid")
	require.NoError(t, err)

	kid, err := HeaderKid(token)
	require.NoError(t, err)
	assert.Equal(t, "my-kid", kid)

	_, err = HeaderKid("not-a-token")
	assert.Error(t, err)
}
