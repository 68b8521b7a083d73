// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing-key management for the authorization server:
// generation, lifecycle (active/retired/expired), lookup by kid, and JWKS
// export.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/keyline-dev/keyline/pkg/jwtcodec"
	"github.com/keyline-dev/keyline/pkg/logger"
)

const (
	// DefaultAlgorithm is the algorithm for keys minted by Initialize.
	DefaultAlgorithm = "RS256"

	// DefaultKeyLifetime is how long a freshly minted key stays usable.
	DefaultKeyLifetime = 90 * 24 * time.Hour

	// rsaKeyBits is the modulus size for generated RSA keys.
	rsaKeyBits = 2048
)

// KeyPair is an immutable signing-key record. Lifecycle changes replace the
// record rather than mutating it, so concurrent readers never observe a torn
// key.
type KeyPair struct {
	// KID is the RFC 7638 thumbprint of the public key.
	KID string

	// Algorithm is the JWS algorithm this key signs with.
	Algorithm string

	// Key is the private key. Never exported.
	Key crypto.Signer

	CreatedAt time.Time
	ExpiresAt time.Time

	// Active is false once the key has been retired. Retired keys no longer
	// sign but remain available for verification until they expire.
	Active bool
}

// Available reports whether the key is active and unexpired at now.
func (k *KeyPair) Available(now time.Time) bool {
	return k.Active && now.Before(k.ExpiresAt)
}

// Manager is the process-global signing-key registry. Reads take a shared
// lock over immutable records; rotation and retirement serialize on the
// write lock and swap whole records.
type Manager struct {
	mu   sync.RWMutex
	keys map[string]*KeyPair
	now  func() time.Time
}

// NewManager creates an empty key manager.
func NewManager() *Manager {
	return &Manager{
		keys: make(map[string]*KeyPair),
		now:  time.Now,
	}
}

// NewManagerWithClock creates a Manager with a fixed clock for tests.
func NewManagerWithClock(now func() time.Time) *Manager {
	return &Manager{
		keys: make(map[string]*KeyPair),
		now:  now,
	}
}

// Initialize returns the current signing key, generating one when none is
// available. When at least one active unexpired key exists, the most recent
// by creation time wins.
func (m *Manager) Initialize() (*KeyPair, error) {
	if k := m.LatestActive(""); k != nil {
		return k, nil
	}

	k, err := m.Rotate(DefaultAlgorithm, false)
	if err != nil {
		return nil, err
	}
	logger.Infow("generated initial signing key",
		"algorithm", k.Algorithm,
		"kid", k.KID,
	)
	return k, nil
}

// Rotate mints a new key for alg. When retireOld is set, every other active
// key of the same algorithm is retired; tokens signed with retired keys stay
// verifiable until the key expires.
func (m *Manager) Rotate(alg string, retireOld bool) (*KeyPair, error) {
	signer, err := generatePrivateKey(alg)
	if err != nil {
		return nil, err
	}

	kid, err := deriveKeyID(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	now := m.now()
	pair := &KeyPair{
		KID:       kid,
		Algorithm: alg,
		Key:       signer,
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultKeyLifetime),
		Active:    true,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if retireOld {
		for kid, k := range m.keys {
			if k.Active && k.Algorithm == alg {
				retired := *k
				retired.Active = false
				m.keys[kid] = &retired
			}
		}
	}
	m.keys[pair.KID] = pair

	return copyPair(pair), nil
}

// GetActive returns the key with the given kid only when it is active and
// unexpired.
func (m *Manager) GetActive(kid string) *KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[kid]
	if !ok || !k.Available(m.now()) {
		return nil
	}
	return copyPair(k)
}

// Get returns the key with the given kid regardless of lifecycle state.
// Used for introspection against tokens signed with retired keys.
func (m *Manager) Get(kid string) *KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[kid]
	if !ok {
		return nil
	}
	return copyPair(k)
}

// LatestActive returns the most recently created available key for alg.
// An empty alg matches any algorithm.
func (m *Manager) LatestActive(alg string) *KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var latest *KeyPair
	for _, k := range m.keys {
		if !k.Available(now) {
			continue
		}
		if alg != "" && k.Algorithm != alg {
			continue
		}
		if latest == nil || k.CreatedAt.After(latest.CreatedAt) {
			latest = k
		}
	}
	if latest == nil {
		return nil
	}
	return copyPair(latest)
}

// PurgeExpired removes expired keys and returns how many were dropped.
func (m *Manager) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	purged := 0
	for kid, k := range m.keys {
		if !now.Before(k.ExpiresAt) {
			delete(m.keys, kid)
			purged++
		}
	}
	if purged > 0 {
		logger.Infow("purged expired signing keys", "count", purged)
	}
	return purged
}

// JWKS exports the public halves of every available key as an RFC 7517 key
// set. Private material never crosses this boundary.
func (m *Manager) JWKS() *jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(m.keys))}
	for _, k := range m.keys {
		if !k.Available(now) {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Key.Public(),
			KeyID:     k.KID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set
}

func copyPair(k *KeyPair) *KeyPair {
	pair := *k
	return &pair
}

// generatePrivateKey creates a new private key for the given algorithm.
// Curve mapping per RFC 7518: ES256 uses P-256, ES384 P-384, ES512 P-521.
func generatePrivateKey(alg string) (crypto.Signer, error) {
	if !jwtcodec.Accepted(alg) {
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", alg)
	}
	switch alg {
	case "RS256", "RS384", "RS512":
		return rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		// HMAC algorithms use a shared secret, not a managed key pair.
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", alg)
	}
}

// deriveKeyID computes the RFC 7638 JWK thumbprint of the public key.
func deriveKeyID(signer crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: signer.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return jwtcodec.EncodeSegment(thumbprint), nil
}
