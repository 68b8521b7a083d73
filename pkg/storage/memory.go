// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// timedEntry wraps a value with its expiry for TTL tracking. A zero
// expiresAt means the row never expires.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryGateway implements Gateway with in-process maps. It is safe for
// concurrent use and suitable for development and tests; durable deployments
// use RedisGateway. It also serves as the fallback for federated CSRF state
// when the durable store is unavailable at startup.
type MemoryGateway struct {
	mu sync.Mutex

	clients          map[string]*ClientRecord
	accounts         map[string]*AccountRecord
	contacts         map[string]*ContactMethodRecord   // "(type):(value)" -> record
	contactsByAcct   map[string][]*ContactMethodRecord // account id -> records
	providerAccounts map[string]*ProviderAccountRecord // "(provider):(sub)" -> record
	authCodes        map[string]*timedEntry[*AuthorizationCodeRecord]
	refreshTokens    map[string]*timedEntry[*RefreshTokenRecord]
	refreshByUser    map[string]map[string]bool // "(user):(client)" -> token set
	oauthStates      map[string]*timedEntry[*OAuthStateRecord]
	counters         map[string]*timedEntry[int64]

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once

	now func() time.Time
}

var _ Gateway = (*MemoryGateway)(nil)

// MemoryOption configures a MemoryGateway.
type MemoryOption func(*MemoryGateway)

// WithCleanupInterval sets how often the expiry sweep runs.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(g *MemoryGateway) {
		g.cleanupInterval = interval
	}
}

// WithClock sets the time source. Tests use this to step through TTLs.
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGateway) {
		g.now = now
	}
}

// NewMemoryGateway creates a MemoryGateway and starts its expiry sweep.
func NewMemoryGateway(opts ...MemoryOption) *MemoryGateway {
	g := &MemoryGateway{
		clients:          make(map[string]*ClientRecord),
		accounts:         make(map[string]*AccountRecord),
		contacts:         make(map[string]*ContactMethodRecord),
		contactsByAcct:   make(map[string][]*ContactMethodRecord),
		providerAccounts: make(map[string]*ProviderAccountRecord),
		authCodes:        make(map[string]*timedEntry[*AuthorizationCodeRecord]),
		refreshTokens:    make(map[string]*timedEntry[*RefreshTokenRecord]),
		refreshByUser:    make(map[string]map[string]bool),
		oauthStates:      make(map[string]*timedEntry[*OAuthStateRecord]),
		counters:         make(map[string]*timedEntry[int64]),
		cleanupInterval:  time.Minute,
		stopCleanup:      make(chan struct{}),
		cleanupDone:      make(chan struct{}),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	go g.cleanupLoop()
	return g
}

func (g *MemoryGateway) cleanupLoop() {
	defer close(g.cleanupDone)
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stopCleanup:
			return
		}
	}
}

func (g *MemoryGateway) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, e := range g.authCodes {
		if e.expired(now) {
			delete(g.authCodes, k)
		}
	}
	for k, e := range g.refreshTokens {
		if e.expired(now) {
			delete(g.refreshTokens, k)
		}
	}
	for k, e := range g.oauthStates {
		if e.expired(now) {
			delete(g.oauthStates, k)
		}
	}
	for k, e := range g.counters {
		if e.expired(now) {
			delete(g.counters, k)
		}
	}
}

// Close stops the expiry sweep.
func (g *MemoryGateway) Close() error {
	g.closeOnce.Do(func() {
		close(g.stopCleanup)
		<-g.cleanupDone
	})
	return nil
}

// Ping always succeeds for the in-memory backend.
func (*MemoryGateway) Ping(_ context.Context) error {
	return nil
}

func contactKey(typ ContactType, value string) string {
	return string(typ) + ":" + value
}

func providerKey(provider, sub string) string {
	return provider + ":" + sub
}

func indexKey(userID, clientID string) string {
	return userID + ":" + clientID
}

// PutClient upserts a client row.
func (g *MemoryGateway) PutClient(_ context.Context, rec *ClientRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *rec
	g.clients[rec.ID] = &cp
	return nil
}

// GetClient loads a client row by id.
func (g *MemoryGateway) GetClient(_ context.Context, id string) (*ClientRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// PutAccount upserts an account row.
func (g *MemoryGateway) PutAccount(_ context.Context, rec *AccountRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *rec
	g.accounts[rec.ID] = &cp
	return nil
}

// GetAccount loads an account row by id.
func (g *MemoryGateway) GetAccount(_ context.Context, id string) (*AccountRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// InsertContactMethod claims (type, value); ErrNotApplied when taken.
func (g *MemoryGateway) InsertContactMethod(_ context.Context, rec *ContactMethodRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := contactKey(rec.Type, rec.Value)
	if _, exists := g.contacts[key]; exists {
		return ErrNotApplied
	}
	cp := *rec
	g.contacts[key] = &cp
	g.contactsByAcct[rec.AccountID] = append(g.contactsByAcct[rec.AccountID], &cp)
	return nil
}

// GetContactMethod loads a contact row by (type, value).
func (g *MemoryGateway) GetContactMethod(_ context.Context, typ ContactType, value string) (*ContactMethodRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.contacts[contactKey(typ, value)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListContactMethodsByAccount returns every contact row for an account.
func (g *MemoryGateway) ListContactMethodsByAccount(_ context.Context, accountID string) ([]*ContactMethodRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rows := g.contactsByAcct[accountID]
	out := make([]*ContactMethodRecord, 0, len(rows))
	for _, rec := range rows {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// PutProviderAccount upserts an external-identity link.
func (g *MemoryGateway) PutProviderAccount(_ context.Context, rec *ProviderAccountRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *rec
	g.providerAccounts[providerKey(rec.Provider, rec.ProviderSubject)] = &cp
	return nil
}

// GetProviderAccount loads an external-identity link.
func (g *MemoryGateway) GetProviderAccount(_ context.Context, provider, providerSubject string) (*ProviderAccountRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.providerAccounts[providerKey(provider, providerSubject)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// PutAuthorizationCode inserts a code row with a TTL bound.
func (g *MemoryGateway) PutAuthorizationCode(_ context.Context, rec *AuthorizationCodeRecord, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *rec
	g.authCodes[rec.Code] = &timedEntry[*AuthorizationCodeRecord]{value: &cp, expiresAt: g.now().Add(ttl)}
	return nil
}

// GetAuthorizationCode loads a code row without consuming it.
func (g *MemoryGateway) GetAuthorizationCode(_ context.Context, code string) (*AuthorizationCodeRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.authCodes[code]
	if !ok || e.expired(g.now()) {
		return nil, ErrNotFound
	}
	cp := *e.value
	return &cp, nil
}

// ConsumeAuthorizationCode atomically reads and deletes the code row.
func (g *MemoryGateway) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCodeRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.authCodes[code]
	if !ok || e.expired(g.now()) {
		delete(g.authCodes, code)
		return nil, ErrNotApplied
	}
	delete(g.authCodes, code)
	cp := *e.value
	return &cp, nil
}

// DeleteAuthorizationCode removes a code row unconditionally.
func (g *MemoryGateway) DeleteAuthorizationCode(_ context.Context, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.authCodes, code)
	return nil
}

// PutRefreshToken inserts the primary row and index entry.
func (g *MemoryGateway) PutRefreshToken(_ context.Context, rec *RefreshTokenRecord, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *rec
	g.refreshTokens[rec.Token] = &timedEntry[*RefreshTokenRecord]{value: &cp, expiresAt: g.now().Add(ttl)}
	key := indexKey(rec.UserID, rec.ClientID)
	if g.refreshByUser[key] == nil {
		g.refreshByUser[key] = make(map[string]bool)
	}
	g.refreshByUser[key][rec.Token] = true
	return nil
}

// GetRefreshToken loads the primary row without consuming it.
func (g *MemoryGateway) GetRefreshToken(_ context.Context, token string) (*RefreshTokenRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.refreshTokens[token]
	if !ok || e.expired(g.now()) {
		return nil, ErrNotFound
	}
	cp := *e.value
	return &cp, nil
}

// ConsumeRefreshToken atomically reads and deletes the primary row.
func (g *MemoryGateway) ConsumeRefreshToken(_ context.Context, token string) (*RefreshTokenRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.refreshTokens[token]
	if !ok || e.expired(g.now()) {
		delete(g.refreshTokens, token)
		return nil, ErrNotApplied
	}
	delete(g.refreshTokens, token)
	cp := *e.value
	return &cp, nil
}

// DeleteRefreshToken removes the primary row unconditionally.
func (g *MemoryGateway) DeleteRefreshToken(_ context.Context, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.refreshTokens, token)
	return nil
}

// ListRefreshTokensByUser returns the token values indexed under
// (user, client).
func (g *MemoryGateway) ListRefreshTokensByUser(_ context.Context, userID, clientID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.refreshByUser[indexKey(userID, clientID)]
	tokens := make([]string, 0, len(set))
	for t := range set {
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// RemoveRefreshTokenIndex drops one token from the (user, client) index.
func (g *MemoryGateway) RemoveRefreshTokenIndex(_ context.Context, userID, clientID, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set := g.refreshByUser[indexKey(userID, clientID)]; set != nil {
		delete(set, token)
	}
	return nil
}

// ClearRefreshTokenIndex drops the whole (user, client) index partition.
func (g *MemoryGateway) ClearRefreshTokenIndex(_ context.Context, userID, clientID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.refreshByUser, indexKey(userID, clientID))
	return nil
}

// PutOAuthState inserts a CSRF-state row with a TTL bound.
func (g *MemoryGateway) PutOAuthState(_ context.Context, rec *OAuthStateRecord, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *rec
	g.oauthStates[rec.State] = &timedEntry[*OAuthStateRecord]{value: &cp, expiresAt: g.now().Add(ttl)}
	return nil
}

// ConsumeOAuthState atomically reads and deletes a CSRF-state row.
func (g *MemoryGateway) ConsumeOAuthState(_ context.Context, state string) (*OAuthStateRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.oauthStates[state]
	if !ok || e.expired(g.now()) {
		delete(g.oauthStates, state)
		return nil, ErrNotApplied
	}
	delete(g.oauthStates, state)
	cp := *e.value
	return &cp, nil
}

// IncrementCounter bumps the fixed-window counter for (key, windowBucket).
func (g *MemoryGateway) IncrementCounter(_ context.Context, key string, windowBucket int64, ttl time.Duration) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	counterKey := key + ":" + strconv.FormatInt(windowBucket, 10)
	now := g.now()
	e, ok := g.counters[counterKey]
	if !ok || e.expired(now) {
		e = &timedEntry[int64]{value: 0, expiresAt: now.Add(2 * ttl)}
		g.counters[counterKey] = e
	}
	e.value++
	return e.value, nil
}
