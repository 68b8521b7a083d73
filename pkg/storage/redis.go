// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key type segments. Every row key is "<prefix><type>:<id>".
const (
	keyTypeClient            = "client"
	keyTypeAccount           = "account"
	keyTypeContact           = "contact"
	keyTypeContactsByAccount = "contacts_by_account"
	keyTypeProviderAccount   = "provider_account"
	keyTypeAuthCode          = "authcode"
	keyTypeRefresh           = "refresh"
	keyTypeRefreshByUser     = "refresh_by_user"
	keyTypeOAuthState        = "oauth_state"
	keyTypeRateLimit         = "ratelimit"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all rows, e.g. "keyline:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisGateway implements Gateway against Redis. Consume-once is GETDEL: a
// single atomic read-and-delete whose nil reply is the distinguishable
// "not applied" outcome, so at most one caller ever observes a row.
type RedisGateway struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Gateway = (*RedisGateway)(nil)

// NewRedisGateway connects to Redis and verifies connectivity.
func NewRedisGateway(ctx context.Context, cfg RedisConfig) (*RedisGateway, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisGateway{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisGatewayWithClient wraps a pre-configured client. Used by tests
// running against miniredis.
func NewRedisGatewayWithClient(client redis.UniversalClient, keyPrefix string) *RedisGateway {
	return &RedisGateway{client: client, keyPrefix: keyPrefix}
}

func (g *RedisGateway) key(keyType string, parts ...string) string {
	k := g.keyPrefix + keyType
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Close closes the Redis client connection.
func (g *RedisGateway) Close() error {
	return g.client.Close()
}

// Ping checks Redis connectivity.
func (g *RedisGateway) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisGateway) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return g.client.Set(ctx, key, data, ttl).Err()
}

func (g *RedisGateway) getJSON(ctx context.Context, key string, v any) error {
	data, err := g.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

func (g *RedisGateway) consumeJSON(ctx context.Context, key string, v any) error {
	data, err := g.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotApplied
		}
		return fmt.Errorf("failed to consume record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// -----------------------
// Clients
// -----------------------

// PutClient upserts a client row.
func (g *RedisGateway) PutClient(ctx context.Context, rec *ClientRecord) error {
	return g.setJSON(ctx, g.key(keyTypeClient, rec.ID), rec, 0)
}

// GetClient loads a client row by id.
func (g *RedisGateway) GetClient(ctx context.Context, id string) (*ClientRecord, error) {
	var rec ClientRecord
	if err := g.getJSON(ctx, g.key(keyTypeClient, id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// -----------------------
// Accounts
// -----------------------

// PutAccount upserts an account row.
func (g *RedisGateway) PutAccount(ctx context.Context, rec *AccountRecord) error {
	return g.setJSON(ctx, g.key(keyTypeAccount, rec.ID), rec, 0)
}

// GetAccount loads an account row by id.
func (g *RedisGateway) GetAccount(ctx context.Context, id string) (*AccountRecord, error) {
	var rec AccountRecord
	if err := g.getJSON(ctx, g.key(keyTypeAccount, id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// -----------------------
// Contact methods
// -----------------------

// InsertContactMethod claims (type, value) with a conditional insert and
// writes the by-account secondary row. ErrNotApplied when the contact value
// is already claimed.
func (g *RedisGateway) InsertContactMethod(ctx context.Context, rec *ContactMethodRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal contact method: %w", err)
	}

	primaryKey := g.key(keyTypeContact, string(rec.Type), rec.Value)
	applied, err := g.client.SetNX(ctx, primaryKey, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert contact method: %w", err)
	}
	if !applied {
		return ErrNotApplied
	}

	indexKey := g.key(keyTypeContactsByAccount, rec.AccountID)
	if err := g.client.HSet(ctx, indexKey, rec.ContactID, data).Err(); err != nil {
		// Compensate: release the uniqueness claim so a retry can succeed.
		_ = g.client.Del(ctx, primaryKey).Err()
		return fmt.Errorf("failed to index contact method: %w", err)
	}
	return nil
}

// GetContactMethod loads a contact row by (type, value).
func (g *RedisGateway) GetContactMethod(ctx context.Context, typ ContactType, value string) (*ContactMethodRecord, error) {
	var rec ContactMethodRecord
	if err := g.getJSON(ctx, g.key(keyTypeContact, string(typ), value), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListContactMethodsByAccount returns every contact row for an account.
func (g *RedisGateway) ListContactMethodsByAccount(ctx context.Context, accountID string) ([]*ContactMethodRecord, error) {
	rows, err := g.client.HGetAll(ctx, g.key(keyTypeContactsByAccount, accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list contact methods: %w", err)
	}

	recs := make([]*ContactMethodRecord, 0, len(rows))
	for _, raw := range rows {
		var rec ContactMethodRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal contact method: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// -----------------------
// Provider accounts
// -----------------------

// PutProviderAccount upserts an external-identity link.
func (g *RedisGateway) PutProviderAccount(ctx context.Context, rec *ProviderAccountRecord) error {
	return g.setJSON(ctx, g.key(keyTypeProviderAccount, rec.Provider, rec.ProviderSubject), rec, 0)
}

// GetProviderAccount loads an external-identity link.
func (g *RedisGateway) GetProviderAccount(ctx context.Context, provider, providerSubject string) (*ProviderAccountRecord, error) {
	var rec ProviderAccountRecord
	if err := g.getJSON(ctx, g.key(keyTypeProviderAccount, provider, providerSubject), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// -----------------------
// Authorization codes
// -----------------------

// PutAuthorizationCode inserts a code row with a TTL bound.
func (g *RedisGateway) PutAuthorizationCode(ctx context.Context, rec *AuthorizationCodeRecord, ttl time.Duration) error {
	return g.setJSON(ctx, g.key(keyTypeAuthCode, rec.Code), rec, ttl)
}

// GetAuthorizationCode loads a code row without consuming it.
func (g *RedisGateway) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCodeRecord, error) {
	var rec AuthorizationCodeRecord
	if err := g.getJSON(ctx, g.key(keyTypeAuthCode, code), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ConsumeAuthorizationCode atomically reads and deletes the code row.
func (g *RedisGateway) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCodeRecord, error) {
	var rec AuthorizationCodeRecord
	if err := g.consumeJSON(ctx, g.key(keyTypeAuthCode, code), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteAuthorizationCode removes a code row unconditionally.
func (g *RedisGateway) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return g.client.Del(ctx, g.key(keyTypeAuthCode, code)).Err()
}

// -----------------------
// Refresh tokens
// -----------------------

// PutRefreshToken inserts the primary row with a TTL bound and registers the
// token under the (user, client) index. The index carries the same TTL so
// orphaned entries age out with their tokens.
func (g *RedisGateway) PutRefreshToken(ctx context.Context, rec *RefreshTokenRecord, ttl time.Duration) error {
	primaryKey := g.key(keyTypeRefresh, rec.Token)
	if err := g.setJSON(ctx, primaryKey, rec, ttl); err != nil {
		return err
	}

	indexKey := g.key(keyTypeRefreshByUser, rec.UserID, rec.ClientID)
	if err := g.client.SAdd(ctx, indexKey, rec.Token).Err(); err != nil {
		_ = g.client.Del(ctx, primaryKey).Err()
		return fmt.Errorf("failed to index refresh token: %w", err)
	}
	if err := g.client.Expire(ctx, indexKey, ttl).Err(); err != nil {
		_ = g.client.Del(ctx, primaryKey).Err()
		_ = g.client.SRem(ctx, indexKey, rec.Token).Err()
		return fmt.Errorf("failed to expire refresh token index: %w", err)
	}
	return nil
}

// GetRefreshToken loads the primary row without consuming it.
func (g *RedisGateway) GetRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error) {
	var rec RefreshTokenRecord
	if err := g.getJSON(ctx, g.key(keyTypeRefresh, token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ConsumeRefreshToken atomically reads and deletes the primary row. The
// caller clears the index entry afterwards.
func (g *RedisGateway) ConsumeRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error) {
	var rec RefreshTokenRecord
	if err := g.consumeJSON(ctx, g.key(keyTypeRefresh, token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteRefreshToken removes the primary row unconditionally.
func (g *RedisGateway) DeleteRefreshToken(ctx context.Context, token string) error {
	return g.client.Del(ctx, g.key(keyTypeRefresh, token)).Err()
}

// ListRefreshTokensByUser returns the token values indexed under
// (user, client).
func (g *RedisGateway) ListRefreshTokensByUser(ctx context.Context, userID, clientID string) ([]string, error) {
	tokens, err := g.client.SMembers(ctx, g.key(keyTypeRefreshByUser, userID, clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	return tokens, nil
}

// RemoveRefreshTokenIndex drops one token from the (user, client) index.
func (g *RedisGateway) RemoveRefreshTokenIndex(ctx context.Context, userID, clientID, token string) error {
	return g.client.SRem(ctx, g.key(keyTypeRefreshByUser, userID, clientID), token).Err()
}

// ClearRefreshTokenIndex drops the whole (user, client) index partition.
func (g *RedisGateway) ClearRefreshTokenIndex(ctx context.Context, userID, clientID string) error {
	return g.client.Del(ctx, g.key(keyTypeRefreshByUser, userID, clientID)).Err()
}

// -----------------------
// Federated-login state
// -----------------------

// PutOAuthState inserts a CSRF-state row with a TTL bound.
func (g *RedisGateway) PutOAuthState(ctx context.Context, rec *OAuthStateRecord, ttl time.Duration) error {
	return g.setJSON(ctx, g.key(keyTypeOAuthState, rec.State), rec, ttl)
}

// ConsumeOAuthState atomically reads and deletes a CSRF-state row.
func (g *RedisGateway) ConsumeOAuthState(ctx context.Context, state string) (*OAuthStateRecord, error) {
	var rec OAuthStateRecord
	if err := g.consumeJSON(ctx, g.key(keyTypeOAuthState, state), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// -----------------------
// Rate-limit counters
// -----------------------

// IncrementCounter bumps the fixed-window counter for (key, windowBucket).
// The first increment in a window arms the expiry; the counter outlives the
// window by its own length so late readers still observe it.
func (g *RedisGateway) IncrementCounter(ctx context.Context, key string, windowBucket int64, ttl time.Duration) (int64, error) {
	counterKey := g.key(keyTypeRateLimit, key, fmt.Sprintf("%d", windowBucket))
	n, err := g.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	if n == 1 {
		if err := g.client.Expire(ctx, counterKey, 2*ttl).Err(); err != nil {
			return 0, fmt.Errorf("failed to expire counter: %w", err)
		}
	}
	return n, nil
}
