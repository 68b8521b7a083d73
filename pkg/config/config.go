// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the keyline configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultRateLimitWindow = 60_000 // milliseconds
	DefaultRateLimitMax    = 300
)

// Config is the fully resolved service configuration. All values come from
// the environment; no file paths or late resolution.
type Config struct {
	// Issuer is the issuer identifier for this authorization server. It is
	// the "iss" claim of every issued token and the base of all advertised
	// endpoints. Required, absolute http(s) URL.
	Issuer string

	// DefaultAudience is an optional additional audience for access tokens.
	DefaultAudience string

	// Redis holds the backing store connection parameters. An empty Addr
	// selects the in-memory gateway (development only).
	Redis RedisConfig

	// RateLimitWindow is the fixed rate-limit window length.
	RateLimitWindow time.Duration

	// RateLimitMax is the maximum number of requests per window.
	RateLimitMax int64

	// Providers holds credentials for the federated identity providers.
	// Providers without credentials are not routed.
	Providers ProvidersConfig
}

// RedisConfig holds connection parameters for the durable store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// ProvidersConfig holds per-provider OAuth credentials.
type ProvidersConfig struct {
	Google    ProviderCredentials
	Microsoft ProviderCredentials
	Facebook  ProviderCredentials
	X         ProviderCredentials
}

// ProviderCredentials is a client id/secret pair for an upstream provider.
// Tenant is only used by Microsoft.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	Tenant       string
}

// Configured reports whether credentials are present.
func (c ProviderCredentials) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()

	for key, env := range map[string]string{
		"issuer":                  "OIDC_ISSUER",
		"default_audience":        "OIDC_DEFAULT_AUDIENCE",
		"redis.addr":              "REDIS_ADDR",
		"redis.password":          "REDIS_PASSWORD",
		"redis.db":                "REDIS_DB",
		"redis.key_prefix":        "KEYLINE_KEY_PREFIX",
		"rate_limit.window_ms":    "RATE_LIMIT_WINDOW_MS",
		"rate_limit.max_requests": "RATE_LIMIT_MAX_REQUESTS",
		"google.client_id":        "GOOGLE_CLIENT_ID",
		"google.client_secret":    "GOOGLE_CLIENT_SECRET",
		"microsoft.client_id":     "MICROSOFT_CLIENT_ID",
		"microsoft.client_secret": "MICROSOFT_CLIENT_SECRET",
		"microsoft.tenant":        "MICROSOFT_TENANT",
		"facebook.app_id":         "FACEBOOK_APP_ID",
		"facebook.app_secret":     "FACEBOOK_APP_SECRET",
		"x.client_id":             "X_CLIENT_ID",
		"x.client_secret":         "X_CLIENT_SECRET",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	v.SetDefault("redis.key_prefix", "keyline:")
	v.SetDefault("rate_limit.window_ms", DefaultRateLimitWindow)
	v.SetDefault("rate_limit.max_requests", DefaultRateLimitMax)
	v.SetDefault("microsoft.tenant", "common")

	cfg := &Config{
		Issuer:          v.GetString("issuer"),
		DefaultAudience: v.GetString("default_audience"),
		Redis: RedisConfig{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		RateLimitWindow: time.Duration(v.GetInt64("rate_limit.window_ms")) * time.Millisecond,
		RateLimitMax:    v.GetInt64("rate_limit.max_requests"),
		Providers: ProvidersConfig{
			Google: ProviderCredentials{
				ClientID:     v.GetString("google.client_id"),
				ClientSecret: v.GetString("google.client_secret"),
			},
			Microsoft: ProviderCredentials{
				ClientID:     v.GetString("microsoft.client_id"),
				ClientSecret: v.GetString("microsoft.client_secret"),
				Tenant:       v.GetString("microsoft.tenant"),
			},
			Facebook: ProviderCredentials{
				ClientID:     v.GetString("facebook.app_id"),
				ClientSecret: v.GetString("facebook.app_secret"),
			},
			X: ProviderCredentials{
				ClientID:     v.GetString("x.client_id"),
				ClientSecret: v.GetString("x.client_secret"),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("OIDC_ISSUER is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("OIDC_ISSUER must be an absolute http(s) URL, got %q", c.Issuer)
	}
	if c.RateLimitWindow <= 0 {
		return errors.New("RATE_LIMIT_WINDOW_MS must be positive")
	}
	if c.RateLimitMax <= 0 {
		return errors.New("RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	return nil
}
