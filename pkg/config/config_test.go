// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OIDC_ISSUER", "http://localhost:3000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3000", cfg.Issuer)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, int64(300), cfg.RateLimitMax)
	assert.Equal(t, "keyline:", cfg.Redis.KeyPrefix)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, "common", cfg.Providers.Microsoft.Tenant)
	assert.False(t, cfg.Providers.Google.Configured())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("OIDC_ISSUER", "https://id.example.com")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "30000")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "50")
	t.Setenv("GOOGLE_CLIENT_ID", "g-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "g-secret")
	t.Setenv("MICROSOFT_TENANT", "contoso")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://id.example.com", cfg.Issuer)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, int64(50), cfg.RateLimitMax)
	assert.True(t, cfg.Providers.Google.Configured())
	assert.Equal(t, "contoso", cfg.Providers.Microsoft.Tenant)
}

func TestLoadRequiresIssuer(t *testing.T) {
	t.Setenv("OIDC_ISSUER", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Issuer:          "http://localhost:3000",
			RateLimitWindow: time.Minute,
			RateLimitMax:    300,
		}
	}

	require.NoError(t, base().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative issuer", func(c *Config) { c.Issuer = "/oidc" }},
		{"non-http issuer", func(c *Config) { c.Issuer = "ftp://example.com" }},
		{"zero window", func(c *Config) { c.RateLimitWindow = 0 }},
		{"zero max", func(c *Config) { c.RateLimitMax = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestProviderCredentialsConfigured(t *testing.T) {
	assert.False(t, ProviderCredentials{}.Configured())
	assert.False(t, ProviderCredentials{ClientID: "id"}.Configured())
	assert.True(t, ProviderCredentials{ClientID: "id", ClientSecret: "s"}.Configured())
}
