// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyline-dev/keyline/pkg/storage"
)

func TestAllowWithinAndOverBudget(t *testing.T) {
	store := storage.NewMemoryGateway()
	t.Cleanup(func() { _ = store.Close() })

	now := time.Unix(1_700_000_000, 0)
	l := NewLimiterWithClock(store, time.Minute, 3, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(ctx, "token", "client-123", "10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, l.Allow(ctx, "token", "client-123", "10.0.0.1"))

	// Other callers have their own budget.
	assert.True(t, l.Allow(ctx, "token", "client-123", "10.0.0.2"))
	assert.True(t, l.Allow(ctx, "token", "other-client", "10.0.0.1"))
	assert.True(t, l.Allow(ctx, "login", "client-123", "10.0.0.1"))
}

func TestAllowWindowRollover(t *testing.T) {
	store := storage.NewMemoryGateway()
	t.Cleanup(func() { _ = store.Close() })

	now := time.Unix(1_700_000_000, 0)
	l := NewLimiterWithClock(store, time.Minute, 1, func() time.Time { return now })
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "token", "client-123", "10.0.0.1"))
	assert.False(t, l.Allow(ctx, "token", "client-123", "10.0.0.1"))

	now = now.Add(time.Minute)
	assert.True(t, l.Allow(ctx, "token", "client-123", "10.0.0.1"))
}

func TestAllowZeroMaxDisablesLimiting(t *testing.T) {
	l := NewLimiter(nil, time.Minute, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(context.Background(), "token", "c", "ip"))
	}
}

func TestAllowFallsBackToLocalCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := storage.NewRedisGatewayWithClient(client, "keyline:")

	now := time.Unix(1_700_000_000, 0)
	l := NewLimiterWithClock(store, time.Minute, 2, func() time.Time { return now })
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "token", "client-123", "10.0.0.1"))

	// With the store gone, counting continues process-locally.
	mr.Close()
	assert.True(t, l.Allow(ctx, "token", "client-123", "10.0.0.1"))
	assert.True(t, l.Allow(ctx, "token", "client-123", "10.0.0.1"))
	assert.False(t, l.Allow(ctx, "token", "client-123", "10.0.0.1"))
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLimiterWithClock(nil, time.Minute, 1, func() time.Time { return now })

	// At a window boundary the full window remains.
	assert.Equal(t, 60, l.RetryAfter())

	now = now.Add(59*time.Second + 500*time.Millisecond)
	assert.Equal(t, 1, l.RetryAfter())
}

func TestMiddleware(t *testing.T) {
	store := storage.NewMemoryGateway()
	t.Cleanup(func() { _ = store.Close() })

	l := NewLimiter(store, time.Minute, 1)
	handler := l.Middleware("token")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "http://localhost:3000/token?client_id=client-123", nil)
		r.RemoteAddr = "10.0.0.1:54321"
		handler.ServeHTTP(w, r)
		return w
	}

	require.Equal(t, http.StatusOK, do().Code)

	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://localhost:3000/", nil)
	r.RemoteAddr = "10.0.0.1:54321"
	assert.Equal(t, "10.0.0.1", RemoteIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", RemoteIP(r))

	r.Header.Set("X-Forwarded-For", " 203.0.113.8 ")
	assert.Equal(t, "203.0.113.8", RemoteIP(r))

	r.Header.Del("X-Forwarded-For")
	r.RemoteAddr = "badaddr"
	assert.Equal(t, "badaddr", RemoteIP(r))
}
