// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides fixed-window request limiting keyed by
// (scope, client, identifier), counted in the backing store so limits hold
// across replicas. When the store is unreachable the limiter degrades to
// process-local counters rather than failing open.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/oidcerr"
	"github.com/keyline-dev/keyline/pkg/storage"
)

// Limiter enforces a fixed-window limit of max requests per window.
type Limiter struct {
	store  storage.Gateway
	window time.Duration
	max    int64
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	bucket int64
	count  int64
}

// NewLimiter creates a Limiter. A nil store means local-only counting.
func NewLimiter(store storage.Gateway, window time.Duration, max int64) *Limiter {
	return &Limiter{
		store:  store,
		window: window,
		max:    max,
		now:    time.Now,
		local:  make(map[string]*localWindow),
	}
}

// NewLimiterWithClock creates a Limiter with a fixed clock for tests.
func NewLimiterWithClock(store storage.Gateway, window time.Duration, max int64, now func() time.Time) *Limiter {
	l := NewLimiter(store, window, max)
	l.now = now
	return l
}

// Allow counts one request for the key and reports whether it is within the
// window's budget. scope names the endpoint family, clientID the tenant, and
// identifier the caller (typically the remote IP).
func (l *Limiter) Allow(ctx context.Context, scope, clientID, identifier string) bool {
	if l.max <= 0 {
		return true
	}

	key := scope + ":" + clientID + ":" + identifier
	bucket := l.now().UnixMilli() / l.window.Milliseconds()

	if l.store != nil {
		n, err := l.store.IncrementCounter(ctx, key, bucket, l.window)
		if err == nil {
			return n <= l.max
		}
		logger.Warnw("rate limit store unavailable, using local counters",
			"scope", scope,
			"error", err,
		)
	}
	return l.allowLocal(key, bucket)
}

func (l *Limiter) allowLocal(key string, bucket int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.local[key]
	if w == nil || w.bucket != bucket {
		w = &localWindow{bucket: bucket}
		l.local[key] = w
	}
	w.count++

	// Opportunistic sweep of stale windows.
	if len(l.local) > 4096 {
		for k, v := range l.local {
			if v.bucket != bucket {
				delete(l.local, k)
			}
		}
	}
	return w.count <= l.max
}

// RetryAfter reports the seconds until the current window rolls over,
// rounded up, for the Retry-After response header.
func (l *Limiter) RetryAfter() int {
	ms := l.window.Milliseconds()
	elapsed := l.now().UnixMilli() % ms
	remaining := ms - elapsed
	return int((remaining + 999) / 1000)
}

// Middleware limits requests by endpoint scope and remote IP. The client_id
// form or query value, when present, partitions the budget per client.
func (l *Limiter) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := r.FormValue("client_id")
			if !l.Allow(r.Context(), scope, clientID, RemoteIP(r)) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", l.RetryAfter()))
				oidcerr.WriteJSON(w, &oidcerr.Error{
					Code:        oidcerr.CodeRateLimitExceeded,
					Description: "too many requests, retry later",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RemoteIP extracts the caller's IP, trusting the leftmost X-Forwarded-For
// entry when present.
func RemoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
