// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes Prometheus metrics for the token engine.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensIssued counts successful token-endpoint grants by grant type.
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyline",
		Name:      "tokens_issued_total",
		Help:      "Successful token endpoint grants.",
	}, []string{"grant_type"})

	// GrantFailures counts token-endpoint failures by OAuth error code.
	GrantFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyline",
		Name:      "grant_failures_total",
		Help:      "Token endpoint failures by error code.",
	}, []string{"error"})

	// RefreshReplays counts consume-once misses on refresh tokens.
	RefreshReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keyline",
		Name:      "refresh_token_replays_total",
		Help:      "Refresh tokens presented after they were already consumed.",
	})

	// Revocations counts refresh tokens revoked via the revocation endpoint.
	Revocations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keyline",
		Name:      "revocations_total",
		Help:      "Refresh tokens revoked by clients.",
	})
)
