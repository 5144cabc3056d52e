// SPDX-License-Identifier: MIT

// Package middleware holds the canonical HTTP ingress middleware stack for
// the query API.
package middleware

import (
	"time"

	"github.com/go-chi/chi/v5"
)

// StackConfig configures the ingress middleware stack.
type StackConfig struct {
	EnableMetrics bool

	// TracingService enables OpenTelemetry instrumentation when non-empty.
	TracingService string

	// Rate limiting, per client IP.
	EnableRateLimit bool
	RateLimitPerMin int
}

// NewRouter constructs a chi router with the stack applied.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	return r
}

// ApplyStack applies the middleware stack to r. Order matters: the recoverer
// is outermost, correlation comes before anything that logs.
func ApplyStack(r chi.Router, cfg StackConfig) {
	r.Use(Recoverer)
	r.Use(RequestID)
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	if cfg.TracingService != "" {
		r.Use(OTelHTTP(cfg.TracingService))
	}
	if cfg.EnableRateLimit && cfg.RateLimitPerMin > 0 {
		r.Use(RateLimit(RateLimitConfig{
			RequestLimit: cfg.RateLimitPerMin,
			WindowSize:   time.Minute,
		}))
	}
}
