package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/EscrowBox/server/internal/config"
	"github.com/EscrowBox/server/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool
	GlobalLimit   int           // requests per window
	GlobalWindow  time.Duration // time window

	// Per-actor rate limiting, keyed on the verified actor identity
	PerActorEnabled bool
	PerActorLimit   int
	PerActorWindow  time.Duration

	// Per-IP rate limiting (fallback when no actor is identified)
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// FromConfig converts the application rate limit config.
func FromConfig(cfg config.RateLimitConfig, metricsCollector *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:   cfg.GlobalEnabled,
		GlobalLimit:     cfg.GlobalLimit,
		GlobalWindow:    cfg.GlobalWindow.Duration,
		PerActorEnabled: cfg.PerActorEnabled,
		PerActorLimit:   cfg.PerActorLimit,
		PerActorWindow:  cfg.PerActorWindow.Duration,
		PerIPEnabled:    cfg.PerIPEnabled,
		PerIPLimit:      cfg.PerIPLimit,
		PerIPWindow:     cfg.PerIPWindow.Duration,
		Metrics:         metricsCollector,
	}
}

// DefaultConfig returns sensible default rate limits: generous enough for
// legitimate use, tight enough to stop obvious spam.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		PerActorEnabled: true,
		PerActorLimit:   60,
		PerActorWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

// rateLimitResponse is the JSON error body for a throttled request.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// limitHandler builds the 429 handler shared by all three limiters.
func limitHandler(limitType string, windowSeconds int, metricsCollector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType)
		}

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_actor":
			message = "Rate limit exceeded for this actor. Please try again later."
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		})
	}
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}

	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(limitHandler("global", int(cfg.GlobalWindow.Seconds()), cfg.Metrics)),
	)
}

// ActorLimiter creates a per-actor rate limiter middleware keyed on the
// verified identity header; anonymous requests fall back to IP keys.
func ActorLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerActorEnabled {
		return passthrough
	}

	return httprate.Limit(
		cfg.PerActorLimit,
		cfg.PerActorWindow,
		httprate.WithKeyFuncs(actorKeyExtractor),
		httprate.WithLimitHandler(limitHandler("per_actor", int(cfg.PerActorWindow.Seconds()), cfg.Metrics)),
	)
}

// IPLimiter creates a per-IP rate limiter middleware (fallback).
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}

	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", int(cfg.PerIPWindow.Seconds()), cfg.Metrics)),
	)
}

// actorKeyExtractor is a httprate.KeyFunc that keys on the verified actor.
// The header is set by the terminating auth proxy, same source the actor
// middleware trusts.
func actorKeyExtractor(r *http.Request) (string, error) {
	if actor := r.Header.Get("X-Actor-ID"); actor != "" {
		return "actor:" + actor, nil
	}
	return httprate.KeyByIP(r)
}
