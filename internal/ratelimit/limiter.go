// Package ratelimit enforces per-(ip, endpoint) fixed-window request
// budgets backed by the store, plus an in-memory upgrade guard for the
// WebSocket endpoint.
package ratelimit

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/config"
	"github.com/canaria-project/canaria/internal/storage"
)

// Decision is the outcome of one Check. Limit == 0 means no rule applied
// and no rate-limit headers should be emitted.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   int64
}

// Limiter is a stateless wrapper over the rate_limits table. Windows are
// aligned to the epoch so every client shares the same boundaries.
type Limiter struct {
	store *storage.Store
	cfg   *config.Manager
	clock clockwork.Clock
	log   zerolog.Logger
}

func New(store *storage.Store, cfg *config.Manager, clock clockwork.Clock, log zerolog.Logger) *Limiter {
	return &Limiter{
		store: store,
		cfg:   cfg,
		clock: clock,
		log:   log.With().Str("component", "ratelimit").Logger(),
	}
}

// Check consults the budget for (ip, endpoint). The first request of a
// window always passes and sets the counter to 1; a denied request never
// mutates the counter. Store failures fail open.
func (l *Limiter) Check(ctx context.Context, ip, endpoint string) Decision {
	if !l.cfg.RateLimitEnabled() {
		return Decision{Allowed: true}
	}
	rule, ok := l.cfg.LimitFor(endpoint)
	if !ok {
		return Decision{Allowed: true}
	}

	now := l.clock.Now().Unix()
	window := int64(rule.WindowSeconds)
	windowStart := now - now%window
	resetAt := windowStart + window
	key := ip + ":" + endpoint

	row, err := l.store.GetRateLimit(ctx, key)
	if err != nil {
		l.log.Error().Err(err).Str("key", key).Msg("rate limit read failed, allowing")
		return Decision{Allowed: true, Limit: rule.MaxRequests, Remaining: rule.MaxRequests - 1, ResetAt: resetAt}
	}

	count := 0
	if row != nil && row.WindowStart == windowStart {
		count = row.Count
	}
	if count >= rule.MaxRequests {
		return Decision{Allowed: false, Limit: rule.MaxRequests, Remaining: 0, ResetAt: resetAt}
	}

	count++
	err = l.store.UpsertRateLimit(ctx, storage.RateLimitRow{Key: key, Count: count, WindowStart: windowStart})
	if err != nil {
		l.log.Error().Err(err).Str("key", key).Msg("rate limit write failed, allowing")
	}
	return Decision{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests - count,
		ResetAt:   resetAt,
	}
}

// Reset drops counters for an IP, or for one (ip, endpoint) pair when
// endpoint is non-empty.
func (l *Limiter) Reset(ctx context.Context, ip, endpoint string) (int64, error) {
	return l.store.DeleteRateLimitsForIP(ctx, ip, endpoint)
}

// Cleanup drops counters whose window started more than an hour ago.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	cutoff := l.clock.Now().Add(-time.Hour).Unix()
	return l.store.DeleteRateLimitsBefore(ctx, cutoff)
}

// TopIPs aggregates current counter totals per client IP.
func (l *Limiter) TopIPs(ctx context.Context, n int) ([]storage.IPCount, error) {
	return l.store.TopRateLimitIPs(ctx, n)
}
