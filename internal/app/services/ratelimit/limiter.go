// Package ratelimit provides fixed-window admission control in front of the
// serving surface.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/metrics"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

const (
	// DefaultLimit is the number of requests admitted per window.
	DefaultLimit = 100
	// DefaultWindow is the fixed window duration.
	DefaultWindow = time.Minute
)

// CounterStore tracks request counts per (client key, endpoint, window).
// Increments must be atomic across concurrent callers.
type CounterStore interface {
	IncrementAndGet(ctx context.Context, clientKey, endpoint string, windowStart time.Time) (int64, error)
}

// Limiter admits requests using a fixed-window counter. The window rolls
// over strictly at wall-clock boundaries, which keeps memory bounded at the
// accepted cost of up to twice the limit across one boundary.
type Limiter struct {
	store  CounterStore
	limit  int64
	window time.Duration
	now    func() time.Time
	log    *logger.Logger
}

// New creates a limiter. A nil now uses the wall clock; non-positive limit
// and window fall back to the defaults.
func New(store CounterStore, limit int64, window time.Duration, now func() time.Time, log *logger.Logger) *Limiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	if now == nil {
		now = time.Now
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		now:    now,
		log:    log,
	}
}

// Allow reports whether a request from clientKey against endpoint may
// proceed. When the counter store is unreachable it admits the request:
// an outage of the control mechanism degrades to "no rate limiting" rather
// than denying all traffic. This fail-open behavior is deliberate.
func (l *Limiter) Allow(ctx context.Context, clientKey, endpoint string) bool {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		clientKey = "unknown"
	}

	windowStart := l.now().Truncate(l.window)
	count, err := l.store.IncrementAndGet(ctx, clientKey, endpoint, windowStart)
	if err != nil {
		l.log.WithError(err).
			WithField("client_key", clientKey).
			WithField("endpoint", endpoint).
			Warn("counter store unreachable, admitting request (fail open)")
		metrics.RecordRateLimitDecision("failopen")
		return true
	}

	if count > l.limit {
		l.log.WithField("client_key", clientKey).
			WithField("endpoint", endpoint).
			WithField("count", count).
			Debug("rate limit exceeded")
		metrics.RecordRateLimitDecision("rejected")
		return false
	}
	metrics.RecordRateLimitDecision("allowed")
	return true
}

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration { return l.window }

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int64 { return l.limit }

// Unavailable wraps a store error as the domain UNAVAILABLE code; counter
// store adapters use it so Allow can distinguish outages uniformly.
func Unavailable(op string, err error) error {
	return market.WrapError(market.CodeUnavailable, op, err)
}
