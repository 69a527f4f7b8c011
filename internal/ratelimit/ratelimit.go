package ratelimit

import (
	"context"
	"net/http"
	"time"
)

const keyPrefix = "rl:redirect:"

// Counter is the windowed-counter capability backing the limiter.
type Counter interface {
	IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter is a fixed-window counter per client key. There is no smoothing:
// once the window's threshold is crossed every further request is rejected
// until the counter expires.
type Limiter struct {
	counter   Counter
	threshold int64
	window    time.Duration
}

func New(counter Counter, threshold int, window time.Duration) *Limiter {
	return &Limiter{
		counter:   counter,
		threshold: int64(threshold),
		window:    window,
	}
}

// Allow increments the client's window counter and reports whether the
// request is within the threshold.
func (l *Limiter) Allow(ctx context.Context, clientKey string) (bool, error) {
	count, err := l.counter.IncrWithWindow(ctx, keyPrefix+clientKey, l.window)
	if err != nil {
		return false, err
	}
	return count <= l.threshold, nil
}

// ClientKey extracts the client address for rate limiting, trying the
// forwarding headers in the same order as the upstream proxies set them.
// These headers are spoofable without a trusted-proxy allowlist.
func ClientKey(r *http.Request) string {
	for _, h := range []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP", "X-Client-IP"} {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
