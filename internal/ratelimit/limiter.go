// SPDX-License-Identifier: MIT

// Package ratelimit provides a process-local token-bucket limiter keyed by
// an arbitrary string (subscriber ID or client IP). It sits in front of
// the durable, cross-process quota counters the access gate keeps in the
// ephemeral store: a cheap in-memory rejection here avoids a Redis round
// trip for the common case of a well-behaved caller, while the ephemeral
// counter remains the source of truth for quota decisions that must
// survive a process restart.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reelscribe",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total in-process rate limit rejections",
	},
	[]string{"limit_type"},
)

// Config holds rate limiting configuration.
type Config struct {
	GlobalRate  rate.Limit
	GlobalBurst int

	PerKeyRate  rate.Limit
	PerKeyBurst int

	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults for the per-subscriber fast path.
func DefaultConfig() Config {
	return Config{
		GlobalRate:      200,
		GlobalBurst:     400,
		PerKeyRate:      1,
		PerKeyBurst:     3,
		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter manages a global limiter plus one limiter per key.
type Limiter struct {
	config Config

	global *rate.Limiter
	perKey map[string]*rate.Limiter
	mu     sync.RWMutex

	lastCleanup time.Time
}

// New creates a new Limiter with the given config.
func New(config Config) *Limiter {
	return &Limiter{
		config:      config,
		global:      rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perKey:      make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether a request for key is permitted under both the
// global and per-key limits.
func (l *Limiter) Allow(key string) bool {
	l.maybeCleanup()

	if !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global").Inc()
		return false
	}

	limiter := l.getKeyLimiter(key)
	if !limiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_key").Inc()
		return false
	}

	return true
}

func (l *Limiter) getKeyLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.perKey[key]
	if !exists {
		limiter = rate.NewLimiter(l.config.PerKeyRate, l.config.PerKeyBurst)
		l.perKey[key] = limiter
	}
	return limiter
}

// maybeCleanup periodically wipes all per-key limiters. This is a blunt
// approach (versus tracking last-access-per-key) but keeps the map bounded
// without extra bookkeeping, matching the cost/benefit for a fast-path
// cache the durable counter ultimately governs.
func (l *Limiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perKey = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

// GetClientIP extracts the real client IP from the request, preferring
// X-Forwarded-For then X-Real-IP before falling back to RemoteAddr.
func GetClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		if idx := findComma(xff); idx > 0 {
			xff = xff[:idx]
		}
		xff = trimSpace(xff)
		if xff != "" {
			return xff
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func findComma(s string) int {
	for i, c := range s {
		if c == ',' {
			return i
		}
	}
	return -1
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && s[start] == ' ' {
		start++
	}
	for end > start && s[end-1] == ' ' {
		end--
	}
	return s[start:end]
}
