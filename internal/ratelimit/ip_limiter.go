package ratelimit

import (
	"sync"
	"time"
)

// ipLimiterIdleTTL controls when untouched per-IP buckets are dropped. A
// bucket idle this long has long since refilled to capacity, so discarding it
// is equivalent to keeping it.
const ipLimiterIdleTTL = 10 * time.Minute

// IPLimiter keys token buckets by client IP. Each public entry point owns one
// IPLimiter with its own rate and burst.
type IPLimiter struct {
	clock Clock

	capacityTokens int64
	ratePerSecond  float64

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

type ipBucket struct {
	bucket   *TokenBucket
	lastUsed time.Time
}

// NewIPLimiter builds a limiter admitting ratePerSecond requests per IP with
// the given burst.
func NewIPLimiter(clock Clock, ratePerSecond float64, burst int64) *IPLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &IPLimiter{
		clock:          clock,
		capacityTokens: burst,
		ratePerSecond:  ratePerSecond,
		buckets:        make(map[string]*ipBucket),
	}
}

// Allow consumes one token from the bucket for ip, creating it on first use.
func (l *IPLimiter) Allow(ip string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	entry, ok := l.buckets[ip]
	if !ok {
		entry = &ipBucket{bucket: NewTokenBucket(l.clock, l.capacityTokens, l.ratePerSecond)}
		l.buckets[ip] = entry
	}
	entry.lastUsed = now
	l.mu.Unlock()

	return entry.bucket.Allow()
}

// Sweep drops buckets that have been idle past the TTL. Intended to run on a
// background cadence.
func (l *IPLimiter) Sweep() {
	cutoff := l.clock.Now().Add(-ipLimiterIdleTTL)

	l.mu.Lock()
	for ip, entry := range l.buckets {
		if entry.lastUsed.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
	l.mu.Unlock()
}

// Len reports the number of tracked IPs.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
