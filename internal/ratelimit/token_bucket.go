package ratelimit

import (
	"sync"
	"time"
)

const nanosPerSecond = int64(time.Second)

// TokenBucket is a deterministic token bucket driven by a Clock.
//
// State is kept in fixed-point "nano-tokens" (one token = 1e9 nano-tokens) so
// fractional refill rates such as 10 tokens per 60 seconds accumulate without
// float drift. A rate of X tokens/sec adds X nano-tokens per elapsed
// nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityNano int64
	// rateNanoPerSecond is nano-tokens added per second of elapsed time.
	rateNanoPerSecond int64

	availableNano int64
	last          time.Time
}

// NewTokenBucket builds a bucket with the given burst capacity (whole tokens)
// and refill rate (tokens per second; fractional rates are supported). The
// bucket starts full.
func NewTokenBucket(clock Clock, capacityTokens int64, ratePerSecond float64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if ratePerSecond < 0 {
		ratePerSecond = 0
	}

	capacityNano := capacityTokens * nanosPerSecond
	return &TokenBucket{
		clock:             clock,
		capacityNano:      capacityNano,
		rateNanoPerSecond: int64(ratePerSecond * float64(nanosPerSecond)),
		availableNano:     capacityNano,
		last:              clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := n * nanosPerSecond

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNano < cost {
		return false
	}
	b.availableNano -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rateNanoPerSecond <= 0 || b.capacityNano <= 0 {
		return
	}
	if b.availableNano >= b.capacityNano {
		b.availableNano = b.capacityNano
		return
	}

	need := b.capacityNano - b.availableNano

	// Clamp long idle periods before multiplying to avoid overflow: once the
	// elapsed seconds cover the deficit, the bucket is simply full.
	elapsedSeconds := int64(elapsed / time.Second)
	if elapsedSeconds >= need/b.rateNanoPerSecond+1 {
		b.availableNano = b.capacityNano
		return
	}

	// Split the rate so the sub-second product stays within int64.
	fracNanos := int64(elapsed % time.Second)
	whole := b.rateNanoPerSecond / nanosPerSecond
	rem := b.rateNanoPerSecond % nanosPerSecond
	added := elapsedSeconds*b.rateNanoPerSecond + whole*fracNanos + rem*fracNanos/nanosPerSecond

	b.availableNano += added
	if b.availableNano > b.capacityNano {
		b.availableNano = b.capacityNano
	}
}
