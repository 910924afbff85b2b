package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a deterministic token bucket refilling at an integer rate
// (tokens/sec) from a provided Clock.
//
// Accounting is done in nanoseconds-worth-of-token fixed point so a burst of
// sub-second calls refills precisely without float rounding.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	availableNanos int64 // 1 token == 1e9 nanos
	last           time.Time
}

const nanosPerToken = int64(time.Second)

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:          clock,
		capacity:       capacity,
		rate:           rate,
		availableNanos: capacity * nanosPerToken,
		last:           clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNanos < nanosPerToken {
		return false
	}
	b.availableNanos -= nanosPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capNanos := b.capacity * nanosPerToken
	need := capNanos - b.availableNanos
	if need <= 0 {
		b.availableNanos = capNanos
		return
	}
	// rate tokens/sec equals rate nanos-of-token per elapsed nanosecond; clamp
	// before multiplying so a long idle period cannot overflow.
	if elapsed >= need/b.rate+1 {
		b.availableNanos = capNanos
		return
	}
	b.availableNanos += elapsed * b.rate
	if b.availableNanos > capNanos {
		b.availableNanos = capNanos
	}
}
