package ratelimit

import (
	"sync"
	"time"
)

// bucket is a refilling token counter. Each bucket has its own mutex; there
// is no global limiter lock on the acquisition path.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRPS  float64
	level      float64
	lastRefill time.Time
}

func newBucket(capacity, refillRPS float64, now time.Time) *bucket {
	return &bucket{
		capacity:   capacity,
		refillRPS:  refillRPS,
		level:      capacity,
		lastRefill: now,
	}
}

// refillLocked advances the level by elapsed time. Level never exceeds
// capacity and lastRefill never moves backward.
func (b *bucket) refillLocked(now time.Time) {
	delta := now.Sub(b.lastRefill).Seconds()
	if delta <= 0 {
		return
	}

	b.level = min(b.capacity, b.level+delta*b.refillRPS)
	b.lastRefill = now
}

// check refills, then previews an acquisition of n tokens without consuming.
// Returns whether it would be allowed and the delay otherwise.
func (b *bucket) check(now time.Time, n float64) (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)

	if b.level >= n {
		return true, 0
	}

	return false, (n - b.level) / b.refillRPS
}

// acquire refills, then consumes n tokens when available. On denial the
// level is left untouched and the required delay is returned.
func (b *bucket) acquire(now time.Time, n float64) (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)

	if b.level >= n {
		b.level -= n

		return true, 0
	}

	return false, (n - b.level) / b.refillRPS
}

// tokens returns the current level after a refill.
func (b *bucket) tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)

	return b.level
}
