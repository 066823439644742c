package server

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-caller sliding-window limit. Each caller gets
// a fixed-size ring of timestamps, so checks allocate nothing on the hot
// path.
type rateLimiter struct {
	window  time.Duration
	perSlot int

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

type rateBucket struct {
	times []time.Time
	head  int
	count int
}

func newRateLimiter(perWindow int, window time.Duration) *rateLimiter {
	if perWindow <= 0 {
		perWindow = 12
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		window:  window,
		perSlot: perWindow,
		buckets: map[string]*rateBucket{},
	}
}

// allow records one call for key and reports whether it is inside the
// limit.
func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &rateBucket{times: make([]time.Time, rl.perSlot)}
		rl.buckets[key] = bucket
	}

	// Trim expired entries from the front.
	for bucket.count > 0 {
		oldest := bucket.times[bucket.head]
		if oldest.After(cutoff) {
			break
		}
		bucket.head = (bucket.head + 1) % len(bucket.times)
		bucket.count--
	}

	if bucket.count >= len(bucket.times) {
		return false
	}

	idx := (bucket.head + bucket.count) % len(bucket.times)
	bucket.times[idx] = now
	bucket.count++
	return true
}

// cleanup drops callers whose entire window has expired.
func (rl *rateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, bucket := range rl.buckets {
		for bucket.count > 0 {
			oldest := bucket.times[bucket.head]
			if oldest.After(cutoff) {
				break
			}
			bucket.head = (bucket.head + 1) % len(bucket.times)
			bucket.count--
		}
		if bucket.count == 0 {
			delete(rl.buckets, key)
		}
	}
}
