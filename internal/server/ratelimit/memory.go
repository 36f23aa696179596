package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter     *rate.Limiter
	windowStart time.Time
	lastSeen    time.Time
}

// MemoryStore keeps one token bucket per key in process memory. Each bucket
// holds burst tokens and is refilled all at once when its window ends.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	burst   int
	window  time.Duration
	now     func() time.Time
	sweptAt time.Time
}

// NewMemoryStore creates a store admitting burst actions per window for each key.
func NewMemoryStore(burst int, window time.Duration) *MemoryStore {
	return NewMemoryStoreWithClock(burst, window, time.Now)
}

func NewMemoryStoreWithClock(burst int, window time.Duration, now func() time.Time) *MemoryStore {
	if burst < 1 {
		burst = 1
	}
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		burst:   burst,
		window:  window,
		now:     now,
	}
}

func (s *MemoryStore) Allow(_ context.Context, key string) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictIdle(now)

	b, ok := s.buckets[key]
	if !ok || now.Sub(b.windowStart) >= s.window {
		// Trickle refill is one token per window, so nothing beyond burst
		// becomes available before the window resets.
		b = &bucket{
			limiter:     rate.NewLimiter(rate.Every(s.window), s.burst),
			windowStart: now,
		}
		s.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// evictIdle drops buckets untouched for a full window; they would be full
// again anyway. Runs at most once per window.
func (s *MemoryStore) evictIdle(now time.Time) {
	if now.Sub(s.sweptAt) < s.window {
		return
	}
	s.sweptAt = now
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) >= s.window {
			delete(s.buckets, key)
		}
	}
}
