package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// limiter wraps a token bucket with the clock it is evaluated against.
type limiter struct {
	rl       *rate.Limiter
	clock    clockwork.Clock
	lastSeen time.Time
}

// Allow reports whether one more event fits the bucket now.
func (l *limiter) Allow() bool {
	return l.rl.AllowN(l.clock.Now(), 1)
}

// LimiterStore is a bounded map of per client limiters. When full, the
// least recently seen limiter of a small sample is evicted.
type LimiterStore struct {
	mu       sync.Mutex
	limiters map[uint64]*limiter
	maxSize  int
	rate     int
	clock    clockwork.Clock
}

// NewLimiterStore creates a new limiter store
func NewLimiterStore(maxSize, rateLimit int, clock clockwork.Clock) *LimiterStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LimiterStore{
		limiters: make(map[uint64]*limiter),
		maxSize:  maxSize,
		rate:     rateLimit,
		clock:    clock,
	}
}

// Get retrieves or creates a limiter for the given key
func (s *LimiterStore) Get(key uint64) *limiter {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters[key]; ok {
		l.lastSeen = now
		return l
	}

	if len(s.limiters) >= s.maxSize {
		s.evictOne()
	}

	limit := rate.Limit(0)
	if s.rate > 0 {
		limit = rate.Every(time.Minute / time.Duration(s.rate))
	}

	l := &limiter{
		rl:       rate.NewLimiter(limit, s.rate),
		clock:    s.clock,
		lastSeen: now,
	}
	s.limiters[key] = l

	return l
}

// evictOne removes the oldest of up to 100 sampled entries.
func (s *LimiterStore) evictOne() {
	var (
		oldestKey  uint64
		oldestTime time.Time
		seen       int
	)

	for k, v := range s.limiters {
		if seen == 0 || v.lastSeen.Before(oldestTime) {
			oldestKey = k
			oldestTime = v.lastSeen
		}
		if seen++; seen >= 100 {
			break
		}
	}

	if seen > 0 {
		delete(s.limiters, oldestKey)
	}
}

// Cleanup removes entries older than duration
func (s *LimiterStore) Cleanup(olderThan time.Duration) {
	cutoff := s.clock.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range s.limiters {
		if v.lastSeen.Before(cutoff) {
			delete(s.limiters, k)
		}
	}
}

// Len returns the number of limiters
func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
