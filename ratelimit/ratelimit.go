// Package ratelimit limits queries per client address.
package ratelimit

import (
	"net/netip"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/semihalev/blockdns/config"
)

const storeSize = 256 * 100

// RateLimit type
type RateLimit struct {
	store *LimiterStore
	rate  int
}

// New returns a limiter allowing cfg.ClientRateLimit queries per minute
// per client. A zero rate disables limiting.
func New(cfg *config.Config, clock clockwork.Clock) *RateLimit {
	return &RateLimit{
		store: NewLimiterStore(storeSize, cfg.ClientRateLimit, clock),
		rate:  cfg.ClientRateLimit,
	}
}

// Allow reports whether a query from addr is within its budget. Loopback
// clients are never limited.
func (r *RateLimit) Allow(addr netip.Addr) bool {
	if r.rate <= 0 {
		return true
	}

	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() {
		return true
	}

	b := addr.As16()
	return r.store.Get(xxhash.Sum64(b[:])).Allow()
}

// Cleanup drops limiters idle for longer than olderThan.
func (r *RateLimit) Cleanup(olderThan time.Duration) {
	r.store.Cleanup(olderThan)
}
