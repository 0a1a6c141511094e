package resolver

import (
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/semihalev/zlog/v2"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// circuitBreaker tracks upstream failures and temporarily disables failing upstreams
type circuitBreaker struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	failures map[netip.AddrPort]*serverFailure
}

type serverFailure struct {
	count       int
	lastFailure time.Time
	disabled    bool
}

func newCircuitBreaker(clock clockwork.Clock) *circuitBreaker {
	return &circuitBreaker{
		clock:    clock,
		failures: make(map[netip.AddrPort]*serverFailure),
	}
}

// canQuery checks if we can query this upstream
func (cb *circuitBreaker) canQuery(server netip.AddrPort) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	sf, exists := cb.failures[server]
	if !exists || !sf.disabled {
		return true
	}

	if cb.clock.Since(sf.lastFailure) > breakerCooldown {
		// half open: one more failure trips it again
		sf.disabled = false
		sf.count = breakerThreshold - 1
		return true
	}

	return false
}

// recordFailure records an upstream failure
func (cb *circuitBreaker) recordFailure(server netip.AddrPort) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	sf, exists := cb.failures[server]
	if !exists {
		sf = &serverFailure{}
		cb.failures[server] = sf
	}

	sf.count++
	sf.lastFailure = cb.clock.Now()

	if sf.count >= breakerThreshold && !sf.disabled {
		sf.disabled = true
		zlog.Warn("Circuit breaker tripped for DNS server", "server", server.String(), "failures", sf.count)
	}
}

// recordSuccess forgets the failures of an upstream
func (cb *circuitBreaker) recordSuccess(server netip.AddrPort) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	sf, exists := cb.failures[server]
	if !exists {
		return
	}

	if sf.disabled || sf.count >= breakerThreshold-1 {
		zlog.Info("Circuit breaker reset for DNS server", "server", server.String())
	}

	delete(cb.failures, server)
}
