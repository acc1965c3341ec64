// Package limiter tracks per-connection message rates for the simulator.
package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vmscope/console/internal/config"
)

// Registry hands out one token bucket per connection key and evicts
// buckets that have gone idle.
type Registry struct {
	enabled bool
	limit   rate.Limit
	burst   int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRegistry builds a registry from the simulator rate limit settings.
// A disabled config yields a registry that always allows.
func NewRegistry(cfg config.SimRateLimit) *Registry {
	r := &Registry{
		enabled: cfg.Enabled && cfg.MessagesPerSecond > 0,
		limit:   rate.Limit(cfg.MessagesPerSecond),
		burst:   cfg.Burst,
		buckets: make(map[string]*bucket),
	}
	if r.burst < 1 {
		r.burst = 1
	}
	return r
}

// Allow reports whether the keyed connection may send another message.
// Empty keys bypass limiting.
func (r *Registry) Allow(key string) bool {
	if !r.enabled || key == "" {
		return true
	}

	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = time.Now()
	r.mu.Unlock()

	return b.lim.Allow()
}

// Forget drops the bucket for a closed connection.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	delete(r.buckets, key)
	r.mu.Unlock()
}

// Sweep evicts buckets idle for longer than maxIdle and reports how
// many were removed.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for key, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of live buckets.
func (r *Registry) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
