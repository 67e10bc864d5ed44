package spind

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds how often one participant may spin.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
	// IdleTTL evicts limiters of participants not seen for this long.
	IdleTTL time.Duration
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per participant key.
type RateLimiter struct {
	cfg       RateLimit
	mu        sync.Mutex
	visitors  map[string]*rateEntry
	lastSweep time.Time
	clockNow  func() time.Time
}

// NewRateLimiter returns a limiter enforcing cfg for every key.
func NewRateLimiter(cfg RateLimit) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		cfg:      cfg,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
}

// Allow reports whether key may proceed now and consumes a token if so.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.cfg.RequestsPerMinute <= 0 {
		return true
	}
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep(now)
	entry, ok := r.visitors[key]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(r.cfg.RequestsPerMinute/60.0), r.cfg.Burst)}
		r.visitors[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep drops idle participants at most once per IdleTTL.
func (r *RateLimiter) sweep(now time.Time) {
	if now.Sub(r.lastSweep) < r.cfg.IdleTTL {
		return
	}
	r.lastSweep = now
	for key, entry := range r.visitors {
		if now.Sub(entry.lastSeen) >= r.cfg.IdleTTL {
			delete(r.visitors, key)
		}
	}
}

func (r *RateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}
