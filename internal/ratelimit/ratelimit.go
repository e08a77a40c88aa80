package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/edge-router/internal/model"
)

// Limiter manages a collection of token bucket rate limiters.
type Limiter struct {
	// mu protects the limiters map.
	mu sync.RWMutex
	// limiters stores buckets keyed by route, or by route and client IP.
	limiters map[string]*bucket
	now      func() time.Time
}

type bucket struct {
	lim      *ratelib.Limiter
	lastSeen time.Time
}

// NewLimiter creates and returns a new Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		limiters: make(map[string]*bucket),
		now:      time.Now,
	}
}

// Key scopes a request to its bucket: the route alone, or the route plus the
// client IP when the limit is per client.
func Key(route string, rl *model.RateLimit, r *http.Request) string {
	if rl == nil || !rl.PerClient {
		return route
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return route + "|" + ip
}

// Allow reports whether a request for key may proceed under rl.
// A nil rl always allows.
func (l *Limiter) Allow(key string, rl *model.RateLimit) bool {
	if rl == nil {
		return true
	}
	now := l.now()

	l.mu.RLock()
	b, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		// Double-check
		b, ok = l.limiters[key]
		if !ok {
			b = &bucket{lim: ratelib.NewLimiter(ratelib.Limit(rl.RequestsPerSecond), rl.Burst)}
			l.limiters[key] = b
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	b.lastSeen = now
	l.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Prune drops buckets idle for longer than idle and returns how many were removed.
// Per-client keys grow with the client population, so callers prune periodically.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.limiters {
		if b.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

// Run prunes idle buckets every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval, idle time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			l.Prune(idle)
		}
	}
}
