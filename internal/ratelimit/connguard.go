package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const guardEntryTTL = 10 * time.Minute

// ConnGuard throttles WebSocket upgrade attempts per client IP with a
// token bucket each. It is memory-only; entries for quiet IPs expire.
type ConnGuard struct {
	rate  rate.Limit
	burst int
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]*guardEntry
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnGuard(perSecond float64, burst int, clock clockwork.Clock) *ConnGuard {
	return &ConnGuard{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		clock:   clock,
		entries: make(map[string]*guardEntry),
	}
}

// Allow reports whether ip may attempt an upgrade right now.
func (g *ConnGuard) Allow(ip string) bool {
	g.mu.Lock()
	e, ok := g.entries[ip]
	if !ok {
		e = &guardEntry{limiter: rate.NewLimiter(g.rate, g.burst)}
		g.entries[ip] = e
	}
	e.lastSeen = g.clock.Now()
	g.mu.Unlock()
	return e.limiter.Allow()
}

// Sweep drops entries idle past their TTL and returns how many went.
func (g *ConnGuard) Sweep() int {
	cutoff := g.clock.Now().Add(-guardEntryTTL)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for ip, e := range g.entries {
		if e.lastSeen.Before(cutoff) {
			delete(g.entries, ip)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until ctx is canceled.
func (g *ConnGuard) Run(ctx context.Context) {
	ticker := g.clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			g.Sweep()
		}
	}
}

// Size returns the tracked IP count.
func (g *ConnGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
