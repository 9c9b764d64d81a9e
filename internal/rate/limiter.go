package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerKey hands out one token bucket per key (backend method or tool name).
type PerKey struct {
	mu         sync.Mutex
	m          map[string]*limitEntry
	perSecond  float64
	burst      int
	maxEntries int
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New returns a limiter allowing perSecond events per key with the given burst.
// A non-positive perSecond disables limiting.
func New(perSecond float64, burst int) *PerKey {
	if burst < 1 {
		burst = 1
	}
	return &PerKey{
		m:          make(map[string]*limitEntry),
		perSecond:  perSecond,
		burst:      burst,
		maxEntries: 1024,
	}
}

func (p *PerKey) entry(key string) *limitEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	entry, ok := p.m[key]
	if !ok {
		if len(p.m) >= p.maxEntries {
			p.evict(now.Add(-time.Hour))
		}
		limit := rate.Limit(p.perSecond)
		if p.perSecond <= 0 {
			limit = rate.Inf
		}
		entry = &limitEntry{limiter: rate.NewLimiter(limit, p.burst)}
		p.m[key] = entry
	}
	entry.lastUsed = now
	return entry
}

// evict drops entries idle since before cutoff. Caller holds p.mu.
func (p *PerKey) evict(cutoff time.Time) {
	for key, entry := range p.m {
		if entry.lastUsed.Before(cutoff) {
			delete(p.m, key)
		}
	}
}

func (p *PerKey) Allow(key string) bool {
	return p.entry(key).limiter.Allow()
}

// Wait blocks until key may proceed or ctx is done.
func (p *PerKey) Wait(ctx context.Context, key string) error {
	return p.entry(key).limiter.Wait(ctx)
}

// Len reports how many keys are tracked.
func (p *PerKey) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
