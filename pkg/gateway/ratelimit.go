package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorLimiter keeps one token bucket per caller. Buckets refill at
// the configured per-minute rate and allow a burst of a full minute.
type visitorLimiter struct {
	mu        sync.Mutex
	perMinute int
	visitors  map[string]*visitor
}

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

func newVisitorLimiter(perMinute int) *visitorLimiter {
	return &visitorLimiter{
		perMinute: perMinute,
		visitors:  make(map[string]*visitor),
	}
}

func (v *visitorLimiter) allow(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	vis, ok := v.visitors[key]
	if !ok {
		vis = &visitor{
			lim: rate.NewLimiter(rate.Limit(float64(v.perMinute)/60.0), v.perMinute),
		}
		v.visitors[key] = vis
	}
	vis.seen = time.Now()
	return vis.lim.Allow()
}

// run sweeps idle buckets so the map stays bounded. Exits with ctx.
func (v *visitorLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.sweep(3 * time.Minute)
		}
	}
}

func (v *visitorLimiter) sweep(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	v.mu.Lock()
	for key, vis := range v.visitors {
		if vis.seen.Before(cutoff) {
			delete(v.visitors, key)
		}
	}
	v.mu.Unlock()
}
