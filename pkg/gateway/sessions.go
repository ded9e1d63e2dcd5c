package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/toolgate/toolgate/pkg/observability"
)

// sessionTracker counts requests per session for the rule engine's
// session.request_count variable and feeds the active-sessions gauge.
type sessionTracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	active   *observability.Gauge
}

type sessionState struct {
	count int
	seen  time.Time
}

func newSessionTracker(active *observability.Gauge) *sessionTracker {
	return &sessionTracker{
		sessions: make(map[string]*sessionState),
		active:   active,
	}
}

// touch increments the session's request count and returns the new
// value.
func (t *sessionTracker) touch(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[id]
	if !ok {
		st = &sessionState{}
		t.sessions[id] = st
	}
	st.count++
	st.seen = time.Now()
	t.active.Set(int64(len(t.sessions)))
	return st.count
}

// run expires sessions idle for half an hour. Exits with ctx.
func (t *sessionTracker) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(30 * time.Minute)
		}
	}
}

func (t *sessionTracker) sweep(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	t.mu.Lock()
	for id, st := range t.sessions {
		if st.seen.Before(cutoff) {
			delete(t.sessions, id)
		}
	}
	t.active.Set(int64(len(t.sessions)))
	t.mu.Unlock()
}
