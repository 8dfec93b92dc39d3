package core

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultActionWindow is how long an approval stays locked after an action
// was sent for it.
const DefaultActionWindow = 5 * time.Second

type actionWindow struct {
	start time.Time
	count int
}

// ActionGuard limits how many actions may be sent per key within a window.
// Keys are event ids, so a double click cannot resolve an approval twice.
type ActionGuard struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	limit   int
	window  time.Duration
	buckets map[string]actionWindow
}

func NewActionGuard(c clock.PassiveClock, limit int, window time.Duration) *ActionGuard {
	if c == nil {
		c = clock.RealClock{}
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = DefaultActionWindow
	}
	return &ActionGuard{
		clock:   c,
		limit:   limit,
		window:  window,
		buckets: make(map[string]actionWindow),
	}
}

func (g *ActionGuard) Allow(key string) bool {
	if key == "" {
		key = "anonymous"
	}
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
	b := g.buckets[key]
	if b.start.IsZero() || now.Sub(b.start) >= g.window {
		g.buckets[key] = actionWindow{start: now, count: 1}
		return true
	}
	if b.count >= g.limit {
		return false
	}
	b.count++
	g.buckets[key] = b
	return true
}

// Release forgets key, e.g. when the send it guarded never happened.
func (g *ActionGuard) Release(key string) {
	g.mu.Lock()
	delete(g.buckets, key)
	g.mu.Unlock()
}

func (g *ActionGuard) pruneLocked(now time.Time) {
	for k, b := range g.buckets {
		if now.Sub(b.start) >= g.window {
			delete(g.buckets, k)
		}
	}
}
