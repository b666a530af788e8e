package engine

import (
	"sync"

	"github.com/example/ride-dispatch/internal/observability"
)

// Guard is the process-local set of requests under an active matching
// attempt. An ID is added when the rescan loop launches an attempt and
// removed when that attempt returns, whatever the outcome.
//
// It is not shared across processes; running more than one engine
// against the same store needs a distributed lock instead.
type Guard struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{ids: make(map[string]struct{})}
}

// TryAcquire adds id and reports whether it was absent.
func (g *Guard) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.ids[id]; ok {
		return false
	}
	g.ids[id] = struct{}{}
	observability.InflightRequests.Inc()
	return true
}

func (g *Guard) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.ids[id]; !ok {
		return
	}
	delete(g.ids, id)
	observability.InflightRequests.Dec()
}

func (g *Guard) Contains(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.ids[id]
	return ok
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ids)
}
