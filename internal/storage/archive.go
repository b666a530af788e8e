// Package storage archives dispatch outcomes for ride history queries. It
// consumes the same events the engine publishes to brokers.
package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/events"
)

// Outcome is one archived event.
type Outcome struct {
	ID int64 `json:"id"`
	events.Event
}

// Archive stores outcomes and lists them newest first.
type Archive interface {
	events.Publisher
	ListOutcomes(ctx context.Context, limit int) ([]Outcome, error)
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

// MemoryStore keeps outcomes in process.
type MemoryStore struct {
	mu       sync.RWMutex
	outcomes []Outcome
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Publish(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, Outcome{ID: int64(len(m.outcomes) + 1), Event: e})
	return nil
}

func (m *MemoryStore) ListOutcomes(_ context.Context, limit int) ([]Outcome, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Outcome, 0, limit)
	for i := len(m.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.outcomes[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
