package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/atriumbms/atrium/internal/types"
)

// Manager hands out per-location queues over one shared connection pool.
type Manager struct {
	rdb redis.UniversalClient

	mu    sync.Mutex
	byLoc map[string]*Queue
}

// NewManager creates an empty manager.
func NewManager(rdb redis.UniversalClient) *Manager {
	return &Manager{rdb: rdb, byLoc: map[string]*Queue{}}
}

// ForLocation returns the queue for a location, creating it on first use.
func (m *Manager) ForLocation(locationID string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.byLoc[locationID]; ok {
		return q
	}
	q := New(m.rdb, locationID)
	m.byLoc[locationID] = q
	return q
}

// Enqueue routes one job to its location's queue.
func (m *Manager) Enqueue(ctx context.Context, job *types.Job) (bool, error) {
	if job == nil {
		return false, ErrNilJob
	}
	return m.ForLocation(job.LocationID).Enqueue(ctx, job)
}

// Locations lists the locations with instantiated queues.
func (m *Manager) Locations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.byLoc))
	for loc := range m.byLoc {
		out = append(out, loc)
	}
	return out
}
