package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Queue for tests and single-node setups
type Memory struct {
	mu       sync.Mutex
	ready    []string
	inflight map[string]time.Time

	now func() time.Time
}

// NewMemory creates an empty in-memory queue
func NewMemory() *Memory {
	return &Memory{
		inflight: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock overrides the queue's clock; tests use it to expire visibility
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Enqueue(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.ready {
		if id == jobID {
			return nil
		}
	}
	if _, held := m.inflight[jobID]; held {
		return nil
	}
	m.ready = append(m.ready, jobID)
	return nil
}

func (m *Memory) Dequeue(_ context.Context, visibility time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimLocked()
	if len(m.ready) == 0 {
		return "", ErrEmpty
	}
	id := m.ready[0]
	m.ready = m.ready[1:]
	m.inflight[id] = m.now().Add(visibility)
	return id, nil
}

func (m *Memory) Ack(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, jobID)
	return nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimLocked()
	return len(m.ready), nil
}

// reclaimLocked moves expired in-flight jobs back to the ready list
func (m *Memory) reclaimLocked() {
	now := m.now()
	for id, deadline := range m.inflight {
		if deadline.Before(now) {
			delete(m.inflight, id)
			m.ready = append(m.ready, id)
		}
	}
}
