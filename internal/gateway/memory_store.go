package gateway

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory event log for tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	events   map[string]*Event
	outcomes map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string]*Event),
		outcomes: make(map[string]string),
	}
}

func (m *MemoryStore) ClaimEvent(ctx context.Context, e *Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; ok {
		if m.outcomes[e.ID] != OutcomeFailed {
			return false, nil
		}
		// Previous delivery failed; let the retry take over.
		delete(m.outcomes, e.ID)
		return true, nil
	}
	cp := *e
	m.events[e.ID] = &cp
	return true, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, id string, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[id] = outcome
	return nil
}

// Outcome reports the recorded outcome for an event id. Test helper.
func (m *MemoryStore) Outcome(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[id]
}
