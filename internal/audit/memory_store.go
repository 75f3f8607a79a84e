package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryTrail is an in-memory audit trail for demo/development mode.
type MemoryTrail struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{}
}

func (m *MemoryTrail) Record(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryTrail) Query(ctx context.Context, actor, operation string, from, to time.Time, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first, matching the SQL trail's ordering.
	var result []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if actor != "" && e.Actor != actor {
			continue
		}
		if operation != "" && e.Operation != operation {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
