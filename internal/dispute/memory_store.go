package dispute

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byEscrow map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byEscrow: make(map[string][]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.Number]; ok {
		return ErrConflict
	}
	cp := *d
	m.disputes[d.Number] = &cp
	m.byEscrow[d.EscrowNumber] = append(m.byEscrow[d.EscrowNumber], d.Number)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, number string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[number]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) NumberExists(ctx context.Context, number string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.disputes[number]
	return ok, nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowNumber string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	numbers := m.byEscrow[escrowNumber]
	out := make([]*Dispute, 0, len(numbers))
	for _, n := range numbers {
		cp := *m.disputes[n]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) HasOpenDispute(ctx context.Context, escrowNumber string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.byEscrow[escrowNumber] {
		switch m.disputes[n].Status {
		case StatusResolved, StatusClosed:
		default:
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) MarkResolved(ctx context.Context, number string, resolution ResolutionType, resolverRef string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[number]
	if !ok {
		return ErrNotFound
	}
	switch d.Status {
	case StatusResolved, StatusClosed:
		return ErrConflict
	}
	d.Status = StatusResolved
	d.ResolutionType = resolution
	d.ResolverRef = resolverRef
	resolved := at
	d.ResolvedAt = &resolved
	d.UpdatedAt = at
	return nil
}

func (m *MemoryStore) MarkClosed(ctx context.Context, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[number]
	if !ok {
		return ErrNotFound
	}
	d.Status = StatusClosed
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkStatus(ctx context.Context, number string, from []Status, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[number]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if d.Status == f {
			d.Status = to
			d.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrConflict
}
