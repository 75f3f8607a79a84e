package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Guarded transitions hold the store mutex for the whole read-check-write,
// matching the conditional-update semantics of the Postgres store.
type MemoryStore struct {
	mu         sync.RWMutex
	escrows    map[string]*Escrow
	byGig      map[string]string
	milestones map[string][]*Milestone
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[string]*Escrow),
		byGig:      make(map[string]string),
		milestones: make(map[string][]*Milestone),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow, ms []*Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byGig[e.GigID]; exists {
		return ErrConflict
	}
	cp := *e
	m.escrows[e.Number] = &cp
	m.byGig[e.GigID] = e.Number
	for _, mi := range ms {
		mc := *mi
		m.milestones[e.Number] = append(m.milestones[e.Number], &mc)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, number string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(number)
}

func (m *MemoryStore) getLocked(number string) (*Escrow, error) {
	e, ok := m.escrows[number]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByGig(ctx context.Context, gigID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	number, ok := m.byGig[gigID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getLocked(number)
}

func (m *MemoryStore) GetByGatewayRef(ctx context.Context, gatewayRef string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if e.GatewayRef == gatewayRef {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) NumberExists(ctx context.Context, number string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.escrows[number]
	return ok, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyRef string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.ClientRef == partyRef || e.FreelancerRef == partyRef {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) Milestones(ctx context.Context, number string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.escrows[number]; !ok {
		return nil, ErrNotFound
	}
	ms := m.milestones[number]
	result := make([]*Milestone, 0, len(ms))
	for _, mi := range ms {
		cp := *mi
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

func (m *MemoryStore) GetMilestone(ctx context.Context, number string, seq int) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMilestoneLocked(number, seq)
}

func (m *MemoryStore) getMilestoneLocked(number string, seq int) (*Milestone, error) {
	for _, mi := range m.milestones[number] {
		if mi.Sequence == seq {
			cp := *mi
			return &cp, nil
		}
	}
	return nil, ErrMilestoneNotFound
}

func (m *MemoryStore) MarkFunded(ctx context.Context, number, gatewayRef string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[number]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusPending {
		return ErrConflict
	}
	e.Status = StatusFunded
	e.GatewayRef = gatewayRef
	t := at
	e.FundedAt = &t
	e.UpdatedAt = at
	for _, mi := range m.milestones[number] {
		if mi.Status == MilestonePending {
			mi.Status = MilestoneFunded
			mi.UpdatedAt = at
		}
	}
	return nil
}

func (m *MemoryStore) MarkDisputed(ctx context.Context, number string) error {
	return m.transition(number, []Status{StatusFunded, StatusPartialRefund}, StatusDisputed)
}

func (m *MemoryStore) ReopenFunded(ctx context.Context, number string) error {
	return m.transition(number, []Status{StatusDisputed}, StatusFunded)
}

func (m *MemoryStore) MarkCancelled(ctx context.Context, number string) error {
	return m.transition(number, []Status{StatusPending}, StatusCancelled)
}

func (m *MemoryStore) transition(number string, from []Status, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[number]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if e.Status == f {
			e.Status = to
			e.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrConflict
}

func (m *MemoryStore) MarkMilestoneStatus(ctx context.Context, number string, seq int, from, to MilestoneStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mi := range m.milestones[number] {
		if mi.Sequence != seq {
			continue
		}
		if mi.Status != from {
			return ErrConflict
		}
		mi.Status = to
		mi.UpdatedAt = at
		return nil
	}
	return ErrMilestoneNotFound
}

// MarkReleased applies the guarded funded/disputed → released transition.
// Exposed for the settlement memory store, which commits it together with
// the settlement records under its own lock ordering.
func (m *MemoryStore) MarkReleased(ctx context.Context, number string, from []Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[number]
	if !ok {
		return ErrNotFound
	}
	matched := false
	for _, f := range from {
		if e.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return ErrConflict
	}
	e.Status = StatusReleased
	t := at
	e.ReleasedAt = &t
	e.UpdatedAt = at
	return nil
}

// ReleaseMilestone applies the guarded milestone release. The parent
// escrow becomes released once every milestone has been released.
func (m *MemoryStore) ReleaseMilestone(ctx context.Context, number string, seq int, from []MilestoneStatus, at time.Time) (lastMilestone bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *Milestone
	for _, mi := range m.milestones[number] {
		if mi.Sequence == seq {
			target = mi
			break
		}
	}
	if target == nil {
		return false, ErrMilestoneNotFound
	}
	matched := false
	for _, f := range from {
		if target.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, ErrConflict
	}
	target.Status = MilestoneReleased
	t := at
	target.ReleasedAt = &t
	target.UpdatedAt = at

	for _, mi := range m.milestones[number] {
		if mi.Status != MilestoneReleased {
			return false, nil
		}
	}
	if e, ok := m.escrows[number]; ok {
		e.Status = StatusReleased
		e.ReleasedAt = &t
		e.UpdatedAt = at
	}
	return true, nil
}

// ApplyRefund adds amount to refunded_amount under the refund invariant
// and returns the resulting status (refunded or partial_refund).
func (m *MemoryStore) ApplyRefund(ctx context.Context, number string, amount decimal.Decimal, from []Status, at time.Time) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[number]
	if !ok {
		return "", ErrNotFound
	}
	matched := false
	for _, f := range from {
		if e.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return "", ErrConflict
	}
	if amount.GreaterThan(e.Amount.Sub(e.RefundedAmount)) {
		return "", ErrInvalidAmount
	}

	e.RefundedAmount = e.RefundedAmount.Add(amount)
	if e.RefundedAt == nil {
		t := at
		e.RefundedAt = &t
	}
	if e.RefundedAmount.Equal(e.Amount) {
		e.Status = StatusRefunded
	} else {
		e.Status = StatusPartialRefund
	}
	e.UpdatedAt = at
	return e.Status, nil
}
