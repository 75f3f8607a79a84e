package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	entries  []*Entry
	payouts  map[string]*Payout
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		payouts:  make(map[string]*Payout),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, freelancerRef string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[freelancerRef]
	if !ok {
		return &Balance{
			FreelancerRef: freelancerRef,
			Available:     decimal.Zero,
			TotalIn:       decimal.Zero,
			TotalOut:      decimal.Zero,
			UpdatedAt:     time.Now().UTC(),
		}, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, freelancerRef string, amount decimal.Decimal, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditLocked(freelancerRef, amount, EntryCredit, reference, description)
	return nil
}

func (m *MemoryStore) creditLocked(freelancerRef string, amount decimal.Decimal, entryType, reference, description string) {
	b := m.balanceLocked(freelancerRef)
	b.Available = b.Available.Add(amount)
	b.TotalIn = b.TotalIn.Add(amount)
	b.UpdatedAt = time.Now().UTC()
	m.appendEntryLocked(freelancerRef, entryType, amount, reference, description)
}

func (m *MemoryStore) balanceLocked(freelancerRef string) *Balance {
	b, ok := m.balances[freelancerRef]
	if !ok {
		b = &Balance{
			FreelancerRef: freelancerRef,
			Available:     decimal.Zero,
			TotalIn:       decimal.Zero,
			TotalOut:      decimal.Zero,
		}
		m.balances[freelancerRef] = b
	}
	return b
}

func (m *MemoryStore) appendEntryLocked(freelancerRef, entryType string, amount decimal.Decimal, reference, description string) {
	m.nextID++
	m.entries = append(m.entries, &Entry{
		ID:            m.nextID,
		FreelancerRef: freelancerRef,
		Type:          entryType,
		Amount:        amount,
		Reference:     reference,
		Description:   description,
		CreatedAt:     time.Now().UTC(),
	})
}

func (m *MemoryStore) History(ctx context.Context, freelancerRef string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].FreelancerRef == freelancerRef {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) CreatePayout(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balanceLocked(p.FreelancerRef)
	if b.Available.LessThan(p.Amount) {
		return ErrInsufficientBalance
	}
	b.Available = b.Available.Sub(p.Amount)
	b.TotalOut = b.TotalOut.Add(p.Amount)
	b.UpdatedAt = time.Now().UTC()
	m.appendEntryLocked(p.FreelancerRef, EntryPayoutDebit, p.Amount, p.Number, "payout requested")

	cp := *p
	m.payouts[p.Number] = &cp
	return nil
}

func (m *MemoryStore) GetPayout(ctx context.Context, number string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[number]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) PayoutNumberExists(ctx context.Context, number string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.payouts[number]
	return ok, nil
}

func (m *MemoryStore) MarkPayout(ctx context.Context, number string, from []PayoutStatus, to PayoutStatus, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[number]
	if !ok {
		return ErrPayoutNotFound
	}
	matched := false
	for _, f := range from {
		if p.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return ErrConflict
	}

	p.Status = to
	p.FailureReason = reason
	p.UpdatedAt = at
	switch to {
	case PayoutCompleted:
		t := at
		p.CompletedAt = &t
	case PayoutFailed, PayoutCancelled:
		// Return the debited amount to the balance.
		b := m.balanceLocked(p.FreelancerRef)
		b.Available = b.Available.Add(p.Amount)
		b.TotalOut = b.TotalOut.Sub(p.Amount)
		b.UpdatedAt = at
		m.appendEntryLocked(p.FreelancerRef, EntryPayoutRefund, p.Amount, p.Number, reason)
	}
	return nil
}
