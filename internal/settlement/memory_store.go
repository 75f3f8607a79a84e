package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/kerjapay/escrowd/internal/escrow"
	"github.com/kerjapay/escrowd/internal/wallet"
)

// MemoryStore is an in-memory settlement store for demo/development mode.
// It composes the escrow and wallet memory stores so a settle unit applies
// all of its parts under one lock, mirroring the Postgres transaction.
type MemoryStore struct {
	mu           sync.RWMutex
	escrows      *escrow.MemoryStore
	wallets      *wallet.MemoryStore
	transactions map[string]*Transaction // key escrowNumber#seq
	receipts     map[string]*Receipt     // key number
	receiptOwner map[string]string       // key escrow|type|owner -> number
	withholdings []*Withholding
	nextWhID     int64
}

func NewMemoryStore(escrows *escrow.MemoryStore, wallets *wallet.MemoryStore) *MemoryStore {
	return &MemoryStore{
		escrows:      escrows,
		wallets:      wallets,
		transactions: make(map[string]*Transaction),
		receipts:     make(map[string]*Receipt),
		receiptOwner: make(map[string]string),
	}
}

func txnKey(escrowNumber string, seq int) string {
	return fmt.Sprintf("%s#%d", escrowNumber, seq)
}

func ownerKey(r *Receipt) string {
	return fmt.Sprintf("%s|%s|%s", r.EscrowNumber, r.Type, r.OwnerRef)
}

func (m *MemoryStore) Settle(ctx context.Context, u *SettleUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := txnKey(u.EscrowNumber, u.MilestoneSeq)
	if _, exists := m.transactions[key]; exists {
		return escrow.ErrConflict
	}

	// Escrow (or milestone) transition first: it carries the CAS guard.
	if u.MilestoneSeq > 0 {
		if _, err := m.escrows.ReleaseMilestone(ctx, u.EscrowNumber, u.MilestoneSeq, u.FromMilestoneStatuses, u.At); err != nil {
			return err
		}
	} else {
		if err := m.escrows.MarkReleased(ctx, u.EscrowNumber, u.FromStatuses, u.At); err != nil {
			return err
		}
	}

	cp := *u.Txn
	m.transactions[key] = &cp

	for _, r := range u.Receipts {
		// Skip, never duplicate, per escrow+type+owner.
		if _, exists := m.receiptOwner[ownerKey(r)]; exists {
			continue
		}
		rc := *r
		m.receipts[r.Number] = &rc
		m.receiptOwner[ownerKey(r)] = r.Number
	}

	m.nextWhID++
	wh := *u.Withholding
	wh.ID = m.nextWhID
	m.withholdings = append(m.withholdings, &wh)

	return m.wallets.Credit(ctx, u.Txn.FreelancerRef, u.CreditAmount, u.Txn.Ref,
		fmt.Sprintf("settlement of escrow %s", u.EscrowNumber))
}

func (m *MemoryStore) Refund(ctx context.Context, u *RefundUnit) (escrow.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, err := m.escrows.ApplyRefund(ctx, u.EscrowNumber, u.Amount, u.FromStatuses, u.At)
	if err != nil {
		return "", err
	}
	rc := *u.Receipt
	m.receipts[u.Receipt.Number] = &rc
	return status, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, escrowNumber string, milestoneSeq int) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transactions[txnKey(escrowNumber, milestoneSeq)]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) TransactionRefExists(ctx context.Context, ref string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.transactions {
		if t.Ref == ref {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateReceipt(ctx context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.EscrowNumber != "" && r.Type != ReceiptRefund {
		if _, exists := m.receiptOwner[ownerKey(r)]; exists {
			return nil
		}
		m.receiptOwner[ownerKey(r)] = r.Number
	}
	cp := *r
	m.receipts[r.Number] = &cp
	return nil
}

func (m *MemoryStore) GetReceipt(ctx context.Context, number string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.receipts[number]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ReceiptNumberExists(ctx context.Context, number string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.receipts[number]
	return ok, nil
}

func (m *MemoryStore) ReceiptsByEscrow(ctx context.Context, escrowNumber string) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if r.EscrowNumber == escrowNumber {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListWithholdings(ctx context.Context, year, month int) ([]*Withholding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withholding
	for _, w := range m.withholdings {
		if w.PeriodYear == year && w.PeriodMonth == month {
			cp := *w
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkWithholdingsRemitted(ctx context.Context, ids []int64, remittanceRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, w := range m.withholdings {
		if want[w.ID] && !w.Remitted {
			w.Remitted = true
			w.RemittanceRef = remittanceRef
		}
	}
	return nil
}
