package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kerjapay/escrowd/internal/audit"
	"github.com/kerjapay/escrowd/internal/idgen"
	"github.com/kerjapay/escrowd/internal/logging"
	"github.com/kerjapay/escrowd/internal/money"
)

// ReceiptIssuer issues the payout receipt once a payout completes.
// Implemented by the settlement service; wallet stays import-free of it.
type ReceiptIssuer interface {
	IssuePayoutReceipt(ctx context.Context, payoutNumber, freelancerRef string, amount decimal.Decimal) error
}

// Service implements wallet business logic.
type Service struct {
	store    Store
	trail    audit.Trail
	ids      *idgen.Generator
	receipts ReceiptIssuer
	flatFee  decimal.Decimal
}

// NewService creates a wallet service. flatFee is the per-payout transfer
// fee from configuration (zero disables it).
func NewService(store Store, trail audit.Trail, flatFee decimal.Decimal) *Service {
	s := &Service{store: store, trail: trail, flatFee: flatFee}
	s.ids = idgen.New(idgen.PrefixPayout, func(ctx context.Context, id string) (bool, error) {
		return store.PayoutNumberExists(ctx, id)
	})
	return s
}

// WithReceiptIssuer adds payout receipt issuance on completion.
func (s *Service) WithReceiptIssuer(r ReceiptIssuer) *Service {
	s.receipts = r
	return s
}

// Balance returns a freelancer's wallet balance.
func (s *Service) Balance(ctx context.Context, freelancerRef string) (*Balance, error) {
	return s.store.GetBalance(ctx, freelancerRef)
}

// History returns balance entries, newest first.
func (s *Service) History(ctx context.Context, freelancerRef string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, freelancerRef, limit)
}

// RequestPayout debits the freelancer's available balance and opens a
// pending payout. Rejects amounts that are non-positive, below the flat
// fee, or above the available balance.
func (s *Service) RequestPayout(ctx context.Context, freelancerRef, amountStr, destination string) (*Payout, error) {
	amount, err := money.Parse(amountStr)
	if err != nil || !money.IsPositive(amount) {
		audit.Write(ctx, s.trail, freelancerRef, "payout.request", "", amountStr, audit.OutcomeRejected, "invalid amount")
		return nil, ErrInvalidAmount
	}
	net := amount.Sub(s.flatFee)
	if !money.IsPositive(net) {
		audit.Write(ctx, s.trail, freelancerRef, "payout.request", "", amountStr, audit.OutcomeRejected, "amount does not cover fee")
		return nil, ErrInvalidAmount
	}

	number, err := s.ids.Next(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &Payout{
		Number:        number,
		FreelancerRef: freelancerRef,
		Amount:        amount,
		Fee:           s.flatFee,
		NetAmount:     net,
		Destination:   destination,
		Status:        PayoutPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreatePayout(ctx, p); err != nil {
		outcome := audit.OutcomeError
		if errors.Is(err, ErrInsufficientBalance) {
			outcome = audit.OutcomeRejected
		}
		audit.Write(ctx, s.trail, freelancerRef, "payout.request", number, money.Format(amount), outcome, err.Error())
		return nil, err
	}
	audit.Write(ctx, s.trail, freelancerRef, "payout.request", number, money.Format(amount), audit.OutcomeSuccess, "")
	return p, nil
}

// StartProcessing moves a pending payout to processing.
func (s *Service) StartProcessing(ctx context.Context, number, actor string) error {
	return s.mark(ctx, number, actor, []PayoutStatus{PayoutPending}, PayoutProcessing, "", "payout.process")
}

// Complete finishes a payout after the external transfer succeeded and
// issues the payout receipt (best-effort).
func (s *Service) Complete(ctx context.Context, number, actor string) error {
	if err := s.mark(ctx, number, actor, []PayoutStatus{PayoutPending, PayoutProcessing}, PayoutCompleted, "", "payout.complete"); err != nil {
		return err
	}
	if s.receipts != nil {
		p, err := s.store.GetPayout(ctx, number)
		if err == nil {
			// Post-transition, best-effort: a receipt failure must not
			// unwind a completed transfer, but it has to leave a trace.
			if err := s.receipts.IssuePayoutReceipt(ctx, p.Number, p.FreelancerRef, p.NetAmount); err != nil {
				logging.L(ctx).Warn("issue payout receipt", "payout", p.Number, "error", err)
			}
		}
	}
	return nil
}

// Fail marks a payout failed; the store refunds the debit in the same unit.
func (s *Service) Fail(ctx context.Context, number, actor, reason string) error {
	return s.mark(ctx, number, actor, []PayoutStatus{PayoutPending, PayoutProcessing}, PayoutFailed, reason, "payout.fail")
}

// Cancel cancels a payout that has not started processing.
func (s *Service) Cancel(ctx context.Context, number, actor string) error {
	return s.mark(ctx, number, actor, []PayoutStatus{PayoutPending}, PayoutCancelled, "cancelled by freelancer", "payout.cancel")
}

// GetPayout returns a payout by number.
func (s *Service) GetPayout(ctx context.Context, number string) (*Payout, error) {
	return s.store.GetPayout(ctx, number)
}

func (s *Service) mark(ctx context.Context, number, actor string, from []PayoutStatus, to PayoutStatus, reason, op string) error {
	if err := s.store.MarkPayout(ctx, number, from, to, reason, time.Now().UTC()); err != nil {
		outcome := audit.OutcomeError
		if errors.Is(err, ErrConflict) {
			outcome = audit.OutcomeConflict
		}
		audit.Write(ctx, s.trail, actor, op, number, "", outcome, err.Error())
		return err
	}
	audit.Write(ctx, s.trail, actor, op, number, "", audit.OutcomeSuccess, reason)
	return nil
}
