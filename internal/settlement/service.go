package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kerjapay/escrowd/internal/audit"
	"github.com/kerjapay/escrowd/internal/escrow"
	"github.com/kerjapay/escrowd/internal/fees"
	"github.com/kerjapay/escrowd/internal/idgen"
	"github.com/kerjapay/escrowd/internal/logging"
	"github.com/kerjapay/escrowd/internal/metrics"
	"github.com/kerjapay/escrowd/internal/money"
	"github.com/kerjapay/escrowd/internal/traces"
)

// Service implements release and refund processing.
type Service struct {
	store    Store
	escrows  escrow.Store
	disputes DisputeChecker
	trail    audit.Trail
	notify   Notifier

	txnIDs        *idgen.Generator
	fundingRcpIDs *idgen.Generator
	paymentRcpIDs *idgen.Generator
	refundRcpIDs  *idgen.Generator
	payoutRcpIDs  *idgen.Generator
}

// NewService creates a settlement service.
func NewService(store Store, escrows escrow.Store, trail audit.Trail) *Service {
	s := &Service{store: store, escrows: escrows, trail: trail}
	receiptTaken := func(ctx context.Context, id string) (bool, error) {
		return store.ReceiptNumberExists(ctx, id)
	}
	s.txnIDs = idgen.New(idgen.PrefixTxn, func(ctx context.Context, id string) (bool, error) {
		return store.TransactionRefExists(ctx, id)
	})
	s.fundingRcpIDs = idgen.New(idgen.PrefixEscrowReceipt, receiptTaken)
	s.paymentRcpIDs = idgen.New(idgen.PrefixPaymentReceipt, receiptTaken)
	s.refundRcpIDs = idgen.New(idgen.PrefixRefundReceipt, receiptTaken)
	s.payoutRcpIDs = idgen.New(idgen.PrefixPayoutReceipt, receiptTaken)
	return s
}

// WithDisputeChecker enables the open-dispute hard lock.
func (s *Service) WithDisputeChecker(d DisputeChecker) *Service {
	s.disputes = d
	return s
}

// WithNotifier adds best-effort post-commit notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// Release settles a funded escrow (or one milestone of it) to the
// freelancer. Safe to retry: a second call for the same escrow/milestone
// returns the existing result without side effects.
func (s *Service) Release(ctx context.Context, escrowNumber, actor string, milestoneSeq int) (*Result, error) {
	return s.release(ctx, escrowNumber, actor, milestoneSeq, false)
}

// ResolveRelease is Release invoked by the dispute resolver: the disputed
// state is an accepted pre-state and the open-dispute lock is bypassed.
func (s *Service) ResolveRelease(ctx context.Context, escrowNumber, actor string, milestoneSeq int) (*Result, error) {
	return s.release(ctx, escrowNumber, actor, milestoneSeq, true)
}

func (s *Service) release(ctx context.Context, escrowNumber, actor string, milestoneSeq int, viaResolver bool) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.release",
		traces.EscrowNumber(escrowNumber), traces.Actor(actor))
	defer span.End()

	e, err := s.escrows.Get(ctx, escrowNumber)
	if err != nil {
		return nil, err
	}

	// Idempotency: an existing completed transaction means this release
	// already happened; return its result, touch nothing.
	if txn, err := s.store.GetTransaction(ctx, escrowNumber, milestoneSeq); err == nil {
		return s.existingResult(ctx, e, txn)
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	if !viaResolver {
		if err := s.checkDisputeLock(ctx, escrowNumber); err != nil {
			audit.Write(ctx, s.trail, actor, "settlement.release", escrowNumber, "", audit.OutcomeRejected, err.Error())
			return nil, err
		}
	}

	fromStatuses := []escrow.Status{escrow.StatusFunded}
	if viaResolver {
		fromStatuses = append(fromStatuses, escrow.StatusDisputed)
	}
	if !statusIn(e.Status, fromStatuses) {
		audit.Write(ctx, s.trail, actor, "settlement.release", escrowNumber, "", audit.OutcomeRejected, string(e.Status))
		return nil, escrow.ErrInvalidStatus
	}

	var gross decimal.Decimal
	var fromMilestones []escrow.MilestoneStatus
	if milestoneSeq > 0 {
		m, err := s.escrows.GetMilestone(ctx, escrowNumber, milestoneSeq)
		if err != nil {
			return nil, err
		}
		if err := s.checkMilestoneOrder(ctx, escrowNumber, milestoneSeq); err != nil {
			audit.Write(ctx, s.trail, actor, "settlement.release", fmt.Sprintf("%s#%d", escrowNumber, milestoneSeq), "", audit.OutcomeRejected, err.Error())
			return nil, err
		}
		// The milestone tracking flow is optional: a funded milestone may
		// settle directly when the parties never used start/submit. Once
		// work is started through the flow, in_progress blocks release
		// until the freelancer submits.
		fromMilestones = []escrow.MilestoneStatus{escrow.MilestoneFunded, escrow.MilestoneSubmitted, escrow.MilestoneApproved}
		if viaResolver {
			fromMilestones = append(fromMilestones, escrow.MilestoneDisputed)
		}
		if !milestoneStatusIn(m.Status, fromMilestones) {
			audit.Write(ctx, s.trail, actor, "settlement.release", fmt.Sprintf("%s#%d", escrowNumber, milestoneSeq), "", audit.OutcomeRejected, string(m.Status))
			return nil, escrow.ErrInvalidStatus
		}
		gross = m.Amount
	} else {
		// Phased escrows settle per milestone; the whole-escrow path is
		// for unsplit escrows (and releases the unrefunded remainder).
		ms, err := s.escrows.Milestones(ctx, escrowNumber)
		if err != nil {
			return nil, err
		}
		if len(ms) > 0 {
			audit.Write(ctx, s.trail, actor, "settlement.release", escrowNumber, "", audit.OutcomeRejected, "escrow is milestone-split")
			return nil, escrow.ErrInvalidStatus
		}
		gross = e.RemainingAmount()
	}
	if !money.IsPositive(gross) {
		return nil, escrow.ErrInvalidAmount
	}

	unit, result, err := s.buildUnit(ctx, e, milestoneSeq, gross, fromStatuses, fromMilestones)
	if err != nil {
		return nil, err
	}

	if err := s.store.Settle(ctx, unit); err != nil {
		if errors.Is(err, escrow.ErrConflict) {
			// Lost the race. If the winner settled the same unit, this
			// retry succeeds as a no-op.
			if txn, gerr := s.store.GetTransaction(ctx, escrowNumber, milestoneSeq); gerr == nil {
				return s.existingResult(ctx, e, txn)
			}
			audit.Write(ctx, s.trail, actor, "settlement.release", escrowNumber, money.Format(gross), audit.OutcomeConflict, "concurrent transition")
			return nil, err
		}
		audit.Write(ctx, s.trail, actor, "settlement.release", escrowNumber, money.Format(gross), audit.OutcomeError, err.Error())
		return nil, fmt.Errorf("settle escrow %s: %w", escrowNumber, err)
	}

	// Post-commit side effects. None of these can roll back the release.
	metrics.SettlementsTotal.WithLabelValues("released").Inc()
	audit.Write(ctx, s.trail, actor, "settlement.release", escrowNumber, money.Format(gross), audit.OutcomeSuccess, unit.Txn.Ref)
	s.dispatch(ctx, e.ClientRef, "Payment released",
		fmt.Sprintf("Escrow %s released: %s paid out for gig %s", escrowNumber, money.Format(gross), e.GigID))
	s.dispatch(ctx, e.FreelancerRef, "You've been paid",
		fmt.Sprintf("Gig %s settled: %s credited to your wallet", e.GigID, money.Format(result.Payout)))
	return result, nil
}

func (s *Service) buildUnit(ctx context.Context, e *escrow.Escrow, milestoneSeq int, gross decimal.Decimal, fromStatuses []escrow.Status, fromMilestones []escrow.MilestoneStatus) (*SettleUnit, *Result, error) {
	b := fees.Compute(gross)
	now := time.Now().UTC()

	txnRef, err := s.txnIDs.Next(ctx)
	if err != nil {
		return nil, nil, err
	}
	fundingNo, err := s.fundingRcpIDs.Next(ctx)
	if err != nil {
		return nil, nil, err
	}
	paymentNo, err := s.paymentRcpIDs.Next(ctx)
	if err != nil {
		return nil, nil, err
	}

	txn := &Transaction{
		Ref:               txnRef,
		EscrowNumber:      e.Number,
		MilestoneSeq:      milestoneSeq,
		GigID:             e.GigID,
		ClientRef:         e.ClientRef,
		FreelancerRef:     e.FreelancerRef,
		Amount:            b.Gross,
		Commission:        b.Commission,
		NetAmount:         b.Net,
		WithholdingAmount: b.Withholding,
		PaymentMethod:     "escrow",
		Status:            TransactionCompleted,
		CreatedAt:         now,
	}
	receipts := []*Receipt{
		{
			Number:       fundingNo,
			Type:         ReceiptEscrowFunding,
			EscrowNumber: e.Number,
			OwnerRef:     e.ClientRef,
			Amount:       b.Gross,
			GatewayRef:   e.GatewayRef,
			Description:  fmt.Sprintf("Escrow funds applied to gig %s", e.GigID),
			CreatedAt:    now,
		},
		{
			Number:       paymentNo,
			Type:         ReceiptPayment,
			EscrowNumber: e.Number,
			OwnerRef:     e.FreelancerRef,
			Amount:       b.Payout,
			GatewayRef:   e.GatewayRef,
			Description:  fmt.Sprintf("Payment for gig %s", e.GigID),
			CreatedAt:    now,
		},
	}
	wh := &Withholding{
		FreelancerRef:  e.FreelancerRef,
		TransactionRef: txnRef,
		GigID:          e.GigID,
		GrossAmount:    b.Gross,
		Commission:     b.Commission,
		NetEarnings:    b.Net,
		Amount:         b.Withholding,
		FinalPayout:    b.Payout,
		PeriodYear:     now.Year(),
		PeriodMonth:    int(now.Month()),
		CreatedAt:      now,
	}

	unit := &SettleUnit{
		EscrowNumber:          e.Number,
		MilestoneSeq:          milestoneSeq,
		FromStatuses:          fromStatuses,
		FromMilestoneStatuses: fromMilestones,
		Txn:                   txn,
		Receipts:              receipts,
		Withholding:           wh,
		CreditAmount:          b.Payout,
		At:                    now,
	}
	result := &Result{
		EscrowNumber:   e.Number,
		MilestoneSeq:   milestoneSeq,
		TransactionRef: txnRef,
		Gross:          b.Gross,
		Commission:     b.Commission,
		Net:            b.Net,
		Withholding:    b.Withholding,
		Payout:         b.Payout,
		Receipts:       receipts,
	}
	return unit, result, nil
}

func (s *Service) existingResult(ctx context.Context, e *escrow.Escrow, txn *Transaction) (*Result, error) {
	receipts, err := s.store.ReceiptsByEscrow(ctx, e.Number)
	if err != nil {
		return nil, err
	}
	payout := txn.NetAmount.Sub(txn.WithholdingAmount)
	return &Result{
		EscrowNumber:   e.Number,
		MilestoneSeq:   txn.MilestoneSeq,
		TransactionRef: txn.Ref,
		Gross:          txn.Amount,
		Commission:     txn.Commission,
		Net:            txn.NetAmount,
		Withholding:    txn.WithholdingAmount,
		Payout:         payout,
		Receipts:       receipts,
		AlreadySettled: true,
	}, nil
}

func (s *Service) checkDisputeLock(ctx context.Context, escrowNumber string) error {
	if s.disputes == nil {
		return nil
	}
	open, err := s.disputes.HasOpenDispute(ctx, escrowNumber)
	if err != nil {
		return err
	}
	if open {
		return ErrDisputeOpen
	}
	return nil
}

// checkMilestoneOrder enforces strict release ordering: milestone N may
// only release after milestones 1..N-1 are released.
func (s *Service) checkMilestoneOrder(ctx context.Context, escrowNumber string, seq int) error {
	ms, err := s.escrows.Milestones(ctx, escrowNumber)
	if err != nil {
		return err
	}
	for _, m := range ms {
		if m.Sequence < seq && m.Status != escrow.MilestoneReleased {
			return escrow.ErrMilestoneOrder
		}
	}
	return nil
}

// IssuePayoutReceipt creates the OUT-RCP receipt for a completed payout.
// Implements wallet.ReceiptIssuer.
func (s *Service) IssuePayoutReceipt(ctx context.Context, payoutNumber, freelancerRef string, amount decimal.Decimal) error {
	number, err := s.payoutRcpIDs.Next(ctx)
	if err != nil {
		return err
	}
	return s.store.CreateReceipt(ctx, &Receipt{
		Number:      number,
		Type:        ReceiptPayout,
		OwnerRef:    freelancerRef,
		Amount:      amount,
		Description: fmt.Sprintf("Payout %s", payoutNumber),
		CreatedAt:   time.Now().UTC(),
	})
}

// Receipts returns the receipts recorded against an escrow.
func (s *Service) Receipts(ctx context.Context, escrowNumber string) ([]*Receipt, error) {
	return s.store.ReceiptsByEscrow(ctx, escrowNumber)
}

// Withholdings returns the statutory withholding records for one
// contribution period.
func (s *Service) Withholdings(ctx context.Context, year, month int) ([]*Withholding, error) {
	return s.store.ListWithholdings(ctx, year, month)
}

// MarkWithholdingsRemitted records remittance of a period's withholdings.
func (s *Service) MarkWithholdingsRemitted(ctx context.Context, ids []int64, remittanceRef, actor string) error {
	if err := s.store.MarkWithholdingsRemitted(ctx, ids, remittanceRef); err != nil {
		audit.Write(ctx, s.trail, actor, "withholding.remit", remittanceRef, "", audit.OutcomeError, err.Error())
		return err
	}
	audit.Write(ctx, s.trail, actor, "withholding.remit", remittanceRef, "", audit.OutcomeSuccess, "")
	return nil
}

func (s *Service) dispatch(ctx context.Context, userRef, subject, message string) {
	if s.notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("notification dispatch panicked", "error", r)
		}
	}()
	s.notify.Notify(ctx, userRef, subject, message)
}

func statusIn(s escrow.Status, set []escrow.Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func milestoneStatusIn(s escrow.MilestoneStatus, set []escrow.MilestoneStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
