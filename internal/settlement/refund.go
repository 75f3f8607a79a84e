package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kerjapay/escrowd/internal/audit"
	"github.com/kerjapay/escrowd/internal/escrow"
	"github.com/kerjapay/escrowd/internal/metrics"
	"github.com/kerjapay/escrowd/internal/money"
	"github.com/kerjapay/escrowd/internal/traces"
)

// Refund returns part or all of a funded escrow's held amount to the
// client. Amounts outside (0, refundable remainder] are rejected, never
// clamped. Released milestone portions are untouchable.
func (s *Service) Refund(ctx context.Context, escrowNumber, amountStr, reason, actor string) (*RefundResult, error) {
	return s.refund(ctx, escrowNumber, amountStr, reason, actor, false)
}

// ResolveRefund is Refund invoked by the dispute resolver.
func (s *Service) ResolveRefund(ctx context.Context, escrowNumber, amountStr, reason, actor string) (*RefundResult, error) {
	return s.refund(ctx, escrowNumber, amountStr, reason, actor, true)
}

// ResolveRefundAll refunds the full refundable remainder of a disputed
// escrow. Dispute resolution uses it for full refunds, so that milestone
// portions already released to the freelancer are never asked for back.
func (s *Service) ResolveRefundAll(ctx context.Context, escrowNumber, reason, actor string) (*RefundResult, error) {
	e, err := s.escrows.Get(ctx, escrowNumber)
	if err != nil {
		return nil, err
	}
	refundable, err := s.refundableRemainder(ctx, e)
	if err != nil {
		return nil, err
	}
	return s.refund(ctx, escrowNumber, money.Format(refundable), reason, actor, true)
}

func (s *Service) refund(ctx context.Context, escrowNumber, amountStr, reason, actor string, viaResolver bool) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.refund",
		traces.EscrowNumber(escrowNumber), traces.Actor(actor))
	defer span.End()

	amount, err := money.Parse(amountStr)
	if err != nil || !money.IsPositive(amount) {
		audit.Write(ctx, s.trail, actor, "settlement.refund", escrowNumber, amountStr, audit.OutcomeRejected, "invalid amount")
		return nil, escrow.ErrInvalidAmount
	}

	e, err := s.escrows.Get(ctx, escrowNumber)
	if err != nil {
		return nil, err
	}

	if !viaResolver {
		if err := s.checkDisputeLock(ctx, escrowNumber); err != nil {
			audit.Write(ctx, s.trail, actor, "settlement.refund", escrowNumber, money.Format(amount), audit.OutcomeRejected, err.Error())
			return nil, err
		}
	}

	fromStatuses := []escrow.Status{escrow.StatusFunded, escrow.StatusPartialRefund}
	if viaResolver {
		fromStatuses = append(fromStatuses, escrow.StatusDisputed)
	}
	if !statusIn(e.Status, fromStatuses) {
		audit.Write(ctx, s.trail, actor, "settlement.refund", escrowNumber, money.Format(amount), audit.OutcomeRejected, string(e.Status))
		return nil, escrow.ErrInvalidStatus
	}

	refundable, err := s.refundableRemainder(ctx, e)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(refundable) {
		audit.Write(ctx, s.trail, actor, "settlement.refund", escrowNumber, money.Format(amount), audit.OutcomeRejected,
			fmt.Sprintf("refundable remainder is %s", money.Format(refundable)))
		return nil, ErrNotRefundable
	}

	number, err := s.refundRcpIDs.Next(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	unit := &RefundUnit{
		EscrowNumber: escrowNumber,
		Amount:       amount,
		FromStatuses: fromStatuses,
		Receipt: &Receipt{
			Number:       number,
			Type:         ReceiptRefund,
			EscrowNumber: escrowNumber,
			OwnerRef:     e.ClientRef,
			Amount:       amount,
			GatewayRef:   e.GatewayRef,
			Description:  reason,
			CreatedAt:    now,
		},
		At: now,
	}

	newStatus, err := s.store.Refund(ctx, unit)
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrConflict):
			audit.Write(ctx, s.trail, actor, "settlement.refund", escrowNumber, money.Format(amount), audit.OutcomeConflict, "concurrent transition")
		case errors.Is(err, escrow.ErrInvalidAmount):
			audit.Write(ctx, s.trail, actor, "settlement.refund", escrowNumber, money.Format(amount), audit.OutcomeRejected, "exceeds remaining amount")
		default:
			audit.Write(ctx, s.trail, actor, "settlement.refund", escrowNumber, money.Format(amount), audit.OutcomeError, err.Error())
		}
		return nil, err
	}

	metrics.RefundsTotal.WithLabelValues(string(newStatus)).Inc()
	audit.Write(ctx, s.trail, actor, "settlement.refund", escrowNumber, money.Format(amount), audit.OutcomeSuccess, reason)
	s.dispatch(ctx, e.ClientRef, "Refund issued",
		fmt.Sprintf("Refund of %s issued for escrow %s", money.Format(amount), escrowNumber))

	fresh, err := s.escrows.Get(ctx, escrowNumber)
	if err != nil {
		return nil, err
	}
	return &RefundResult{
		EscrowNumber:  escrowNumber,
		Amount:        amount,
		Remaining:     fresh.RemainingAmount(),
		Status:        newStatus,
		ReceiptNumber: number,
	}, nil
}

// refundableRemainder is the held amount minus refunds already issued and
// minus any milestone portions already released to the freelancer.
func (s *Service) refundableRemainder(ctx context.Context, e *escrow.Escrow) (decimal.Decimal, error) {
	released := decimal.Zero
	ms, err := s.escrows.Milestones(ctx, e.Number)
	if err != nil {
		return decimal.Zero, err
	}
	for _, m := range ms {
		if m.Status == escrow.MilestoneReleased {
			released = released.Add(m.Amount)
		}
	}
	return e.Amount.Sub(e.RefundedAmount).Sub(released), nil
}
