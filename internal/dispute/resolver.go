package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kerjapay/escrowd/internal/audit"
	"github.com/kerjapay/escrowd/internal/escrow"
	"github.com/kerjapay/escrowd/internal/idgen"
	"github.com/kerjapay/escrowd/internal/metrics"
	"github.com/kerjapay/escrowd/internal/settlement"
)

// Releaser settles a disputed escrow. Implemented by the settlement
// service; declared here so dispute does not import it.
type Releaser interface {
	ResolveRelease(ctx context.Context, escrowNumber, actor string, milestoneSeq int) (*settlement.Result, error)
}

// Refunder refunds a disputed escrow.
type Refunder interface {
	ResolveRefund(ctx context.Context, escrowNumber, amount, reason, actor string) (*settlement.RefundResult, error)
	// ResolveRefundAll refunds whatever remains refundable, excluding
	// milestone portions already released.
	ResolveRefundAll(ctx context.Context, escrowNumber, reason, actor string) (*settlement.RefundResult, error)
}

// FileRequest contains the parameters for filing a dispute.
type FileRequest struct {
	EscrowNumber string `json:"escrowNumber" binding:"required"`
	FilerRef     string `json:"filerRef" binding:"required"`
	Type         string `json:"type" binding:"required"`
	Description  string `json:"description"`
}

// ResolveRequest contains the parameters for resolving a dispute.
type ResolveRequest struct {
	Resolution  ResolutionType `json:"resolution" binding:"required"`
	ResolverRef string         `json:"resolverRef" binding:"required"`
	// Amount is required for refund_partial, ignored otherwise.
	Amount string `json:"amount"`
}

// Resolver implements dispute filing and resolution.
type Resolver struct {
	store    Store
	escrows  escrow.Store
	releaser Releaser
	refunder Refunder
	trail    audit.Trail
	ids      *idgen.Generator
}

// NewResolver creates a dispute resolver.
func NewResolver(store Store, escrows escrow.Store, releaser Releaser, refunder Refunder, trail audit.Trail) *Resolver {
	r := &Resolver{store: store, escrows: escrows, releaser: releaser, refunder: refunder, trail: trail}
	r.ids = idgen.New(idgen.PrefixDispute, func(ctx context.Context, id string) (bool, error) {
		return store.NumberExists(ctx, id)
	})
	return r
}

// File opens a dispute against a funded escrow and freezes it.
func (r *Resolver) File(ctx context.Context, req FileRequest) (*Dispute, error) {
	e, err := r.escrows.Get(ctx, req.EscrowNumber)
	if err != nil {
		return nil, err
	}

	open, err := r.store.HasOpenDispute(ctx, req.EscrowNumber)
	if err != nil {
		return nil, err
	}
	if open {
		audit.Write(ctx, r.trail, req.FilerRef, "dispute.file", req.EscrowNumber, "", audit.OutcomeRejected, "already disputed")
		return nil, ErrAlreadyDisputed
	}

	respondent := e.FreelancerRef
	if req.FilerRef == e.FreelancerRef {
		respondent = e.ClientRef
	}

	number, err := r.ids.Next(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	d := &Dispute{
		Number:        number,
		EscrowNumber:  e.Number,
		GigID:         e.GigID,
		FilerRef:      req.FilerRef,
		RespondentRef: respondent,
		Type:          req.Type,
		Description:   req.Description,
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Freeze the escrow first; a conflict means someone settled or
	// refunded it before the dispute landed.
	if err := r.escrows.MarkDisputed(ctx, e.Number); err != nil {
		audit.Write(ctx, r.trail, req.FilerRef, "dispute.file", e.Number, "", audit.OutcomeConflict, err.Error())
		return nil, err
	}
	if err := r.store.Create(ctx, d); err != nil {
		// Unfreeze; the dispute record never existed.
		_ = r.escrows.ReopenFunded(ctx, e.Number)
		audit.Write(ctx, r.trail, req.FilerRef, "dispute.file", e.Number, "", audit.OutcomeError, err.Error())
		return nil, fmt.Errorf("create dispute record: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("filed").Inc()
	audit.Write(ctx, r.trail, req.FilerRef, "dispute.file", number, "", audit.OutcomeSuccess, string(e.Status))
	return d, nil
}

// Resolve transitions an open dispute to resolved and dispatches the
// chosen outcome. The dispute's guarded transition makes resolution
// exactly-once: a concurrent resolver loses and moves no funds.
func (r *Resolver) Resolve(ctx context.Context, number string, req ResolveRequest) (*Dispute, error) {
	d, err := r.store.Get(ctx, number)
	if err != nil {
		return nil, err
	}

	switch req.Resolution {
	case ResolveRefundFull, ResolveRefundPartial, ResolveReleasePayment, ResolveNoAction, ResolveMutualAgreement:
	default:
		return nil, ErrInvalidResolution
	}
	if req.Resolution == ResolveRefundPartial && req.Amount == "" {
		return nil, ErrAmountRequired
	}

	now := time.Now().UTC()
	if err := r.store.MarkResolved(ctx, number, req.Resolution, req.ResolverRef, now); err != nil {
		outcome := audit.OutcomeError
		if errors.Is(err, ErrConflict) {
			outcome = audit.OutcomeConflict
		}
		audit.Write(ctx, r.trail, req.ResolverRef, "dispute.resolve", number, "", outcome, err.Error())
		return nil, err
	}

	if err := r.dispatch(ctx, d, req); err != nil {
		// Funds did not move. Put the dispute back in its prior status so
		// the arbiter can re-resolve once the failure clears; a dispute
		// left resolved here would strand the escrow in disputed forever.
		if revertErr := r.store.MarkStatus(ctx, number, []Status{StatusResolved}, d.Status); revertErr != nil {
			audit.Write(ctx, r.trail, req.ResolverRef, "dispute.resolve", number, "", audit.OutcomeError,
				"revert after failed dispatch: "+revertErr.Error())
		}
		audit.Write(ctx, r.trail, req.ResolverRef, "dispute.resolve", number, "", audit.OutcomeError, err.Error())
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	audit.Write(ctx, r.trail, req.ResolverRef, "dispute.resolve", number, "", audit.OutcomeSuccess, string(req.Resolution))
	return r.store.Get(ctx, number)
}

func (r *Resolver) dispatch(ctx context.Context, d *Dispute, req ResolveRequest) error {
	actor := req.ResolverRef
	switch req.Resolution {
	case ResolveReleasePayment:
		_, err := r.releaser.ResolveRelease(ctx, d.EscrowNumber, actor, 0)
		return err

	case ResolveRefundFull:
		_, err := r.refunder.ResolveRefundAll(ctx, d.EscrowNumber,
			"dispute "+d.Number+" resolved: full refund", actor)
		return err

	case ResolveRefundPartial:
		_, err := r.refunder.ResolveRefund(ctx, d.EscrowNumber,
			req.Amount, "dispute "+d.Number+" resolved: partial refund", actor)
		return err

	case ResolveNoAction, ResolveMutualAgreement:
		// No fund movement; unfreeze the escrow and close out.
		if err := r.escrows.ReopenFunded(ctx, d.EscrowNumber); err != nil && !errors.Is(err, escrow.ErrConflict) {
			return err
		}
		return r.store.MarkClosed(ctx, d.Number)
	}
	return ErrInvalidResolution
}

// StartReview moves an open dispute under review.
func (r *Resolver) StartReview(ctx context.Context, number, actor string) error {
	if err := r.store.MarkStatus(ctx, number, []Status{StatusOpen, StatusAwaitingResponse}, StatusUnderReview); err != nil {
		return err
	}
	audit.Write(ctx, r.trail, actor, "dispute.review", number, "", audit.OutcomeSuccess, "")
	return nil
}

// RequestResponse asks the respondent for input.
func (r *Resolver) RequestResponse(ctx context.Context, number, actor string) error {
	return r.store.MarkStatus(ctx, number, []Status{StatusOpen, StatusUnderReview}, StatusAwaitingResponse)
}

// Escalate marks a dispute escalated to senior arbitration.
func (r *Resolver) Escalate(ctx context.Context, number, actor string) error {
	if err := r.store.MarkStatus(ctx, number, []Status{StatusOpen, StatusUnderReview, StatusAwaitingResponse}, StatusEscalated); err != nil {
		return err
	}
	audit.Write(ctx, r.trail, actor, "dispute.escalate", number, "", audit.OutcomeSuccess, "")
	return nil
}

// Get returns a dispute by number.
func (r *Resolver) Get(ctx context.Context, number string) (*Dispute, error) {
	return r.store.Get(ctx, number)
}

// ListByEscrow returns all disputes filed against an escrow.
func (r *Resolver) ListByEscrow(ctx context.Context, escrowNumber string) ([]*Dispute, error) {
	return r.store.ListByEscrow(ctx, escrowNumber)
}
