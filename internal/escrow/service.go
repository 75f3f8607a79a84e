package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kerjapay/escrowd/internal/audit"
	"github.com/kerjapay/escrowd/internal/fees"
	"github.com/kerjapay/escrowd/internal/idgen"
	"github.com/kerjapay/escrowd/internal/money"
)

// MilestoneInput describes one milestone at escrow creation time.
type MilestoneInput struct {
	Title  string `json:"title" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	GigID         string           `json:"gigId" binding:"required"`
	ClientRef     string           `json:"clientRef" binding:"required"`
	FreelancerRef string           `json:"freelancerRef" binding:"required"`
	Amount        string           `json:"amount" binding:"required"`
	Milestones    []MilestoneInput `json:"milestones"`
}

// FundRequest funds a gig's escrow after a verified gateway confirmation.
// If no pending escrow exists for the gig, one is created atomically with
// the funding event.
type FundRequest struct {
	CreateRequest
	GatewayRef string `json:"gatewayRef" binding:"required"`
}

// Service implements the escrow ledger business logic.
type Service struct {
	store Store
	ids   *idgen.Generator
	trail audit.Trail
}

// NewService creates a new escrow service. The identifier generator checks
// candidate numbers against the store.
func NewService(store Store, trail audit.Trail) *Service {
	s := &Service{store: store, trail: trail}
	s.ids = idgen.New(idgen.PrefixEscrow, func(ctx context.Context, id string) (bool, error) {
		return store.NumberExists(ctx, id)
	})
	return s
}

// Create opens a pending escrow for a gig, awaiting gateway confirmation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	e, ms, err := s.build(ctx, req)
	if err != nil {
		audit.Write(ctx, s.trail, req.ClientRef, "escrow.create", req.GigID, req.Amount, audit.OutcomeRejected, err.Error())
		return nil, err
	}
	if err := s.store.Create(ctx, e, ms); err != nil {
		audit.Write(ctx, s.trail, req.ClientRef, "escrow.create", e.Number, req.Amount, audit.OutcomeError, err.Error())
		return nil, fmt.Errorf("create escrow record: %w", err)
	}
	audit.Write(ctx, s.trail, req.ClientRef, "escrow.create", e.Number, money.Format(e.Amount), audit.OutcomeSuccess, "")
	return e, nil
}

// Fund marks a gig's escrow as funded. Only called after the gateway has
// confirmed the payment — never on an unverified client-side claim.
func (s *Service) Fund(ctx context.Context, req FundRequest) (*Escrow, error) {
	now := time.Now().UTC()

	existing, err := s.store.GetByGig(ctx, req.GigID)
	switch {
	case err == nil:
		if existing.Status != StatusPending {
			// Duplicate gateway delivery for an already-funded gig.
			if existing.GatewayRef == req.GatewayRef {
				return existing, nil
			}
			audit.Write(ctx, s.trail, req.ClientRef, "escrow.fund", existing.Number, req.Amount, audit.OutcomeRejected, string(existing.Status))
			return nil, ErrInvalidStatus
		}
		if err := s.store.MarkFunded(ctx, existing.Number, req.GatewayRef, now); err != nil {
			audit.Write(ctx, s.trail, req.ClientRef, "escrow.fund", existing.Number, req.Amount, audit.OutcomeConflict, err.Error())
			return nil, err
		}
		audit.Write(ctx, s.trail, req.ClientRef, "escrow.fund", existing.Number, money.Format(existing.Amount), audit.OutcomeSuccess, req.GatewayRef)
		return s.store.Get(ctx, existing.Number)

	case errors.Is(err, ErrNotFound):
		// No pending escrow: create one already funded, atomically with
		// the funding event.
		e, ms, buildErr := s.build(ctx, req.CreateRequest)
		if buildErr != nil {
			audit.Write(ctx, s.trail, req.ClientRef, "escrow.fund", req.GigID, req.Amount, audit.OutcomeRejected, buildErr.Error())
			return nil, buildErr
		}
		e.Status = StatusFunded
		e.GatewayRef = req.GatewayRef
		e.FundedAt = &now
		for _, m := range ms {
			m.Status = MilestoneFunded
		}
		if err := s.store.Create(ctx, e, ms); err != nil {
			audit.Write(ctx, s.trail, req.ClientRef, "escrow.fund", e.Number, req.Amount, audit.OutcomeError, err.Error())
			return nil, fmt.Errorf("create funded escrow: %w", err)
		}
		audit.Write(ctx, s.trail, req.ClientRef, "escrow.fund", e.Number, money.Format(e.Amount), audit.OutcomeSuccess, req.GatewayRef)
		return e, nil

	default:
		return nil, err
	}
}

// Cancel cancels a still-pending escrow. Funded escrows cannot be
// cancelled; refund is the only undo path once money is held.
func (s *Service) Cancel(ctx context.Context, number, actor string) (*Escrow, error) {
	if err := s.store.MarkCancelled(ctx, number); err != nil {
		audit.Write(ctx, s.trail, actor, "escrow.cancel", number, "", outcomeFor(err), err.Error())
		return nil, err
	}
	audit.Write(ctx, s.trail, actor, "escrow.cancel", number, "", audit.OutcomeSuccess, "")
	return s.store.Get(ctx, number)
}

// StartMilestone moves a funded milestone into in_progress.
func (s *Service) StartMilestone(ctx context.Context, number string, seq int, actor string) error {
	return s.milestoneTransition(ctx, number, seq, actor, MilestoneFunded, MilestoneInProgress, "milestone.start")
}

// SubmitMilestone marks an in-progress milestone as submitted for review.
func (s *Service) SubmitMilestone(ctx context.Context, number string, seq int, actor string) error {
	return s.milestoneTransition(ctx, number, seq, actor, MilestoneInProgress, MilestoneSubmitted, "milestone.submit")
}

// ApproveMilestone marks a submitted milestone as approved by the client.
func (s *Service) ApproveMilestone(ctx context.Context, number string, seq int, actor string) error {
	return s.milestoneTransition(ctx, number, seq, actor, MilestoneSubmitted, MilestoneApproved, "milestone.approve")
}

func (s *Service) milestoneTransition(ctx context.Context, number string, seq int, actor string, from, to MilestoneStatus, op string) error {
	if err := s.store.MarkMilestoneStatus(ctx, number, seq, from, to, time.Now().UTC()); err != nil {
		audit.Write(ctx, s.trail, actor, op, fmt.Sprintf("%s#%d", number, seq), "", outcomeFor(err), err.Error())
		return err
	}
	audit.Write(ctx, s.trail, actor, op, fmt.Sprintf("%s#%d", number, seq), "", audit.OutcomeSuccess, "")
	return nil
}

// Get returns an escrow by number.
func (s *Service) Get(ctx context.Context, number string) (*Escrow, error) {
	return s.store.Get(ctx, number)
}

// GetByGig returns the escrow held for a gig.
func (s *Service) GetByGig(ctx context.Context, gigID string) (*Escrow, error) {
	return s.store.GetByGig(ctx, gigID)
}

// Milestones lists the milestones of an escrow in sequence order.
func (s *Service) Milestones(ctx context.Context, number string) ([]*Milestone, error) {
	return s.store.Milestones(ctx, number)
}

// ListByParty returns escrows where the party is client or freelancer.
func (s *Service) ListByParty(ctx context.Context, partyRef string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyRef, limit)
}

func (s *Service) build(ctx context.Context, req CreateRequest) (*Escrow, []*Milestone, error) {
	amount, err := money.Parse(req.Amount)
	if err != nil || !money.IsPositive(amount) {
		return nil, nil, ErrInvalidAmount
	}
	if req.ClientRef == req.FreelancerRef {
		return nil, nil, fmt.Errorf("%w: client and freelancer cannot match", ErrInvalidAmount)
	}

	number, err := s.ids.Next(ctx)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	breakdown := fees.Compute(amount)
	e := &Escrow{
		Number:         number,
		GigID:          req.GigID,
		ClientRef:      req.ClientRef,
		FreelancerRef:  req.FreelancerRef,
		Amount:         amount,
		PlatformFee:    breakdown.Commission,
		NetAmount:      breakdown.Net,
		RefundedAmount: decimal.Zero,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ms, err := buildMilestones(number, amount, req.Milestones, now)
	if err != nil {
		return nil, nil, err
	}
	return e, ms, nil
}

func buildMilestones(number string, total decimal.Decimal, inputs []MilestoneInput, now time.Time) ([]*Milestone, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	sum := decimal.Zero
	ms := make([]*Milestone, 0, len(inputs))
	for i, in := range inputs {
		amount, err := money.Parse(in.Amount)
		if err != nil || !money.IsPositive(amount) {
			return nil, ErrInvalidAmount
		}
		sum = sum.Add(amount)
		ms = append(ms, &Milestone{
			EscrowNumber: number,
			Sequence:     i + 1,
			Title:        in.Title,
			Amount:       amount,
			Status:       MilestonePending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if sum.GreaterThan(total) {
		return nil, ErrMilestoneSum
	}
	return ms, nil
}

func outcomeFor(err error) audit.Outcome {
	switch {
	case errors.Is(err, ErrConflict):
		return audit.OutcomeConflict
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrMilestoneOrder), errors.Is(err, ErrMilestoneSum):
		return audit.OutcomeRejected
	default:
		return audit.OutcomeError
	}
}
