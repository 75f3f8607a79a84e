// Package escrow owns the escrow and milestone entities and their state
// machines.
//
// Flow:
//  1. Client payment is confirmed by the gateway → escrow funded
//  2. Work accepted → settlement releases funds (funded → released)
//  3. Or a refund/dispute moves it to refunded / partial_refund / disputed
//
// Every mutation is a guarded compare-and-set against the expected prior
// status, executed inside a single storage transaction, so two concurrent
// release or refund attempts cannot both apply. Escrow records are
// financial records and are never physically deleted.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("escrow not found")
	ErrMilestoneNotFound = errors.New("milestone not found")
	ErrInvalidStatus     = errors.New("invalid escrow status for this operation")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrConflict          = errors.New("escrow state changed concurrently")
	ErrMilestoneOrder    = errors.New("earlier milestones must be released first")
	ErrMilestoneSum      = errors.New("milestone amounts exceed escrow amount")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending       Status = "pending"        // Created, awaiting gateway confirmation
	StatusFunded        Status = "funded"         // Client funds held in trust
	StatusReleased      Status = "released"       // Settled to the freelancer (terminal)
	StatusRefunded      Status = "refunded"       // Fully refunded to the client (terminal)
	StatusPartialRefund Status = "partial_refund" // Partially refunded, remainder still held
	StatusDisputed      Status = "disputed"       // Frozen pending arbitration
	StatusCancelled     Status = "cancelled"      // Cancelled before funding (terminal)
)

// MilestoneStatus represents the state of a single milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneFunded     MilestoneStatus = "funded"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneApproved   MilestoneStatus = "approved"
	MilestoneReleased   MilestoneStatus = "released"
	MilestoneDisputed   MilestoneStatus = "disputed"
)

// Escrow is one gig's held funds.
type Escrow struct {
	Number         string          `json:"number"`
	GigID          string          `json:"gigId"`
	ClientRef      string          `json:"clientRef"`
	FreelancerRef  string          `json:"freelancerRef"`
	Amount         decimal.Decimal `json:"amount"`
	PlatformFee    decimal.Decimal `json:"platformFee"`
	NetAmount      decimal.Decimal `json:"netAmount"`
	RefundedAmount decimal.Decimal `json:"refundedAmount"`
	Status         Status          `json:"status"`
	GatewayRef     string          `json:"gatewayRef,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	FundedAt       *time.Time      `json:"fundedAt,omitempty"`
	ReleasedAt     *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt     *time.Time      `json:"refundedAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// RemainingAmount is the portion not yet refunded.
// Invariant: 0 <= RefundedAmount <= Amount at all times.
func (e *Escrow) RemainingAmount() decimal.Decimal {
	return e.Amount.Sub(e.RefundedAmount)
}

// IsTerminal returns true if no further fund movement is possible.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Milestone is a sequenced slice of an escrow's amount tied to a phase of
// work. Sum of milestone amounts never exceeds the parent amount.
type Milestone struct {
	EscrowNumber string          `json:"escrowNumber"`
	Sequence     int             `json:"sequence"`
	Title        string          `json:"title"`
	Amount       decimal.Decimal `json:"amount"`
	Status       MilestoneStatus `json:"status"`
	ReleasedAt   *time.Time      `json:"releasedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Store persists escrows and milestones.
//
// Transition methods are guarded: they apply only if the persisted status
// still matches the expected pre-state, and return ErrConflict otherwise.
// The release and refund transitions are owned by the settlement store so
// they commit atomically with the records they produce.
type Store interface {
	Create(ctx context.Context, e *Escrow, ms []*Milestone) error
	Get(ctx context.Context, number string) (*Escrow, error)
	GetByGig(ctx context.Context, gigID string) (*Escrow, error)
	GetByGatewayRef(ctx context.Context, gatewayRef string) (*Escrow, error)
	NumberExists(ctx context.Context, number string) (bool, error)
	ListByParty(ctx context.Context, partyRef string, limit int) ([]*Escrow, error)

	Milestones(ctx context.Context, number string) ([]*Milestone, error)
	GetMilestone(ctx context.Context, number string, seq int) (*Milestone, error)

	// MarkFunded transitions pending → funded and stamps the gateway
	// reference; milestones move pending → funded with it.
	MarkFunded(ctx context.Context, number, gatewayRef string, at time.Time) error
	// MarkDisputed freezes a funded or partially refunded escrow.
	MarkDisputed(ctx context.Context, number string) error
	// ReopenFunded unfreezes a disputed escrow after a no-fund-movement
	// resolution.
	ReopenFunded(ctx context.Context, number string) error
	// MarkCancelled cancels a still-pending escrow.
	MarkCancelled(ctx context.Context, number string) error
	// MarkMilestoneStatus applies one guarded milestone transition.
	MarkMilestoneStatus(ctx context.Context, number string, seq int, from, to MilestoneStatus, at time.Time) error
}
