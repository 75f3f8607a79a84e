// Package dispute handles claims against an escrow and their resolution.
//
// Filing a dispute freezes the escrow: settlement and refund treat an
// open dispute as a hard lock, so no funds move until an arbiter resolves
// it. Resolution delegates to the settlement service exactly once — only
// the winner of the dispute's own guarded transition dispatches funds.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("dispute not found")
	ErrInvalidStatus     = errors.New("invalid dispute status for this operation")
	ErrConflict          = errors.New("dispute state changed concurrently")
	ErrAmountRequired    = errors.New("partial refund resolution requires an amount")
	ErrAlreadyDisputed   = errors.New("escrow already has an open dispute")
	ErrInvalidResolution = errors.New("unknown resolution type")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen             Status = "open"
	StatusUnderReview      Status = "under_review"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusResolved         Status = "resolved"
	StatusEscalated        Status = "escalated"
	StatusClosed           Status = "closed"
)

// ResolutionType is the outcome category chosen by the arbiter.
type ResolutionType string

const (
	ResolveRefundFull      ResolutionType = "refund_full"
	ResolveRefundPartial   ResolutionType = "refund_partial"
	ResolveReleasePayment  ResolutionType = "release_payment"
	ResolveNoAction        ResolutionType = "no_action"
	ResolveMutualAgreement ResolutionType = "mutual_agreement"
)

// Dispute is a claim against an escrow.
type Dispute struct {
	Number         string         `json:"number"`
	EscrowNumber   string         `json:"escrowNumber"`
	GigID          string         `json:"gigId"`
	FilerRef       string         `json:"filerRef"`
	RespondentRef  string         `json:"respondentRef"`
	Type           string         `json:"type"` // quality, non_delivery, overcharge, other
	Description    string         `json:"description,omitempty"`
	Status         Status         `json:"status"`
	ResolutionType ResolutionType `json:"resolutionType,omitempty"`
	ResolverRef    string         `json:"resolverRef,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, number string) (*Dispute, error)
	NumberExists(ctx context.Context, number string) (bool, error)
	ListByEscrow(ctx context.Context, escrowNumber string) ([]*Dispute, error)
	// HasOpenDispute reports an unresolved dispute on the escrow. Also
	// serves settlement's hard-lock check.
	HasOpenDispute(ctx context.Context, escrowNumber string) (bool, error)
	// MarkResolved is the guarded transition to resolved; exactly one
	// caller wins, and only the winner dispatches funds.
	MarkResolved(ctx context.Context, number string, resolution ResolutionType, resolverRef string, at time.Time) error
	// MarkClosed closes a resolved dispute.
	MarkClosed(ctx context.Context, number string) error
	// MarkStatus applies review-flow transitions (under_review,
	// awaiting_response, escalated).
	MarkStatus(ctx context.Context, number string, from []Status, to Status) error
}
