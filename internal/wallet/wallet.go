// Package wallet tracks freelancer balances on the platform.
//
// Flow:
//  1. Settlement credits the freelancer's available balance (final payout)
//  2. Freelancer requests a payout → available is debited, Payout pending
//  3. Payout completes externally, or fails and the debit is refunded
//
// Escrow release credits this internal balance; a Payout debits it
// externally. Withholding is already taken at settlement time, so the only
// payout-side fee is the flat transfer fee.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPayoutNotFound      = errors.New("payout not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrConflict            = errors.New("payout state changed concurrently")
)

// Entry types recorded against a balance.
const (
	EntryCredit       = "settlement_credit"
	EntryPayoutDebit  = "payout_debit"
	EntryPayoutRefund = "payout_refund"
)

// PayoutStatus represents the state of a withdrawal request.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutCancelled  PayoutStatus = "cancelled"
)

// Balance is a freelancer's wallet state.
type Balance struct {
	FreelancerRef string          `json:"freelancerRef"`
	Available     decimal.Decimal `json:"available"`
	TotalIn       decimal.Decimal `json:"totalIn"`
	TotalOut      decimal.Decimal `json:"totalOut"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Entry is one balance movement.
type Entry struct {
	ID            int64           `json:"id"`
	FreelancerRef string          `json:"freelancerRef"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference,omitempty"` // escrow or payout number
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Payout is a freelancer's withdrawal request.
type Payout struct {
	Number        string          `json:"number"`
	FreelancerRef string          `json:"freelancerRef"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	NetAmount     decimal.Decimal `json:"netAmount"`
	Destination   string          `json:"destination"`
	Status        PayoutStatus    `json:"status"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Store persists balances, entries, and payouts.
type Store interface {
	GetBalance(ctx context.Context, freelancerRef string) (*Balance, error)
	// Credit adds to available and records an entry. Called by the
	// settlement store inside its atomic unit.
	Credit(ctx context.Context, freelancerRef string, amount decimal.Decimal, reference, description string) error
	History(ctx context.Context, freelancerRef string, limit int) ([]*Entry, error)

	// CreatePayout debits available and creates the payout in one unit;
	// returns ErrInsufficientBalance without mutation when short.
	CreatePayout(ctx context.Context, p *Payout) error
	GetPayout(ctx context.Context, number string) (*Payout, error)
	PayoutNumberExists(ctx context.Context, number string) (bool, error)
	// MarkPayout applies a guarded payout transition. A transition to
	// failed or cancelled refunds the debited amount in the same unit.
	MarkPayout(ctx context.Context, number string, from []PayoutStatus, to PayoutStatus, reason string, at time.Time) error
}
