// Package settlement orchestrates escrow releases and refunds.
//
// A release computes the platform commission and statutory withholding,
// creates the Transaction, per-party Receipts, and the withholding record,
// credits the freelancer's wallet, and transitions the escrow — all as one
// atomic unit. Re-running a release is a no-op returning the existing
// result. Refunds maintain the refunded-amount invariant and never touch
// an already-released milestone portion.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kerjapay/escrowd/internal/escrow"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrReceiptNotFound     = errors.New("receipt not found")
	ErrDisputeOpen         = errors.New("escrow has an open dispute")
	ErrNotRefundable       = errors.New("amount exceeds refundable remainder")
)

// TransactionStatus — transactions record completed money movements only.
const TransactionCompleted = "completed"

// Transaction is the immutable record of one completed money movement.
// Exactly one exists per successful release of an escrow or milestone.
type Transaction struct {
	Ref               string          `json:"ref"`
	EscrowNumber      string          `json:"escrowNumber"`
	MilestoneSeq      int             `json:"milestoneSeq,omitempty"` // 0 = whole escrow
	GigID             string          `json:"gigId"`
	ClientRef         string          `json:"clientRef"`
	FreelancerRef     string          `json:"freelancerRef"`
	Amount            decimal.Decimal `json:"amount"` // gross
	Commission        decimal.Decimal `json:"commission"`
	NetAmount         decimal.Decimal `json:"netAmount"`
	WithholdingAmount decimal.Decimal `json:"withholdingAmount"`
	PaymentMethod     string          `json:"paymentMethod,omitempty"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// ReceiptType classifies a receipt.
type ReceiptType string

const (
	ReceiptEscrowFunding ReceiptType = "escrow_funding"
	ReceiptPayment       ReceiptType = "payment"
	ReceiptRefund        ReceiptType = "refund"
	ReceiptPayout        ReceiptType = "payout"
)

// Receipt is a human-facing proof of payment, one per (escrow, type,
// owner). Immutable once created; creation is skipped, never duplicated,
// when one already exists for the same escrow+type+owner. Refund receipts
// are the exception: each refund produces its own.
type Receipt struct {
	Number       string          `json:"number"`
	Type         ReceiptType     `json:"type"`
	EscrowNumber string          `json:"escrowNumber,omitempty"`
	OwnerRef     string          `json:"ownerRef"`
	Amount       decimal.Decimal `json:"amount"`
	GatewayRef   string          `json:"gatewayRef,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Withholding is the compliance record of the statutory worker-security
// deduction taken from one settlement. Amounts are never updated after
// creation; only the remittance fields change, once, when the deduction
// is remitted to the regulator.
type Withholding struct {
	ID             int64           `json:"id"`
	FreelancerRef  string          `json:"freelancerRef"`
	TransactionRef string          `json:"transactionRef"`
	GigID          string          `json:"gigId"`
	GrossAmount    decimal.Decimal `json:"grossAmount"`
	Commission     decimal.Decimal `json:"commission"`
	NetEarnings    decimal.Decimal `json:"netEarnings"`
	Amount         decimal.Decimal `json:"amount"` // 1.25% of net earnings
	FinalPayout    decimal.Decimal `json:"finalPayout"`
	PeriodYear     int             `json:"periodYear"`
	PeriodMonth    int             `json:"periodMonth"`
	Remitted       bool            `json:"remitted"`
	RemittanceRef  string          `json:"remittanceRef,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Result is emitted after a release; consumed by notification dispatch.
type Result struct {
	EscrowNumber   string          `json:"escrowNumber"`
	MilestoneSeq   int             `json:"milestoneSeq,omitempty"`
	TransactionRef string          `json:"transactionRef"`
	Gross          decimal.Decimal `json:"gross"`
	Commission     decimal.Decimal `json:"commission"`
	Net            decimal.Decimal `json:"net"`
	Withholding    decimal.Decimal `json:"withholding"`
	Payout         decimal.Decimal `json:"payout"`
	Receipts       []*Receipt      `json:"receipts"`
	AlreadySettled bool            `json:"alreadySettled"`
}

// RefundResult is emitted after a refund.
type RefundResult struct {
	EscrowNumber  string          `json:"escrowNumber"`
	Amount        decimal.Decimal `json:"amount"`
	Remaining     decimal.Decimal `json:"remaining"`
	Status        escrow.Status   `json:"status"`
	ReceiptNumber string          `json:"receiptNumber"`
}

// SettleUnit is everything one release commits atomically.
type SettleUnit struct {
	EscrowNumber string
	MilestoneSeq int // 0 = whole escrow
	// FromStatuses guards the escrow (or milestone) transition; the
	// store returns escrow.ErrConflict when the persisted state no
	// longer matches.
	FromStatuses          []escrow.Status
	FromMilestoneStatuses []escrow.MilestoneStatus
	Txn                   *Transaction
	Receipts              []*Receipt
	Withholding           *Withholding
	CreditAmount          decimal.Decimal
	At                    time.Time
}

// RefundUnit is everything one refund commits atomically.
type RefundUnit struct {
	EscrowNumber string
	Amount       decimal.Decimal
	FromStatuses []escrow.Status
	Receipt      *Receipt
	At           time.Time
}

// Store persists settlement records. Settle and Refund are single atomic
// units: either everything commits or nothing does.
type Store interface {
	Settle(ctx context.Context, u *SettleUnit) error
	Refund(ctx context.Context, u *RefundUnit) (escrow.Status, error)

	GetTransaction(ctx context.Context, escrowNumber string, milestoneSeq int) (*Transaction, error)
	TransactionRefExists(ctx context.Context, ref string) (bool, error)

	CreateReceipt(ctx context.Context, r *Receipt) error
	GetReceipt(ctx context.Context, number string) (*Receipt, error)
	ReceiptNumberExists(ctx context.Context, number string) (bool, error)
	ReceiptsByEscrow(ctx context.Context, escrowNumber string) ([]*Receipt, error)

	ListWithholdings(ctx context.Context, year, month int) ([]*Withholding, error)
	// MarkWithholdingsRemitted records remittance to the regulator; the
	// computed amounts are never altered.
	MarkWithholdingsRemitted(ctx context.Context, ids []int64, remittanceRef string) error
}

// DisputeChecker reports whether an escrow has an unresolved dispute.
// Implemented by the dispute store; an open dispute hard-blocks direct
// settlement and refund until resolved.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, escrowNumber string) (bool, error)
}

// Notifier delivers best-effort post-commit notifications.
type Notifier interface {
	Notify(ctx context.Context, userRef, subject, message string)
}
