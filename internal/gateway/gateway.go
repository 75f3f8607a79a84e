// Package gateway integrates the payment gateway that funds escrows and
// originates refunds. Incoming webhook events are deduplicated by the
// gateway's event id so redelivered events never double-apply.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrBadSignature means the webhook payload failed signature verification.
	ErrBadSignature = errors.New("invalid webhook signature")
	// ErrGateway wraps failures talking to the payment gateway.
	ErrGateway = errors.New("gateway error")
	// ErrPaymentNotSettled means the referenced payment has not succeeded.
	ErrPaymentNotSettled = errors.New("payment not settled at gateway")
)

// Payment is the gateway's view of a client payment.
type Payment struct {
	Ref       string          `json:"ref"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	Succeeded bool            `json:"succeeded"`
	GigID     string          `json:"gigId,omitempty"`
}

// Client talks to the payment gateway.
type Client interface {
	// CreatePayment opens a payment intent for an escrow's gross amount.
	CreatePayment(ctx context.Context, amount decimal.Decimal, gigID, clientRef string) (*Payment, error)
	// VerifyPayment fetches the payment and reports whether it settled.
	VerifyPayment(ctx context.Context, ref string) (*Payment, error)
	// CreateRefund pushes a refund for a previously settled payment.
	CreateRefund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error)
	// ParseWebhook verifies the signature and decodes the event.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// Event is a verified, decoded webhook event.
type Event struct {
	ID         string
	Type       string
	PaymentRef string
	Amount     decimal.Decimal
	GigID      string
	ReceivedAt time.Time
}

// Event types the engine reacts to. Everything else is acknowledged
// and ignored.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventChargeRefunded   = "charge.refunded"
)

// Store is the webhook event log. ClaimEvent is the idempotency gate:
// it reports false when the event id already reached a terminal outcome,
// so redeliveries never double-apply. A failed attempt releases its
// claim, letting the gateway's retry of the same event id run again.
type Store interface {
	ClaimEvent(ctx context.Context, e *Event) (bool, error)
	MarkProcessed(ctx context.Context, id string, outcome string) error
}
