package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeClient implements Client against Stripe. All escrow amounts are
// USD; Stripe wants minor units.
type StripeClient struct {
	webhookSecret string
}

// NewStripeClient configures the Stripe SDK. The api key is process-wide,
// matching how the SDK's package-level bindings work.
func NewStripeClient(apiKey, webhookSecret string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{webhookSecret: webhookSecret}
}

func (s *StripeClient) CreatePayment(ctx context.Context, amount decimal.Decimal, gigID, clientRef string) (*Payment, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(amount)),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.Context = ctx
	params.AddMetadata("gig_id", gigID)
	params.AddMetadata("client_ref", clientRef)

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: create payment intent: %v", ErrGateway, err)
	}
	return paymentFromIntent(pi), nil
}

func (s *StripeClient) VerifyPayment(ctx context.Context, ref string) (*Payment, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(ref, params)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch payment intent %s: %v", ErrGateway, ref, err)
	}
	p := paymentFromIntent(pi)
	if !p.Succeeded {
		return p, ErrPaymentNotSettled
	}
	return p, nil
}

func (s *StripeClient) CreateRefund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(toMinorUnits(amount)),
	}
	params.Context = ctx
	r, err := refund.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: create refund for %s: %v", ErrGateway, paymentRef, err)
	}
	return r.ID, nil
}

func (s *StripeClient) ParseWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	out := &Event{
		ID:         event.ID,
		Type:       string(event.Type),
		ReceivedAt: time.Now().UTC(),
	}

	switch out.Type {
	case EventPaymentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.PaymentRef = pi.ID
		out.Amount = fromMinorUnits(pi.Amount)
		out.GigID = pi.Metadata["gig_id"]

	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent != nil {
			out.PaymentRef = ch.PaymentIntent.ID
		}
		out.Amount = fromMinorUnits(ch.AmountRefunded)
	}
	return out, nil
}

func paymentFromIntent(pi *stripe.PaymentIntent) *Payment {
	return &Payment{
		Ref:       pi.ID,
		Amount:    fromMinorUnits(pi.Amount),
		Currency:  string(pi.Currency),
		Status:    string(pi.Status),
		Succeeded: pi.Status == stripe.PaymentIntentStatusSucceeded,
		GigID:     pi.Metadata["gig_id"],
	}
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}

func fromMinorUnits(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).Round(2)
}
