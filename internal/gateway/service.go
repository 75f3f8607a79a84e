package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/kerjapay/escrowd/internal/escrow"
	"github.com/kerjapay/escrowd/internal/logging"
	"github.com/kerjapay/escrowd/internal/metrics"
	"github.com/kerjapay/escrowd/internal/money"
	"github.com/kerjapay/escrowd/internal/settlement"
	"github.com/kerjapay/escrowd/internal/syncutil"
)

// Funder applies verified gateway payments to escrows.
type Funder interface {
	Fund(ctx context.Context, req escrow.FundRequest) (*escrow.Escrow, error)
}

// Refunder applies gateway-originated refunds to escrows.
type Refunder interface {
	Refund(ctx context.Context, escrowNumber, amount, reason, actor string) (*settlement.RefundResult, error)
}

// Outcomes recorded against a processed event. Failed is the only
// non-terminal one: it releases the dedup claim for the next delivery.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// Processor verifies, deduplicates, and dispatches webhook events.
type Processor struct {
	client   Client
	store    Store
	escrows  escrow.Store
	funder   Funder
	refunder Refunder

	// Serializes event application per payment reference. Stripe may
	// deliver distinct events touching the same payment concurrently;
	// applying them one at a time avoids spurious CAS conflicts.
	locks *syncutil.ContextShardedMutex
}

func NewProcessor(client Client, store Store, escrows escrow.Store, funder Funder, refunder Refunder) *Processor {
	return &Processor{
		client:   client,
		store:    store,
		escrows:  escrows,
		funder:   funder,
		refunder: refunder,
		locks:    syncutil.NewContextShardedMutex(),
	}
}

// Process handles one raw webhook delivery. A nil error means the event
// reached a terminal outcome and must be acknowledged with 200; a non-nil
// error means the delivery must be NACKed so the gateway redelivers it.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) (string, error) {
	event, err := p.client.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, ErrBadSignature) {
			metrics.GatewayEventsTotal.WithLabelValues("bad_signature").Inc()
		}
		return "", err
	}

	claimed, err := p.store.ClaimEvent(ctx, event)
	if err != nil {
		return "", fmt.Errorf("record gateway event: %w", err)
	}
	if !claimed {
		// Redelivery of an event we already handled.
		metrics.GatewayEventsTotal.WithLabelValues(OutcomeDuplicate).Inc()
		return OutcomeDuplicate, nil
	}

	unlock, err := p.locks.LockContext(ctx, event.PaymentRef)
	if err != nil {
		return "", err
	}
	outcome, dispatchErr := p.dispatch(ctx, event)
	unlock()
	metrics.GatewayEventsTotal.WithLabelValues(outcome).Inc()
	if err := p.store.MarkProcessed(ctx, event.ID, outcome); err != nil {
		logging.L(ctx).Warn("mark gateway event processed", "event", event.ID, "error", err)
	}
	if dispatchErr != nil {
		// The failed outcome released the claim; surfacing the error turns
		// into a non-2xx reply so the gateway retries the same event id.
		return outcome, fmt.Errorf("apply gateway event %s: %w", event.ID, dispatchErr)
	}
	return outcome, nil
}

func (p *Processor) dispatch(ctx context.Context, event *Event) (string, error) {
	log := logging.L(ctx).With("event", event.ID, "type", event.Type)

	switch event.Type {
	case EventPaymentSucceeded:
		target, err := p.escrows.GetByGig(ctx, event.GigID)
		if err != nil {
			// Payment for a gig with no escrow yet; nothing to apply
			// it to. Stripe retries do not help, so acknowledge.
			log.Warn("payment for unknown gig", "gig", event.GigID, "error", err)
			return OutcomeIgnored, nil
		}
		_, err = p.funder.Fund(ctx, escrow.FundRequest{
			CreateRequest: escrow.CreateRequest{
				GigID:         target.GigID,
				ClientRef:     target.ClientRef,
				FreelancerRef: target.FreelancerRef,
				Amount:        money.Format(target.Amount),
			},
			GatewayRef: event.PaymentRef,
		})
		if err != nil {
			log.Error("apply gateway funding", "gig", event.GigID, "error", err)
			return OutcomeFailed, err
		}
		log.Info("escrow funded from gateway event", "gig", event.GigID, "payment", event.PaymentRef)
		return OutcomeProcessed, nil

	case EventChargeRefunded:
		target, err := p.escrows.GetByGatewayRef(ctx, event.PaymentRef)
		if err != nil {
			log.Warn("refund for unknown payment", "payment", event.PaymentRef, "error", err)
			return OutcomeIgnored, nil
		}
		_, err = p.refunder.Refund(ctx, target.Number,
			money.Format(event.Amount), "gateway refund "+event.ID, "gateway")
		if err != nil {
			log.Error("apply gateway refund", "escrow", target.Number, "error", err)
			return OutcomeFailed, err
		}
		log.Info("refund applied from gateway event", "escrow", target.Number)
		return OutcomeProcessed, nil

	default:
		return OutcomeIgnored, nil
	}
}
