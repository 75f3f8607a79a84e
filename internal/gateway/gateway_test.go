package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerjapay/escrowd/internal/audit"
	"github.com/kerjapay/escrowd/internal/escrow"
	"github.com/kerjapay/escrowd/internal/settlement"
	"github.com/kerjapay/escrowd/internal/wallet"
)

// fakeClient returns canned events keyed by webhook payload.
type fakeClient struct {
	events map[string]*Event
}

func (f *fakeClient) CreatePayment(ctx context.Context, amount decimal.Decimal, gigID, clientRef string) (*Payment, error) {
	return &Payment{Ref: "pi_fake", Amount: amount, GigID: gigID, Status: "requires_payment_method"}, nil
}

func (f *fakeClient) VerifyPayment(ctx context.Context, ref string) (*Payment, error) {
	return &Payment{Ref: ref, Succeeded: true, Status: "succeeded"}, nil
}

func (f *fakeClient) CreateRefund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error) {
	return "re_fake", nil
}

func (f *fakeClient) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if signature != "valid" {
		return nil, ErrBadSignature
	}
	e, ok := f.events[string(payload)]
	if !ok {
		return &Event{ID: "evt_unknown", Type: "customer.created", ReceivedAt: time.Now().UTC()}, nil
	}
	cp := *e
	return &cp, nil
}

type harness struct {
	escrows   *escrow.MemoryStore
	escrowSvc *escrow.Service
	events    *MemoryStore
	client    *fakeClient
	processor *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	trail := audit.NewMemoryTrail()
	escrows := escrow.NewMemoryStore()
	wallets := wallet.NewMemoryStore()
	escrowSvc := escrow.NewService(escrows, trail)
	settlements := settlement.NewService(settlement.NewMemoryStore(escrows, wallets), escrows, trail)
	events := NewMemoryStore()
	client := &fakeClient{events: make(map[string]*Event)}

	return &harness{
		escrows:   escrows,
		escrowSvc: escrowSvc,
		events:    events,
		client:    client,
		processor: NewProcessor(client, events, escrows, escrowSvc, settlements),
	}
}

func (h *harness) createPendingEscrow(t *testing.T, gigID, amount string) *escrow.Escrow {
	t.Helper()
	e, err := h.escrowSvc.Create(context.Background(), escrow.CreateRequest{
		GigID:         gigID,
		ClientRef:     "client-1",
		FreelancerRef: "freelancer-1",
		Amount:        amount,
	})
	require.NoError(t, err)
	return e
}

func TestProcess_PaymentSucceededFundsEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createPendingEscrow(t, "gig-1", "500.00")

	h.client.events["fund"] = &Event{
		ID:         "evt_1",
		Type:       EventPaymentSucceeded,
		PaymentRef: "pi_123",
		Amount:     decimal.RequireFromString("500.00"),
		GigID:      "gig-1",
		ReceivedAt: time.Now().UTC(),
	}

	outcome, err := h.processor.Process(ctx, []byte("fund"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	got, err := h.escrows.Get(ctx, e.Number)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, got.Status)
	assert.Equal(t, "pi_123", got.GatewayRef)
}

func TestProcess_RedeliveryIsDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createPendingEscrow(t, "gig-1", "500.00")

	h.client.events["fund"] = &Event{
		ID:         "evt_1",
		Type:       EventPaymentSucceeded,
		PaymentRef: "pi_123",
		GigID:      "gig-1",
		ReceivedAt: time.Now().UTC(),
	}

	outcome, err := h.processor.Process(ctx, []byte("fund"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	outcome, err = h.processor.Process(ctx, []byte("fund"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

// flakyFunder fails a configured number of calls before delegating.
type flakyFunder struct {
	inner    Funder
	failures int
}

func (f *flakyFunder) Fund(ctx context.Context, req escrow.FundRequest) (*escrow.Escrow, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("escrow store unavailable")
	}
	return f.inner.Fund(ctx, req)
}

func TestProcess_FailedFundingRetriedOnRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createPendingEscrow(t, "gig-1", "500.00")

	flaky := &flakyFunder{inner: h.escrowSvc, failures: 1}
	processor := NewProcessor(h.client, h.events, h.escrows, flaky, nil)

	h.client.events["fund"] = &Event{
		ID:         "evt_1",
		Type:       EventPaymentSucceeded,
		PaymentRef: "pi_123",
		Amount:     decimal.RequireFromString("500.00"),
		GigID:      "gig-1",
		ReceivedAt: time.Now().UTC(),
	}

	// The first delivery fails transiently. It must not be acknowledged
	// as handled, or the funding would be lost for good.
	outcome, err := processor.Process(ctx, []byte("fund"), "valid")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, OutcomeFailed, h.events.Outcome("evt_1"))

	got, err := h.escrows.Get(ctx, e.Number)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPending, got.Status)

	// The gateway redelivers the same event id; the failed outcome
	// released the dedup claim so the retry applies the funding.
	outcome, err = processor.Process(ctx, []byte("fund"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	got, err = h.escrows.Get(ctx, e.Number)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, got.Status)

	// A third delivery is a true duplicate.
	outcome, err = processor.Process(ctx, []byte("fund"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestProcess_ChargeRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createPendingEscrow(t, "gig-1", "500.00")

	h.client.events["fund"] = &Event{
		ID: "evt_1", Type: EventPaymentSucceeded, PaymentRef: "pi_123", GigID: "gig-1",
		ReceivedAt: time.Now().UTC(),
	}
	_, err := h.processor.Process(ctx, []byte("fund"), "valid")
	require.NoError(t, err)

	h.client.events["refund"] = &Event{
		ID: "evt_2", Type: EventChargeRefunded, PaymentRef: "pi_123",
		Amount:     decimal.RequireFromString("200.00"),
		ReceivedAt: time.Now().UTC(),
	}
	outcome, err := h.processor.Process(ctx, []byte("refund"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	got, err := h.escrows.Get(ctx, e.Number)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPartialRefund, got.Status)
	assert.True(t, got.RefundedAmount.Equal(decimal.RequireFromString("200.00")))
}

func TestProcess_BadSignature(t *testing.T) {
	h := newHarness(t)
	_, err := h.processor.Process(context.Background(), []byte("fund"), "garbage")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestProcess_UnknownEventTypeIgnored(t *testing.T) {
	h := newHarness(t)
	outcome, err := h.processor.Process(context.Background(), []byte("noise"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestProcess_PaymentForUnknownGigIgnored(t *testing.T) {
	h := newHarness(t)
	h.client.events["fund"] = &Event{
		ID: "evt_9", Type: EventPaymentSucceeded, PaymentRef: "pi_9", GigID: "gig-missing",
		ReceivedAt: time.Now().UTC(),
	}
	outcome, err := h.processor.Process(context.Background(), []byte("fund"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, OutcomeIgnored, h.events.Outcome("evt_9"))
}
