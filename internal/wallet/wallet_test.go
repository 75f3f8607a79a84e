package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerjapay/escrowd/internal/audit"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T, flatFee string) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, audit.NewMemoryTrail(), dec(flatFee)), store
}

func credit(t *testing.T, store *MemoryStore, ref, amount string) {
	t.Helper()
	require.NoError(t, store.Credit(context.Background(), ref, dec(amount), "TXN-20260830-00000001", "settlement"))
}

func TestBalanceStartsEmpty(t *testing.T) {
	svc, _ := newTestService(t, "0")

	b, err := svc.Balance(context.Background(), "fl-empty")
	require.NoError(t, err)
	assert.True(t, b.Available.IsZero())
	assert.True(t, b.TotalIn.IsZero())
	assert.True(t, b.TotalOut.IsZero())
}

func TestRequestPayoutDebitsAvailable(t *testing.T) {
	svc, store := newTestService(t, "1.00")
	ctx := context.Background()
	credit(t, store, "fl-1", "500.00")

	p, err := svc.RequestPayout(ctx, "fl-1", "200.00", "bank:BCA-123")
	require.NoError(t, err)
	assert.Regexp(t, `^OUT-\d{8}-[0-9A-F]{8}$`, p.Number)
	assert.Equal(t, PayoutPending, p.Status)
	assert.True(t, p.Amount.Equal(dec("200")))
	assert.True(t, p.Fee.Equal(dec("1.00")))
	assert.True(t, p.NetAmount.Equal(dec("199")), "net %s", p.NetAmount)

	b, err := svc.Balance(ctx, "fl-1")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("300")), "available %s", b.Available)
	assert.True(t, b.TotalOut.Equal(dec("200")))
}

func TestRequestPayoutInsufficientBalance(t *testing.T) {
	svc, store := newTestService(t, "0")
	ctx := context.Background()
	credit(t, store, "fl-1", "50.00")

	_, err := svc.RequestPayout(ctx, "fl-1", "50.01", "bank:BCA-123")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The rejected request did not touch the balance.
	b, err := svc.Balance(ctx, "fl-1")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("50")))
}

func TestRequestPayoutRejectsBadAmounts(t *testing.T) {
	svc, store := newTestService(t, "2.50")
	ctx := context.Background()
	credit(t, store, "fl-1", "100.00")

	_, err := svc.RequestPayout(ctx, "fl-1", "0", "bank:BCA-123")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.RequestPayout(ctx, "fl-1", "-5.00", "bank:BCA-123")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Amount must exceed the flat fee, otherwise nothing would transfer.
	_, err = svc.RequestPayout(ctx, "fl-1", "2.50", "bank:BCA-123")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPayoutLifecycleCompleted(t *testing.T) {
	svc, store := newTestService(t, "1.00")
	ctx := context.Background()
	credit(t, store, "fl-1", "300.00")

	p, err := svc.RequestPayout(ctx, "fl-1", "100.00", "bank:BCA-123")
	require.NoError(t, err)

	require.NoError(t, svc.StartProcessing(ctx, p.Number, "ops-1"))
	got, err := svc.GetPayout(ctx, p.Number)
	require.NoError(t, err)
	assert.Equal(t, PayoutProcessing, got.Status)

	require.NoError(t, svc.Complete(ctx, p.Number, "ops-1"))
	got, err = svc.GetPayout(ctx, p.Number)
	require.NoError(t, err)
	assert.Equal(t, PayoutCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Completion does not return money to the wallet.
	b, err := svc.Balance(ctx, "fl-1")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("200")), "available %s", b.Available)
}

func TestPayoutFailRefundsDebit(t *testing.T) {
	svc, store := newTestService(t, "0")
	ctx := context.Background()
	credit(t, store, "fl-1", "120.00")

	p, err := svc.RequestPayout(ctx, "fl-1", "120.00", "bank:BCA-123")
	require.NoError(t, err)
	require.NoError(t, svc.StartProcessing(ctx, p.Number, "ops-1"))

	require.NoError(t, svc.Fail(ctx, p.Number, "ops-1", "bank rejected account"))
	got, err := svc.GetPayout(ctx, p.Number)
	require.NoError(t, err)
	assert.Equal(t, PayoutFailed, got.Status)
	assert.Equal(t, "bank rejected account", got.FailureReason)

	b, err := svc.Balance(ctx, "fl-1")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("120")), "available %s", b.Available)
	assert.True(t, b.TotalOut.IsZero())

	// The history shows debit then refund, newest first.
	entries, err := svc.History(ctx, "fl-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, EntryPayoutRefund, entries[0].Type)
	assert.Equal(t, EntryPayoutDebit, entries[1].Type)
	assert.Equal(t, EntryCredit, entries[2].Type)
}

func TestPayoutCancelOnlyBeforeProcessing(t *testing.T) {
	svc, store := newTestService(t, "0")
	ctx := context.Background()
	credit(t, store, "fl-1", "80.00")

	p, err := svc.RequestPayout(ctx, "fl-1", "80.00", "bank:BCA-123")
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, p.Number, "fl-1"))
	b, err := svc.Balance(ctx, "fl-1")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("80")))

	// A processing payout cannot be cancelled anymore.
	p2, err := svc.RequestPayout(ctx, "fl-1", "80.00", "bank:BCA-123")
	require.NoError(t, err)
	require.NoError(t, svc.StartProcessing(ctx, p2.Number, "ops-1"))
	assert.ErrorIs(t, svc.Cancel(ctx, p2.Number, "fl-1"), ErrConflict)
}

func TestCompleteIssuesPayoutReceipt(t *testing.T) {
	svc, store := newTestService(t, "1.00")
	issuer := &recordingIssuer{}
	svc.WithReceiptIssuer(issuer)
	ctx := context.Background()
	credit(t, store, "fl-1", "100.00")

	p, err := svc.RequestPayout(ctx, "fl-1", "51.00", "bank:BCA-123")
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, p.Number, "ops-1"))

	require.Len(t, issuer.issued, 1)
	assert.Equal(t, p.Number, issuer.issued[0].payoutNumber)
	assert.Equal(t, "fl-1", issuer.issued[0].freelancerRef)
	assert.True(t, issuer.issued[0].amount.Equal(dec("50")), "amount %s", issuer.issued[0].amount)

	// A second Complete is a conflict; no second receipt.
	assert.ErrorIs(t, svc.Complete(ctx, p.Number, "ops-1"), ErrConflict)
	assert.Len(t, issuer.issued, 1)
}

type recordingIssuer struct {
	issued []struct {
		payoutNumber, freelancerRef string
		amount                      decimal.Decimal
	}
}

func (r *recordingIssuer) IssuePayoutReceipt(ctx context.Context, payoutNumber, freelancerRef string, amount decimal.Decimal) error {
	r.issued = append(r.issued, struct {
		payoutNumber, freelancerRef string
		amount                      decimal.Decimal
	}{payoutNumber, freelancerRef, amount})
	return nil
}

type brokenIssuer struct{}

func (brokenIssuer) IssuePayoutReceipt(ctx context.Context, payoutNumber, freelancerRef string, amount decimal.Decimal) error {
	return errors.New("receipt store unavailable")
}

func TestCompleteSurvivesReceiptFailure(t *testing.T) {
	svc, store := newTestService(t, "1.00")
	svc.WithReceiptIssuer(brokenIssuer{})
	ctx := context.Background()
	credit(t, store, "fl-1", "100.00")

	p, err := svc.RequestPayout(ctx, "fl-1", "51.00", "bank:BCA-123")
	require.NoError(t, err)

	// The transfer already happened; a broken receipt path cannot turn
	// the completion into an error.
	require.NoError(t, svc.Complete(ctx, p.Number, "ops-1"))

	got, err := svc.GetPayout(ctx, p.Number)
	require.NoError(t, err)
	assert.Equal(t, PayoutCompleted, got.Status)
}

func TestHistoryLimit(t *testing.T) {
	svc, store := newTestService(t, "0")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		credit(t, store, "fl-1", "10.00")
	}

	entries, err := svc.History(ctx, "fl-1", 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Entries belong to the requested freelancer only.
	credit(t, store, "fl-other", "10.00")
	entries, err = svc.History(ctx, "fl-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}
