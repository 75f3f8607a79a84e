//go:build integration

package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kerjapay/escrowd/internal/escrow"
	"github.com/kerjapay/escrowd/internal/fees"
	"github.com/kerjapay/escrowd/internal/testutil"
	"github.com/kerjapay/escrowd/internal/wallet"
)

type pgFixture struct {
	db      *sql.DB
	store   *PostgresStore
	escrows *escrow.PostgresStore
	wallets *wallet.PostgresStore
}

func setupPostgres(t *testing.T) (*pgFixture, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return &pgFixture{
		db:      db,
		store:   NewPostgresStore(db),
		escrows: escrow.NewPostgresStore(db),
		wallets: wallet.NewPostgresStore(db),
	}, cleanup
}

var unitSeq int

// seedFunded creates and funds an escrow directly through the stores.
func (f *pgFixture) seedFunded(t *testing.T, number, amount string, milestones ...*escrow.Milestone) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	amt := decimal.RequireFromString(amount)
	e := &escrow.Escrow{
		Number:         number,
		GigID:          "gig-" + number,
		ClientRef:      "client-1",
		FreelancerRef:  "freelancer-1",
		Amount:         amt,
		PlatformFee:    fees.Commission(amt),
		NetAmount:      amt.Sub(fees.Commission(amt)),
		RefundedAmount: decimal.Zero,
		Status:         escrow.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, m := range milestones {
		m.EscrowNumber = number
		m.Status = escrow.MilestonePending
		m.CreatedAt = now
		m.UpdatedAt = now
	}
	if err := f.escrows.Create(ctx, e, milestones); err != nil {
		t.Fatalf("seed escrow: %v", err)
	}
	if err := f.escrows.MarkFunded(ctx, number, "pi_"+number, now); err != nil {
		t.Fatalf("seed funding: %v", err)
	}
}

// settleUnit builds a complete settle unit the way the service does.
func settleUnit(e string, seq int, gross string) *SettleUnit {
	unitSeq++
	b := fees.Compute(decimal.RequireFromString(gross))
	now := time.Now().UTC()
	txn := &Transaction{
		Ref:               fmt.Sprintf("TXN-20260830-%08X", unitSeq),
		EscrowNumber:      e,
		MilestoneSeq:      seq,
		GigID:             "gig-" + e,
		ClientRef:         "client-1",
		FreelancerRef:     "freelancer-1",
		Amount:            b.Gross,
		Commission:        b.Commission,
		NetAmount:         b.Net,
		WithholdingAmount: b.Withholding,
		PaymentMethod:     "escrow",
		Status:            TransactionCompleted,
		CreatedAt:         now,
	}
	return &SettleUnit{
		EscrowNumber:          e,
		MilestoneSeq:          seq,
		FromStatuses:          []escrow.Status{escrow.StatusFunded},
		FromMilestoneStatuses: []escrow.MilestoneStatus{escrow.MilestoneFunded, escrow.MilestoneSubmitted, escrow.MilestoneApproved},
		Txn:                   txn,
		Receipts: []*Receipt{
			{Number: fmt.Sprintf("ESC-RCP-20260830-%08X", unitSeq), Type: ReceiptEscrowFunding, EscrowNumber: e, OwnerRef: "client-1", Amount: b.Gross, CreatedAt: now},
			{Number: fmt.Sprintf("PAY-RCP-20260830-%08X", unitSeq), Type: ReceiptPayment, EscrowNumber: e, OwnerRef: "freelancer-1", Amount: b.Payout, CreatedAt: now},
		},
		Withholding: &Withholding{
			FreelancerRef:  "freelancer-1",
			TransactionRef: txn.Ref,
			GigID:          "gig-" + e,
			GrossAmount:    b.Gross,
			Commission:     b.Commission,
			NetEarnings:    b.Net,
			Amount:         b.Withholding,
			FinalPayout:    b.Payout,
			PeriodYear:     now.Year(),
			PeriodMonth:    int(now.Month()),
			CreatedAt:      now,
		},
		CreditAmount: b.Payout,
		At:           now,
	}
}

func TestPostgres_SettleWholeEscrow(t *testing.T) {
	f, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	const number = "ESC-20260830-000000A1"
	f.seedFunded(t, number, "1000.00")

	u := settleUnit(number, 0, "1000.00")
	if err := f.store.Settle(ctx, u); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	got, err := f.escrows.Get(ctx, number)
	if err != nil || got.Status != escrow.StatusReleased {
		t.Fatalf("escrow after settle = %v, %v, want released", got, err)
	}

	txn, err := f.store.GetTransaction(ctx, number, 0)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if !txn.Amount.Equal(decimal.RequireFromString("1000.00")) {
		t.Errorf("txn amount = %s", txn.Amount)
	}

	receipts, err := f.store.ReceiptsByEscrow(ctx, number)
	if err != nil || len(receipts) != 2 {
		t.Errorf("receipts = %v, %v, want 2", receipts, err)
	}

	bal, err := f.wallets.GetBalance(ctx, "freelancer-1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !bal.Available.Equal(decimal.RequireFromString("888.75")) {
		t.Errorf("available = %s, want 888.75", bal.Available)
	}

	// A second settle against the released escrow loses the status guard
	// and rolls back entirely: no extra credit.
	if err := f.store.Settle(ctx, settleUnit(number, 0, "1000.00")); !errors.Is(err, escrow.ErrConflict) {
		t.Errorf("second Settle = %v, want ErrConflict", err)
	}
	bal, _ = f.wallets.GetBalance(ctx, "freelancer-1")
	if !bal.Available.Equal(decimal.RequireFromString("888.75")) {
		t.Errorf("available after conflict = %s, want 888.75", bal.Available)
	}
}

func TestPostgres_SettleMilestones(t *testing.T) {
	f, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	const number = "ESC-20260830-000000B1"
	f.seedFunded(t, number, "300.00",
		&escrow.Milestone{Sequence: 1, Title: "design", Amount: decimal.RequireFromString("100.00")},
		&escrow.Milestone{Sequence: 2, Title: "build", Amount: decimal.RequireFromString("200.00")},
	)

	if err := f.store.Settle(ctx, settleUnit(number, 1, "100.00")); err != nil {
		t.Fatalf("settle milestone 1: %v", err)
	}
	got, _ := f.escrows.Get(ctx, number)
	if got.Status != escrow.StatusFunded {
		t.Errorf("escrow after first milestone = %s, want funded", got.Status)
	}

	// Releasing the same milestone again loses the milestone guard.
	if err := f.store.Settle(ctx, settleUnit(number, 1, "100.00")); !errors.Is(err, escrow.ErrConflict) {
		t.Errorf("repeat milestone settle = %v, want ErrConflict", err)
	}

	if err := f.store.Settle(ctx, settleUnit(number, 2, "200.00")); err != nil {
		t.Fatalf("settle milestone 2: %v", err)
	}
	got, _ = f.escrows.Get(ctx, number)
	if got.Status != escrow.StatusReleased {
		t.Errorf("escrow after last milestone = %s, want released", got.Status)
	}
}

func TestPostgres_RefundFlow(t *testing.T) {
	f, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	const number = "ESC-20260830-000000C1"
	f.seedFunded(t, number, "75.00")

	refundUnit := func(n int, amount string) *RefundUnit {
		now := time.Now().UTC()
		return &RefundUnit{
			EscrowNumber: number,
			Amount:       decimal.RequireFromString(amount),
			FromStatuses: []escrow.Status{escrow.StatusFunded, escrow.StatusPartialRefund},
			Receipt: &Receipt{
				Number:       fmt.Sprintf("REF-RCP-20260830-000000C%d", n),
				Type:         ReceiptRefund,
				EscrowNumber: number,
				OwnerRef:     "client-1",
				Amount:       decimal.RequireFromString(amount),
				CreatedAt:    now,
			},
			At: now,
		}
	}

	// Over-refund while funded: rejected, never clamped.
	if _, err := f.store.Refund(ctx, refundUnit(1, "80.00")); !errors.Is(err, escrow.ErrInvalidAmount) {
		t.Errorf("over-refund = %v, want ErrInvalidAmount", err)
	}

	status, err := f.store.Refund(ctx, refundUnit(2, "30.00"))
	if err != nil || status != escrow.StatusPartialRefund {
		t.Fatalf("first refund = %s, %v, want partial_refund", status, err)
	}
	status, err = f.store.Refund(ctx, refundUnit(3, "45.00"))
	if err != nil || status != escrow.StatusRefunded {
		t.Fatalf("second refund = %s, %v, want refunded", status, err)
	}

	// Fully refunded escrows are out of the allowed pre-states.
	if _, err := f.store.Refund(ctx, refundUnit(4, "0.01")); !errors.Is(err, escrow.ErrConflict) {
		t.Errorf("refund after terminal = %v, want ErrConflict", err)
	}

	// Both refunds kept their receipts.
	receipts, err := f.store.ReceiptsByEscrow(ctx, number)
	if err != nil || len(receipts) != 2 {
		t.Errorf("refund receipts = %v, %v, want 2", receipts, err)
	}
}

func TestPostgres_ReceiptDedupePerOwner(t *testing.T) {
	f, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	const number = "ESC-20260830-000000D1"
	f.seedFunded(t, number, "100.00")

	now := time.Now().UTC()
	first := &Receipt{
		Number: "ESC-RCP-20260830-000000D1", Type: ReceiptEscrowFunding,
		EscrowNumber: number, OwnerRef: "client-1",
		Amount: decimal.RequireFromString("100.00"), CreatedAt: now,
	}
	if err := f.store.CreateReceipt(ctx, first); err != nil {
		t.Fatalf("CreateReceipt failed: %v", err)
	}

	// Same escrow+type+owner: silently skipped.
	dup := *first
	dup.Number = "ESC-RCP-20260830-000000D2"
	if err := f.store.CreateReceipt(ctx, &dup); err != nil {
		t.Fatalf("duplicate CreateReceipt errored: %v", err)
	}
	if _, err := f.store.GetReceipt(ctx, first.Number); err != nil {
		t.Errorf("original receipt missing: %v", err)
	}
	if _, err := f.store.GetReceipt(ctx, dup.Number); !errors.Is(err, ErrReceiptNotFound) {
		t.Errorf("duplicate receipt = %v, want ErrReceiptNotFound", err)
	}
}

func TestPostgres_Withholdings(t *testing.T) {
	f, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	const number = "ESC-20260830-000000E1"
	f.seedFunded(t, number, "1000.00")
	if err := f.store.Settle(ctx, settleUnit(number, 0, "1000.00")); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	now := time.Now().UTC()
	whs, err := f.store.ListWithholdings(ctx, now.Year(), int(now.Month()))
	if err != nil || len(whs) != 1 {
		t.Fatalf("ListWithholdings = %v, %v, want 1 record", whs, err)
	}
	if whs[0].Remitted {
		t.Error("withholding already remitted")
	}

	if err := f.store.MarkWithholdingsRemitted(ctx, []int64{whs[0].ID}, "REMIT-2026-08"); err != nil {
		t.Fatalf("MarkWithholdingsRemitted failed: %v", err)
	}
	whs, _ = f.store.ListWithholdings(ctx, now.Year(), int(now.Month()))
	if !whs[0].Remitted || whs[0].RemittanceRef != "REMIT-2026-08" {
		t.Errorf("after remit = %+v", whs[0])
	}
}
