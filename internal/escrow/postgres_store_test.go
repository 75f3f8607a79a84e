//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kerjapay/escrowd/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testEscrow(number, gig string) *Escrow {
	now := time.Now().UTC()
	return &Escrow{
		Number:         number,
		GigID:          gig,
		ClientRef:      "client-1",
		FreelancerRef:  "freelancer-1",
		Amount:         decimal.RequireFromString("1000.00"),
		PlatformFee:    decimal.RequireFromString("100.00"),
		NetAmount:      decimal.RequireFromString("900.00"),
		RefundedAmount: decimal.Zero,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPostgres_CreateAndGet(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	e := testEscrow("ESC-20260830-00000001", "gig-1")
	ms := []*Milestone{
		{EscrowNumber: e.Number, Sequence: 1, Title: "design", Amount: decimal.RequireFromString("400.00"), Status: MilestonePending, CreatedAt: e.CreatedAt, UpdatedAt: e.CreatedAt},
		{EscrowNumber: e.Number, Sequence: 2, Title: "build", Amount: decimal.RequireFromString("600.00"), Status: MilestonePending, CreatedAt: e.CreatedAt, UpdatedAt: e.CreatedAt},
	}
	if err := store.Create(ctx, e, ms); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, e.Number)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if !got.Amount.Equal(decimal.RequireFromString("1000.00")) {
		t.Errorf("amount = %s, want 1000.00", got.Amount)
	}

	fetched, err := store.Milestones(ctx, e.Number)
	if err != nil {
		t.Fatalf("Milestones failed: %v", err)
	}
	if len(fetched) != 2 {
		t.Fatalf("got %d milestones, want 2", len(fetched))
	}
	if fetched[0].Sequence != 1 || fetched[1].Sequence != 2 {
		t.Errorf("milestones out of sequence order: %d, %d", fetched[0].Sequence, fetched[1].Sequence)
	}

	exists, err := store.NumberExists(ctx, e.Number)
	if err != nil || !exists {
		t.Errorf("NumberExists = %v, %v, want true, nil", exists, err)
	}

	if _, err := store.Get(ctx, "ESC-20260830-DEADBEEF"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
}

func TestPostgres_GigIsUnique(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, testEscrow("ESC-20260830-00000011", "gig-unique"), nil); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if err := store.Create(ctx, testEscrow("ESC-20260830-00000012", "gig-unique"), nil); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate gig Create = %v, want ErrConflict", err)
	}
}

func TestPostgres_MarkFundedGuard(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	e := testEscrow("ESC-20260830-00000021", "gig-fund")
	ms := []*Milestone{
		{EscrowNumber: e.Number, Sequence: 1, Title: "all", Amount: e.Amount, Status: MilestonePending, CreatedAt: e.CreatedAt, UpdatedAt: e.CreatedAt},
	}
	if err := store.Create(ctx, e, ms); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().UTC()
	if err := store.MarkFunded(ctx, e.Number, "pi_abc", now); err != nil {
		t.Fatalf("MarkFunded failed: %v", err)
	}

	got, err := store.Get(ctx, e.Number)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusFunded || got.GatewayRef != "pi_abc" || got.FundedAt == nil {
		t.Errorf("funded escrow = %+v", got)
	}

	byRef, err := store.GetByGatewayRef(ctx, "pi_abc")
	if err != nil || byRef.Number != e.Number {
		t.Errorf("GetByGatewayRef = %v, %v", byRef, err)
	}

	// Milestones follow the escrow into funded.
	fetched, err := store.Milestones(ctx, e.Number)
	if err != nil || fetched[0].Status != MilestoneFunded {
		t.Errorf("milestone status after funding = %v, %v", fetched, err)
	}

	// The pending guard rejects a second funding.
	if err := store.MarkFunded(ctx, e.Number, "pi_other", now); !errors.Is(err, ErrConflict) {
		t.Errorf("second MarkFunded = %v, want ErrConflict", err)
	}
}

func TestPostgres_MilestoneTransitionGuard(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	e := testEscrow("ESC-20260830-00000031", "gig-ms")
	ms := []*Milestone{
		{EscrowNumber: e.Number, Sequence: 1, Title: "phase", Amount: e.Amount, Status: MilestonePending, CreatedAt: e.CreatedAt, UpdatedAt: e.CreatedAt},
	}
	if err := store.Create(ctx, e, ms); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	now := time.Now().UTC()
	if err := store.MarkFunded(ctx, e.Number, "pi_ms", now); err != nil {
		t.Fatalf("MarkFunded failed: %v", err)
	}

	if err := store.MarkMilestoneStatus(ctx, e.Number, 1, MilestoneFunded, MilestoneInProgress, now); err != nil {
		t.Fatalf("start milestone failed: %v", err)
	}
	// Stale pre-state loses the guard.
	if err := store.MarkMilestoneStatus(ctx, e.Number, 1, MilestoneFunded, MilestoneInProgress, now); !errors.Is(err, ErrConflict) {
		t.Errorf("stale transition = %v, want ErrConflict", err)
	}
	if err := store.MarkMilestoneStatus(ctx, e.Number, 9, MilestoneFunded, MilestoneInProgress, now); !errors.Is(err, ErrMilestoneNotFound) {
		t.Errorf("unknown seq = %v, want ErrMilestoneNotFound", err)
	}
}

func TestPostgres_CancelAndDisputeTransitions(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	pending := testEscrow("ESC-20260830-00000041", "gig-cancel")
	if err := store.Create(ctx, pending, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.MarkCancelled(ctx, pending.Number); err != nil {
		t.Fatalf("MarkCancelled failed: %v", err)
	}
	if err := store.MarkCancelled(ctx, pending.Number); !errors.Is(err, ErrConflict) {
		t.Errorf("second cancel = %v, want ErrConflict", err)
	}

	funded := testEscrow("ESC-20260830-00000042", "gig-dispute")
	if err := store.Create(ctx, funded, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.MarkFunded(ctx, funded.Number, "pi_d", time.Now().UTC()); err != nil {
		t.Fatalf("MarkFunded failed: %v", err)
	}
	if err := store.MarkDisputed(ctx, funded.Number); err != nil {
		t.Fatalf("MarkDisputed failed: %v", err)
	}
	if err := store.ReopenFunded(ctx, funded.Number); err != nil {
		t.Fatalf("ReopenFunded failed: %v", err)
	}
	got, err := store.Get(ctx, funded.Number)
	if err != nil || got.Status != StatusFunded {
		t.Errorf("after reopen = %v, %v, want funded", got, err)
	}
}

func TestPostgres_ListByParty(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	for i, gig := range []string{"gig-l1", "gig-l2", "gig-l3"} {
		e := testEscrow("ESC-20260830-0000005"+string(rune('1'+i)), gig)
		if i == 2 {
			e.ClientRef = "client-other"
		}
		if err := store.Create(ctx, e, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	asClient, err := store.ListByParty(ctx, "client-1", 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(asClient) != 2 {
		t.Errorf("client-1 escrows = %d, want 2", len(asClient))
	}

	asFreelancer, err := store.ListByParty(ctx, "freelancer-1", 10)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(asFreelancer) != 3 {
		t.Errorf("freelancer-1 escrows = %d, want 3", len(asFreelancer))
	}
}
