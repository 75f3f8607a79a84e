package idgen

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

var escrowIDPattern = regexp.MustCompile(`^ESC-\d{8}-[0-9A-F]{8}$`)

func TestNext_Format(t *testing.T) {
	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	g := New(PrefixEscrow, nil).WithClock(func() time.Time { return fixed })

	id, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !escrowIDPattern.MatchString(id) {
		t.Errorf("id %q does not match expected format", id)
	}
	if id[4:12] != "20260830" {
		t.Errorf("id %q does not embed the date", id)
	}
}

func TestNext_ReceiptSubPrefix(t *testing.T) {
	g := New(PrefixPaymentReceipt, nil)
	id, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if id[:8] != "PAY-RCP-" {
		t.Errorf("expected PAY-RCP- prefix, got %q", id)
	}
}

func TestNext_Uniqueness(t *testing.T) {
	g := New(PrefixEscrow, nil)
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id, err := g.Next(context.Background())
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q after %d generations", id, i)
		}
		seen[id] = true
	}
}

func TestNext_CollisionExhaustsRetries(t *testing.T) {
	attempts := 0
	alwaysTaken := func(ctx context.Context, id string) (bool, error) {
		attempts++
		return true, nil
	}
	g := New(PrefixEscrow, alwaysTaken)

	_, err := g.Next(context.Background())
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("expected ErrCollision, got %v", err)
	}
	if attempts != MaxAttempts {
		t.Errorf("expected exactly %d attempts, got %d", MaxAttempts, attempts)
	}
}

func TestNext_CheckerError(t *testing.T) {
	boom := errors.New("storage down")
	g := New(PrefixEscrow, func(ctx context.Context, id string) (bool, error) {
		return false, boom
	})

	_, err := g.Next(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped checker error, got %v", err)
	}
}

func TestNext_SecondAttemptSucceeds(t *testing.T) {
	calls := 0
	g := New(PrefixDispute, func(ctx context.Context, id string) (bool, error) {
		calls++
		return calls == 1, nil
	})

	id, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if id == "" || calls != 2 {
		t.Errorf("expected success on second candidate, id=%q calls=%d", id, calls)
	}
}
