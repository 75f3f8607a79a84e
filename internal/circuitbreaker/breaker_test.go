package circuitbreaker

import (
	"testing"
	"time"
)

func TestAllow_FreshSubscription(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("sub-1") {
		t.Error("fresh subscription rejected")
	}
	if got := b.State("sub-1"); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("sub-1")
	b.RecordFailure("sub-1")
	if !b.Allow("sub-1") {
		t.Fatal("rejected below threshold")
	}

	b.RecordFailure("sub-1")
	if b.Allow("sub-1") {
		t.Error("allowed after tripping")
	}
	if got := b.State("sub-1"); got != StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func TestProbeAfterCoolOff(t *testing.T) {
	b := New(1, 20*time.Millisecond)
	b.RecordFailure("sub-1")
	if b.Allow("sub-1") {
		t.Fatal("allowed while open")
	}

	time.Sleep(30 * time.Millisecond)

	// Exactly one probe goes out.
	if !b.Allow("sub-1") {
		t.Fatal("probe rejected after cool-off")
	}
	if got := b.State("sub-1"); got != StateHalfOpen {
		t.Errorf("state = %v, want half_open", got)
	}
	if b.Allow("sub-1") {
		t.Error("second delivery allowed while probe in flight")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("sub-1")
	time.Sleep(20 * time.Millisecond)
	if !b.Allow("sub-1") {
		t.Fatal("probe rejected")
	}

	b.RecordSuccess("sub-1")
	if got := b.State("sub-1"); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if !b.Allow("sub-1") {
		t.Error("rejected after recovery")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("sub-1")
	time.Sleep(20 * time.Millisecond)
	if !b.Allow("sub-1") {
		t.Fatal("probe rejected")
	}

	b.RecordFailure("sub-1")
	if got := b.State("sub-1"); got != StateOpen {
		t.Errorf("state = %v, want open", got)
	}
	if b.Allow("sub-1") {
		t.Error("allowed right after failed probe")
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	b := New(3, time.Minute)
	b.RecordFailure("sub-1")
	b.RecordFailure("sub-1")
	b.RecordSuccess("sub-1")

	// The streak starts over; two more failures stay under the threshold.
	b.RecordFailure("sub-1")
	b.RecordFailure("sub-1")
	if !b.Allow("sub-1") {
		t.Error("tripped despite reset streak")
	}
}

func TestSubscriptionsAreIndependent(t *testing.T) {
	b := New(1, time.Minute)
	b.RecordFailure("sub-1")

	if b.Allow("sub-1") {
		t.Error("tripped subscription allowed")
	}
	if !b.Allow("sub-2") {
		t.Error("healthy subscription rejected")
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
