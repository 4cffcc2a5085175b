package circuitbreaker

import (
	"testing"
	"time"
)

func TestClosedAllowsUntilThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenDuration: time.Minute, HalfOpenTrialCount: 1})
	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("expected closed breaker to allow")
		}
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatalf("expected still closed after 2/3 failures, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after 3rd failure, got %v", b.State())
	}
	if b.Allow() {
		t.Fatalf("expected open breaker to refuse immediately")
	}
}

func TestHalfOpenTransitionAfterOpenDuration(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, HalfOpenTrialCount: 2})
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open, got %v", b.State())
	}
	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("expected half-open trial to be allowed after OpenDuration")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
}

func TestHalfOpenClosesAfterTrialSuccesses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenTrialCount: 2})
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)
	b.Allow() // transitions to half-open
	b.RecordSuccess()
	if b.State() != HalfOpen {
		t.Fatalf("expected still half-open after 1/2 successes, got %v", b.State())
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Fatalf("expected closed after 2/2 successes, got %v", b.State())
	}
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenTrialCount: 2})
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)
	b.Allow()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected immediate re-open on half-open failure, got %v", b.State())
	}
}

func TestRecordTimeoutCountsAsFailure(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Minute, HalfOpenTrialCount: 1})
	b.RecordTimeout()
	if b.State() != Open {
		t.Fatalf("expected timeout to trip breaker, got %v", b.State())
	}
}

func TestForceOpenAndReset(t *testing.T) {
	b := New(DefaultConfig())
	b.ForceOpen()
	if b.State() != Open {
		t.Fatalf("expected forced open")
	}
	b.Reset()
	if b.State() != Closed {
		t.Fatalf("expected reset to closed")
	}
}
