package runtime

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("task.claim", 3, 50*time.Millisecond)

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("call %d rejected while closed", i)
		}
		b.RecordFailure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v before threshold", b.State())
	}

	b.Allow()
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker admitted a call before cooldown")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker("task.claim", 1, 30*time.Millisecond)
	b.Allow()
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(40 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("cooldown elapsed, probe should be admitted")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
	// A second caller while the probe is in flight stays short-circuited.
	if b.Allow() {
		t.Fatal("second call admitted during probe")
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state after probe success = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker should admit")
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := NewBreaker("task.claim", 1, 20*time.Millisecond)
	b.Allow()
	b.RecordFailure()

	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("state after probe failure = %v, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("reopened breaker admitted a call immediately")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker("task.claim", 2, time.Second)
	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.RecordSuccess()
	b.Allow()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatalf("non-consecutive failures tripped the breaker: %v", b.State())
	}
}
