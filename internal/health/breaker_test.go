package health

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreeFailures(t *testing.T) {
	b := NewBreaker()

	for i := 0; i < breakerFailureThreshold-1; i++ {
		if !b.Allow() {
			t.Fatalf("closed breaker denied probe %d", i)
		}
		b.Record(false)
		if got := b.State(); got != BreakerClosed {
			t.Fatalf("state after %d failures = %s, want closed", i+1, got)
		}
	}

	b.Record(false)
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %s, want open", got)
	}
	if b.Allow() {
		t.Fatal("open breaker allowed a probe before cooldown")
	}
}

func TestBreakerHalfOpenProbeAndRecovery(t *testing.T) {
	now := time.Now()
	b := NewBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerFailureThreshold; i++ {
		b.Record(false)
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %s, want open", got)
	}

	now = now.Add(breakerBaseCooldown)
	if !b.Allow() {
		t.Fatal("breaker denied probe after cooldown")
	}
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}

	b.Record(true)
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after success = %s, want closed", got)
	}
	if b.cooldown != breakerBaseCooldown {
		t.Errorf("cooldown = %s, want reset to %s", b.cooldown, breakerBaseCooldown)
	}
}

func TestBreakerCooldownDoublesAndCaps(t *testing.T) {
	now := time.Now()
	b := NewBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerFailureThreshold; i++ {
		b.Record(false)
	}

	want := breakerBaseCooldown
	for i := 0; i < 10; i++ {
		now = now.Add(want)
		if !b.Allow() {
			t.Fatalf("round %d: denied probe after %s cooldown", i, want)
		}
		b.Record(false) // half-open probe fails, cooldown doubles

		want *= 2
		if want > breakerMaxCooldown {
			want = breakerMaxCooldown
		}
		if b.cooldown != want {
			t.Fatalf("round %d: cooldown = %s, want %s", i, b.cooldown, want)
		}

		// Just short of the new cooldown: still open.
		now = now.Add(want - time.Second)
		if b.Allow() {
			t.Fatalf("round %d: allowed probe before cooldown elapsed", i)
		}
		now = now.Add(time.Second - want) // rewind to the open point
	}
}
