package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyStopsOnSuccess(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestPolicyRespectsRetriablePredicate(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retriable:   func(err error) bool { return !errors.Is(err, permanent) },
	}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
}

func TestPolicyExhaustsAttempts(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond, time.Millisecond}}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected final error")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestPolicyStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt before cancel stop, got %d", calls)
	}
}

func TestBackoffCapped(t *testing.T) {
	base := 250 * time.Millisecond
	cap := 2 * time.Second
	for failures := 0; failures < 20; failures++ {
		d := Backoff(failures, base, cap, false)
		if d > cap {
			t.Fatalf("failures=%d: delay %v exceeds cap %v", failures, d, cap)
		}
	}
	if d := Backoff(1, base, cap, false); d != 500*time.Millisecond {
		t.Fatalf("expected 500ms at failures=1, got %v", d)
	}
}

func TestBackoffFullJitterBounded(t *testing.T) {
	cap := time.Second
	for i := 0; i < 100; i++ {
		d := Backoff(10, 250*time.Millisecond, cap, true)
		if d < 0 || d > cap {
			t.Fatalf("jittered delay %v out of [0, %v]", d, cap)
		}
	}
}
