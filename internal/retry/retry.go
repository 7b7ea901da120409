// Package retry is the single retry helper used by every component that
// recovers transient failures locally. Callers parameterise attempts, base
// delay, cap, jitter, and the retriable predicate instead of duplicating
// backoff loops.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	MaxAttempts int           // total attempts including the first; <=0 means 1
	BaseDelay   time.Duration // delay before the second attempt
	Cap         time.Duration // upper bound on any single delay; 0 means uncapped
	Jitter      bool          // full jitter: delay drawn from [0, computed)
	// Retriable decides whether an error is worth another attempt.
	// Nil means every error is retriable.
	Retriable func(error) bool
	// Delays, when non-empty, overrides the exponential schedule with fixed
	// per-gap delays (attempt i waits Delays[min(i, len-1)]).
	Delays []time.Duration
}

// Do runs fn until it succeeds, the policy is exhausted, the error is not
// retriable, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			if err != nil {
				return err
			}
			return ctx.Err()
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retriable != nil && !p.Retriable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := p.delayFor(i)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// delayFor computes the delay after the i-th failed attempt (0-based).
func (p Policy) delayFor(i int) time.Duration {
	var d time.Duration
	if len(p.Delays) > 0 {
		idx := i
		if idx >= len(p.Delays) {
			idx = len(p.Delays) - 1
		}
		d = p.Delays[idx]
	} else {
		d = p.BaseDelay << uint(i)
		if d < p.BaseDelay {
			d = p.Cap // shift overflow
		}
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if p.Jitter && d > 0 {
		d = time.Duration(rand.Int64N(int64(d)))
	}
	return d
}

// Backoff returns the delay for a given consecutive-failure count using
// min(base × 2^failures, cap) with optional full jitter. Used by components
// that schedule their own retries (sync cursor, gpsd reconnect) rather than
// looping in place.
func Backoff(failures int, base, cap time.Duration, jitter bool) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures > 30 {
		failures = 30
	}
	d := base << uint(failures)
	if d <= 0 || d > cap {
		d = cap
	}
	if jitter && d > 0 {
		d = time.Duration(rand.Int64N(int64(d)))
	}
	return d
}
