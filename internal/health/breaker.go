package health

import (
	"sync"
	"time"
)

// BreakerState is the lifecycle of one service probe circuit.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	breakerFailureThreshold = 3
	breakerBaseCooldown     = 30 * time.Second
	breakerMaxCooldown      = 10 * time.Minute
)

// Breaker guards a flapping service probe. Three consecutive failures open
// the circuit; while open, probes are skipped until the cooldown elapses,
// then a single half-open probe decides between closing and re-opening with
// a doubled cooldown (capped).
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	consecutive int
	cooldown    time.Duration
	openedAt    time.Time
	now         func() time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker() *Breaker {
	return &Breaker{
		state:    BreakerClosed,
		cooldown: breakerBaseCooldown,
		now:      time.Now,
	}
}

// Allow reports whether a probe should run now. While open it returns false
// until the cooldown has elapsed, at which point the breaker moves to
// half-open and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// Record feeds a probe outcome back into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.state = BreakerClosed
		b.consecutive = 0
		b.cooldown = breakerBaseCooldown
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		// Failed probe: back to open with a longer cooldown.
		b.cooldown *= 2
		if b.cooldown > breakerMaxCooldown {
			b.cooldown = breakerMaxCooldown
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	case BreakerClosed:
		b.consecutive++
		if b.consecutive >= breakerFailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerOpen:
		// Probe ran anyway (races are harmless); keep the clock running.
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
