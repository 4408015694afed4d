package reliability

import (
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting it. It signals systemic upstream unavailability, not a bad
// record, and halts the run.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState names the three breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// Snapshot is the serializable breaker state carried in checkpoints.
type Snapshot struct {
	State       BreakerState
	Failures    int
	LastFailure time.Time
}

// CircuitBreaker tracks consecutive call failures and stops issuing calls
// once a threshold is reached. After a cooldown a single probe is let
// through; its outcome decides whether the breaker closes again.
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	clock       clock.Clock
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewCircuitBreaker builds a closed breaker. A nil clock falls back to the
// wall clock.
func NewCircuitBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
		state:     StateClosed,
	}
}

// Allow reports whether a call may proceed. While open it rejects with
// ErrCircuitOpen until the cooldown has elapsed, then admits exactly one
// probe at a time.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock.Now().Sub(b.lastFailure) >= b.cooldown {
			b.state = StateHalfOpen
			b.probing = true
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful call, closing the breaker and resetting the
// failure counter.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
	b.probing = false
}

// Failure records a failed call. A failed half-open probe reopens the
// breaker and restarts the cooldown; in the closed state the consecutive
// failure counter trips the breaker at the threshold.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.failures = 0
		b.lastFailure = now
		b.probing = false
		return
	}

	b.failures++
	b.lastFailure = now
	if b.failures >= b.threshold {
		b.state = StateOpen
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures the breaker for checkpointing.
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

// Restore loads a previously checkpointed snapshot. Unknown states are
// treated as closed.
func (b *CircuitBreaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch s.State {
	case StateOpen, StateHalfOpen, StateClosed:
		b.state = s.State
	default:
		b.state = StateClosed
	}
	if b.state == StateHalfOpen {
		// A probe never survives a restart.
		b.state = StateOpen
	}
	b.failures = s.Failures
	b.lastFailure = s.LastFailure
	b.probing = false
}
