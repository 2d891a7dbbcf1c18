// Package circuit provides a per-subscriber circuit breaker with
// closed, open, and half-open states. Deliveries to an unhealthy
// subscriber are short-circuited so one failing consumer cannot slow
// the rest of the fan-out.
package circuit

import (
	"sync"
	"time"
)

// State is a closed set of breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Status is an observability snapshot of a breaker.
type Status struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastStateChange      time.Time `json:"last_state_change"`
}

// Breaker tracks delivery outcomes for one subscriber.
//
// Transitions are driven only by recorded outcomes and elapsed time:
// reaching the failure threshold while closed opens the breaker; after
// the open timeout the next Allow moves it to half-open; reaching the
// success threshold while half-open closes it; any half-open failure
// reopens it.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastStateChange      time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures required to open.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the consecutive half-open successes
// required to close.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithOpenTimeout sets how long the breaker stays open before allowing
// half-open trial deliveries.
func WithOpenTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.openTimeout = d
		}
	}
}

// WithClock overrides the time source. Used by tests to drive the
// open-timeout transition deterministically.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a closed Breaker for the named subscriber.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
		now:              time.Now,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	return b
}

// Name returns the subscriber name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a delivery attempt may proceed. While open it
// returns false until the open timeout has elapsed, at which point the
// breaker moves to half-open and the attempt is allowed as a trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastStateChange) >= b.openTimeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful delivery.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.successThreshold {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure records a failed delivery. Returns true if the breaker
// opened as a result of this failure.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.transition(StateOpen)
			return true
		}
	case StateHalfOpen:
		// Any trial failure reopens immediately.
		b.transition(StateOpen)
		return true
	}
	return false
}

// State returns the current state, applying the open-timeout transition
// so observers never see a stale open state past its timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastStateChange) >= b.openTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// IsOpen reports whether deliveries are currently short-circuited.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Status returns an observability snapshot.
func (b *Breaker) Status() Status {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:                 b.name,
		State:                state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastStateChange:      b.lastStateChange,
	}
}

// Reset manually closes the breaker and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	b.state = to
	b.lastStateChange = b.now()
	switch to {
	case StateClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	case StateOpen:
		b.consecutiveSuccesses = 0
	case StateHalfOpen:
		b.consecutiveSuccesses = 0
	}
}
