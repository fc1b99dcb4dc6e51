// Package circuit implements the circuit breaker guarding the exchange REST
// API. One breaker instance is shared by every caller of the same dependency
// so that all of them observe the same fault state.
package circuit

import (
	"errors"
	"sync"
	"time"

	"tickflow/logger"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned without invoking the wrapped function while the
// breaker is open. Callers treat it as a fast-fail signal, not a retryable
// transport error.
var ErrOpen = errors.New("circuit breaker is open")

// Stats is a point-in-time view of the breaker for monitoring.
type Stats struct {
	State          State
	FailureCount   int
	TimeUntilRetry time.Duration
}

// Breaker wraps a fallible dependency. The state, counter and timestamp are
// serialized by one mutex; the wrapped function always executes outside the
// lock so a slow call never blocks state queries.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration
	log       *logger.Log

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
	now         func() time.Time
}

// NewBreaker creates a closed breaker that opens after threshold consecutive
// failures and probes again timeout after the last failure.
func NewBreaker(name string, threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		log:       logger.GetLogger(),
		state:     StateClosed,
		now:       time.Now,
	}
}

// Call runs fn through the breaker. While open it returns ErrOpen without
// invoking fn; after the cooldown exactly one caller is let through as the
// half-open probe.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		logger.IncrementCircuitReject()
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow decides whether a call may proceed, transitioning Open to HalfOpen
// once the cooldown elapsed. Only one probe is admitted per cooldown.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.timeout {
			b.transition(StateHalfOpen)
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		// The probe is already in flight; everyone else keeps failing fast.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probing = false
		b.failures = 0
		b.transition(StateClosed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		b.transition(StateOpen)
	}
}

// Reset forces the breaker closed with counters cleared, for operator and
// test use.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetStats returns the state, failure count and the time remaining until the
// next half-open probe (zero when not open).
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{State: b.state, FailureCount: b.failures}
	if b.state == StateOpen {
		if remain := b.timeout - b.now().Sub(b.lastFailure); remain > 0 {
			s.TimeUntilRetry = remain
		}
	}
	return s
}

// transition logs the state change. Caller holds the lock.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.log.WithComponent("circuit_breaker").WithFields(logger.Fields{
		"name":     b.name,
		"from":     from.String(),
		"to":       to.String(),
		"failures": b.failures,
	}).Warn("circuit breaker state change")
}
