package retry

import (
	"sync"
	"time"
)

// State is the circuit breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before probing.
	// Each failed probe round doubles it, up to MaxRecoveryTimeout.
	RecoveryTimeout    time.Duration
	MaxRecoveryTimeout time.Duration

	// SuccessThreshold closes a half-open circuit after this many
	// consecutive probe successes.
	SuccessThreshold int

	// HalfOpenBudget bounds the probes in flight while half-open.
	HalfOpenBudget int

	// OnStateChange is invoked, outside the breaker lock, on every
	// transition.
	OnStateChange func(from, to State)
}

// Breaker is a consecutive-failure circuit breaker with a bounded half-open
// probe budget and a doubling recovery timeout.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	inFlight  int
	openUntil time.Time
	recovery  time.Duration
}

// NewBreaker builds a breaker; zero thresholds fall back to safe defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.MaxRecoveryTimeout <= 0 {
		cfg.MaxRecoveryTimeout = 10 * cfg.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenBudget <= 0 {
		cfg.HalfOpenBudget = 1
	}
	return &Breaker{cfg: cfg, now: time.Now, recovery: cfg.RecoveryTimeout}
}

// OnStateChange appends fn to the transition callbacks. It is meant for
// wiring time, before the breaker is shared across goroutines.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	if fn == nil {
		return
	}
	prev := b.cfg.OnStateChange
	if prev == nil {
		b.cfg.OnStateChange = fn
		return
	}
	b.cfg.OnStateChange = func(from, to State) {
		prev(from, to)
		fn(from, to)
	}
}

// State returns the current position, accounting for an elapsed recovery
// window.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a request may proceed. While open it fails fast;
// while half-open it admits at most the probe budget. A true return must be
// paired with exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()

	var transition func()
	switch b.state {
	case StateOpen:
		if b.now().Before(b.openUntil) {
			wait := b.openUntil.Sub(b.now())
			b.mu.Unlock()
			return false, wait
		}
		transition = b.transitionLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenBudget {
			wait := b.openUntil.Sub(b.now())
			b.mu.Unlock()
			if transition != nil {
				transition()
			}
			return false, wait
		}
		b.inFlight++
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
	return true, 0
}

// RecordSuccess reports a successful call admitted by Allow.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var transition func()
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.inFlight--
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.recovery = b.cfg.RecoveryTimeout
			b.failures = 0
			transition = b.transitionLocked(StateClosed)
		}
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// RecordFailure reports a failed call admitted by Allow.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var transition func()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			transition = b.openLocked()
		}
	case StateHalfOpen:
		b.inFlight--
		transition = b.openLocked()
		b.recovery = b.recovery * 2
		if b.recovery > b.cfg.MaxRecoveryTimeout {
			b.recovery = b.cfg.MaxRecoveryTimeout
		}
		b.openUntil = b.now().Add(b.recovery)
	}
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

func (b *Breaker) openLocked() func() {
	b.openUntil = b.now().Add(b.recovery)
	b.successes = 0
	b.inFlight = 0
	return b.transitionLocked(StateOpen)
}

// transitionLocked changes state and returns the notification thunk to run
// after the lock is released.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	if to == StateHalfOpen {
		b.successes = 0
		b.inFlight = 0
	}
	if b.cfg.OnStateChange == nil {
		return nil
	}
	cb := b.cfg.OnStateChange
	return func() { cb(from, to) }
}
