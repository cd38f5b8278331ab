package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spineda1208/zenoo/transport"
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Policy binds a backoff strategy to an attempt bound, a classifier and an
// optional wall-clock budget across all attempts and pauses.
type Policy struct {
	Strategy    Strategy
	MaxAttempts int
	Classify    Classifier
	TotalBudget time.Duration
}

// Attempt records one failed try inside a MaxRetriesExceededError.
type Attempt struct {
	Number int
	Kind   transport.Kind
	Err    error
}

// MaxRetriesExceededError reports that every attempt failed.
type MaxRetriesExceededError struct {
	Operation string
	Attempts  []Attempt
}

func (e *MaxRetriesExceededError) Error() string {
	kinds := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		kinds[i] = string(a.Kind)
	}
	return fmt.Sprintf("retry: %s failed after %d attempts (%s)",
		e.Operation, len(e.Attempts), strings.Join(kinds, ", "))
}

func (e *MaxRetriesExceededError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// RetryTimeoutError reports that the total wall-clock budget ran out before
// the call succeeded; Last carries the most recent underlying failure.
type RetryTimeoutError struct {
	Operation string
	Elapsed   time.Duration
	Last      error
}

func (e *RetryTimeoutError) Error() string {
	return fmt.Sprintf("retry: %s timed out after %s: %v", e.Operation, e.Elapsed, e.Last)
}

func (e *RetryTimeoutError) Unwrap() error { return e.Last }

// CircuitBreakerOpenError reports a fast-fail with no server I/O.
type CircuitBreakerOpenError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("retry: circuit open for %s, retry after %s", e.Operation, e.RetryAfter)
}

// Manager drives retries for one session: every outbound call funnels
// through Do, which consults the breaker, classifies failures and sleeps
// between attempts.
type Manager struct {
	policy  Policy
	breaker *Breaker
	metrics *Metrics
	sink    EventSink
	log     *logrus.Entry

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithBreaker installs a circuit breaker; without one Do never fast-fails.
func WithBreaker(b *Breaker) ManagerOption {
	return func(m *Manager) { m.breaker = b }
}

// WithMetrics installs the prometheus instrumentation.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithEventSink installs a sink receiving retry lifecycle events.
func WithEventSink(sink EventSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithSleeper replaces the inter-attempt pause, for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager builds a retry manager. A nil classifier retries the
// transport's retryable kinds; a zero attempt bound means 3.
func NewManager(policy Policy, logger *logrus.Logger, opts ...ManagerOption) *Manager {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.Classify == nil {
		policy.Classify = transport.IsRetryable
	}
	if policy.Strategy == nil {
		policy.Strategy = Exponential{Base: time.Second, Multiplier: 2, Max: time.Minute, Jitter: 0.25}
	}
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		policy: policy,
		log:    logger.WithField("component", "retry"),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.breaker != nil && m.sink != nil {
		m.breaker.OnStateChange(m.circuitEvents)
	}
	return m
}

// circuitEvents forwards breaker transitions to the event sink, so
// circuit_opened fires once per transition rather than once per rejected
// call. Metric counting of the same transitions is Metrics.BreakerCallback,
// wired where the breaker is built.
func (m *Manager) circuitEvents(from, to State) {
	var event Event
	switch to {
	case StateOpen:
		event = EventCircuitOpen
	case StateClosed:
		event = EventCircuitClosed
	case StateHalfOpen:
		event = EventCircuitHalfOpen
	default:
		return
	}
	m.sink(event, map[string]interface{}{"from": from.String(), "to": to.String()})
}

// Breaker exposes the installed circuit breaker, or nil.
func (m *Manager) Breaker() *Breaker { return m.breaker }

// Do runs fn until it succeeds, a non-retryable error surfaces, the attempt
// bound is hit, or the total budget elapses. The operation name ends up in
// errors, logs and metric labels.
func (m *Manager) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	if m.policy.TotalBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.policy.TotalBudget)
		defer cancel()
	}
	started := time.Now()

	var attempts []Attempt
	for attempt := 1; ; attempt++ {
		if m.breaker != nil {
			allowed, retryAfter := m.breaker.Allow()
			if !allowed {
				m.count(operation, "rejected")
				return &CircuitBreakerOpenError{Operation: operation, RetryAfter: retryAfter}
			}
		}

		callStart := time.Now()
		err := fn(ctx)
		m.observe(operation, time.Since(callStart))

		if err == nil {
			if m.breaker != nil {
				m.breaker.RecordSuccess()
			}
			if attempt > 1 {
				m.emit(EventRetrySuccess, operation, attempt, nil)
			}
			m.count(operation, "success")
			return nil
		}

		var te *transport.Error
		if transport.AsError(err, &te) {
			te.Attempt = attempt
		}

		retryable := m.policy.Classify(err)
		if m.breaker != nil {
			// A deterministic failure is still a served response; it
			// must not trip the circuit, and a half-open probe that got
			// one proves the server is back.
			if retryable {
				m.breaker.RecordFailure()
			} else {
				m.breaker.RecordSuccess()
			}
		}
		m.count(operation, "failure:"+string(transport.KindOf(err)))
		attempts = append(attempts, Attempt{Number: attempt, Kind: transport.KindOf(err), Err: err})

		if !retryable {
			return err
		}
		if attempt >= m.policy.MaxAttempts {
			m.emit(EventRetryFailed, operation, attempt, err)
			return &MaxRetriesExceededError{Operation: operation, Attempts: attempts}
		}

		delay := m.policy.Strategy.Delay(attempt)
		m.log.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay.String(),
			"kind":      string(transport.KindOf(err)),
		}).Warn("retrying after failure")
		m.emit(EventRetryAttempt, operation, attempt, err)

		if sleepErr := m.sleep(ctx, delay); sleepErr != nil {
			m.emit(EventRetryFailed, operation, attempt, err)
			return &RetryTimeoutError{Operation: operation, Elapsed: time.Since(started), Last: err}
		}
	}
}

func (m *Manager) emit(event Event, operation string, attempt int, err error) {
	if m.metrics != nil {
		m.metrics.emit(event)
	}
	if m.sink == nil {
		return
	}
	fields := map[string]interface{}{"operation": operation, "attempt": attempt}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.sink(event, fields)
}

func (m *Manager) count(operation, outcome string) {
	if m.metrics != nil {
		m.metrics.count(operation, outcome)
	}
}

func (m *Manager) observe(operation string, elapsed time.Duration) {
	if m.metrics != nil {
		m.metrics.observe(operation, elapsed)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
