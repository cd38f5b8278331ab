package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/spineda1208/zenoo/transport"
)

type ctxKey struct{}

// NewContext returns ctx carrying the scope, so writes issued through the
// client inside the scope find it.
func NewContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, scope)
}

// FromContext extracts the active scope, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(ctxKey{}).(*Scope)
	return scope, ok
}

// Manager opens scopes and drives the run-commit-or-rollback protocol,
// including whole-scope retry after serialization conflicts.
type Manager struct {
	inverter Inverter
	log      *logrus.Entry

	maxAttempts     uint64
	initialInterval time.Duration
	onCommit        func(ctx context.Context, models []string)
}

// Option tunes a Manager.
type Option func(*Manager)

// WithRetryAttempts sets the scope retry budget for serialization failures.
func WithRetryAttempts(n uint64) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

// WithInitialInterval sets the first retry delay of the exponential schedule.
func WithInitialInterval(d time.Duration) Option {
	return func(m *Manager) { m.initialInterval = d }
}

// WithCommitHook installs a callback invoked after a root scope commits,
// with the models the scope wrote. The client finalizes cache invalidation
// there.
func WithCommitHook(hook func(ctx context.Context, models []string)) Option {
	return func(m *Manager) { m.onCommit = hook }
}

// NewManager builds a Manager issuing inverses through inverter.
func NewManager(inverter Inverter, logger *logrus.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		inverter:        inverter,
		log:             logger.WithField("component", "transaction"),
		maxAttempts:     3,
		initialInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	// One attempt minimum: the budget counts runs, not retries, and
	// maxAttempts-1 feeds an unsigned retry count below.
	if m.maxAttempts == 0 {
		m.maxAttempts = 1
	}
	return m
}

// Begin opens a root scope and returns it with a context carrying it.
func (m *Manager) Begin(ctx context.Context) (*Scope, context.Context) {
	scope := newScope(m.inverter, m.log)
	return scope, NewContext(ctx, scope)
}

// Run executes fn inside a fresh scope. A nil return commits; an error rolls
// the scope back and is returned, joined with a RollbackError when inverses
// fail. A serialization conflict re-runs the whole fn with exponential
// backoff, but only while the failed attempt completed no server write: once
// anything is journalled, re-issuing the function is not safe and the
// conflict surfaces as-is.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(m.expo(), m.maxAttempts-1), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := m.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		var retriable *retriableConflict
		if errors.As(err, &retriable) {
			m.log.WithFields(logrus.Fields{
				"attempt": attempt,
			}).WithError(retriable.err).Warn("serialization conflict, retrying scope")
			return retriable.err
		}
		return backoff.Permanent(err)
	}, policy)
}

// retriableConflict wraps a serialization failure that is safe to re-run.
type retriableConflict struct{ err error }

func (c *retriableConflict) Error() string { return c.err.Error() }
func (c *retriableConflict) Unwrap() error { return c.err }

func (m *Manager) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	scope, scopedCtx := m.Begin(ctx)

	err := fn(scopedCtx)
	if err == nil {
		if commitErr := scope.Commit(ctx); commitErr != nil {
			return commitErr
		}
		if m.onCommit != nil {
			m.onCommit(ctx, scope.TouchedModels())
		}
		return nil
	}

	clean := scope.JournalLen() == 0
	if rbErr := scope.Rollback(ctx); rbErr != nil {
		return errors.Join(err, rbErr)
	}
	if clean && transport.KindOf(err) == transport.KindSerialization {
		return &retriableConflict{err: err}
	}
	return err
}

func (m *Manager) expo() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialInterval
	b.MaxElapsedTime = 0
	return b
}

// Atomic runs fn inside the scope carried by ctx when one exists, otherwise
// inside a fresh scope. It lets library code compose with caller-managed
// transactions without nesting surprises.
func (m *Manager) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	parent, ok := FromContext(ctx)
	if !ok {
		return m.Run(ctx, fn)
	}
	child, err := parent.Child()
	if err != nil {
		return err
	}
	childCtx := NewContext(ctx, child)
	if err := fn(childCtx); err != nil {
		if rbErr := child.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if err := child.Commit(ctx); err != nil {
		return fmt.Errorf("commit nested scope: %w", err)
	}
	return nil
}
