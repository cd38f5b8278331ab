package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

// ManagerConfig tunes the cache manager.
type ManagerConfig struct {
	// Namespace prefixes every key this manager builds.
	Namespace string

	// DefaultTTL applies when a read gives no explicit ttl.
	DefaultTTL time.Duration

	// BreakerThreshold is the run of consecutive primary failures that
	// sends all traffic to the fallback backend.
	BreakerThreshold int

	// RecoveryTimeout is how long the primary stays benched.
	RecoveryTimeout time.Duration
}

// Options select backend and ttl for one read-through call.
type Options struct {
	// Backend picks a registered backend by name; "" means the default.
	Backend string

	// TTL of a written entry. Zero takes the manager default; negative
	// pins the entry until invalidated.
	TTL time.Duration

	// Refresh ignores any existing entry and overwrites it.
	Refresh bool
}

type registration struct {
	name       string
	backend    Backend
	serializer Serializer
}

// Manager owns the named backends. Reads coalesce per key, so one producer
// runs no matter how many callers ask for an absent entry at once; a
// failing primary backend trips a circuit and traffic shifts to the
// fallback until the primary recovers.
type Manager struct {
	cfg ManagerConfig
	log *logrus.Entry

	mu           sync.RWMutex
	backends     map[string]*registration
	defaultName  string
	fallbackName string

	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
}

// NewManager builds an empty manager; register backends before use.
func NewManager(cfg ManagerConfig, logger *logrus.Logger) *Manager {
	if cfg.Namespace == "" {
		cfg.Namespace = "zenoo"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		cfg:      cfg,
		log:      logger.WithField("component", "cache"),
		backends: make(map[string]*registration),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cache-primary",
		Timeout: cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerThreshold)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("primary cache circuit changed state")
		},
	})
	return m
}

// Namespace returns the key prefix of this manager.
func (m *Manager) Namespace() string { return m.cfg.Namespace }

// Register adds a named backend. The first registration becomes the
// default; a later in-process registration becomes the fallback unless one
// is set already.
func (m *Manager) Register(name string, backend Backend, serializer Serializer) error {
	if serializer == nil {
		serializer = jsonSerializer{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.backends[name]; dup {
		return fmt.Errorf("cache: backend %q is already registered", name)
	}
	m.backends[name] = &registration{name: name, backend: backend, serializer: serializer}
	if m.defaultName == "" {
		m.defaultName = name
	} else if m.fallbackName == "" {
		m.fallbackName = name
	}
	return nil
}

// SetDefault picks the primary backend by name.
func (m *Manager) SetDefault(name string) error {
	return m.assign(&m.defaultName, name)
}

// SetFallback picks the backend that serves while the primary circuit is
// open.
func (m *Manager) SetFallback(name string) error {
	return m.assign(&m.fallbackName, name)
}

func (m *Manager) assign(slot *string, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backends[name]; !ok {
		return fmt.Errorf("cache: backend %q is not registered", name)
	}
	*slot = name
	return nil
}

// Backend returns a registered backend by name.
func (m *Manager) Backend(name string) (Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.backends[name]
	if !ok {
		return nil, false
	}
	return reg.backend, true
}

func (m *Manager) registration(name string) (*registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		name = m.defaultName
	}
	reg, ok := m.backends[name]
	if !ok {
		return nil, fmt.Errorf("cache: backend %q is not registered", name)
	}
	return reg, nil
}

func (m *Manager) fallback() *registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fallbackName == "" {
		return nil
	}
	return m.backends[m.fallbackName]
}

func (m *Manager) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return NoExpiry
	}
	if ttl == 0 {
		return m.cfg.DefaultTTL
	}
	return ttl
}

type computed struct {
	data       []byte
	serializer Serializer
}

// GetOrCompute returns the cached entry under key, or runs producer and
// caches its result. Concurrent calls for one absent key share a single
// producer run. dest receives the value through the backend serializer in
// both cases, so hits and misses yield identical shapes.
func (m *Manager) GetOrCompute(ctx context.Context, key string, opts Options, dest interface{}, producer func(context.Context) (interface{}, error)) error {
	primary, err := m.registration(opts.Backend)
	if err != nil {
		return err
	}

	if !opts.Refresh {
		if data, ok := m.read(ctx, primary, key); ok {
			return primary.serializer.Unmarshal(data, dest)
		}
	}

	result, err, _ := m.group.Do(key, func() (interface{}, error) {
		value, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		data, err := primary.serializer.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("cache: marshal for %s: %w", key, err)
		}
		m.write(ctx, primary, key, data, m.effectiveTTL(opts.TTL))
		return computed{data: data, serializer: primary.serializer}, nil
	})
	if err != nil {
		return err
	}
	c := result.(computed)
	return c.serializer.Unmarshal(c.data, dest)
}

// read consults the primary through its circuit and falls back on error or
// open circuit. A miss is not a failure.
func (m *Manager) read(ctx context.Context, primary *registration, key string) ([]byte, bool) {
	isPrimary := primary.name == m.primaryName()
	if isPrimary {
		result, err := m.breaker.Execute(func() (interface{}, error) {
			data, ok, err := primary.backend.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			return data, nil
		})
		if err == nil {
			data, _ := result.([]byte)
			return data, data != nil
		}
		m.log.WithError(err).WithField("key", key).Debug("primary cache read failed")
		if fb := m.fallback(); fb != nil && fb.name != primary.name {
			data, ok, fbErr := fb.backend.Get(ctx, key)
			if fbErr != nil {
				m.log.WithError(fbErr).Debug("fallback cache read failed")
				return nil, false
			}
			return data, ok
		}
		return nil, false
	}

	data, ok, err := primary.backend.Get(ctx, key)
	if err != nil {
		m.log.WithError(err).WithField("key", key).Debug("cache read failed")
		return nil, false
	}
	return data, ok
}

// write mirrors read's fallback logic; a failed write is logged, never
// fatal.
func (m *Manager) write(ctx context.Context, primary *registration, key string, data []byte, ttl time.Duration) {
	isPrimary := primary.name == m.primaryName()
	if isPrimary {
		_, err := m.breaker.Execute(func() (interface{}, error) {
			return nil, primary.backend.Set(ctx, key, data, ttl)
		})
		if err == nil {
			return
		}
		m.log.WithError(err).WithField("key", key).Debug("primary cache write failed")
		if fb := m.fallback(); fb != nil && fb.name != primary.name {
			if fbErr := fb.backend.Set(ctx, key, data, ttl); fbErr != nil {
				m.log.WithError(fbErr).Debug("fallback cache write failed")
			}
		}
		return
	}
	if err := primary.backend.Set(ctx, key, data, ttl); err != nil {
		m.log.WithError(err).WithField("key", key).Debug("cache write failed")
	}
}

func (m *Manager) primaryName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

// Invalidate drops every query and record entry of a model from every
// backend. It runs synchronously: a write path calls it before reporting
// success to its caller.
func (m *Manager) Invalidate(ctx context.Context, model string) error {
	patterns := []string{
		ModelPattern(m.cfg.Namespace, model),
		RecordPattern(m.cfg.Namespace, model),
	}
	var errs []error
	for _, reg := range m.registrations() {
		for _, pattern := range patterns {
			if _, err := reg.backend.DeletePattern(ctx, pattern); err != nil {
				errs = append(errs, fmt.Errorf("backend %s: %w", reg.name, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cache: invalidate %s: %w", model, errors.Join(errs...))
	}
	return nil
}

// Clear empties every backend.
func (m *Manager) Clear(ctx context.Context) error {
	var errs []error
	for _, reg := range m.registrations() {
		if err := reg.backend.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats collects per-backend counters, keyed by registration name.
func (m *Manager) Stats(ctx context.Context) (map[string]Stats, error) {
	out := make(map[string]Stats)
	for _, reg := range m.registrations() {
		stats, err := reg.backend.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("cache: stats of %s: %w", reg.name, err)
		}
		out[reg.name] = stats
	}
	return out, nil
}

// Close shuts every backend down.
func (m *Manager) Close() error {
	var errs []error
	for _, reg := range m.registrations() {
		if err := reg.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) registrations() []*registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*registration, 0, len(m.backends))
	for _, reg := range m.backends {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
