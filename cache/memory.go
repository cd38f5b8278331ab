package cache

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryConfig tunes the in-process backend.
type MemoryConfig struct {
	// MaxSize bounds the entry count; at capacity the strategy picks the
	// victim.
	MaxSize int

	// Strategy is "ttl", "lru" or "lfu".
	Strategy string

	// DefaultTTL is advisory: the manager applies it when a caller gives
	// no ttl. A zero ttl at the Set call pins the entry.
	DefaultTTL time.Duration

	// SweepInterval is the pace of the background expiry sweep.
	SweepInterval time.Duration
}

type memEntry struct {
	value    []byte
	deadline time.Time
	freq     int64
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// memStore is the strategy-specific storage under the Memory backend.
// Callers hold the backend lock.
type memStore interface {
	get(key string) (*memEntry, bool)
	// peek reads without touching recency or frequency bookkeeping; the
	// sweeper uses it so housekeeping never counts as an access.
	peek(key string) (*memEntry, bool)
	// add inserts the entry, evicting per strategy at capacity, and
	// reports how many entries were evicted.
	add(key string, e *memEntry) int64
	remove(key string) bool
	keys() []string
	len() int
	purge()
}

// Memory is the in-process cache backend. All operations are O(1) plus
// eviction; expired entries are dropped lazily on access and periodically
// by the sweeper.
type Memory struct {
	mu    sync.Mutex
	store memStore
	now   func() time.Time

	hits      int64
	misses    int64
	evictions int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory builds a memory backend and starts its sweeper.
func NewMemory(cfg MemoryConfig) (*Memory, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	m := &Memory{now: time.Now, stop: make(chan struct{})}
	switch cfg.Strategy {
	case "", "ttl":
		m.store = &ttlStore{entries: make(map[string]*memEntry), max: cfg.MaxSize}
	case "lru":
		inner, err := lru.NewWithEvict[string, *memEntry](cfg.MaxSize, func(string, *memEntry) {
			m.evictions++
		})
		if err != nil {
			return nil, err
		}
		m.store = &lruStore{inner: inner}
	case "lfu":
		m.store = &lfuStore{entries: make(map[string]*memEntry), max: cfg.MaxSize}
	default:
		return nil, fmt.Errorf("cache: unknown eviction strategy %q", cfg.Strategy)
	}

	go m.sweep(cfg.SweepInterval)
	return m, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.store.get(key)
	if !ok {
		m.misses++
		return nil, false, nil
	}
	if e.expired(m.now()) {
		m.store.remove(key)
		m.evictions++
		m.misses++
		return nil, false, nil
	}
	m.hits++
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := &memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.deadline = m.now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions += m.store.add(key, e)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.remove(key)
	return nil
}

func (m *Memory) DeletePattern(_ context.Context, glob string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped int64
	for _, key := range m.store.keys() {
		matched, err := path.Match(glob, key)
		if err != nil {
			return dropped, fmt.Errorf("cache: bad pattern %q: %w", glob, err)
		}
		if matched && m.store.remove(key) {
			dropped++
		}
	}
	return dropped, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.purge()
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Size:      int64(m.store.len()),
	}, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.removeExpired()
		}
	}
}

func (m *Memory) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, key := range m.store.keys() {
		if e, ok := m.store.peek(key); ok && e.expired(now) {
			m.store.remove(key)
			m.evictions++
		}
	}
}

// ttlStore evicts the entry closest to expiry when full; unexpiring
// entries are the last resort victims.
type ttlStore struct {
	entries map[string]*memEntry
	max     int
}

func (s *ttlStore) get(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

func (s *ttlStore) peek(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

func (s *ttlStore) add(key string, e *memEntry) int64 {
	var evicted int64
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.max {
		victim := ""
		var soonest time.Time
		for k, candidate := range s.entries {
			if victim == "" ||
				(!candidate.deadline.IsZero() && (soonest.IsZero() || candidate.deadline.Before(soonest))) {
				victim = k
				soonest = candidate.deadline
			}
		}
		delete(s.entries, victim)
		evicted++
	}
	s.entries[key] = e
	return evicted
}

func (s *ttlStore) remove(key string) bool {
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

func (s *ttlStore) keys() []string {
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

func (s *ttlStore) len() int { return len(s.entries) }

func (s *ttlStore) purge() { s.entries = make(map[string]*memEntry) }

// lruStore defers to hashicorp's fixed-size LRU.
type lruStore struct {
	inner *lru.Cache[string, *memEntry]
}

func (s *lruStore) get(key string) (*memEntry, bool) { return s.inner.Get(key) }

func (s *lruStore) peek(key string) (*memEntry, bool) { return s.inner.Peek(key) }

func (s *lruStore) add(key string, e *memEntry) int64 {
	// The eviction callback owns the counter.
	s.inner.Add(key, e)
	return 0
}

func (s *lruStore) remove(key string) bool { return s.inner.Remove(key) }

func (s *lruStore) keys() []string { return s.inner.Keys() }

func (s *lruStore) len() int { return s.inner.Len() }

func (s *lruStore) purge() { s.inner.Purge() }

// lfuStore evicts the least frequently read entry.
type lfuStore struct {
	entries map[string]*memEntry
	max     int
}

func (s *lfuStore) get(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	if ok {
		e.freq++
	}
	return e, ok
}

func (s *lfuStore) peek(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

func (s *lfuStore) add(key string, e *memEntry) int64 {
	var evicted int64
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.max {
		victim := ""
		var coldest int64 = -1
		for k, candidate := range s.entries {
			if coldest < 0 || candidate.freq < coldest {
				victim = k
				coldest = candidate.freq
			}
		}
		delete(s.entries, victim)
		evicted++
	}
	s.entries[key] = e
	return evicted
}

func (s *lfuStore) remove(key string) bool {
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

func (s *lfuStore) keys() []string {
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

func (s *lfuStore) len() int { return len(s.entries) }

func (s *lfuStore) purge() { s.entries = make(map[string]*memEntry) }
