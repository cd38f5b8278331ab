// Package cache provides the layered result cache: an in-memory backend
// with pluggable eviction, a redis backend with its own retry policy, and a
// manager that coalesces concurrent computes, falls back between backends
// and invalidates by model pattern.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// NoExpiry marks an entry that lives until deleted or evicted.
const NoExpiry = time.Duration(0)

// Stats are the running counters of one backend.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int64 `json:"size"`
}

// Backend is the storage contract shared by every concrete cache. Values
// are opaque bytes; serialization is the manager's concern. A zero ttl
// means the entry never expires.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching the glob and reports how
	// many were dropped.
	DeletePattern(ctx context.Context, glob string) (int64, error)

	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)

	// Ping probes backend health; in-process backends always succeed.
	Ping(ctx context.Context) error

	Close() error
}

// QueryKey builds the canonical cache key of a query read:
// namespace:model:digest-of-payload.
func QueryKey(namespace, model string, payload interface{}) string {
	return fmt.Sprintf("%s:%s:%s", namespace, model, digest(payload))
}

// RecordKey builds the cache key of a single-record read.
func RecordKey(namespace, model string, id int64, projection []string) string {
	return fmt.Sprintf("%s:record:%s:%d:%s", namespace, model, id, digest(projection))
}

// ModelPattern is the glob that matches every query key of one model.
func ModelPattern(namespace, model string) string {
	return fmt.Sprintf("%s:%s:*", namespace, model)
}

// RecordPattern is the glob that matches every record key of one model.
func RecordPattern(namespace, model string) string {
	return fmt.Sprintf("%s:record:%s:*", namespace, model)
}

func digest(payload interface{}) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}
