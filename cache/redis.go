package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// RedisConfig tunes the remote backend.
type RedisConfig struct {
	// URL is a redis connection URL, e.g. redis://localhost:6379/0.
	URL string

	// Namespace scopes Clear so one client cannot wipe a shared server.
	Namespace string

	// MaxConnections bounds the connection pool.
	MaxConnections int

	// RetryAttempts bounds the backend's own retry loop around each
	// network call.
	RetryAttempts int
}

// Redis is the remote cache backend. Every network call runs under a short
// exponential backoff of its own, independent of the session retry
// manager.
type Redis struct {
	client    *redis.Client
	namespace string
	retries   uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedis connects a redis backend. The URL is validated here; the first
// network round trip happens on use.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: bad redis url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	retries := cfg.RetryAttempts
	if retries <= 0 {
		retries = 2
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "zenoo"
	}
	return &Redis{
		client:    redis.NewClient(opts),
		namespace: namespace,
		retries:   uint64(retries),
	}, nil
}

func (r *Redis) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, r.retries), ctx))
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := r.withRetry(ctx, func() error {
		data, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = data, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	if found {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
	return value, found, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := r.withRetry(ctx, func() error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	err := r.withRetry(ctx, func() error {
		return r.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("cache: redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) DeletePattern(ctx context.Context, glob string) (int64, error) {
	var dropped int64
	err := r.withRetry(ctx, func() error {
		dropped = 0
		iter := r.client.Scan(ctx, 0, glob, 200).Iterator()
		batch := make([]string, 0, 200)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n, err := r.client.Del(ctx, batch...).Result()
			dropped += n
			batch = batch[:0]
			return err
		}
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == cap(batch) {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		return flush()
	})
	if err != nil {
		return dropped, fmt.Errorf("cache: redis delete pattern %s: %w", glob, err)
	}
	return dropped, nil
}

// Clear drops the backend's own namespace, not the whole server.
func (r *Redis) Clear(ctx context.Context) error {
	_, err := r.DeletePattern(ctx, r.namespace+":*")
	return err
}

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	var size int64
	err := r.withRetry(ctx, func() error {
		size = 0
		iter := r.client.Scan(ctx, 0, r.namespace+":*", 500).Iterator()
		for iter.Next(ctx) {
			size++
		}
		return iter.Err()
	})
	if err != nil {
		return Stats{}, fmt.Errorf("cache: redis stats: %w", err)
	}
	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Size:   size,
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
