package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBackend(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	backend, err := NewRedis(RedisConfig{
		URL:       "redis://" + srv.Addr(),
		Namespace: "zenoo",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend, srv
}

func TestRedisGetSetDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisBackend(t)

	_, ok, err := r.Get(ctx, "zenoo:a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "zenoo:a", []byte("one"), NoExpiry))
	value, ok, err := r.Get(ctx, "zenoo:a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), value)

	require.NoError(t, r.Delete(ctx, "zenoo:a"))
	_, ok, _ = r.Get(ctx, "zenoo:a")
	assert.False(t, ok)
}

func TestRedisTTL(t *testing.T) {
	ctx := context.Background()
	r, srv := newRedisBackend(t)

	require.NoError(t, r.Set(ctx, "zenoo:a", []byte("one"), time.Minute))
	srv.FastForward(2 * time.Minute)

	_, ok, err := r.Get(ctx, "zenoo:a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDeletePattern(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisBackend(t)

	require.NoError(t, r.Set(ctx, "zenoo:res.partner:a", []byte("1"), NoExpiry))
	require.NoError(t, r.Set(ctx, "zenoo:res.partner:b", []byte("2"), NoExpiry))
	require.NoError(t, r.Set(ctx, "zenoo:res.country:a", []byte("3"), NoExpiry))

	dropped, err := r.DeletePattern(ctx, "zenoo:res.partner:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)

	_, ok, _ := r.Get(ctx, "zenoo:res.country:a")
	assert.True(t, ok)
}

func TestRedisClearScopedToNamespace(t *testing.T) {
	ctx := context.Background()
	r, srv := newRedisBackend(t)

	require.NoError(t, r.Set(ctx, "zenoo:a", []byte("1"), NoExpiry))
	require.NoError(t, srv.Set("other:b", "kept"))

	require.NoError(t, r.Clear(ctx))

	_, ok, _ := r.Get(ctx, "zenoo:a")
	assert.False(t, ok)
	assert.True(t, srv.Exists("other:b"))
}

func TestRedisStatsAndPing(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisBackend(t)

	require.NoError(t, r.Ping(ctx))

	require.NoError(t, r.Set(ctx, "zenoo:a", []byte("1"), NoExpiry))
	_, _, _ = r.Get(ctx, "zenoo:a")
	_, _, _ = r.Get(ctx, "zenoo:missing")

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Size)
}

func TestRedisRetriesAfterServerRestart(t *testing.T) {
	ctx := context.Background()
	r, srv := newRedisBackend(t)

	require.NoError(t, r.Set(ctx, "zenoo:a", []byte("1"), NoExpiry))

	// The backend survives a brief outage thanks to its own retry loop:
	// a dead server surfaces as an error, not a hang.
	srv.Close()
	_, _, err := r.Get(ctx, "zenoo:a")
	assert.Error(t, err)
}

func TestRedisBadURL(t *testing.T) {
	_, err := NewRedis(RedisConfig{URL: "http://not-redis"})
	assert.Error(t, err)
}
