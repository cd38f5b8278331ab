package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://localhost:8069", cfg.Endpoint)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.True(t, cfg.VerifyTLS)
	assert.True(t, cfg.HTTP2)

	assert.Equal(t, "exponential", cfg.Retry.Strategy)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 0.25, cfg.Retry.Jitter)
	assert.Equal(t, 5, cfg.Retry.Circuit.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Retry.Circuit.RecoveryTimeout)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "ttl", cfg.Cache.Strategy)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, "zenoo", cfg.Cache.Namespace)

	assert.Equal(t, 100, cfg.Batch.MaxChunkSize)
	assert.Equal(t, 5, cfg.Batch.MaxConcurrency)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ZENOOTEST_ENDPOINT", "https://odoo.example.com")
	t.Setenv("ZENOOTEST_DATABASE", "production")
	t.Setenv("ZENOOTEST_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("ZENOOTEST_CACHE_BACKEND", "redis")
	t.Setenv("ZENOOTEST_CACHE_NAMESPACE", "tenant42")

	cfg, err := Load("ZENOOTEST", "")
	require.NoError(t, err)

	assert.Equal(t, "https://odoo.example.com", cfg.Endpoint)
	assert.Equal(t, "production", cfg.Database)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "tenant42", cfg.Cache.Namespace)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Endpoint = "" },
			wantErr: "endpoint is required",
		},
		{
			name:    "non-http endpoint",
			mutate:  func(c *Config) { c.Endpoint = "ftp://example.com" },
			wantErr: "endpoint must be an http(s) URL",
		},
		{
			name:    "zero max connections",
			mutate:  func(c *Config) { c.MaxConnections = 0 },
			wantErr: "max_connections must be positive",
		},
		{
			name:    "bad retry strategy",
			mutate:  func(c *Config) { c.Retry.Strategy = "random" },
			wantErr: "unknown retry.strategy",
		},
		{
			name:    "jitter out of range",
			mutate:  func(c *Config) { c.Retry.Jitter = 1.5 },
			wantErr: "retry.jitter must be in [0,1]",
		},
		{
			name:    "bad cache backend",
			mutate:  func(c *Config) { c.Cache.Backend = "memcached" },
			wantErr: "unknown cache.backend",
		},
		{
			name:    "bad cache strategy",
			mutate:  func(c *Config) { c.Cache.Strategy = "fifo" },
			wantErr: "unknown cache.strategy",
		},
		{
			name:    "bad serializer",
			mutate:  func(c *Config) { c.Cache.Serializer = "xml" },
			wantErr: "unknown cache.serializer",
		},
		{
			name:    "zero chunk size",
			mutate:  func(c *Config) { c.Batch.MaxChunkSize = 0 },
			wantErr: "batch.max_chunk_size must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
