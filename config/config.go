// Package config provides configuration management for zenoo clients.
//
// This package handles loading configuration from multiple sources with
// proper precedence:
//   - YAML configuration files
//   - Environment variables (configurable prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override
// earlier ones):
//  1. Default values (set via SetDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.zenoo/config.yaml, /etc/zenoo/config.yaml)
//  3. .env files
//  4. Environment variables (configurable prefix, default: ZENOO_)
//
// # Usage Example
//
//	cfg, err := config.Load("ZENOO", "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server: %s db=%s\n", cfg.Endpoint, cfg.Database)
//
// # Environment Variables
//
// Environment variables override all other configuration sources. Use the
// prefix and underscores for nested keys:
//   - ZENOO_ENDPOINT=https://odoo.example.com
//   - ZENOO_RETRY_MAX_ATTEMPTS=5
//   - ZENOO_CACHE_BACKEND=redis
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetryCircuitConfig contains circuit breaker parameters for the retry
// manager.
type RetryCircuitConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before admitting
	// half-open probes. It doubles on repeated half-open failures.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit again.
	SuccessThreshold int `mapstructure:"success_threshold"`

	// HalfOpenBudget bounds the number of probe requests admitted while
	// the circuit is half-open.
	HalfOpenBudget int `mapstructure:"half_open_budget"`
}

// RetryConfig contains retry manager parameters.
type RetryConfig struct {
	// Strategy selects the delay schedule: exponential, linear or fixed.
	Strategy string `mapstructure:"strategy"`

	// MaxAttempts bounds the number of attempts per call.
	MaxAttempts int `mapstructure:"max_attempts"`

	// BaseDelay is the first-attempt delay.
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Jitter is the symmetric jitter fraction applied to each delay
	// (0.25 means plus or minus 25 percent).
	Jitter float64 `mapstructure:"jitter"`

	// Circuit contains the circuit breaker knobs.
	Circuit RetryCircuitConfig `mapstructure:"circuit"`
}

// CacheConfig contains cache manager and backend parameters.
type CacheConfig struct {
	// Backend selects the primary backend: memory or redis.
	Backend string `mapstructure:"backend"`

	// MaxSize bounds the number of entries in the memory backend.
	MaxSize int `mapstructure:"max_size"`

	// DefaultTTL is applied when a caller does not specify one.
	// Zero means entries never expire until cleared.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`

	// Strategy selects the memory eviction strategy: ttl, lru or lfu.
	Strategy string `mapstructure:"strategy"`

	// URL is the redis endpoint (redis://host:port/db).
	URL string `mapstructure:"url"`

	// Namespace prefixes every key written by this client.
	Namespace string `mapstructure:"namespace"`

	// Serializer selects the redis value encoding: json, gob or compact.
	Serializer string `mapstructure:"serializer"`

	// MaxConnections bounds the redis connection pool.
	MaxConnections int `mapstructure:"max_connections"`
}

// BatchConfig contains batch engine parameters.
type BatchConfig struct {
	// MaxChunkSize caps the per-RPC chunk size of bulk operations.
	MaxChunkSize int `mapstructure:"max_chunk_size"`

	// MaxConcurrency bounds the number of chunks in flight.
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// Timeout bounds a whole bulk operation.
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig contains logging parameters.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level"`

	// Format is the log format (json, text).
	Format string `mapstructure:"format"`
}

// Config is the full client configuration. Sections not relevant to a
// deployment keep their defaults.
type Config struct {
	// Endpoint is the base URL of the server (https://host[:port]).
	Endpoint string `mapstructure:"endpoint"`

	// Database is the default database for authentication.
	Database string `mapstructure:"database"`

	// Username is the login used by Authenticate.
	Username string `mapstructure:"username"`

	// Credential is the password or API key used by Authenticate and all
	// subsequent execute_kw calls.
	Credential string `mapstructure:"credential"`

	// VerifyTLS toggles peer certificate verification.
	VerifyTLS bool `mapstructure:"verify_tls"`

	// Timeout is the default per-RPC deadline.
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxConnections bounds the HTTP connection pool per endpoint.
	MaxConnections int `mapstructure:"max_connections"`

	// MaxKeepaliveConnections bounds idle kept-alive connections.
	MaxKeepaliveConnections int `mapstructure:"max_keepalive_connections"`

	// HTTP2 negotiates HTTP/2 when the server supports it.
	HTTP2 bool `mapstructure:"http2"`

	Retry   RetryConfig   `mapstructure:"retry"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix. The prefix is used for environment variables (e.g. "ZENOO" makes
// "ZENOO_ENDPOINT" bind to the endpoint key).
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets arbitrary default configuration values. This should be
// called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the standard client defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("endpoint", "http://localhost:8069")
	l.v.SetDefault("database", "")
	l.v.SetDefault("username", "")
	l.v.SetDefault("credential", "")
	l.v.SetDefault("verify_tls", true)
	l.v.SetDefault("timeout", "30s")
	l.v.SetDefault("max_connections", 100)
	l.v.SetDefault("max_keepalive_connections", 20)
	l.v.SetDefault("http2", true)

	l.v.SetDefault("retry.strategy", "exponential")
	l.v.SetDefault("retry.max_attempts", 3)
	l.v.SetDefault("retry.base_delay", "1s")
	l.v.SetDefault("retry.max_delay", "60s")
	l.v.SetDefault("retry.jitter", 0.25)
	l.v.SetDefault("retry.circuit.failure_threshold", 5)
	l.v.SetDefault("retry.circuit.recovery_timeout", "60s")
	l.v.SetDefault("retry.circuit.success_threshold", 3)
	l.v.SetDefault("retry.circuit.half_open_budget", 1)

	l.v.SetDefault("cache.backend", "memory")
	l.v.SetDefault("cache.max_size", 1000)
	l.v.SetDefault("cache.default_ttl", "5m")
	l.v.SetDefault("cache.strategy", "ttl")
	l.v.SetDefault("cache.url", "redis://localhost:6379/0")
	l.v.SetDefault("cache.namespace", "zenoo")
	l.v.SetDefault("cache.serializer", "json")
	l.v.SetDefault("cache.max_connections", 10)

	l.v.SetDefault("batch.max_chunk_size", 100)
	l.v.SetDefault("batch.max_concurrency", 5)
	l.v.SetDefault("batch.timeout", "300s")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.zenoo")
		l.v.AddConfigPath("/etc/zenoo")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// Load is a convenience function that loads a validated Config with the
// standard defaults. The envPrefix is used for environment variables
// (e.g. "ZENOO" -> "ZENOO_ENDPOINT").
func Load(envPrefix, cfgFile string) (*Config, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with the standard defaults and no
// file or environment input. Useful for tests and embedded use.
func Default() *Config {
	loader := NewLoader("")
	loader.SetConfigDefaults()
	cfg := &Config{}
	if err := loader.v.Unmarshal(cfg); err != nil {
		// Defaults always decode; a failure here is a programming error.
		panic(err)
	}
	return cfg
}

// Validate checks the loaded configuration for values the client cannot
// operate with.
func Validate(cfg *Config) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return fmt.Errorf("endpoint must be an http(s) URL, got %q", cfg.Endpoint)
	}
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be in [0,1], got %v", cfg.Retry.Jitter)
	}
	switch cfg.Retry.Strategy {
	case "exponential", "linear", "fixed":
	default:
		return fmt.Errorf("unknown retry.strategy %q", cfg.Retry.Strategy)
	}
	switch cfg.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache.backend %q", cfg.Cache.Backend)
	}
	switch cfg.Cache.Strategy {
	case "ttl", "lru", "lfu":
	default:
		return fmt.Errorf("unknown cache.strategy %q", cfg.Cache.Strategy)
	}
	switch cfg.Cache.Serializer {
	case "json", "gob", "compact":
	default:
		return fmt.Errorf("unknown cache.serializer %q", cfg.Cache.Serializer)
	}
	if cfg.Batch.MaxChunkSize < 1 {
		return fmt.Errorf("batch.max_chunk_size must be positive, got %d", cfg.Batch.MaxChunkSize)
	}
	if cfg.Batch.MaxConcurrency < 1 {
		return fmt.Errorf("batch.max_concurrency must be positive, got %d", cfg.Batch.MaxConcurrency)
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
