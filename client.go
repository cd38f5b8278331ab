package zenoo

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/spineda1208/zenoo/batch"
	"github.com/spineda1208/zenoo/cache"
	"github.com/spineda1208/zenoo/common"
	"github.com/spineda1208/zenoo/config"
	"github.com/spineda1208/zenoo/model"
	"github.com/spineda1208/zenoo/query"
	"github.com/spineda1208/zenoo/retry"
	"github.com/spineda1208/zenoo/transaction"
	"github.com/spineda1208/zenoo/transport"
	"github.com/spineda1208/zenoo/version"
)

// Client is the top-level handle: one server endpoint, one authenticated
// session, and the cache, retry, batch and transaction layers wired
// together. It implements the query runner, so query sets built through
// Model route every call through those layers.
//
// A Client is safe for concurrent use. Transaction scopes are not: each
// scope belongs to the goroutine driving it.
type Client struct {
	cfg      *config.Config
	log      *logrus.Logger
	session  *transport.Session
	registry *model.Registry
	cache    *cache.Manager
	retry    *retry.Manager
	batch    *batch.Engine
	tx       *transaction.Manager
}

// ClientOption adjusts client construction.
type ClientOption func(*clientSettings)

type clientSettings struct {
	logger  *logrus.Logger
	metrics prometheus.Registerer
}

// WithLogger replaces the logger built from the logging config section.
func WithLogger(logger *logrus.Logger) ClientOption {
	return func(s *clientSettings) { s.logger = logger }
}

// WithMetricsRegistry enables retry and circuit instrumentation on the
// given prometheus registry.
func WithMetricsRegistry(reg prometheus.Registerer) ClientOption {
	return func(s *clientSettings) { s.metrics = reg }
}

// New builds a client from cfg. No server I/O happens until the first
// call; a redis cache backend is validated eagerly but connected lazily.
func New(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	var settings clientSettings
	for _, opt := range opts {
		opt(&settings)
	}
	logger := settings.logger
	if logger == nil {
		logger = common.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	}

	wire, err := transport.New(transport.Options{
		Endpoint:       cfg.Endpoint,
		VerifyTLS:      cfg.VerifyTLS,
		Timeout:        cfg.Timeout,
		MaxConnections: cfg.MaxConnections,
		MaxKeepalive:   cfg.MaxKeepaliveConnections,
		HTTP2:          cfg.HTTP2,
		UserAgent:      version.UserAgent(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	caches, err := buildCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	strategy, err := retry.NewStrategy(cfg.Retry.Strategy, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.Jitter)
	if err != nil {
		return nil, err
	}
	breakerCfg := retry.BreakerConfig{
		FailureThreshold: cfg.Retry.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.Retry.Circuit.RecoveryTimeout,
		SuccessThreshold: cfg.Retry.Circuit.SuccessThreshold,
		HalfOpenBudget:   cfg.Retry.Circuit.HalfOpenBudget,
	}
	var retryMetrics *retry.Metrics
	if settings.metrics != nil {
		retryMetrics = retry.NewMetrics(settings.metrics, "zenoo")
		breakerCfg.OnStateChange = retryMetrics.BreakerCallback()
	}
	breaker := retry.NewBreaker(breakerCfg)
	retryOpts := []retry.ManagerOption{retry.WithBreaker(breaker)}
	if retryMetrics != nil {
		retryOpts = append(retryOpts, retry.WithMetrics(retryMetrics))
	}
	retrier := retry.NewManager(retry.Policy{
		Strategy:    strategy,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}, logger, retryOpts...)

	c := &Client{
		cfg:      cfg,
		log:      logger,
		session:  transport.NewSession(wire, logger),
		registry: model.NewRegistry(),
		cache:    caches,
		retry:    retrier,
	}
	c.batch = batch.NewEngine(c, batch.Config{
		MaxChunkSize:   cfg.Batch.MaxChunkSize,
		MaxConcurrency: cfg.Batch.MaxConcurrency,
		Timeout:        cfg.Batch.Timeout,
	}, logger)
	c.tx = transaction.NewManager(&inverter{c: c}, logger,
		transaction.WithCommitHook(func(ctx context.Context, models []string) {
			for _, mdl := range models {
				if err := c.cache.Invalidate(ctx, mdl); err != nil {
					common.Component(logger, "client").WithError(err).Warn("commit invalidation failed")
				}
			}
		}))
	return c, nil
}

// buildCache wires the manager with the configured primary backend and, when
// redis is primary, a memory fallback that keeps reads flowing through
// outages.
func buildCache(cfg *config.Config, logger *logrus.Logger) (*cache.Manager, error) {
	manager := cache.NewManager(cache.ManagerConfig{
		Namespace:  cfg.Cache.Namespace,
		DefaultTTL: cfg.Cache.DefaultTTL,
	}, logger)
	serializer, err := cache.NewSerializer(cfg.Cache.Serializer)
	if err != nil {
		return nil, err
	}
	memory, err := cache.NewMemory(cache.MemoryConfig{
		MaxSize:  cfg.Cache.MaxSize,
		Strategy: cfg.Cache.Strategy,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Cache.Backend == "redis" {
		redis, err := cache.NewRedis(cache.RedisConfig{
			URL:            cfg.Cache.URL,
			Namespace:      cfg.Cache.Namespace,
			MaxConnections: cfg.Cache.MaxConnections,
		})
		if err != nil {
			return nil, err
		}
		if err := manager.Register("redis", redis, serializer); err != nil {
			return nil, err
		}
	}
	if err := manager.Register("memory", memory, serializer); err != nil {
		return nil, err
	}
	return manager, nil
}

// Registry exposes the model registry for descriptor registration.
func (c *Client) Registry() *model.Registry { return c.registry }

// RegisterModel adds a descriptor to the client's registry.
func (c *Client) RegisterModel(d *model.Descriptor) error {
	return c.registry.Register(d)
}

// Session exposes the underlying authenticated session for raw calls.
func (c *Client) Session() *transport.Session { return c.session }

// Cache exposes the cache manager, mostly for stats and manual clears.
func (c *Client) Cache() *cache.Manager { return c.cache }

// Model returns the root query set of a registered model. An unregistered
// name yields a set whose terminals fail, so the chainable style never
// panics.
func (c *Client) Model(name string) *query.Set {
	d, ok := c.registry.Get(name)
	if !ok {
		return query.NewInvalidSet(transport.NewError(transport.KindMethodNotFound,
			fmt.Sprintf("model %q is not registered", name), nil))
	}
	return query.NewSet(c, c.registry, d)
}

// Batch returns the bulk operation engine.
func (c *Client) Batch() *batch.Engine { return c.batch }

// Transaction runs fn inside a compensating transaction scope carried by the
// context. A nil return commits and finalizes cache invalidation; an error
// rolls the journalled writes back in reverse order.
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.tx.Run(ctx, fn)
}

// Atomic nests into the scope carried by ctx when one exists, otherwise
// behaves like Transaction.
func (c *Client) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.tx.Atomic(ctx, fn)
}

// Authenticate logs in with the configured database and credentials.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.session.Authenticate(ctx, c.cfg.Database, c.cfg.Username, c.cfg.Credential)
}

// Login logs in with explicit credentials, overriding the configured ones.
func (c *Client) Login(ctx context.Context, database, username, credential string) error {
	return c.session.Authenticate(ctx, database, username, credential)
}

// Version performs the unauthenticated server healthcheck.
func (c *Client) Version(ctx context.Context) (*transport.ServerVersion, error) {
	return c.session.Version(ctx)
}

// ListDatabases enumerates the server's databases.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	return c.session.ListDatabases(ctx)
}

// Close logs out, releases pooled connections and shuts the cache backends
// down. Safe on every exit path.
func (c *Client) Close() error {
	c.session.Close()
	return c.cache.Close()
}
