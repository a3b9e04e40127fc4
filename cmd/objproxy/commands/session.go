package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/objectproxy/internal/config"
	"github.com/dyluth/objectproxy/internal/printer"
	"github.com/dyluth/objectproxy/pkg/proxy"
	"github.com/dyluth/objectproxy/pkg/redistransport"
	"github.com/dyluth/objectproxy/pkg/store"
)

// session holds the connections a command works through.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Client
	proxy    *proxy.Proxy
	registry *prometheus.Registry
}

// loadConfig resolves configuration from file, environment and flags, in
// increasing precedence.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{fmt.Sprintf("Fix %s or pass --config with a valid file", displayPath(configPath))},
		)
	}

	if err := config.ApplyEnv(cfg); err != nil {
		return nil, printer.Error(
			"invalid environment configuration",
			err.Error(),
			[]string{"Check the OBJPROXY_* environment variables"},
		)
	}

	if redisURLFlag != "" {
		cfg.Redis.URL = redisURLFlag
	}
	if instanceFlag != "" {
		cfg.Instance = instanceFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, printer.Error("invalid flags", err.Error(), nil)
	}
	return cfg, nil
}

func displayPath(path string) string {
	if path == "" {
		return config.DefaultPath
	}
	return path
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore connects to the configured Redis and verifies connectivity.
func openStore(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := newLogger()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client, err := store.NewClient(redisOpts, cfg.Instance,
		store.WithLogger(logger),
		store.WithWarnListSize(cfg.Proxy.WarnListSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.Redis.URL),
			map[string]string{"Instance": cfg.Instance, "Error": err.Error()},
			[]string{
				"Check that Redis is running and reachable",
				"Point objproxy at another server:\n  objproxy --redis-url redis://host:6379 ...",
			},
		)
	}

	return &session{cfg: cfg, logger: logger, store: client}, nil
}

// openSession connects to the store and builds a proxy over it. Schemas
// declared in config and schemas registered in the store are both known.
func openSession(ctx context.Context) (*session, error) {
	s, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	registered, err := s.store.ListSchemas(ctx)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	s.registry = prometheus.NewRegistry()
	p, err := proxy.New(redistransport.New(s.store, s.logger),
		proxy.WithLogger(s.logger),
		proxy.WithTimeout(s.cfg.Proxy.RequestTimeout),
		proxy.WithRebroadcastOnHit(*s.cfg.Proxy.RebroadcastOnHit),
		proxy.WithInstance(s.cfg.Instance),
		proxy.WithMetrics(s.registry),
		proxy.WithSchemas(append(s.cfg.SchemaNames(), registered...)...),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}
	s.proxy = p
	return s, nil
}

// Close releases the proxy and the Redis connection.
func (s *session) Close() {
	if s.proxy != nil {
		s.proxy.Close()
	}
	s.store.Close()
}

// proxyError turns a proxy failure into a formatted CLI error.
func (s *session) proxyError(err error, schema, id string) error {
	target := schema
	if id != "" {
		target = fmt.Sprintf("%s %s", schema, id)
	}

	switch {
	case proxy.IsNotFound(err):
		return printer.Error(
			fmt.Sprintf("%s not found", target),
			fmt.Sprintf("No matching record exists in instance '%s'.", s.cfg.Instance),
			nil,
		)
	case errors.Is(err, proxy.ErrUnknownSchema), store.IsUnknownSchema(err):
		return printer.Error(
			fmt.Sprintf("unknown schema '%s'", schema),
			fmt.Sprintf("Schema '%s' is not registered in instance '%s'.", schema, s.cfg.Instance),
			[]string{fmt.Sprintf("Register it first:\n  objproxy schema register %s", schema)},
		)
	case proxy.IsTimeout(err):
		return printer.ErrorWithContext(
			"request timed out",
			fmt.Sprintf("No response for %s within %s.", target, s.cfg.Proxy.RequestTimeout),
			map[string]string{"Redis": s.cfg.Redis.URL},
			[]string{"Raise proxy.request_timeout or OBJPROXY_PROXY_REQUEST_TIMEOUT"},
		)
	case proxy.IsCallerError(err):
		return printer.Error("invalid request", err.Error(), nil)
	default:
		return fmt.Errorf("failed to access %s: %w", target, err)
	}
}
