package proxy

import (
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultRequestTimeout bounds how long a request waits for its transport
// completion.
const DefaultRequestTimeout = 10 * time.Second

type options struct {
	logger           *slog.Logger
	timeout          time.Duration
	rebroadcastOnHit bool
	registerer       prometheus.Registerer
	instance         string
	schemas          []string
}

func defaultOptions() options {
	return options{
		logger:           discardLogger(),
		timeout:          DefaultRequestTimeout,
		rebroadcastOnHit: true,
		instance:         "default",
	}
}

// Option configures a Proxy.
type Option func(*options)

// WithLogger sets the structured logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = discardLogger()
		}
		o.logger = logger
	}
}

// WithTimeout sets the per-request completion window. Zero or negative
// disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRebroadcastOnHit controls whether a cache hit in GetObject publishes
// an OP.Get event. Enabled by default.
func WithRebroadcastOnHit(enabled bool) Option {
	return func(o *options) {
		o.rebroadcastOnHit = enabled
	}
}

// WithMetrics registers the proxy's Prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithInstance sets the instance label used on exported metrics.
func WithInstance(name string) Option {
	return func(o *options) {
		if name != "" {
			o.instance = name
		}
	}
}

// WithSchemas declares schemas that Mutate accepts before any record of that
// schema has been observed.
func WithSchemas(names ...string) Option {
	return func(o *options) {
		o.schemas = append(o.schemas, names...)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
