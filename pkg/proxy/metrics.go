package proxy

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a snapshot of the proxy's counters. Counting is always on;
// Prometheus export is optional (WithMetrics).
type Stats struct {
	CacheHits      uint64
	CacheMisses    uint64
	TransportCalls uint64
	DedupJoins     uint64
	Broadcasts     uint64
	Failures       uint64
	Pending        int64
}

type counters struct {
	hits       atomic.Uint64
	misses     atomic.Uint64
	calls      atomic.Uint64
	joins      atomic.Uint64
	broadcasts atomic.Uint64
	failures   atomic.Uint64
	pending    atomic.Int64
}

// metrics mirrors the counters into Prometheus when a registerer is given.
// Every method is safe on a nil *promMetrics.
type promMetrics struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	calls      *prometheus.CounterVec
	joins      prometheus.Counter
	broadcasts *prometheus.CounterVec
	failures   *prometheus.CounterVec
	pending    prometheus.Gauge
}

func newPromMetrics(reg prometheus.Registerer, instance string) (*promMetrics, error) {
	labels := prometheus.Labels{"instance": instance}
	m := &promMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "objectproxy",
			Subsystem:   "cache",
			Name:        "hits_total",
			ConstLabels: labels,
			Help:        "Total number of requests answered from the cache",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "objectproxy",
			Subsystem:   "cache",
			Name:        "misses_total",
			ConstLabels: labels,
			Help:        "Total number of cache lookups that fell through to the transport",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "objectproxy",
			Subsystem:   "transport",
			Name:        "requests_total",
			ConstLabels: labels,
			Help:        "Total number of transport requests issued, by request kind",
		}, []string{"kind"}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "objectproxy",
			Subsystem:   "coordinator",
			Name:        "dedup_joins_total",
			ConstLabels: labels,
			Help:        "Total number of requests that joined an in-flight request",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "objectproxy",
			Subsystem:   "events",
			Name:        "published_total",
			ConstLabels: labels,
			Help:        "Total number of events published, by event kind",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "objectproxy",
			Subsystem:   "coordinator",
			Name:        "failures_total",
			ConstLabels: labels,
			Help:        "Total number of failed requests, by failure kind",
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "objectproxy",
			Subsystem:   "coordinator",
			Name:        "pending_requests",
			ConstLabels: labels,
			Help:        "Number of requests currently awaiting transport completion",
		}),
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.calls, m.joins, m.broadcasts, m.failures, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

type metrics struct {
	c    counters
	prom *promMetrics
}

func (m *metrics) hit() {
	m.c.hits.Add(1)
	if m.prom != nil {
		m.prom.hits.Inc()
	}
}

func (m *metrics) miss() {
	m.c.misses.Add(1)
	if m.prom != nil {
		m.prom.misses.Inc()
	}
}

func (m *metrics) call(kind RequestKind) {
	m.c.calls.Add(1)
	if m.prom != nil {
		m.prom.calls.WithLabelValues(string(kind)).Inc()
	}
}

func (m *metrics) join() {
	m.c.joins.Add(1)
	if m.prom != nil {
		m.prom.joins.Inc()
	}
}

func (m *metrics) broadcast(e Event) {
	m.c.broadcasts.Add(1)
	if m.prom != nil {
		m.prom.broadcasts.WithLabelValues(e.Kind().String()).Inc()
	}
}

func (m *metrics) failure(kind Kind) {
	m.c.failures.Add(1)
	if m.prom != nil {
		m.prom.failures.WithLabelValues(kind.String()).Inc()
	}
}

func (m *metrics) pendingDelta(d int64) {
	v := m.c.pending.Add(d)
	if m.prom != nil {
		m.prom.pending.Set(float64(v))
	}
}

func (m *metrics) snapshot() Stats {
	return Stats{
		CacheHits:      m.c.hits.Load(),
		CacheMisses:    m.c.misses.Load(),
		TransportCalls: m.c.calls.Load(),
		DedupJoins:     m.c.joins.Load(),
		Broadcasts:     m.c.broadcasts.Load(),
		Failures:       m.c.failures.Load(),
		Pending:        m.c.pending.Load(),
	}
}
