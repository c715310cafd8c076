// Package metrics exports server activity to Prometheus.
//
// Metrics implements the observer interfaces of the session, capture and
// reactor packages, so one value can be handed to all of them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the collectors.
type Config struct {
	// Namespace prefixes every metric name. Default: "rfbd".
	Namespace string
	// Registry receives the collectors. Default: a fresh registry with the Go
	// and process collectors.
	Registry *prometheus.Registry
	// ConstLabels are added to all metrics.
	ConstLabels prometheus.Labels
}

// Option configures New.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) { c.Registry = reg }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// Metrics holds the server's collectors.
type Metrics struct {
	cfg     Config
	factory promauto.Factory

	connectionsTotal   prometheus.Counter
	connectionsOpen    prometheus.Gauge
	connectionsRefused *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec

	messagesTotal   *prometheus.CounterVec
	updatesTotal    prometheus.Counter
	updateBytes     prometheus.Histogram
	updatesSkipped  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	sessionLifetime prometheus.Histogram

	captureDuration *prometheus.HistogramVec
	ready           prometheus.Gauge
}

// New creates and registers the collectors.
func New(opts ...Option) *Metrics {
	cfg := Config{Namespace: "rfbd"}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
		cfg.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	factory := promauto.With(cfg.Registry)
	m := &Metrics{cfg: cfg, factory: factory}

	m.connectionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Name:        "connections_total",
		Help:        "Total number of accepted client connections",
		ConstLabels: cfg.ConstLabels,
	})
	m.connectionsOpen = factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Name:        "connections_open",
		Help:        "Number of open client connections",
		ConstLabels: cfg.ConstLabels,
	})
	m.connectionsRefused = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Name:        "connections_refused_total",
		Help:        "Connections closed at accept time by reason",
		ConstLabels: cfg.ConstLabels,
	}, []string{"reason"})
	m.bytesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Name:        "bytes_total",
		Help:        "Bytes moved on client connections by direction",
		ConstLabels: cfg.ConstLabels,
	}, []string{"direction"})

	m.messagesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "session",
		Name:        "messages_total",
		Help:        "Client messages handled by type",
		ConstLabels: cfg.ConstLabels,
	}, []string{"type"})
	m.updatesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "session",
		Name:        "updates_total",
		Help:        "FramebufferUpdate messages sent",
		ConstLabels: cfg.ConstLabels,
	})
	m.updateBytes = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "session",
		Name:        "update_bytes",
		Help:        "Size of FramebufferUpdate messages in bytes",
		ConstLabels: cfg.ConstLabels,
		Buckets:     prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
	})
	m.updatesSkipped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "session",
		Name:        "updates_skipped_total",
		Help:        "Update requests left unanswered by reason",
		ConstLabels: cfg.ConstLabels,
	}, []string{"reason"})
	m.sessionsClosed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "session",
		Name:        "closed_total",
		Help:        "Sessions closed by reason",
		ConstLabels: cfg.ConstLabels,
	}, []string{"reason"})
	m.sessionLifetime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "session",
		Name:        "lifetime_seconds",
		Help:        "Session lifetime in seconds",
		ConstLabels: cfg.ConstLabels,
		Buckets:     []float64{0.1, 1, 10, 60, 300, 1800, 3600, 14400},
	})

	m.captureDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   "capture",
		Name:        "duration_seconds",
		Help:        "Capture attempt duration by outcome",
		ConstLabels: cfg.ConstLabels,
		Buckets:     []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"outcome"})
	m.ready = factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Name:        "ready",
		Help:        "1 while the server accepts sessions",
		ConstLabels: cfg.ConstLabels,
	})
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.cfg.Registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.cfg.Registry, promhttp.HandlerOpts{Registry: m.cfg.Registry})
}

// WatchSessions exports the live session count reported by f.
func (m *Metrics) WatchSessions(f func() int) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.cfg.Namespace,
		Subsystem:   "session",
		Name:        "active",
		Help:        "Number of live sessions",
		ConstLabels: m.cfg.ConstLabels,
	}, func() float64 { return float64(f()) })
}

// WatchQueue exports the number of capture requests waiting for a worker.
func (m *Metrics) WatchQueue(pending func() int) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.cfg.Namespace,
		Subsystem:   "capture",
		Name:        "queue_length",
		Help:        "Capture requests waiting for a free worker",
		ConstLabels: m.cfg.ConstLabels,
	}, func() float64 { return float64(pending()) })
}

// WatchPool exports the number of busy capture workers and the pool size.
func (m *Metrics) WatchPool(running func() int, capacity int) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.cfg.Namespace,
		Subsystem:   "capture",
		Name:        "workers_busy",
		Help:        "Captures in flight",
		ConstLabels: m.cfg.ConstLabels,
	}, func() float64 { return float64(running()) })
	m.factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.cfg.Namespace,
		Subsystem:   "capture",
		Name:        "workers",
		Help:        "Capture pool size",
		ConstLabels: m.cfg.ConstLabels,
	}).Set(float64(capacity))
}

// SetBuildInfo exports the running version as a constant 1 gauge.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.cfg.Namespace,
		Name:        "build_info",
		Help:        "Build information",
		ConstLabels: m.cfg.ConstLabels,
	}, []string{"version", "commit"}).WithLabelValues(version, commit).Set(1)
}

// SetReady records whether the server is accepting sessions.
func (m *Metrics) SetReady(ready bool) {
	if ready {
		m.ready.Set(1)
	} else {
		m.ready.Set(0)
	}
}

func (m *Metrics) ConnectionAccepted() {
	m.connectionsTotal.Inc()
	m.connectionsOpen.Inc()
}

func (m *Metrics) ConnectionRefused(reason string) {
	m.connectionsRefused.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.connectionsOpen.Dec()
}

func (m *Metrics) BytesRead(n int) {
	m.bytesTotal.WithLabelValues("in").Add(float64(n))
}

func (m *Metrics) BytesWritten(n int) {
	m.bytesTotal.WithLabelValues("out").Add(float64(n))
}

func (m *Metrics) MessageReceived(name string) {
	m.messagesTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) UpdateSent(_ int, bytes int) {
	m.updatesTotal.Inc()
	m.updateBytes.Observe(float64(bytes))
}

func (m *Metrics) UpdateSkipped(reason string) {
	m.updatesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionClosed(reason string, lifetime time.Duration) {
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.sessionLifetime.Observe(lifetime.Seconds())
}

func (m *Metrics) ObserveCapture(d time.Duration, outcome string) {
	m.captureDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
