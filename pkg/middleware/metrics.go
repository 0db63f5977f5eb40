package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rerrors "github.com/vango-dev/pianoroll/internal/errors"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "pianoroll").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for message and flush duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer

	// Gatherer serves the /metrics endpoint.
	// Default: prometheus.DefaultGatherer, or Registry when it is a *prometheus.Registry.
	Gatherer prometheus.Gatherer
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// defaultMetricsConfig returns the default metrics configuration.
func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "pianoroll",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the relay's Prometheus collectors. It satisfies
// session.Observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	messagesTotal     *prometheus.CounterVec
	messageDuration   *prometheus.HistogramVec
	messageErrors     *prometheus.CounterVec
	activeConnections prometheus.Gauge
	residentSessions  prometheus.Gauge
	flushesTotal      *prometheus.CounterVec
	flushDuration     prometheus.Histogram
	evictionsTotal    prometheus.Counter
	wsErrors          *prometheus.CounterVec
	slowConsumers     prometheus.Counter
	httpRequests      *prometheus.CounterVec
}

// NewMetrics registers the relay collectors.
//
// Metrics collected:
//   - pianoroll_messages_total: inbound messages by action and status
//   - pianoroll_message_duration_seconds: handling time by action
//   - pianoroll_message_errors_total: rejected or failed messages by category
//   - pianoroll_active_connections: open WebSocket connections
//   - pianoroll_resident_sessions: sessions held in memory
//   - pianoroll_session_flushes_total: repository writes by status
//   - pianoroll_session_flush_duration_seconds: repository write latency
//   - pianoroll_session_evictions_total: sessions dropped from memory
//   - pianoroll_websocket_errors_total: transport errors by type
//   - pianoroll_slow_consumers_total: connections closed for a full send buffer
//   - pianoroll_http_requests_total: HTTP requests by route and code
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Gatherer == nil {
		if g, ok := config.Registry.(prometheus.Gatherer); ok {
			config.Gatherer = g
		} else {
			config.Gatherer = prometheus.DefaultGatherer
		}
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		gatherer: config.Gatherer,

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_total",
			Help:        "Total number of inbound messages processed",
			ConstLabels: config.ConstLabels,
		}, []string{"action", "status"}),

		messageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "message_duration_seconds",
			Help:        "Message handling duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"action"}),

		messageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "message_errors_total",
			Help:        "Total number of rejected or failed messages",
			ConstLabels: config.ConstLabels,
		}, []string{"category"}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of open WebSocket connections",
			ConstLabels: config.ConstLabels,
		}),

		residentSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "resident_sessions",
			Help:        "Number of sessions held in memory",
			ConstLabels: config.ConstLabels,
		}),

		flushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "session_flushes_total",
			Help:        "Total number of session writes to the repository",
			ConstLabels: config.ConstLabels,
		}, []string{"status"}),

		flushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "session_flush_duration_seconds",
			Help:        "Repository write duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		evictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "session_evictions_total",
			Help:        "Total number of sessions evicted from memory",
			ConstLabels: config.ConstLabels,
		}),

		wsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "websocket_errors_total",
			Help:        "Total WebSocket errors by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "slow_consumers_total",
			Help:        "Total connections closed because their send buffer was full",
			ConstLabels: config.ConstLabels,
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_requests_total",
			Help:        "Total HTTP requests by route and status code",
			ConstLabels: config.ConstLabels,
		}, []string{"route", "code"}),
	}
}

// ObserveMessage records the outcome of handling one inbound message.
// action may be empty when the frame could not be decoded.
func (m *Metrics) ObserveMessage(action string, d time.Duration, err error) {
	if action == "" {
		action = "unknown"
	}
	m.messageDuration.WithLabelValues(action).Observe(d.Seconds())

	status := "success"
	if err != nil {
		status = "error"
		m.messageErrors.WithLabelValues(categorizeError(err)).Inc()
	}
	m.messagesTotal.WithLabelValues(action, status).Inc()
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

// WebSocketError records a transport error.
func (m *Metrics) WebSocketError(kind string) {
	m.wsErrors.WithLabelValues(kind).Inc()
}

// SlowConsumer records a connection dropped for falling behind.
func (m *Metrics) SlowConsumer() {
	m.slowConsumers.Inc()
}

// ObserveFlush records a repository write.
func (m *Metrics) ObserveFlush(d time.Duration, err error) {
	m.flushDuration.Observe(d.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	m.flushesTotal.WithLabelValues(status).Inc()
}

// ObserveEviction records a session leaving memory.
func (m *Metrics) ObserveEviction() {
	m.evictionsTotal.Inc()
}

// SetResident sets the resident session gauge.
func (m *Metrics) SetResident(n int) {
	m.residentSessions.Set(float64(n))
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// HTTP counts requests by chi route pattern and status code.
func (m *Metrics) HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		code := ww.Status()
		if code == 0 {
			// Hijacked (WebSocket upgrade) or nothing written.
			code = http.StatusSwitchingProtocols
			if r.Header.Get("Upgrade") == "" {
				code = http.StatusOK
			}
		}
		m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	})
}

// categorizeError maps an error onto a bounded label set.
func categorizeError(err error) string {
	if c := rerrors.CategoryOf(err); c != "" {
		return string(c)
	}
	return "internal"
}
