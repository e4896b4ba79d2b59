// Package metrics exposes Prometheus instrumentation for the chat relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors registered for one server instance. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	chatTurnsTotal      *prometheus.CounterVec
	completionDuration  *prometheus.HistogramVec
	attachmentsStored   *prometheus.CounterVec
	sessionsEvicted     prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kisan_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kisan_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		chatTurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kisan_chat_turns_total",
				Help: "Chat turns by outcome",
			},
			[]string{"outcome"},
		),
		completionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kisan_completion_duration_seconds",
				Help:    "Generative backend call duration in seconds",
				Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"provider", "status"},
		),
		attachmentsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kisan_attachments_stored_total",
				Help: "Stored attachments by media kind",
			},
			[]string{"kind"},
		),
		sessionsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kisan_sessions_evicted_total",
				Help: "Conversations dropped by the LRU bound or the idle janitor",
			},
		),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.chatTurnsTotal,
		m.completionDuration,
		m.attachmentsStored,
		m.sessionsEvicted,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler returns the exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterSessionGauge exports the live conversation count reported by fn.
func (m *Metrics) RegisterSessionGauge(fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "kisan_sessions_active",
			Help: "Conversations currently held by the store",
		},
		fn,
	))
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordChatTurn counts one chat request by its outcome label.
func (m *Metrics) RecordChatTurn(outcome string) {
	if m == nil {
		return
	}
	m.chatTurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordCompletion records one backend call.
func (m *Metrics) RecordCompletion(provider string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.completionDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordAttachment counts a stored attachment.
func (m *Metrics) RecordAttachment(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.attachmentsStored.WithLabelValues(kind).Inc()
}

// RecordEvictions adds n evicted sessions.
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsEvicted.Add(float64(n))
}
