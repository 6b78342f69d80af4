// Package metrics holds the Prometheus collectors exported on /metrics.
// Every method is nil-safe so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "berth"

// Metrics owns a registry and the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	RateLimited      prometheus.Counter
	AuthEvents       *prometheus.CounterVec
	ContainerActions *prometheus.CounterVec
	Builds           *prometheus.CounterVec
	BuildDuration    prometheus.Histogram
}

// New registers the collectors, plus Go and process collectors, on a fresh
// registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
		AuthEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_events_total",
				Help:      "Authentication events by kind and result",
			},
			[]string{"event", "result"},
		),
		ContainerActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "container_actions_total",
				Help:      "Container lifecycle operations by action and result",
			},
			[]string{"action", "result"},
		),
		Builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Image builds by result",
			},
			[]string{"result"},
		),
		BuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Image build duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.HTTPDuration,
		m.RateLimited,
		m.AuthEvents,
		m.ContainerActions,
		m.Builds,
		m.BuildDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Limited records a rate-limited request.
func (m *Metrics) Limited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// Auth records an authentication event such as login or register.
func (m *Metrics) Auth(event string, err error) {
	if m == nil {
		return
	}
	m.AuthEvents.WithLabelValues(event, result(err)).Inc()
}

// ContainerAction records a lifecycle operation.
func (m *Metrics) ContainerAction(action string, err error) {
	if m == nil {
		return
	}
	m.ContainerActions.WithLabelValues(action, result(err)).Inc()
}

// Build records a finished build.
func (m *Metrics) Build(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.Builds.WithLabelValues(result(err)).Inc()
	m.BuildDuration.Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
