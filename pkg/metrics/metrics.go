// Package metrics owns the Prometheus registry and the service's counters.
// All recording methods are safe on a nil *Metrics, so components can be
// built without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Option configures [New].
type Option func(*options)

type options struct {
	namespace                 string
	registerDefaultCollectors bool
}

// WithNamespace prefixes every metric name.
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = strings.TrimSpace(namespace)
	}
}

// WithoutDefaultCollectors skips the Go and process collectors.
func WithoutDefaultCollectors() Option {
	return func(o *options) {
		o.registerDefaultCollectors = false
	}
}

// Authentication outcomes recorded by [Metrics.AuthAttempt].
const (
	OutcomeSuccess     = "success"
	OutcomeMissing     = "missing_header"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Metrics holds the registry and every collector the service records.
type Metrics struct {
	registry *prometheus.Registry

	authAttempts     *prometheus.CounterVec
	keySetFetches    *prometheus.CounterVec
	usersProvisioned *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates a registry and registers the service collectors.
func New(opts ...Option) *Metrics {
	settings := options{registerDefaultCollectors: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	reg := prometheus.NewRegistry()
	if settings.registerDefaultCollectors {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	ns := settings.namespace
	m := &Metrics{
		registry: reg,
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "auth_attempts_total",
			Help:      "Request authentication attempts by trust path and outcome.",
		}, []string{"path", "outcome"}),
		keySetFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "signing_key_set_fetches_total",
			Help:      "Signing key set loads by source (remote, store) and outcome.",
		}, []string{"source", "outcome"}),
		usersProvisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "users_provisioned_total",
			Help:      "Provisioning passes by result (created, existing, raced).",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.authAttempts, m.keySetFetches, m.usersProvisioned, m.httpRequests, m.httpDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format. A nil
// receiver serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// AuthAttempt records one pass through the request authenticator.
func (m *Metrics) AuthAttempt(path, outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(path, outcome).Inc()
}

// KeySetFetch records a signing key set load.
func (m *Metrics) KeySetFetch(source string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.keySetFetches.WithLabelValues(source, outcome).Inc()
}

// UserProvisioned records a get-or-create pass.
func (m *Metrics) UserProvisioned(result string) {
	if m == nil {
		return
	}
	m.usersProvisioned.WithLabelValues(result).Inc()
}

// HTTPRequest records a finished request.
func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
