package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors for the proxy. It implements
// ports.MetricsCollector. A private registry keeps test instances from
// colliding on duplicate registration.
type Registry struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	rateLimitsTotal *prometheus.CounterVec
	activeRequests  *prometheus.GaugeVec
	requestLatency  *prometheus.HistogramVec
}

// NewRegistry creates the proxy's Prometheus collectors.
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "porter_requests_total",
			Help: "Total proxied requests by subscription, status code, and streaming mode",
		}, []string{"subscription", "status", "streaming"}),
		rateLimitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "porter_rate_limits_total",
			Help: "Total upstream 429 responses by subscription",
		}, []string{"subscription"}),
		activeRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "porter_active_requests",
			Help: "In-flight upstream requests by subscription",
		}, []string{"subscription"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "porter_request_duration_seconds",
			Help:    "Upstream request latency by subscription",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"subscription"}),
	}

	registry.MustRegister(r.requestsTotal, r.rateLimitsTotal, r.activeRequests, r.requestLatency)
	return r
}

func (r *Registry) RecordRequest(subscription string, statusCode int, streaming bool, latency time.Duration) {
	r.requestsTotal.WithLabelValues(subscription, strconv.Itoa(statusCode), strconv.FormatBool(streaming)).Inc()
	if latency > 0 {
		r.requestLatency.WithLabelValues(subscription).Observe(latency.Seconds())
	}
}

func (r *Registry) RecordRateLimit(subscription string) {
	r.rateLimitsTotal.WithLabelValues(subscription).Inc()
}

func (r *Registry) IncActive(subscription string) {
	r.activeRequests.WithLabelValues(subscription).Inc()
}

func (r *Registry) DecActive(subscription string) {
	r.activeRequests.WithLabelValues(subscription).Dec()
}

// Handler returns an HTTP handler exposing the collectors in Prometheus text
// format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
