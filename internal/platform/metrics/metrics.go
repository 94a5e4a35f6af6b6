// Package metrics registers the HTTP-level Prometheus metrics. Domain
// packages register their own counters next to the code that drives them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the request-level instruments shared by all handlers.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers all HTTP metrics.
func New(service string) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "setu_http_requests_total",
			Help:        "Total HTTP requests by route and status.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"route", "status"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "setu_http_request_duration_seconds",
			Help:        "HTTP request latency by route.",
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     prometheus.DefBuckets,
		}, []string{"route"}),
	}
}
