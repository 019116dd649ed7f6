// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	MessagesAppended *prometheus.CounterVec
	StoreOps         *prometheus.HistogramVec
	StoreFallbacks   *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
	WSClients        prometheus.Gauge
	EventsPublished  *prometheus.CounterVec
}

// New registers every collector on a fresh registry so separate servers
// (and tests) never collide on the global one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_appended_total",
			Help: "Messages persisted, by sender.",
		}, []string{"sender"}),
		StoreOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_store_operation_seconds",
			Help:    "Message store latency by driver, operation and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"driver", "op", "outcome"}),
		StoreFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_store_fallbacks_total",
			Help: "Operations served by the fallback store after the primary failed.",
		}, []string{"op"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "method", "code"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter.",
		}, []string{"route"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_ws_clients",
			Help: "Connected websocket clients.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_published_total",
			Help: "Message events handed to the fan-out publisher.",
		}, []string{"publisher", "outcome"}),
	}

	reg.MustRegister(
		m.MessagesAppended,
		m.StoreOps,
		m.StoreFallbacks,
		m.HTTPRequests,
		m.RateLimited,
		m.WSClients,
		m.EventsPublished,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_goroutines",
			Help: "Number of active goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
