package relayserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered on a private registry so several servers can run in
// one process (tests do).
type metrics struct {
	registry *prometheus.Registry

	online       prometheus.Gauge
	sockets      prometheus.Gauge
	frames       *prometheus.CounterVec
	messages     *prometheus.CounterVec
	authFailures prometheus.Counter
	rateLimited  *prometheus.CounterVec
	requests     *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "murmur",
			Subsystem: "relay",
			Name:      "handles_online",
			Help:      "Handles with an authenticated live channel.",
		}),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "murmur",
			Subsystem: "relay",
			Name:      "sockets_open",
			Help:      "Open websocket connections, authenticated or not.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Frames received on live channels by type.",
		}, []string{"type"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "relay",
			Name:      "messages_routed_total",
			Help:      "Messages accepted for routing by outcome.",
		}, []string{"status"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "relay",
			Name:      "auth_failures_total",
			Help:      "Rejected credentials and session tokens.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "relay",
			Name:      "rate_limited_total",
			Help:      "Requests refused by a rate limiter.",
		}, []string{"scope"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "relay",
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and response code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.online, m.sockets, m.frames, m.messages, m.authFailures, m.rateLimited, m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
