package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ambient Prometheus instruments for the service
// framework itself: heartbeats, command dispatch, and bus traffic. These
// are operational metrics for the runtime, not the benchmark's measured
// metrics (those are in internal/aggregator).
type Metrics struct {
	Registry *prometheus.Registry

	HeartbeatsSent   *prometheus.CounterVec
	HeartbeatsMissed *prometheus.CounterVec
	CommandLatency   *prometheus.HistogramVec
	BusPublishTotal  *prometheus.CounterVec
	BusSubscribeTotal *prometheus.CounterVec
}

// NewMetrics registers a fresh set of ambient instruments on a new
// registry, the way internal/metrics/prometheus.go exposes collector
// state, but backed by the real client_golang library instead of a
// hand-rolled text exposition format.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HeartbeatsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiperf",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeats sent by a service to the controller.",
		}, []string{"service_type"}),
		HeartbeatsMissed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiperf",
			Name:      "heartbeats_missed_total",
			Help:      "Heartbeats the controller expected but did not receive in time.",
		}, []string{"service_type"}),
		CommandLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aiperf",
			Name:      "command_dispatch_seconds",
			Help:      "Latency of controller command dispatch (e.g. PROFILE_START) round trips.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		BusPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiperf",
			Name:      "bus_publish_total",
			Help:      "Messages published on the bus, by topic.",
		}, []string{"topic"}),
		BusSubscribeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiperf",
			Name:      "bus_subscribe_messages_total",
			Help:      "Messages delivered to subscribers, by topic.",
		}, []string{"topic"}),
	}
}

// Handler returns an http.Handler exposing the registry in Prometheus text
// format, for a controller-side /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
