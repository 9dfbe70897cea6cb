// Package metrics provides Prometheus instrumentation for the gateway. It
// exposes gauges for connection and room counts, counters for event
// throughput, and histograms for upstream latency and reply shape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of conversation rooms with at
	// least one subscriber.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_rooms",
		Help: "Current number of conversation rooms with subscribers",
	})

	// EventsTotal counts inbound socket events by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_total",
		Help: "Total number of inbound socket events processed",
	}, []string{"type"})

	// DeliveryErrors counts failed send flows by error code.
	DeliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_delivery_errors_total",
		Help: "Total number of failed message delivery flows",
	}, []string{"code"})

	// SendFailures counts outbound frame writes that failed.
	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_send_failures_total",
		Help: "Total number of failed outbound frame writes",
	})

	// UpstreamLatency records the latency of upstream completion attempts.
	UpstreamLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_upstream_latency_seconds",
		Help:    "Latency of upstream completion attempts in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30},
	})

	// SegmentsPerReply records how many segments each delivered reply carried.
	SegmentsPerReply = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_segments_per_reply",
		Help:    "Number of segments per delivered assistant reply",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		EventsTotal,
		DeliveryErrors,
		SendFailures,
		UpstreamLatency,
		SegmentsPerReply,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
