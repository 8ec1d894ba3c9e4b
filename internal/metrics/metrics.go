// Package metrics provides Prometheus instrumentation for the presence relay.
// It exposes gauges for connection and room counts, counters for message
// throughput and fan-out drops, and a histogram for dispatch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open channels.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_connections_total",
		Help: "Current number of open client channels",
	})

	// RoomsActive tracks the number of rooms held by the registry.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_rooms_active",
		Help: "Current number of rooms with at least one member",
	})

	// MessagesTotal counts inbound messages by protocol type.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_messages_total",
		Help: "Total number of inbound messages processed",
	}, []string{"type"})

	// FanoutDropped counts outbound messages dropped because a recipient's
	// queue was full or closed.
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_fanout_dropped_total",
		Help: "Outbound messages dropped for a stalled or closed channel",
	})

	// DispatchLatency records how long the hub takes to apply one message,
	// fan-out included.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_dispatch_latency_seconds",
		Help:    "Inbound message dispatch latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsActive,
		MessagesTotal,
		FanoutDropped,
		DispatchLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
