// Package metrics provides Prometheus instrumentation for the messenger
// server: gauges for connection and presence counts, counters for message
// routing outcomes, and histograms for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket
	// connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of distinct users with at least one
	// live connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_online_users",
		Help: "Current number of distinct online users",
	})

	// MessagesRouted counts routed messages by outcome: "read" (receipt
	// stamped at send time), "notified" (recipient online elsewhere),
	// "offline", or "failed" (persistence error).
	MessagesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_messages_routed_total",
		Help: "Total number of messages routed, by outcome",
	}, []string{"outcome"})

	// SendLatency records end-to-end send handling latency in seconds,
	// from validation through persistence and broadcast.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messenger_send_latency_seconds",
		Help:    "Message send handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RateLimited counts sends rejected by the rate limiter.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_rate_limited_total",
		Help: "Total number of rate-limited client messages",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesRouted,
		SendLatency,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
