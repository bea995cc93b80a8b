// Package metrics provides Prometheus instrumentation for the realtime
// server. It exposes gauges for live presence state, counters for event
// throughput and failures, and histograms for handler latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of live WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hive_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	// ConnectionsReplaced counts connections closed because the same user
	// connected again.
	ConnectionsReplaced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_connections_replaced_total",
		Help: "Connections closed because the same user opened a new one",
	})

	// HandshakeRejected counts upgrades refused, labeled by reason.
	HandshakeRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_handshake_rejected_total",
		Help: "WebSocket upgrades refused before any state was created",
	}, []string{"reason"}) // reason = "auth", "capacity", "upgrade"

	// EventsReceived counts inbound client events by type.
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_events_received_total",
		Help: "Inbound client events by type",
	}, []string{"type"})

	// EventErrors counts failed inbound events by type and error code.
	EventErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_event_errors_total",
		Help: "Inbound client events that failed, by type and code",
	}, []string{"type", "code"})

	// EventLatency records handler latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hive_event_latency_seconds",
		Help:    "Inbound event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// FramesDelivered counts outbound frames written to connections by event
	// type.
	FramesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_frames_delivered_total",
		Help: "Outbound frames written to connections, by event type",
	}, []string{"type"})

	// RoomsActive tracks rooms with at least one attached member.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hive_rooms_active",
		Help: "Rooms with at least one attached member",
	})

	// TypingActive tracks live typing timers.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hive_typing_active",
		Help: "Live typing indicator timers",
	})

	// MessageQueues tracks per-message mutation queues currently running.
	MessageQueues = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hive_message_queues",
		Help: "Per-message mutation queues currently running",
	})

	// MutationsTotal counts committed message mutations by operation.
	MutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_mutations_total",
		Help: "Committed message mutations by operation",
	}, []string{"op"})

	// RateLimited counts requests rejected by a rate limit rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_rate_limited_total",
		Help: "Requests rejected by rate limiting, by rule",
	}, []string{"rule"})

	// LedgerFailures counts gamification credits that could not be published.
	LedgerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hive_ledger_publish_failures_total",
		Help: "Gamification credits that could not be published",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsReplaced,
		HandshakeRejected,
		EventsReceived,
		EventErrors,
		EventLatency,
		FramesDelivered,
		RoomsActive,
		TypingActive,
		MessageQueues,
		MutationsTotal,
		RateLimited,
		LedgerFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
