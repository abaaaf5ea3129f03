package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MutationsTotal counts engagement mutations by action and outcome.
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_mutations_total",
		Help: "Total engagement mutations by action and outcome",
	}, []string{"action", "outcome"})

	// MutationLatency records time from optimistic apply to confirmation or rollback.
	MutationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engage_mutation_latency_seconds",
		Help:    "Engagement mutation latency in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 1.5, 2.5, 5},
	}, []string{"action"})

	// StatusChecksTotal counts authoritative status checks by source and outcome.
	StatusChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_status_checks_total",
		Help: "Total like status checks by source and outcome",
	}, []string{"source", "outcome"})

	// SweepRollbacks counts mutations force-terminated by the safety sweep.
	SweepRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engage_sweep_rollbacks_total",
		Help: "Total in-flight mutations rolled back by the safety sweep",
	})

	// TrackedItems is the gauge of items held in the engagement store.
	TrackedItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engage_tracked_items",
		Help: "Number of items held in the engagement store",
	})

	// ChannelConnected is 1 while the client channel is connected.
	ChannelConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engage_channel_connected",
		Help: "Whether the engagement channel is connected (1) or not (0)",
	})

	// ChannelReconnects counts client reconnect attempts.
	ChannelReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engage_channel_reconnects_total",
		Help: "Total engagement channel reconnect attempts",
	})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by side and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"side", "reason"})

	// WebSocketEventsTotal counts websocket events by side and event name.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_websocket_events_total",
		Help: "Total WebSocket events by side and type",
	}, []string{"side", "event_type"})

	// WebSocketRoomConnections is the gauge of gateway connections per room kind.
	WebSocketRoomConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engage_websocket_room_connections",
		Help: "Number of gateway room memberships per room kind",
	}, []string{"room"})

	// WebSocketConnectionsTotal is the gauge of gateway websocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engage_websocket_connections_total",
		Help: "Total number of active gateway WebSocket connections",
	})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records gateway database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engage_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})
)

// RecordMutation increments the outcome counter and observes latency since start.
func RecordMutation(action, outcome string, start time.Time) {
	MutationsTotal.WithLabelValues(action, outcome).Inc()
	if !start.IsZero() {
		MutationLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}
}

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}

// SetConnected mirrors the channel state into the ChannelConnected gauge.
func SetConnected(connected bool) {
	if connected {
		ChannelConnected.Set(1)
		return
	}
	ChannelConnected.Set(0)
}
