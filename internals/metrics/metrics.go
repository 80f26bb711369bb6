package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Directory sizes
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_rooms_total",
		Help: "Number of rooms with at least one member",
	})

	ActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_users_total",
		Help: "Number of users currently online",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_sessions_total",
		Help: "Number of active translation sessions",
	})

	// Traffic
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "Total inbound commands decoded",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Total outbound events enqueued",
	})

	CaptionsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_captions_relayed_total",
		Help: "Total caption deliveries (one per recipient)",
	})

	CaptionsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_captions_discarded_total",
		Help: "Captions dropped because their session was no longer active",
	})

	// Lifecycle
	HeartbeatEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeat_evictions_total",
		Help: "Connections evicted by the heartbeat sweep",
	})

	RoomsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rooms_expired_total",
		Help: "Rooms removed by the idle garbage collector",
	})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_started_total",
		Help: "Translation sessions created",
	})

	SessionsStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_stopped_total",
		Help: "Translation sessions removed",
	}, []string{"reason"})

	CommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_command_errors_total",
		Help: "Error replies sent, by error kind",
	}, []string{"kind"})
)

// Helper functions

func RecordSessionStopped(reason string) {
	SessionsStopped.WithLabelValues(reason).Inc()
}

func RecordCommandError(kind string) {
	CommandErrors.WithLabelValues(kind).Inc()
}
