package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the coordination plane.
//
// Naming convention: namespace_subsystem_name
// - namespace: cosim (application-level grouping)
// - subsystem: websocket, sim, signaling, collab, gateway, substrate
// - name: specific metric (connections_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, sessions, subscribers)
// - Counter: Cumulative events (frames published, relays, errors)
// - Histogram: Latency distributions (tick time, delivery time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cosim",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveSessions tracks the number of simulation instances owned by this node (Gauge - current state)
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cosim",
		Subsystem: "sim",
		Name:      "sessions_active",
		Help:      "Current number of simulation instances owned by this node",
	})

	// FramesPublished counts frames pushed to the substrate per session (CounterVec - cumulative)
	FramesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosim",
		Subsystem: "sim",
		Name:      "frames_published_total",
		Help:      "Total frames published to the substrate",
	}, []string{"session_id"})

	// FramesDropped counts frames dropped by subscriber backpressure (CounterVec - cumulative)
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosim",
		Subsystem: "sim",
		Name:      "frames_dropped_total",
		Help:      "Total frames dropped due to subscriber backpressure",
	}, []string{"session_id"})

	// StreamSubscribers tracks local frame stream subscribers per session (GaugeVec - current state)
	StreamSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cosim",
		Subsystem: "sim",
		Name:      "stream_subscribers",
		Help:      "Local frame stream subscribers per session",
	}, []string{"session_id"})

	// ControlTickDuration tracks control loop tick latency (Histogram - latency distribution)
	ControlTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cosim",
		Subsystem: "sim",
		Name:      "control_tick_seconds",
		Help:      "Time spent per control loop tick",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// ExecutionsTotal counts user code executions by status (CounterVec - cumulative)
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosim",
		Subsystem: "sim",
		Name:      "executions_total",
		Help:      "Total user code executions",
	}, []string{"status"})

	// ActiveRooms tracks signaling rooms hosted on this node (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cosim",
		Subsystem: "signaling",
		Name:      "rooms_active",
		Help:      "Current number of signaling rooms with local members",
	})

	// RoomParticipants tracks participants per room (GaugeVec - current state per room)
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cosim",
		Subsystem: "signaling",
		Name:      "participants_count",
		Help:      "Number of local participants in each room",
	}, []string{"room_id"})

	// RelayMessages counts cross-node relay messages by direction and outcome (CounterVec - cumulative)
	RelayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosim",
		Subsystem: "signaling",
		Name:      "relay_messages_total",
		Help:      "Cross-node relay messages",
	}, []string{"direction", "status"})

	// DocumentsActive tracks documents with local clients (Gauge - current state)
	DocumentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cosim",
		Subsystem: "collab",
		Name:      "documents_active",
		Help:      "Documents with at least one local client",
	})

	// CRDTUpdates counts applied CRDT updates by origin (CounterVec - cumulative)
	CRDTUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosim",
		Subsystem: "collab",
		Name:      "updates_total",
		Help:      "CRDT updates applied",
	}, []string{"origin"})

	// RateLimitRequests counts requests that passed the rate limiter (CounterVec - cumulative)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosim",
		Subsystem: "gateway",
		Name:      "ratelimit_requests_total",
		Help:      "Requests admitted by the rate limiter",
	}, []string{"route"})

	// RateLimitExceeded counts rejected requests (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosim",
		Subsystem: "gateway",
		Name:      "ratelimit_exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"route", "limit_type"})

	// CacheHits counts gateway response cache hits/misses (CounterVec - cumulative)
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosim",
		Subsystem: "gateway",
		Name:      "cache_requests_total",
		Help:      "Gateway response cache lookups",
	}, []string{"outcome"})

	// CircuitBreakerState exposes breaker state per dependency (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cosim",
		Subsystem: "substrate",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts operations refused by an open breaker (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cosim",
		Subsystem: "substrate",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations refused while the circuit breaker was open",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
