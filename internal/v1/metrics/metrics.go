package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the police-vs-thief session and routing core.
// Declared in one package to keep metrics close to business logic
// and avoid coupling between packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: police_thief (application-level grouping)
// - subsystem: stream, room, ratelimit, store (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of open framed-stream connections (Gauge).
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "police_thief",
		Subsystem: "stream",
		Name:      "connections_active",
		Help:      "Current number of active framed-stream connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge).
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "police_thief",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room (GaugeVec with room_id label).
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "police_thief",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// DispatchedEvents tracks the total number of inbound frames dispatched (CounterVec).
	DispatchedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "police_thief",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Total inbound frames dispatched",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent dispatching an inbound frame (HistogramVec).
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "police_thief",
		Subsystem: "stream",
		Name:      "message_processing_seconds",
		Help:      "Time spent dispatching an inbound frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// BroadcastDrops tracks fan-out deliveries dropped due to a full outbound queue (CounterVec).
	BroadcastDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "police_thief",
		Subsystem: "stream",
		Name:      "broadcast_drops_total",
		Help:      "Total fan-out deliveries dropped because a subscriber's queue was full",
	}, []string{"event_type", "class"})

	// CircuitBreakerState tracks the current state of the store circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "police_thief",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "police_thief",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "police_thief",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "police_thief",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// StoreOperationsTotal tracks the total number of in-memory store operations (CounterVec)
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "police_thief",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Total number of in-memory store operations",
	}, []string{"operation", "status"})

	// StoreOperationDuration tracks the duration of in-memory store operations (HistogramVec)
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "police_thief",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Duration of in-memory store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// StoreRetries tracks the total number of retried store operations (CounterVec)
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "police_thief",
		Subsystem: "store",
		Name:      "retries_total",
		Help:      "Total number of store operation retries",
	}, []string{"operation"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
