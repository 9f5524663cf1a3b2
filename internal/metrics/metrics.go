package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the pulse subsystem
type Metrics struct {
	// Connection metrics
	ConnectionState    prometheus.Gauge
	ConnectAttempts    prometheus.Counter
	Reconnects         prometheus.Counter
	RoomJoinsTotal     *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Event metrics
	EventsReceivedTotal   *prometheus.CounterVec
	EventsSuppressedTotal *prometheus.CounterVec
	EventsDeliveredTotal  *prometheus.CounterVec
	DedupCacheSize        prometheus.Gauge

	// Push registration metrics
	PushRegistrationsTotal   *prometheus.CounterVec
	PushRegistrationDuration prometheus.Histogram

	// Unread counter metrics
	UnreadCount      prometheus.Gauge
	UnreadIncrements prometheus.Counter
	UnreadResets     prometheus.Counter
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Connection metrics
	m.ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_connection_state",
			Help: "Current connection state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	m.ConnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_connect_attempts_total",
			Help: "Total number of connection attempts",
		},
	)

	m.Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_reconnects_total",
			Help: "Total number of successful reconnections",
		},
	)

	m.RoomJoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_room_joins_total",
			Help: "Total number of join_room frames issued",
		},
		[]string{"room"},
	)

	m.ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_connection_duration_seconds",
			Help:    "Duration of established connections in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // from 1s to ~9h
		},
	)

	// Event metrics
	m.EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_received_total",
			Help: "Total number of events received from the stream",
		},
		[]string{"event"},
	)

	m.EventsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_suppressed_total",
			Help: "Total number of events suppressed before delivery",
		},
		[]string{"reason"}, // duplicate, role_filter
	)

	m.EventsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_delivered_total",
			Help: "Total number of events delivered to the user",
		},
		[]string{"channel"}, // toast, os
	)

	m.DedupCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_dedup_cache_size",
			Help: "Number of effective ids currently held by the dedup cache",
		},
	)

	// Push registration metrics
	m.PushRegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_push_registrations_total",
			Help: "Total number of push registration attempts",
		},
		[]string{"result"}, // success, error, skipped
	)

	m.PushRegistrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_push_registration_duration_seconds",
			Help:    "Duration of push registration attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // from 1ms to ~4s
		},
	)

	// Unread counter metrics
	m.UnreadCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_unread_count",
			Help: "Current value of the persisted unread counter",
		},
	)

	m.UnreadIncrements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_unread_increments_total",
			Help: "Total number of unread counter increments",
		},
	)

	m.UnreadResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_unread_resets_total",
			Help: "Total number of unread counter resets",
		},
	)

	return m
}
