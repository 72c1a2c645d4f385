// Package metrics holds the prometheus collectors of the sync service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event queue metrics
	EventsPulled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campussync_events_pulled_total",
			Help: "Events read from the broker FIFO by resource type and status",
		},
		[]string{"resource_type", "status"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campussync_events_dropped_total",
			Help: "Undecodable FIFO entries popped without being queued",
		},
		[]string{"broker_id"},
	)

	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campussync_events_processed_total",
			Help: "Dispatched events by resource type and outcome",
		},
		[]string{"resource_type", "outcome"},
	)

	PendingEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campussync_pending_events",
			Help: "Events still queued locally after a processing pass",
		},
		[]string{"broker_id"},
	)

	// Cycle metrics
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campussync_cycle_duration_seconds",
			Help:    "Duration of a synchronization cycle per broker",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"broker_id"},
	)

	CycleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campussync_cycle_failures_total",
			Help: "Failed cycle stages by broker and stage",
		},
		[]string{"broker_id", "stage"},
	)
)

func init() {
	prometheus.MustRegister(EventsPulled)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(PendingEvents)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(CycleFailures)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
