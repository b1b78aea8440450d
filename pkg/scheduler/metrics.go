package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Counter metrics
	eventsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conference_scheduler_enqueued_total",
			Help: "Total number of events enqueued",
		},
	)

	eventsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conference_scheduler_sent_total",
			Help: "Total number of events delivered",
		},
	)

	eventsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conference_scheduler_retried_total",
			Help: "Total number of delivery retries scheduled",
		},
	)

	eventsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conference_scheduler_dead_lettered_total",
			Help: "Total number of events that exhausted their attempts",
		},
	)

	// Gauge metrics
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conference_scheduler_queue_depth",
			Help: "Current number of events by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		eventsEnqueued,
		eventsSent,
		eventsRetried,
		eventsDeadLettered,
		queueDepth,
	)
}
