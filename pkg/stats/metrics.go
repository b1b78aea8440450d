package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Counter metrics
	collectorsAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conference_stats_collectors_added_total",
			Help: "Total number of stats collectors registered",
		},
		[]string{"group_call_id"},
	)

	collectorsRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conference_stats_collectors_removed_total",
			Help: "Total number of stats collectors removed",
		},
		[]string{"group_call_id"},
	)

	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conference_stats_ticks_total",
			Help: "Total number of stats polling ticks",
		},
		[]string{"group_call_id"},
	)

	// Gauge metrics
	collectorsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conference_stats_collectors_active",
			Help: "Number of currently registered stats collectors",
		},
		[]string{"group_call_id"},
	)

	bytesRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conference_stats_bytes_per_tick",
			Help: "Bytes transferred since the previous polling tick",
		},
		[]string{"group_call_id", "call_id", "direction"},
	)

	packetsRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conference_stats_packets_per_tick",
			Help: "Packets transferred since the previous polling tick",
		},
		[]string{"group_call_id", "call_id", "direction"},
	)

	packetsLost = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conference_stats_packets_lost",
			Help: "Cumulative inbound packets lost",
		},
		[]string{"group_call_id", "call_id"},
	)

	jitterSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conference_stats_jitter_seconds",
			Help: "Worst inbound stream jitter in seconds",
		},
		[]string{"group_call_id", "call_id"},
	)

	roundTripSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conference_stats_round_trip_seconds",
			Help: "Current round trip time of the nominated candidate pair",
		},
		[]string{"group_call_id", "call_id"},
	)
)

func init() {
	prometheus.MustRegister(
		collectorsAdded,
		collectorsRemoved,
		ticksTotal,
		collectorsActive,
		bytesRate,
		packetsRate,
		packetsLost,
		jitterSeconds,
		roundTripSeconds,
	)
}
