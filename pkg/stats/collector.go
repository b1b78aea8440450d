package stats

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// StatsSource exposes peer connection statistics. *webrtc.PeerConnection
// satisfies it directly.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

// ConnectionSummary holds the totals derived from one stats report
type ConnectionSummary struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     int64
	Jitter          float64
	RoundTripTime   float64
}

// Collector samples one peer call's connection statistics
type Collector struct {
	callID string
	userID string
	source StatsSource

	mu   sync.Mutex
	prev ConnectionSummary
}

func newCollector(callID, userID string, source StatsSource) *Collector {
	return &Collector{callID: callID, userID: userID, source: source}
}

// CallID returns the peer call id the collector samples
func (c *Collector) CallID() string { return c.callID }

// UserID returns the opponent user id recorded at registration
func (c *Collector) UserID() string { return c.userID }

// ProcessStats walks the current stats report, exports per-tick deltas as
// Prometheus metrics and returns the accumulated totals.
func (c *Collector) ProcessStats(groupCallID, localUserID string) ConnectionSummary {
	report := c.source.GetStats()
	summary := summarize(report)

	c.mu.Lock()
	prev := c.prev
	c.prev = summary
	c.mu.Unlock()

	labels := []string{groupCallID, c.callID}
	bytesRate.WithLabelValues(append(labels, "send")...).Set(delta(summary.BytesSent, prev.BytesSent))
	bytesRate.WithLabelValues(append(labels, "receive")...).Set(delta(summary.BytesReceived, prev.BytesReceived))
	packetsRate.WithLabelValues(append(labels, "send")...).Set(delta(summary.PacketsSent, prev.PacketsSent))
	packetsRate.WithLabelValues(append(labels, "receive")...).Set(delta(summary.PacketsReceived, prev.PacketsReceived))
	packetsLost.WithLabelValues(labels...).Set(float64(summary.PacketsLost))
	jitterSeconds.WithLabelValues(labels...).Set(summary.Jitter)
	if summary.RoundTripTime > 0 {
		roundTripSeconds.WithLabelValues(labels...).Set(summary.RoundTripTime)
	}

	return summary
}

// Summary returns the totals from the most recent tick
func (c *Collector) Summary() ConnectionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev
}

// summarize folds a stats report into connection totals
func summarize(report webrtc.StatsReport) ConnectionSummary {
	var summary ConnectionSummary
	for _, entry := range report {
		switch s := entry.(type) {
		case webrtc.InboundRTPStreamStats:
			summary.BytesReceived += s.BytesReceived
			summary.PacketsReceived += uint64(s.PacketsReceived)
			summary.PacketsLost += int64(s.PacketsLost)
			if s.Jitter > summary.Jitter {
				summary.Jitter = s.Jitter
			}
		case webrtc.OutboundRTPStreamStats:
			summary.BytesSent += s.BytesSent
			summary.PacketsSent += uint64(s.PacketsSent)
		case webrtc.ICECandidatePairStats:
			if s.Nominated && s.CurrentRoundTripTime > 0 {
				summary.RoundTripTime = s.CurrentRoundTripTime
			}
		}
	}
	return summary
}

func delta(current, previous uint64) float64 {
	if current < previous {
		// Source restarted its counters
		return float64(current)
	}
	return float64(current - previous)
}
