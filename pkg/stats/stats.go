// Package stats collects per-peer connection statistics for a group call.
// A GroupCallStats owns one collector per tracked peer call and a single
// shared polling timer; collectors walk the peer connection's stats report
// and export deltas as Prometheus metrics.
package stats

import (
	"sync"
	"time"

	"github.com/armorclaw/conference/pkg/logger"
)

// GroupCallStats is the set of collectors for one group call
type GroupCallStats struct {
	groupCallID string
	localUserID string
	interval    time.Duration
	log         *logger.Logger

	mu         sync.Mutex
	collectors map[string]*Collector
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewGroupCallStats creates a collector set for a group call. The timer is
// not started until Start.
func NewGroupCallStats(groupCallID, localUserID string, interval time.Duration) *GroupCallStats {
	return &GroupCallStats{
		groupCallID: groupCallID,
		localUserID: localUserID,
		interval:    interval,
		log:         logger.Global().WithComponent("stats").WithCallID(groupCallID),
		collectors:  make(map[string]*Collector),
	}
}

// AddStatsCollector registers a collector for a peer call. Collector identity
// is the call id alone; adding an already-present call id reports false even
// when the user id differs.
func (g *GroupCallStats) AddStatsCollector(callID, userID string, source StatsSource) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.collectors[callID]; exists {
		return false
	}
	g.collectors[callID] = newCollector(callID, userID, source)
	collectorsActive.WithLabelValues(g.groupCallID).Set(float64(len(g.collectors)))
	collectorsAdded.WithLabelValues(g.groupCallID).Inc()
	return true
}

// RemoveStatsCollector drops a collector by call id, reporting whether one
// was present
func (g *GroupCallStats) RemoveStatsCollector(callID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.collectors[callID]; !exists {
		return false
	}
	delete(g.collectors, callID)
	collectorsActive.WithLabelValues(g.groupCallID).Set(float64(len(g.collectors)))
	collectorsRemoved.WithLabelValues(g.groupCallID).Inc()
	return true
}

// GetStatsCollector returns the collector for a call id, or nil
func (g *GroupCallStats) GetStatsCollector(callID string) *Collector {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.collectors[callID]
}

// Start begins periodic collection. Calling Start while already running has
// no effect; there is never more than one timer.
func (g *GroupCallStats) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.wg.Add(1)
	go g.run(g.stopCh)
	g.log.Debug("stats collection started", "interval", g.interval)
}

// Stop halts periodic collection. Calling Stop while idle has no effect.
func (g *GroupCallStats) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
	g.log.Debug("stats collection stopped")
}

func (g *GroupCallStats) run(stopCh chan struct{}) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			g.processTick()
		}
	}
}

// processTick runs every collector once
func (g *GroupCallStats) processTick() {
	g.mu.Lock()
	collectors := make([]*Collector, 0, len(g.collectors))
	for _, c := range g.collectors {
		collectors = append(collectors, c)
	}
	g.mu.Unlock()

	for _, c := range collectors {
		c.ProcessStats(g.groupCallID, g.localUserID)
	}
	ticksTotal.WithLabelValues(g.groupCallID).Inc()
}
