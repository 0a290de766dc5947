// Package metrics implements a Prometheus collector over a mutex-guarded
// map of live sessions, grounded on runZeroInc-sockstats/pkg/exporter's
// custom prometheus.Collector (there, walking live connections to emit
// gauges; here, walking live *voip.Controller instances).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Session is the subset of *voip.Controller the collector needs. It is
// defined here rather than imported from voip to keep pkg/metrics free of
// a dependency on the top-level package; voip.Controller satisfies it
// structurally.
type Session interface {
	SessionID() string
	AverageRTT() time.Duration
	MinimumRTT() time.Duration
	SendLossCount() int
	JitterMinDelay() int
	CongestionWindow() int
}

var (
	rttDesc = prometheus.NewDesc(
		"tgvoip_session_rtt_seconds", "Smoothed round-trip time.",
		[]string{"session_id"}, nil)
	minRTTDesc = prometheus.NewDesc(
		"tgvoip_session_min_rtt_seconds", "Minimum observed round-trip time.",
		[]string{"session_id"}, nil)
	lossDesc = prometheus.NewDesc(
		"tgvoip_session_send_loss_total", "Cumulative send-side loss count.",
		[]string{"session_id"}, nil)
	jitterDelayDesc = prometheus.NewDesc(
		"tgvoip_session_jitter_min_delay_frames", "Current jitter buffer target delay, in frames.",
		[]string{"session_id"}, nil)
	cwndDesc = prometheus.NewDesc(
		"tgvoip_session_congestion_window_bytes", "Current congestion window.",
		[]string{"session_id"}, nil)
)

// Collector implements prometheus.Collector over every Session registered
// with it.
type Collector struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewCollector returns an empty Collector, ready to register with a
// prometheus.Registry.
func NewCollector() *Collector {
	return &Collector{sessions: make(map[string]Session)}
}

// Register adds a session to the set the collector walks on every scrape.
func (c *Collector) Register(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.SessionID()] = s
}

// Unregister removes a session from the set the collector walks.
// Controller.Stop does not call it.
func (c *Collector) Unregister(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s.SessionID())
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- rttDesc
	ch <- minRTTDesc
	ch <- lossDesc
	ch <- jitterDelayDesc
	ch <- cwndDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	snapshot := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		snapshot = append(snapshot, s)
	}
	c.mu.Unlock()

	for _, s := range snapshot {
		id := s.SessionID()
		ch <- prometheus.MustNewConstMetric(rttDesc, prometheus.GaugeValue, s.AverageRTT().Seconds(), id)
		ch <- prometheus.MustNewConstMetric(minRTTDesc, prometheus.GaugeValue, s.MinimumRTT().Seconds(), id)
		ch <- prometheus.MustNewConstMetric(lossDesc, prometheus.CounterValue, float64(s.SendLossCount()), id)
		ch <- prometheus.MustNewConstMetric(jitterDelayDesc, prometheus.GaugeValue, float64(s.JitterMinDelay()), id)
		ch <- prometheus.MustNewConstMetric(cwndDesc, prometheus.GaugeValue, float64(s.CongestionWindow()), id)
	}
}
