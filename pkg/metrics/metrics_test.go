package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeSession struct {
	id string
}

func (f *fakeSession) SessionID() string          { return f.id }
func (f *fakeSession) AverageRTT() time.Duration  { return 40 * time.Millisecond }
func (f *fakeSession) MinimumRTT() time.Duration  { return 25 * time.Millisecond }
func (f *fakeSession) SendLossCount() int         { return 3 }
func (f *fakeSession) JitterMinDelay() int        { return 4 }
func (f *fakeSession) CongestionWindow() int      { return 1024 }

func collectAll(c *Collector) []prometheus.Metric {
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestCollectorEmitsPerSessionMetrics(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s := &fakeSession{id: "abc123"}
	c.Register(s)

	metrics := collectAll(c)
	if len(metrics) != 5 {
		t.Fatalf("collected %d metrics for one session, want 5", len(metrics))
	}

	c.Unregister(s)
	if metrics := collectAll(c); len(metrics) != 0 {
		t.Fatalf("collected %d metrics after Unregister, want 0", len(metrics))
	}
}

func TestCollectorDescribe(t *testing.T) {
	c := NewCollector()
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	if n != 5 {
		t.Fatalf("Describe emitted %d descs, want 5", n)
	}
}
