// Package congestion implements the RTT/inflight-based send window and
// loss estimator that drives the encoder's target bitrate.
package congestion

import (
	"sync"
	"time"
)

const (
	rttHistorySize      = 100
	inflightSlots       = 100
	inflightHistorySize = 30

	defaultInitialCwnd = 1024

	inflightTimeout   = 2 * time.Second
	actionRateLimit   = 1 * time.Second
	increaseThreshold = 0.9
	decreaseThreshold = 1.1
)

// Action is the result of GetBandwidthControlAction.
type Action int

const (
	ActionNone Action = iota
	ActionIncrease
	ActionDecrease
)

func (a Action) String() string {
	switch a {
	case ActionIncrease:
		return "increase"
	case ActionDecrease:
		return "decrease"
	default:
		return "none"
	}
}

type inflightSlot struct {
	seq      uint32
	size     int
	sendTime time.Time // zero value => slot is free
}

// Controller tracks round-trip time history, in-flight byte accounting,
// and the send-window action derived from them. The zero value is not
// usable; construct with New.
type Controller struct {
	mu sync.Mutex

	cwnd         int
	lossCount    int
	lastSentSeq  uint32
	haveSentSeq  bool
	lastActionAt time.Time

	inflight       [inflightSlots]inflightSlot
	inflightBytes  int
	inflightHist   [inflightHistorySize]int
	inflightHistAt int

	rttHistory   [rttHistorySize]time.Duration
	rttHistoryAt int
	rttHistoryN  int

	rttAccum      time.Duration
	rttAccumCount int
}

// New constructs a Controller with the given initial congestion window
// in bytes (defaultInitialCwnd if initialCwnd <= 0).
func New(initialCwnd int) *Controller {
	if initialCwnd <= 0 {
		initialCwnd = defaultInitialCwnd
	}
	return &Controller{cwnd: initialCwnd}
}

// PacketSent records an outgoing packet of size bytes at sequence seq.
// seq must be strictly greater than any previously sent sequence.
func (c *Controller) PacketSent(seq uint32, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveSentSeq && !seqgt(seq, c.lastSentSeq) {
		panic("congestion: PacketSent called with non-increasing sequence")
	}
	c.lastSentSeq = seq
	c.haveSentSeq = true

	slotIdx := -1
	for i := range c.inflight {
		if c.inflight[i].sendTime.IsZero() {
			slotIdx = i
			break
		}
		if slotIdx == -1 || c.inflight[i].sendTime.Before(c.inflight[slotIdx].sendTime) {
			slotIdx = i
		}
	}
	if !c.inflight[slotIdx].sendTime.IsZero() {
		// Evicting a still-unacknowledged entry counts as a loss.
		c.lossCount++
		c.inflightBytes -= c.inflight[slotIdx].size
	}
	c.inflight[slotIdx] = inflightSlot{seq: seq, size: size, sendTime: time.Now()}
	c.inflightBytes += size
}

// PacketAcknowledged marks seq as acknowledged, folding its RTT sample
// into the scratch accumulator consumed by the next Tick.
func (c *Controller) PacketAcknowledged(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for i := range c.inflight {
		if c.inflight[i].sendTime.IsZero() || c.inflight[i].seq != seq {
			continue
		}
		c.rttAccum += now.Sub(c.inflight[i].sendTime)
		c.rttAccumCount++
		c.inflightBytes -= c.inflight[i].size
		c.inflight[i] = inflightSlot{}
		return
	}
}

// Tick runs the 10 Hz periodic maintenance: folding the mean RTT sample
// into history, timing out stale inflight slots, and sampling current
// inflight occupancy.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rttAccumCount > 0 {
		mean := c.rttAccum / time.Duration(c.rttAccumCount)
		c.pushRTT(mean)
		c.rttAccum = 0
		c.rttAccumCount = 0
	}

	now := time.Now()
	for i := range c.inflight {
		if c.inflight[i].sendTime.IsZero() {
			continue
		}
		if now.Sub(c.inflight[i].sendTime) > inflightTimeout {
			c.lossCount++
			c.inflightBytes -= c.inflight[i].size
			c.inflight[i] = inflightSlot{}
		}
	}

	c.inflightHist[c.inflightHistAt%inflightHistorySize] = c.inflightBytes
	c.inflightHistAt++
}

func (c *Controller) pushRTT(d time.Duration) {
	c.rttHistory[c.rttHistoryAt%rttHistorySize] = d
	c.rttHistoryAt++
	if c.rttHistoryN < rttHistorySize {
		c.rttHistoryN++
	}
}

// GetBandwidthControlAction returns the congestion window action to
// take. At most one non-None action is produced per actionRateLimit
// window; calls within the window return ActionNone.
func (c *Controller) GetBandwidthControlAction() Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.lastActionAt.IsZero() && now.Sub(c.lastActionAt) < actionRateLimit {
		return ActionNone
	}

	n := inflightHistorySize
	if c.inflightHistAt < n {
		n = c.inflightHistAt
	}
	if n == 0 {
		return ActionNone
	}
	sum := 0
	for i := 0; i < n; i++ {
		sum += c.inflightHist[i]
	}
	avg := float64(sum) / float64(n)

	var action Action
	switch {
	case avg < increaseThreshold*float64(c.cwnd):
		action = ActionIncrease
	case avg > decreaseThreshold*float64(c.cwnd):
		action = ActionDecrease
	default:
		action = ActionNone
	}
	if action != ActionNone {
		c.lastActionAt = now
	}
	return action
}

// SetCwnd updates the current congestion window, typically in response
// to a GetBandwidthControlAction result folded through the encoder's
// bitrate step size.
func (c *Controller) SetCwnd(cwnd int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cwnd < 1 {
		cwnd = 1
	}
	c.cwnd = cwnd
}

// Cwnd returns the current congestion window in bytes.
func (c *Controller) Cwnd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd
}

// GetAverageRTT returns the mean of the last 30 RTT samples.
func (c *Controller) GetAverageRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 30
	if c.rttHistoryN < n {
		n = c.rttHistoryN
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		idx := (c.rttHistoryAt - 1 - i + rttHistorySize) % rttHistorySize
		sum += c.rttHistory[idx]
	}
	return sum / time.Duration(n)
}

// GetMinimumRTT returns the minimum RTT sample currently held.
func (c *Controller) GetMinimumRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rttHistoryN == 0 {
		return 0
	}
	min := c.rttHistory[0]
	for i := 1; i < c.rttHistoryN; i++ {
		if c.rttHistory[i] < min {
			min = c.rttHistory[i]
		}
	}
	return min
}

// GetSendLossCount returns the cumulative number of inflight slots
// evicted or timed out without an acknowledgment.
func (c *Controller) GetSendLossCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lossCount
}

// GetInflightBytes returns the sum of sizes of currently unacknowledged
// packets.
func (c *Controller) GetInflightBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflightBytes
}

// seqgt implements signed modular sequence ordering:
// seqgt(a,b) <=> ((a-b) mod 2^32) in (0, 2^31).
func seqgt(a, b uint32) bool {
	d := a - b
	return d != 0 && d < 1<<31
}
