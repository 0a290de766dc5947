// Package jitter implements the fixed-slot reorder-and-smoothing queue
// keyed on sender timestamps, with an adaptive target delay derived from
// arrival-time deviation statistics and late/loss counters.
package jitter

import (
	"math"
	"sync"
	"time"
)

const (
	ringSize       = 64
	maxSlotPayload = 1024

	lossesToResetDefault      = 20
	resyncThresholdDefault    = 1.0
	dontChangeDelayDebounce   = 25 // ticks (≈2.5 s at 10 Hz) before another ±1 minDelay move
	outstandingUnitMs         = 20 // one "unit" of outstandingDelayChange == 20ms × frames, per spec §4.7
	shortenPlaybackDurationMs = 40
	lengthenPlaybackDuration  = 80
	nominalPlaybackDuration   = 60
	outstandingDecayPerCall   = 20
)

// GetResult is the outcome of Get.
type GetResult int

const (
	ResultOk GetResult = iota
	ResultBuffering
	ResultMissing
)

func (r GetResult) String() string {
	switch r {
	case ResultOk:
		return "ok"
	case ResultBuffering:
		return "buffering"
	default:
		return "missing"
	}
}

// Tuneables bundles the server-config-driven parameters. Defaults are
// selected per the frame-duration bucket as specified.
type Tuneables struct {
	MinMinDelay     int
	MaxMinDelay     int
	MaxUsedSlots    int
	LossesToReset   int
	ResyncThreshold float64
}

// DefaultTuneables returns the documented defaults for a frame duration
// of stepMs milliseconds (one of 20, 40, 60; unknown values fall back to
// the 20 ms bucket).
func DefaultTuneables(stepMs int) Tuneables {
	t := Tuneables{LossesToReset: lossesToResetDefault, ResyncThreshold: resyncThresholdDefault}
	switch stepMs {
	case 40:
		t.MinMinDelay, t.MaxMinDelay, t.MaxUsedSlots = 4, 15, 30
	case 60:
		t.MinMinDelay, t.MaxMinDelay, t.MaxUsedSlots = 1, 10, 20
	default:
		t.MinMinDelay, t.MaxMinDelay, t.MaxUsedSlots = 6, 25, 50
	}
	return t
}

type slot struct {
	payload   []byte
	len       int
	timestamp int64
	isEC      bool
	occupied  bool
}

// Buffer is the jitter buffer for one incoming stream. Safe for
// concurrent use.
type Buffer struct {
	mu sync.Mutex

	step int64 // frame duration, ms
	tune Tuneables

	slots     [ringSize]slot
	hasPut    bool
	nextTs    int64
	minDelay  int
	usedSlots int

	latePacketCount int
	lateHistory     [ringSize]int
	lateHistoryAt   int

	arrivalDevHistory [ringSize]float64
	arrivalDevAt      int
	arrivalDevN       int
	expectNextAtTime  time.Time

	lossCount        int
	gotSinceReset    int
	lostSinceReset   int
	dontIncMinDelay  int
	dontDecMinDelay  int
	dontChangeDelay  int
	outstandingDelay int // outstandingDelayChange, units of outstandingUnitMs
}

// New constructs a Buffer for frames of stepMs milliseconds, seeding
// minDelay at the tuneables' minimum.
func New(stepMs int, tune Tuneables) *Buffer {
	if stepMs <= 0 {
		stepMs = 20
	}
	if tune.MinMinDelay < 1 {
		tune.MinMinDelay = 1
	}
	if tune.MaxMinDelay < tune.MinMinDelay {
		tune.MaxMinDelay = tune.MinMinDelay
	}
	if tune.LossesToReset <= 0 {
		tune.LossesToReset = lossesToResetDefault
	}
	if tune.ResyncThreshold <= 0 {
		tune.ResyncThreshold = resyncThresholdDefault
	}
	return &Buffer{
		step:     int64(stepMs),
		tune:     tune,
		minDelay: tune.MinMinDelay,
	}
}

// Reset clears all buffered state so the next Put re-seeds nextTimestamp.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Buffer) resetLocked() {
	for i := range b.slots {
		b.slots[i] = slot{}
	}
	b.hasPut = false
	b.usedSlots = 0
	b.gotSinceReset = 0
	b.lostSinceReset = 0
	b.lossCount = 0
}

// Put inserts a received frame at sender timestamp ts.
func (b *Buffer) Put(buf []byte, ts int64, isEC bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hasPut {
		b.nextTs = ts - b.step*int64(b.minDelay)
		b.hasPut = true
		b.expectNextAtTime = time.Now()
	}

	// Evict any slot that fell behind the (possibly just reset) cursor.
	for i := range b.slots {
		if b.slots[i].occupied && b.slots[i].timestamp < b.nextTs-1 {
			b.freeSlotLocked(i)
		}
	}

	if ts < b.nextTs {
		b.latePacketCount++
		if b.nextTs-ts > b.step {
			return // too far behind to salvage; drop.
		}
	}

	now := time.Now()
	dev := b.expectNextAtTime.Sub(now).Seconds()
	b.arrivalDevHistory[b.arrivalDevAt%ringSize] = dev
	b.arrivalDevAt++
	if b.arrivalDevN < ringSize {
		b.arrivalDevN++
	}
	b.expectNextAtTime = b.expectNextAtTime.Add(time.Duration(float64(b.step) * float64(time.Millisecond)))

	idx := b.findSlotLocked(ts)
	if idx < 0 || b.usedSlots >= b.tune.MaxUsedSlots {
		victim := b.smallestTimestampSlotLocked()
		if victim >= 0 {
			b.freeSlotLocked(victim)
		}
		idx = b.findSlotLocked(ts)
	}
	if idx < 0 {
		return
	}
	payload := make([]byte, len(buf))
	copy(payload, buf)
	if !b.slots[idx].occupied {
		b.usedSlots++
	}
	b.slots[idx] = slot{payload: payload, len: len(payload), timestamp: ts, isEC: isEC, occupied: true}
}

func (b *Buffer) findSlotLocked(ts int64) int {
	for i := range b.slots {
		if b.slots[i].occupied && b.slots[i].timestamp == ts {
			return i
		}
	}
	for i := range b.slots {
		if !b.slots[i].occupied {
			return i
		}
	}
	return -1
}

func (b *Buffer) smallestTimestampSlotLocked() int {
	idx := -1
	for i := range b.slots {
		if !b.slots[i].occupied {
			continue
		}
		if idx == -1 || b.slots[i].timestamp < b.slots[idx].timestamp {
			idx = i
		}
	}
	return idx
}

func (b *Buffer) freeSlotLocked(i int) {
	if b.slots[i].occupied {
		b.usedSlots--
	}
	b.slots[i] = slot{}
}

// Get retrieves the frame at nextTimestamp + tsOffset*step. When advance
// is true and a frame was found, nextTimestamp moves forward by one
// step.
func (b *Buffer) Get(tsOffset int, advance bool) ([]byte, GetResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hasPut {
		return nil, ResultBuffering
	}

	want := b.nextTs + int64(tsOffset)*b.step
	for i := range b.slots {
		if b.slots[i].occupied && b.slots[i].timestamp == want {
			out := make([]byte, b.slots[i].len)
			copy(out, b.slots[i].payload[:b.slots[i].len])
			b.freeSlotLocked(i)
			if advance {
				b.nextTs += b.step
			}
			b.lossCount = 0
			b.gotSinceReset++
			return out, ResultOk
		}
	}

	if b.usedSlots == 0 && b.gotSinceReset == 0 {
		return nil, ResultBuffering
	}

	b.lossCount++
	b.lostSinceReset++
	if advance {
		b.nextTs += b.step
	}

	if b.lossCount >= b.tune.LossesToReset ||
		(b.gotSinceReset > b.minDelay*25 && b.lostSinceReset > b.gotSinceReset/2) {
		b.forceResetLocked()
	}
	return nil, ResultMissing
}

// forceResetLocked pulls nextTimestamp back to align with whatever is
// currently buffered, discarding the loss/got bookkeeping that drove the
// reset decision.
func (b *Buffer) forceResetLocked() {
	oldest := int64(0)
	have := false
	for i := range b.slots {
		if b.slots[i].occupied && (!have || b.slots[i].timestamp < oldest) {
			oldest = b.slots[i].timestamp
			have = true
		}
	}
	if have {
		b.nextTs = oldest
	}
	b.lossCount = 0
	b.gotSinceReset = 0
	b.lostSinceReset = 0
}

// Tick runs the periodic maintenance (the session calls it at 10 Hz,
// every 100 ms): resync detection from the
// late-packet history and minDelay adaptation from arrival-time
// deviation statistics.
func (b *Buffer) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lateHistory[b.lateHistoryAt%ringSize] = b.latePacketCount
	b.lateHistoryAt++
	b.latePacketCount = 0

	avg16 := b.lateAverageLocked(16)
	if avg16 >= b.tune.ResyncThreshold {
		b.forceResetLocked()
	}

	sigma := b.arrivalStdDevLocked()
	stddevDelay := clampInt(int(math.Ceil(2*sigma*1000/float64(b.step))), b.tune.MinMinDelay, b.tune.MaxMinDelay)

	if b.dontIncMinDelay > 0 {
		b.dontIncMinDelay--
	}
	if b.dontDecMinDelay > 0 {
		b.dontDecMinDelay--
	}
	if b.dontChangeDelay > 0 {
		b.dontChangeDelay--
	}

	if stddevDelay > b.minDelay && b.dontIncMinDelay == 0 {
		b.minDelay++
		b.outstandingDelay += outstandingUnitMs
		b.dontIncMinDelay = dontChangeDelayDebounce
	} else if stddevDelay < b.minDelay && b.dontDecMinDelay == 0 {
		b.minDelay--
		b.outstandingDelay -= outstandingUnitMs
		b.dontDecMinDelay = dontChangeDelayDebounce
	}

	if b.dontChangeDelay == 0 {
		gap := b.usedSlots - b.minDelay
		switch {
		case gap > 0:
			b.outstandingDelay -= outstandingUnitMs * 3
			b.dontChangeDelay = dontChangeDelayDebounce
		case gap < 0:
			b.outstandingDelay += outstandingUnitMs
			b.dontChangeDelay = dontChangeDelayDebounce
		}
	}
}

func (b *Buffer) lateAverageLocked(window int) float64 {
	if window > ringSize {
		window = ringSize
	}
	sum := 0
	for i := 0; i < window; i++ {
		idx := (b.lateHistoryAt - 1 - i + ringSize) % ringSize
		sum += b.lateHistory[idx]
	}
	return float64(sum) / float64(window)
}

func (b *Buffer) arrivalStdDevLocked() float64 {
	n := b.arrivalDevN
	if n == 0 {
		return 0
	}
	var mean float64
	for i := 0; i < n; i++ {
		mean += b.arrivalDevHistory[i]
	}
	mean /= float64(n)
	var variance float64
	for i := 0; i < n; i++ {
		d := b.arrivalDevHistory[i] - mean
		variance += d * d
	}
	variance /= float64(n)
	return math.Sqrt(variance)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// HandleOutput fetches the next playout frame and computes the
// playback-scaled duration (in ms) the decoder should time-warp its
// output to, draining any outstanding delay-change debt 20ms at a time.
func (b *Buffer) HandleOutput(offset int) (data []byte, result GetResult, playbackScaledDurationMs int) {
	data, result = b.Get(offset, true)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.outstandingDelay > 0:
		playbackScaledDurationMs = lengthenPlaybackDuration
		b.outstandingDelay -= outstandingDecayPerCall
		if b.outstandingDelay < 0 {
			b.outstandingDelay = 0
		}
	case b.outstandingDelay < 0:
		playbackScaledDurationMs = shortenPlaybackDurationMs
		b.outstandingDelay += outstandingDecayPerCall
		if b.outstandingDelay > 0 {
			b.outstandingDelay = 0
		}
	default:
		playbackScaledDurationMs = nominalPlaybackDuration
	}
	return data, result, playbackScaledDurationMs
}

// MinDelay returns the current adaptive target occupancy, in frames.
func (b *Buffer) MinDelay() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minDelay
}

// UsedSlots returns the number of currently occupied slots.
func (b *Buffer) UsedSlots() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedSlots
}

// NextTimestamp returns the current playout cursor.
func (b *Buffer) NextTimestamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextTs
}
