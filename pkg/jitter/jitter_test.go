package jitter

import (
	"testing"
	"time"
)

// Reordering and loss: packets arrive out of order within one step and
// are still played at their correct slot; a timestamp that is never put
// comes back Missing once the cursor reaches it.
func TestReorderAndMissing(t *testing.T) {
	b := New(20, Tuneables{MinMinDelay: 1, MaxMinDelay: 25, MaxUsedSlots: 50, LossesToReset: 20, ResyncThreshold: 1.0})

	// Put in arrival order: 0, 20, 40, 100, 80, 120 — ts=100 arrives
	// before ts=80, i.e. out of order by one step.
	for _, ts := range []int64{0, 20, 40, 100, 80, 120} {
		b.Put([]byte{byte(ts)}, ts, false)
	}

	// Fast-forward the cursor to the first put timestamp directly so the
	// test isn't coupled to the minDelay-derived initial offset.
	b.mu.Lock()
	b.nextTs = 0
	b.mu.Unlock()

	wantSeq := []struct {
		ts     int64
		result GetResult
	}{
		{0, ResultOk},
		{20, ResultOk},
		{40, ResultOk},
		{60, ResultMissing}, // never put: a genuine gap
		{80, ResultOk},
		{100, ResultOk},
		{120, ResultOk},
	}
	for i, want := range wantSeq {
		data, res := b.Get(0, true)
		if res != want.result {
			t.Fatalf("step %d: Get() result = %v, want %v", i, res, want.result)
		}
		if res == ResultOk && data[0] != byte(want.ts) {
			t.Fatalf("step %d: got ts byte %d, want %d", i, data[0], want.ts)
		}
	}
}

func TestBufferingBeforeFirstPut(t *testing.T) {
	b := New(20, DefaultTuneables(20))
	if _, res := b.Get(0, false); res != ResultBuffering {
		t.Fatalf("Get() before any Put = %v, want Buffering", res)
	}
}

func TestLateDropBeyondOneStep(t *testing.T) {
	b := New(20, DefaultTuneables(20))
	b.Put([]byte{1}, 1000, false)
	// More than one step behind nextTimestamp; must be dropped, not
	// merely marked late.
	b.mu.Lock()
	cursor := b.nextTs
	b.mu.Unlock()
	b.Put([]byte{2}, cursor-100, false)

	b.mu.Lock()
	n := b.usedSlots
	b.mu.Unlock()
	if n != 1 {
		t.Fatalf("usedSlots = %d, want 1 (far-late packet should be dropped)", n)
	}
}

func TestMinDelayAdaptsTowardStddev(t *testing.T) {
	b := New(20, Tuneables{MinMinDelay: 1, MaxMinDelay: 25, MaxUsedSlots: 50, LossesToReset: 20, ResyncThreshold: 1.0})

	ts := int64(0)
	pace := time.NewTicker(20 * time.Millisecond)
	defer pace.Stop()
	for i := 0; i < 80; i++ {
		<-pace.C // one frame every 20 ms, matching the 20 ms timestamp step
		b.Put([]byte{0}, ts, false)
		b.Get(-1000, false) // never matches; just drains without disturbing ts bookkeeping
		b.Tick()
		ts += 20
	}
	// With a perfectly regular arrival pattern the deviation stddev is
	// ~0, so minDelay should settle at MinMinDelay.
	if md := b.MinDelay(); md != 1 {
		t.Fatalf("MinDelay() = %d, want 1 after converging on a jitter-free stream", md)
	}
}

func TestHandleOutputNominalDuration(t *testing.T) {
	b := New(20, DefaultTuneables(20))
	b.Put([]byte{1}, 0, false)
	b.mu.Lock()
	b.nextTs = 0
	b.mu.Unlock()

	_, _, dur := b.HandleOutput(0)
	if dur != nominalPlaybackDuration {
		t.Fatalf("playbackScaledDuration = %d, want %d with no outstanding delay change", dur, nominalPlaybackDuration)
	}
}
