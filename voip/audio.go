package voip

import (
	"time"

	"github.com/tgvoip/tgvoip-go/pkg/jitter"
)

// startAudio launches one decoder pump per incoming audio stream, §5.
// Safe to call repeatedly: each stream id gets at most one pump, so the
// InitAck handler can re-invoke it after replacing the stream set and
// any newly announced stream picks up a pump of its own. Serialized
// against shutdown under audioIOMu.
func (c *Controller) startAudio() {
	c.audioIOMu.Lock()
	defer c.audioIOMu.Unlock()
	select {
	case <-c.stopping:
		return
	default:
	}
	if c.audioPumped == nil {
		c.audioPumped = make(map[byte]bool)
	}
	c.streamsMu.RLock()
	type pump struct {
		id      byte
		frameMs int
	}
	var pumps []pump
	for _, s := range c.streams {
		if s.Kind != StreamAudio || s.Jitter == nil {
			continue
		}
		if !c.audioPumped[s.ID] {
			c.audioPumped[s.ID] = true
			pumps = append(pumps, pump{id: s.ID, frameMs: s.FrameMs})
		}
	}
	c.streamsMu.RUnlock()
	for _, p := range pumps {
		c.wg.Add(1)
		go c.decoderPump(p.id, p.frameMs)
	}
}

// streamByID resolves a stream under streamsMu. The pump re-resolves on
// every tick so an InitAck that replaces the stream set (and its jitter
// buffers) is picked up instead of feeding an orphaned buffer.
func (c *Controller) streamByID(id byte) *Stream {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()
	for _, s := range c.streams {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// decoderPump is one incoming stream's decoder thread. The real-time
// audio output device would drive this clock; absent a device the pump
// ticks at the stream's nominal frame duration.
func (c *Controller) decoderPump(streamID byte, frameMs int) {
	defer c.wg.Done()
	if frameMs <= 0 {
		frameMs = 60
	}
	ticker := time.NewTicker(time.Duration(frameMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopping:
			return
		case <-ticker.C:
		}
		s := c.streamByID(streamID)
		if s == nil || !s.Enabled || s.Jitter == nil || s.Kind != StreamAudio {
			continue
		}
		frame, result, scaled := s.Jitter.HandleOutput(0)
		if c.decoderCB == nil {
			continue
		}
		if result == jitter.ResultBuffering {
			continue
		}
		c.decoderCB(s.ID, frame, scaled)
	}
}
