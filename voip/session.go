package voip

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tgvoip/tgvoip-go/internal/eventbus"
	"github.com/tgvoip/tgvoip-go/pkg/congestion"
	"github.com/tgvoip/tgvoip-go/pkg/netsock"
)

// Start launches the receive and send goroutines of §5 (the message
// thread is already running, started by New). SetRemoteEndpoints and
// SetEncryptionKey must have been called first.
func (c *Controller) Start() error {
	if len(c.secret) == 0 {
		c.fail(ErrorUnknown)
		return fmt.Errorf("voip: SetEncryptionKey not called")
	}
	c.endpointsMu.RLock()
	haveEndpoints := len(c.endpoints) > 0
	c.endpointsMu.RUnlock()
	if !haveEndpoints {
		c.fail(ErrorUnknown)
		return fmt.Errorf("voip: SetRemoteEndpoints not called")
	}

	var sock netsock.Socket
	if c.socket != nil {
		// A pre-installed socket (loopback pairs in tests, a
		// caller-managed transport) skips the dial.
		sock = c.socket
	} else if c.proxyAddr != "" {
		sock = netsock.NewSocks5Socket(c.proxyAddr, c.proxyUser, c.proxyPass)
		if err := sock.Open(context.Background()); err != nil {
			c.fail(ErrorProxy)
			return fmt.Errorf("voip: SOCKS5 negotiation with %s: %w", c.proxyAddr, err)
		}
	} else {
		sock = netsock.NewUDPSocket(0)
		if err := sock.Open(context.Background()); err != nil {
			c.fail(ErrorUnknown)
			return fmt.Errorf("voip: opening UDP socket: %w", err)
		}
	}
	c.socket = sock

	if c.cfg.ForceTCP || c.cfg.Bool("force_tcp", false) {
		c.activateTCPFallback()
	}

	c.wg.Add(2)
	go c.receiveLoop()
	go c.sendLoop()

	c.endpointsMu.RLock()
	owned := make([]*Endpoint, 0, len(c.endpoints))
	for _, e := range c.endpoints {
		if e.Socket != nil {
			owned = append(owned, e)
		}
	}
	c.endpointsMu.RUnlock()
	for _, e := range owned {
		c.wg.Add(1)
		go c.receiveLoopFor(e)
	}
	return nil
}

// Connect begins the handshake: send Init every 0.5 s until InitAck
// arrives or initTimeout elapses, §4.9.
func (c *Controller) Connect() {
	c.initStartedAt = time.Now()
	c.lastValidPacketAt = time.Now()
	c.sendInit()
	c.timers.Post(c.sendInit, 500*time.Millisecond, 500*time.Millisecond)
	timeout := c.cfg.InitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.timers.Post(func() {
		if c.State() == StateWaitInit || c.State() == StateWaitInitAck {
			c.fail(ErrorTimeout)
		}
	}, timeout, 0)

	c.timers.Post(c.pingTick, pingInterval, pingInterval)
	c.timers.Post(c.congestionTick, 100*time.Millisecond, 100*time.Millisecond)
	c.timers.Post(c.bandwidthActionTick, time.Second, time.Second)
	c.timers.Post(c.signalBarsTick, time.Second, time.Second)
	c.timers.Post(c.reliableExtrasSweep, 200*time.Millisecond, 200*time.Millisecond)
	c.timers.Post(c.reconnectWatchdog, time.Second, time.Second)
	if c.cfg.StatsDumpFilePath != "" {
		c.timers.Post(c.statsDumpTick, 5*time.Second, 5*time.Second)
	}
}

// statsDumpTick appends one snapshot line to the configured stats dump
// file, matching the original's periodic tsv dump.
func (c *Controller) statsDumpTick() {
	f, err := os.OpenFile(c.cfg.StatsDumpFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	st := c.GetStats()
	fmt.Fprintf(f, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
		time.Now().Format(time.RFC3339), st.State,
		st.BytesSent, st.BytesRecvd, st.PacketsLost,
		st.AverageRTT.Milliseconds(), st.JitterMinDelay)
}

// Stop shuts the session down: close stopping, clear the callbacks,
// inject a nil sentinel into sendQueue, close every socket, wait on one
// WaitGroup for the send and receive goroutines together (neither is
// joined before the other), stop the message thread, then take and
// release audioIOMu. Idempotent.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopping)
		c.bus.Clear()
		c.sendQueue.Put(nil)
		if c.socket != nil {
			c.socket.Close()
		}
		c.endpointsMu.RLock()
		for _, e := range c.endpoints {
			if e.Socket != nil {
				e.Socket.Close()
			}
		}
		c.endpointsMu.RUnlock()
		c.wg.Wait()
		c.timers.Stop()
		c.audioIOMu.Lock()
		c.audioIOMu.Unlock()
	})
}

func (c *Controller) reconnectWatchdog() {
	recvTimeout := c.cfg.RecvTimeout
	if recvTimeout <= 0 {
		recvTimeout = 20 * time.Second
	}
	reconnectingTimeout := time.Duration(c.cfg.Int("reconnecting_state_timeout", 2000)) * time.Millisecond

	since := time.Since(c.lastValidPacketAt)
	st := c.State()
	if st == StateEstablished && since > reconnectingTimeout {
		c.setState(StateReconnecting)
	}
	if since > recvTimeout {
		c.endpointsMu.RLock()
		hasFallback := false
		for _, e := range c.endpoints {
			if e.Kind == EndpointUDPRelay {
				hasFallback = true
			}
		}
		c.endpointsMu.RUnlock()
		if !hasFallback {
			c.fail(ErrorTimeout)
		}
	}
}

// congestionTick is the shared 10 Hz maintenance tick of §4.10: the
// congestion controller's RTT/inflight bookkeeping, every incoming
// stream's jitter buffer, and the ack-stall detector behind
// waitingForAcks.
func (c *Controller) congestionTick() {
	c.congestion.Tick()

	c.streamsMu.RLock()
	for _, s := range c.streams {
		if s.Jitter != nil {
			s.Jitter.Tick()
		}
	}
	c.streamsMu.RUnlock()

	c.checkAckStall()
}

// checkAckStall flags waitingForAcks when a burst of outgoing packets
// has gone unacknowledged for longer than half a second, suspending
// audio input until the peer acks again (§4.9 "Send pacing", scenario
// S2).
func (c *Controller) checkAckStall() {
	const stallBacklog = 16
	const stallAge = 500 * time.Millisecond

	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	if c.waitingForAcks {
		return
	}
	if c.lastSentSeq-c.lastRemoteAckSeq <= stallBacklog {
		return
	}
	for i := range c.recentOutgoing {
		p := &c.recentOutgoing[i]
		if !p.Acked && seqgt(p.Seq, c.lastRemoteAckSeq) && time.Since(p.SendTime) > stallAge {
			c.waitingForAcks = true
			c.logDebug("ack stall: %d packets unacknowledged, suspending audio", c.lastSentSeq-c.lastRemoteAckSeq)
			return
		}
	}
}

// bandwidthActionTick runs at 1 Hz: applies the congestion controller's
// rate-limited send-window action to the encoder's target bitrate
// (§4.8) and re-evaluates the Shitty-Internet hysteresis (§4.9).
func (c *Controller) bandwidthActionTick() {
	action := c.congestion.GetBandwidthControlAction()
	c.bitrateMu.Lock()
	switch action {
	case congestion.ActionIncrease:
		c.bitrate += c.cfg.Int("audio_bitrate_step_incr", 1000)
		if max := c.maxBitrate(); c.bitrate > max {
			c.bitrate = max
		}
	case congestion.ActionDecrease:
		c.bitrate -= c.cfg.Int("audio_bitrate_step_decr", 2000)
		if min := c.cfg.Int("audio_min_bitrate", 8000); c.bitrate < min {
			c.bitrate = min
		}
	}
	c.bitrateMu.Unlock()

	c.updateShittyInternetMode()
}

func (c *Controller) signalBarsTick() {
	c.bus.Fire(eventbus.SignalBarCountChanged, c.GetSignalBarsCount())
}
