package voip

import (
	"time"

	"github.com/tgvoip/tgvoip-go/pkg/config"
	"github.com/tgvoip/tgvoip-go/pkg/netsock"
	"github.com/tgvoip/tgvoip-go/pkg/wire"
)

// generateOutSeq returns the next strictly-increasing outgoing sequence
// number, §3.
func (c *Controller) generateOutSeq() uint32 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.lastSentSeq++
	return c.lastSentSeq
}

// ackMaskLocked builds the 32-bit bitmask of which of lastRemoteSeq and
// the 31 sequences before it have arrived (bit i is lastRemoteSeq-i),
// §4.9 "Ack bookkeeping". Caller holds seqMu.
func (c *Controller) ackMaskLocked() uint32 {
	var mask uint32
	for i := 0; i < 32; i++ {
		if !c.recvPacketTimes[i].IsZero() {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// sendInit transmits an Init packet announcing our protocol version,
// min version, capability flags, and supported codecs, §4.9. Retried
// every 0.5 s by Connect's timer until InitAck arrives.
func (c *Controller) sendInit() {
	if st := c.State(); st != StateWaitInit && st != StateWaitInitAck {
		return
	}
	w := wire.NewWriter()
	w.WriteUint32(ProtocolVersion)
	w.WriteUint32(MinProtocolVersion)
	w.WriteUint32(0) // capability flags: no group-call/video in this core
	w.WriteByte(1)   // codec count
	w.WriteTLBytes([]byte("opus"))
	c.enqueueSend(pendingOutgoingPacket{typ: PacketInit, payload: w.Bytes()})
}

func (c *Controller) sendInitAck() {
	w := wire.NewWriter()
	c.streamsMu.RLock()
	w.WriteByte(byte(len(c.streams)))
	for _, s := range c.streams {
		w.WriteByte(s.ID)
		w.WriteByte(byte(s.Kind))
		w.WriteTLBytes([]byte(s.Codec))
		w.WriteByte(byte(s.FrameMs))
	}
	c.streamsMu.RUnlock()
	c.enqueueSend(pendingOutgoingPacket{typ: PacketInitAck, payload: w.Bytes()})
}

// enqueueSend places a packet on the bounded send queue for the send
// thread to serialize and transmit, §4.9 "Send pacing".
func (c *Controller) enqueueSend(p pendingOutgoingPacket) {
	select {
	case <-c.stopping:
		return
	default:
	}
	c.sendQueue.Put(p)
}

// sendLoop is the send thread of §5: pulls PendingOutgoingPacket off the
// queue, serializes, encrypts, and sends.
func (c *Controller) sendLoop() {
	defer c.wg.Done()
	done := make(chan struct{})
	go func() {
		<-c.stopping
		close(done)
	}()
	for {
		item, ok := c.sendQueue.GetBlocking(done)
		if !ok {
			return
		}
		if item == nil {
			return
		}
		p, ok := item.(pendingOutgoingPacket)
		if !ok {
			continue
		}
		c.actuallySend(p)
	}
}

// actuallySend picks the endpoint, builds the wire frame, and transmits
// it, tracking ack bookkeeping state (§4.9 "Send pacing"/"Ack
// bookkeeping").
func (c *Controller) actuallySend(p pendingOutgoingPacket) {
	ep := p.endpoint
	if ep == nil {
		c.endpointsMu.RLock()
		ep = c.currentEndpoint
		c.endpointsMu.RUnlock()
	}
	if ep == nil {
		return
	}

	pseq := c.generateOutSeq()

	c.seqMu.Lock()
	lastRemoteSeq := c.lastRemoteSeq
	ackMask := c.ackMaskLocked()
	extras := append([]UnacknowledgedExtraData(nil), c.currentExtras...)
	for i := range c.currentExtras {
		if c.currentExtras[i].FirstContainingSeq == 0 {
			c.currentExtras[i].FirstContainingSeq = pseq
		}
	}
	c.seqMu.Unlock()

	var framed []byte
	isRelay := ep.Kind == EndpointUDPRelay || ep.Kind == EndpointTCPRelay
	prefix := c.callID[:]
	if isRelay {
		prefix = ep.PeerTag[:]
	}
	w := wire.NewWriter()
	w.WriteBytes(prefix)
	if c.useMTProto2 {
		block := buildSimpleBlock(c.facade, p.typ, lastRemoteSeq, pseq, ackMask, c.peerVersion, extras, p.payload)
		w.WriteBytes(encryptMTProto2(c.facade, c.secret, c.isOutgoing, block))
	} else {
		block := buildLegacyBlock(c.facade, p.typ, c.callID, lastRemoteSeq, pseq, ackMask, extras, p.payload)
		w.WriteBytes(encryptLegacy(c.facade, c.secret, c.isOutgoing, block))
	}
	framed = w.Bytes()

	proto := netsock.ProtoUDP
	if ep.Kind == EndpointTCPRelay {
		proto = netsock.ProtoTCP
	}

	var sendErr error
	if ep.Socket != nil {
		sendErr = ep.Socket.Send(netsock.Packet{Data: framed, Address: ep.Address, Port: ep.Port, Protocol: proto})
	} else if c.socket != nil {
		sendErr = c.socket.Send(netsock.Packet{Data: framed, Address: ep.Address, Port: ep.Port, Protocol: proto})
	}
	if sendErr != nil {
		c.logDebug("send to endpoint %d failed: %v", ep.ID, sendErr)
		c.recordLoss(true)
		return
	}
	c.recordLoss(false)

	c.statsMu.Lock()
	c.bytesSent += uint64(len(framed))
	c.packetsSent++
	c.statsMu.Unlock()

	if isStreamDataType(p.typ) {
		c.congestion.PacketSent(pseq, len(p.payload))
		c.seqMu.Lock()
		c.unsentStreamPackets--
		c.seqMu.Unlock()
	}

	c.seqMu.Lock()
	c.recentOutgoing = append(c.recentOutgoing, RecentOutgoingPacket{Seq: pseq, SendTime: time.Now(), Size: len(framed)})
	if len(c.recentOutgoing) > maxRecentOutgoingPackets {
		c.recentOutgoing = c.recentOutgoing[len(c.recentOutgoing)-maxRecentOutgoingPackets:]
	}
	c.seqMu.Unlock()

	if p.qp != nil {
		c.queuedPacketsMu.Lock()
		p.qp.addSeq(pseq)
		p.qp.LastSent = time.Now()
		c.queuedPacketsMu.Unlock()
	}
}

func isStreamDataType(t PacketType) bool {
	return t == PacketStreamData || t == PacketStreamDataX2 || t == PacketStreamDataX3
}

// recordLoss feeds the 5-second rolling send-loss window used by
// Shitty-Internet mode, §4.9.
func (c *Controller) recordLoss(lost bool) {
	c.lossWindowMu.Lock()
	defer c.lossWindowMu.Unlock()
	c.lossWindow = append(c.lossWindow, lost)
	if len(c.lossWindow) > 250 { // ~5s at 50 stream packets/s worst case
		c.lossWindow = c.lossWindow[len(c.lossWindow)-250:]
	}
}

func (c *Controller) sendLossRatio() float64 {
	c.lossWindowMu.Lock()
	defer c.lossWindowMu.Unlock()
	if len(c.lossWindow) == 0 {
		return 0
	}
	lost := 0
	for _, l := range c.lossWindow {
		if l {
			lost++
		}
	}
	return float64(lost) / float64(len(c.lossWindow))
}

// addExtra places a control record on the inline reliable-extras
// channel; it rides in every outgoing packet header until the peer acks
// a containing sequence (§4.9 "Extras").
func (c *Controller) addExtra(typ ExtraType, data []byte) {
	e := UnacknowledgedExtraData{Type: typ, Data: append([]byte(nil), data...)}
	e.dedupeKey = c.facade.SHA1(append([]byte{byte(typ)}, data...))
	c.seqMu.Lock()
	for i := range c.currentExtras {
		if c.currentExtras[i].dedupeKey == e.dedupeKey {
			c.seqMu.Unlock()
			return
		}
	}
	c.currentExtras = append(c.currentExtras, e)
	c.seqMu.Unlock()
	c.enqueueSend(pendingOutgoingPacket{typ: PacketNOP})
}

// updateShittyInternetMode implements the hysteresis of §4.9/Open
// Questions: enable at avgSendLoss >= 0.125, disable strictly below 0.15
// (adopted reading, not a typo fix). Slow links and data saving never
// run the secondary encoder.
func (c *Controller) updateShittyInternetMode() {
	if c.cfg.NetworkType == config.NetTypeGPRS || c.cfg.NetworkType == config.NetTypeEDGE || c.dataSavingActive() {
		if c.shittyInternet {
			c.shittyInternet = false
		}
		return
	}
	ratio := c.sendLossRatio()
	if !c.shittyInternet && ratio >= 0.125 {
		c.shittyInternet = true
		c.logDebug("enabling shitty-internet mode, send loss %.2f", ratio)
	} else if c.shittyInternet && ratio < 0.15 {
		c.shittyInternet = false
		c.logDebug("disabling shitty-internet mode, send loss %.2f", ratio)
	}
}

// HandleAudioInput is the encoder-callback entry point of §4.11: the
// encoder hands the session one frame's primary (and, in
// Shitty-Internet mode, secondary FEC) payload.
func (c *Controller) HandleAudioInput(streamID byte, timestamp uint32, primary []byte, secondary []byte) {
	if c.micMuted || c.State() == StateFailed {
		return
	}
	c.seqMu.Lock()
	if c.unsentStreamPackets >= 2 || c.waitingForAcks || c.dontSendPackets > 0 {
		c.seqMu.Unlock()
		return
	}
	c.unsentStreamPackets++
	c.seqMu.Unlock()

	w := wire.NewWriter()
	writeStreamFrame(w, streamID, timestamp, primary)
	c.enqueueSend(pendingOutgoingPacket{typ: PacketStreamData, payload: w.Bytes()})

	if c.shittyInternet && len(secondary) > 0 {
		ew := wire.NewWriter()
		writeStreamFrame(ew, streamID, timestamp, secondary)
		c.enqueueSend(pendingOutgoingPacket{typ: PacketStreamEC, payload: ew.Bytes()})
	}
}

// reliableExtrasSweep is the timer-thread task backing
// SendPacketReliably (§4.9 "Reliability layer"): re-enqueue any queued
// packet whose retry interval has elapsed, drop any past its deadline.
func (c *Controller) reliableExtrasSweep() {
	now := time.Now()
	c.queuedPacketsMu.Lock()
	kept := c.queuedPackets[:0]
	var toResend []*QueuedPacket
	for _, qp := range c.queuedPackets {
		if !qp.Deadline.IsZero() && now.After(qp.Deadline) {
			continue
		}
		if now.Sub(qp.LastSent) >= qp.RetryEvery && qp.RetryEvery > 0 {
			toResend = append(toResend, qp)
		}
		kept = append(kept, qp)
	}
	c.queuedPackets = kept
	c.queuedPacketsMu.Unlock()

	for _, qp := range toResend {
		qp.LastSent = now
		c.enqueueSend(pendingOutgoingPacket{typ: qp.Type, payload: qp.Payload, qp: qp})
	}

	c.seqMu.Lock()
	if c.dontSendPackets > 0 {
		c.dontSendPackets--
	}
	c.seqMu.Unlock()
}

// sendPacketReliably stores payload on the reliable-extras channel for
// peers below ExtrasVersion, §4.9.
func (c *Controller) sendPacketReliably(typ PacketType, payload []byte, retryEvery, timeout time.Duration) {
	qp := &QueuedPacket{Type: typ, Payload: payload, RetryEvery: retryEvery, Deadline: time.Now().Add(timeout), FirstSent: time.Now(), LastSent: time.Now()}
	c.queuedPacketsMu.Lock()
	c.queuedPackets = append(c.queuedPackets, qp)
	c.queuedPacketsMu.Unlock()
	c.enqueueSend(pendingOutgoingPacket{typ: typ, payload: payload, qp: qp})
}
