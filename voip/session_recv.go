package voip

import (
	"errors"
	"time"

	"github.com/tgvoip/tgvoip-go/internal/eventbus"
	"github.com/tgvoip/tgvoip-go/pkg/config"
	"github.com/tgvoip/tgvoip-go/pkg/jitter"
	"github.com/tgvoip/tgvoip-go/pkg/netsock"
	"github.com/tgvoip/tgvoip-go/pkg/reassembler"
	"github.com/tgvoip/tgvoip-go/pkg/wire"
)

// receiveLoop is the receive thread of §5: reads datagrams off the one
// shared UDP socket, matches them to a known endpoint, and dispatches.
func (c *Controller) receiveLoop() {
	defer c.wg.Done()
	c.pumpSocket(c.socket, nil)
}

// receiveLoopFor drains one endpoint's owned TCP/obfuscated/SOCKS5
// socket, §4.9 "External Interfaces": TCP relay and proxy endpoints each
// own a dedicated stream connection separate from the shared UDP
// socket.
func (c *Controller) receiveLoopFor(ep *Endpoint) {
	defer c.wg.Done()
	c.pumpSocket(ep.Socket, ep)
}

// pumpSocket is the shared body of receiveLoop/receiveLoopFor. When
// forcedEndpoint is nil, the source endpoint is resolved by matching the
// packet's address/port against the known endpoint set.
func (c *Controller) pumpSocket(sock netsock.Socket, forcedEndpoint *Endpoint) {
	for {
		pkt, err := sock.Receive()
		if err != nil {
			select {
			case <-c.stopping:
				return
			default:
			}
			if errors.Is(err, netsock.ErrClosed) {
				return
			}
			c.logDebug("receive error: %v", err)
			continue
		}

		ep := forcedEndpoint
		if ep == nil {
			ep = c.endpointFor(pkt)
		}
		if ep == nil {
			continue
		}
		c.handleIncoming(ep, pkt.Data)
	}
}

// endpointFor matches an arriving packet to one of the known candidate
// endpoints by address and port (§3).
func (c *Controller) endpointFor(pkt netsock.Packet) *Endpoint {
	c.endpointsMu.RLock()
	defer c.endpointsMu.RUnlock()
	for _, e := range c.endpoints {
		if e.Port != pkt.Port {
			continue
		}
		addr := e.Address
		if pkt.Address.IsV6() && e.HasV6 {
			addr = e.AddrV6
		}
		if addressEqual(addr, pkt.Address) {
			return e
		}
	}
	return nil
}

func addressEqual(a, b netsock.Address) bool {
	if a.IsV6() != b.IsV6() {
		return false
	}
	if a.IsV6() {
		return a.V6Bytes() == b.V6Bytes()
	}
	return a.V4Bytes() == b.V4Bytes()
}

// handleIncoming strips the 16-byte call-id/peer-tag prefix, decrypts,
// and dispatches one datagram, §4.9/§6/§7. Any parse or decrypt failure
// is dropped silently, matching the "malformed packet" edge case.
func (c *Controller) handleIncoming(ep *Endpoint, data []byte) {
	if isReflectorReply(data) {
		c.handleReflectorReply(ep, data)
		return
	}
	if len(data) < 16+24 {
		return
	}
	body := data[16:]
	fp := keyFingerprint(c.facade, c.secret)

	plain, usedMTProto2, err := c.decryptEither(fp, body)
	if err != nil {
		c.logDebug("dropping undecryptable packet from endpoint %d", ep.ID)
		return
	}

	var h *frameHeader
	if usedMTProto2 {
		h, err = parseSimpleBlock(c.peerVersion, plain)
	} else {
		h, err = parseLegacyBlock(c.callID, plain)
	}
	if err != nil {
		c.logDebug("dropping malformed packet from endpoint %d", ep.ID)
		return
	}

	c.statsMu.Lock()
	c.bytesRecvd += uint64(len(data))
	c.packetsRecvd++
	c.statsMu.Unlock()
	c.lastValidPacketAt = time.Now()
	if c.State() == StateReconnecting {
		c.setState(StateEstablished)
	}
	if !c.gotFirstPacket {
		c.gotFirstPacket = true
		if (ep.Kind == EndpointUDPRelay || ep.Kind == EndpointTCPRelay) && c.udpState != udpNotAvailable {
			c.endpointsMu.Lock()
			c.currentEndpoint = ep
			c.endpointsMu.Unlock()
		}
	}

	if c.State() != StateFailed && usedMTProto2 != c.useMTProto2 {
		c.useMTProto2 = usedMTProto2
		c.logDebug("latched onto %s framing after first valid packet", frameName(usedMTProto2))
	}

	ackGap, fresh := c.trackIncomingSeq(h.Pseq)
	if !fresh {
		return
	}
	c.applyAcks(h.LastRemoteSeq, h.AckMask)
	c.handlePeerNetworkChange(ep, ackGap)
	for _, e := range h.Extras {
		c.handleExtra(ep, e)
	}

	c.dispatch(ep, h)
}

func frameName(mtproto2 bool) string {
	if mtproto2 {
		return "mtproto2"
	}
	return "legacy"
}

// decryptEither tries the session's currently selected framing first and
// falls back to the other scheme while the handshake hasn't completed,
// implementing the MTProto-2 fallback latch of §8.
func (c *Controller) decryptEither(fp [8]byte, body []byte) ([]byte, bool, error) {
	tryMTProto2 := c.useMTProto2
	if plain, err := c.decryptAs(tryMTProto2, fp, body); err == nil {
		return plain, tryMTProto2, nil
	}
	if c.State() == StateWaitInit || c.State() == StateWaitInitAck {
		if plain, err := c.decryptAs(!tryMTProto2, fp, body); err == nil {
			return plain, !tryMTProto2, nil
		}
	}
	return nil, false, ErrBadPacket
}

func (c *Controller) decryptAs(mtproto2 bool, fp [8]byte, body []byte) ([]byte, error) {
	if mtproto2 {
		return decryptMTProto2(c.facade, c.secret, c.isOutgoing, fp, body)
	}
	return decryptLegacy(c.facade, c.secret, c.isOutgoing, fp, body)
}

// trackIncomingSeq folds a newly observed peer sequence number into the
// 32-slot recvPacketTimes ring used to build our own ackMask, §3/§4.9.
// It returns the gap between the new sequence and the previous high
// water mark (used by handlePeerNetworkChange), and whether the packet
// is fresh: duplicates (already-stamped slot) and sequences 32 or more
// behind the high-water mark are reported stale and must be dropped.
func (c *Controller) trackIncomingSeq(pseq uint32) (gap uint32, fresh bool) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if seqgt(pseq, c.lastRemoteSeq) || (c.lastRemoteSeq == 0 && pseq == 0) {
		gap = pseq - c.lastRemoteSeq
		if gap >= 32 {
			c.recvPacketTimes = [32]time.Time{}
		} else {
			var shifted [32]time.Time
			for i := 0; i+int(gap) < 32; i++ {
				shifted[i+int(gap)] = c.recvPacketTimes[i]
			}
			c.recvPacketTimes = shifted
		}
		c.lastRemoteSeq = pseq
		c.recvPacketTimes[0] = time.Now()
		return gap, true
	}

	idx := c.lastRemoteSeq - pseq
	if idx >= 32 {
		return 0, false // too far out of order to account for
	}
	if !c.recvPacketTimes[idx].IsZero() {
		return 0, false // duplicate
	}
	c.recvPacketTimes[idx] = time.Now()
	return 0, true
}

// applyAcks marks our sent packets acknowledged per the peer's
// lastRemoteSeq/ackMask pair, §3/§4.9, feeding each into the congestion
// controller.
func (c *Controller) applyAcks(peerLastRemoteSeq, ackMask uint32) {
	c.seqMu.Lock()
	acked := map[uint32]bool{peerLastRemoteSeq: true}
	for i := 0; i < 32; i++ {
		if ackMask&(1<<uint(i)) != 0 {
			acked[peerLastRemoteSeq-uint32(i)] = true
		}
	}
	ackedAny := false
	for i := range c.recentOutgoing {
		if acked[c.recentOutgoing[i].Seq] && !c.recentOutgoing[i].Acked {
			c.recentOutgoing[i].Acked = true
			c.recentOutgoing[i].AckTime = time.Now()
			ackedAny = true
		}
	}
	if seqgt(peerLastRemoteSeq, c.lastRemoteAckSeq) {
		c.lastRemoteAckSeq = peerLastRemoteSeq
	}

	// Retire extras the peer has seen: anything first carried at or
	// below the new high-water ack.
	keptExtras := c.currentExtras[:0]
	for _, e := range c.currentExtras {
		if e.FirstContainingSeq == 0 || seqgt(e.FirstContainingSeq, c.lastRemoteAckSeq) {
			keptExtras = append(keptExtras, e)
		}
	}
	c.currentExtras = keptExtras

	if ackedAny && c.waitingForAcks {
		c.waitingForAcks = false
		c.dontSendPackets = 5 // sweep runs every 200ms: a 1s cooldown
		c.logDebug("acks resumed, cooling down before sending audio again")
	}
	c.seqMu.Unlock()

	for seq := range acked {
		c.congestion.PacketAcknowledged(seq)
	}

	c.queuedPacketsMu.Lock()
	kept := c.queuedPackets[:0]
	for _, qp := range c.queuedPackets {
		stillPending := true
		for seq := range acked {
			if qp.hasSeq(seq) {
				stillPending = false
				break
			}
		}
		if stillPending {
			kept = append(kept, qp)
		}
	}
	c.queuedPackets = kept
	c.queuedPacketsMu.Unlock()
}

// handleExtra applies one inline reliable-extras record, §4.9, deduping
// by content hash so a retried extra is not reapplied.
func (c *Controller) handleExtra(ep *Endpoint, e UnacknowledgedExtraData) {
	hash := c.facade.SHA1(append([]byte{byte(e.Type)}, e.Data...))
	c.seqMu.Lock()
	if c.seenExtraHashes[hash] {
		c.seqMu.Unlock()
		return
	}
	c.seenExtraHashes[hash] = true
	c.seqMu.Unlock()

	switch e.Type {
	case ExtraStreamFlags:
		c.applyStreamFlags(e.Data)
	case ExtraStreamCSD:
		c.applyStreamCSD(e.Data)
	case ExtraLANEndpoint:
		c.applyLANEndpoint(e.Data)
	case ExtraNetworkChanged:
		c.handlePeerNetworkChange(ep, 33)
	case ExtraGroupCallKey:
		c.bus.Fire(eventbus.GroupCallKeyReceived, append([]byte(nil), e.Data...))
	case ExtraRequestGroup:
		c.bus.Fire(eventbus.UpgradeToGroupCallRequested)
	case ExtraIPv6Endpoint:
		c.applyIPv6Endpoint(e.Data)
	}
}

// applyStreamFlags toggles the enabled and extra-EC bits on one stream.
func (c *Controller) applyStreamFlags(data []byte) {
	r := wire.NewReader(data)
	streamID, err := r.ReadByte()
	if err != nil {
		return
	}
	flags, err := r.ReadUint32()
	if err != nil {
		return
	}
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	for _, s := range c.streams {
		if s.ID == streamID {
			s.Enabled = flags&1 != 0
			s.ExtraEC = flags&2 != 0
			return
		}
	}
}

// applyStreamCSD stores the peer's codec-specific data for one stream.
func (c *Controller) applyStreamCSD(data []byte) {
	r := wire.NewReader(data)
	streamID, err := r.ReadByte()
	if err != nil {
		return
	}
	csd, err := r.ReadTLBytes()
	if err != nil {
		return
	}
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	for _, s := range c.streams {
		if s.ID == streamID {
			s.CSD = append([]byte(nil), csd...)
			return
		}
	}
}

// applyIPv6Endpoint records the peer's announced global IPv6 address,
// upgrading the matching P2P endpoint (or synthesizing one) so the ping
// loop starts probing it.
func (c *Controller) applyIPv6Endpoint(data []byte) {
	r := wire.NewReader(data)
	raw, err := r.ReadBytes(16)
	if err != nil {
		return
	}
	port, err := r.ReadUint32()
	if err != nil {
		return
	}
	var octets [16]byte
	copy(octets[:], raw)

	c.endpointsMu.Lock()
	defer c.endpointsMu.Unlock()
	for _, e := range c.endpoints {
		if e.Kind == EndpointUDPP2PInet {
			e.AddrV6 = netsock.V6(octets)
			e.HasV6 = true
			return
		}
	}
	var maxID uint64
	for _, e := range c.endpoints {
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	c.endpoints = append(c.endpoints, &Endpoint{
		ID:     maxID + 1,
		Kind:   EndpointUDPP2PInet,
		AddrV6: netsock.V6(octets),
		HasV6:  true,
		Port:   int(port),
	})
}

func (c *Controller) applyLANEndpoint(data []byte) {
	r := wire.NewReader(data)
	v4, err := r.ReadBytes(4)
	if err != nil {
		return
	}
	port, err := r.ReadUint32()
	if err != nil {
		return
	}
	c.endpointsMu.Lock()
	defer c.endpointsMu.Unlock()
	for _, e := range c.endpoints {
		if e.Kind == EndpointUDPP2PLAN {
			e.Address = netsock.V4(v4[0], v4[1], v4[2], v4[3])
			e.Port = int(port)
			return
		}
	}
}

// dispatch routes one decoded frame to its handler by packet type, §4.9.
func (c *Controller) dispatch(ep *Endpoint, h *frameHeader) {
	switch h.Type {
	case PacketInit:
		c.handleInit(h.Payload)
	case PacketInitAck:
		c.handleInitAck(h.Payload)
	case PacketStreamData:
		c.handleStreamData(h.Payload, 1, false)
	case PacketStreamDataX2:
		c.handleStreamData(h.Payload, 2, false)
	case PacketStreamDataX3:
		c.handleStreamData(h.Payload, 3, false)
	case PacketStreamEC:
		c.handleStreamData(h.Payload, 1, true)
	case PacketPing:
		c.handlePing(ep, h.Payload)
	case PacketPong:
		c.handlePong(ep, h.Payload)
	case PacketLANEndpoint:
		c.applyLANEndpoint(h.Payload)
	case PacketNetworkChanged:
		c.handlePeerNetworkChange(ep, 33)
	case PacketStreamState:
		c.handleStreamState(h.Payload)
	case PacketNOP:
	}
}

// handleInit processes a peer's Init announcement, §4.9 "Handshake":
// checks protocol compatibility, provisions the default incoming audio
// stream, and answers with InitAck.
func (c *Controller) handleInit(payload []byte) {
	if c.State() == StateFailed {
		return
	}
	r := wire.NewReader(payload)
	peerVersion, err := r.ReadUint32()
	if err != nil {
		return
	}
	peerMinVersion, err := r.ReadUint32()
	if err != nil {
		return
	}
	if uint32(ProtocolVersion) < peerMinVersion || peerVersion < MinProtocolVersion {
		c.fail(ErrorIncompatible)
		return
	}
	caps, _ := r.ReadUint32()
	c.peerCaps = caps
	c.peerVersion = int(peerVersion)
	if c.peerVersion > ProtocolVersion {
		c.peerVersion = ProtocolVersion
	}

	c.streamsMu.Lock()
	if len(c.streams) == 0 {
		c.streams = append(c.streams, &Stream{ID: 0, Kind: StreamAudio, Codec: "opus", Enabled: true, FrameMs: 60, Jitter: jitter.New(60, c.jitterTuneables(60))})
	}
	c.streamsMu.Unlock()

	c.sendInitAck()

	if c.State() == StateWaitInit {
		c.setState(StateWaitInitAck)
		delay := time.Duration(c.cfg.Int("established_delay_if_no_stream_data", 1500)) * time.Millisecond
		c.timers.Post(func() {
			if c.State() == StateWaitInitAck {
				c.setState(StateEstablished)
			}
		}, delay, 0)
	}
}

// jitterTuneables resolves the frame-duration bucket's defaults through
// the server-config dictionary (jitter_min_delay_20, jitter_max_slots_60,
// ...), §4.7 Tuneables.
func (c *Controller) jitterTuneables(frameMs int) jitter.Tuneables {
	tune := jitter.DefaultTuneables(frameMs)
	suffix := "20"
	switch frameMs {
	case 40:
		suffix = "40"
	case 60:
		suffix = "60"
	}
	tune.MinMinDelay = c.cfg.Int("jitter_min_delay_"+suffix, tune.MinMinDelay)
	tune.MaxMinDelay = c.cfg.Int("jitter_max_delay_"+suffix, tune.MaxMinDelay)
	tune.MaxUsedSlots = c.cfg.Int("jitter_max_slots_"+suffix, tune.MaxUsedSlots)
	tune.LossesToReset = c.cfg.Int("jitter_losses_to_reset", tune.LossesToReset)
	tune.ResyncThreshold = c.cfg.Float("jitter_resync_threshold", tune.ResyncThreshold)
	if c.cfg.NetworkType == config.NetTypeGPRS || c.cfg.NetworkType == config.NetTypeEDGE {
		tune.MaxUsedSlots = tune.MaxUsedSlots / 2
	}
	return tune
}

// handleInitAck completes the initiating side of the handshake, §4.9.
func (c *Controller) handleInitAck(payload []byte) {
	if c.State() != StateWaitInit && c.State() != StateWaitInitAck {
		return
	}
	r := wire.NewReader(payload)
	n, err := r.ReadByte()
	if err != nil {
		return
	}
	c.streamsMu.Lock()
	c.streams = c.streams[:0]
	for i := byte(0); i < n; i++ {
		id, err1 := r.ReadByte()
		kind, err2 := r.ReadByte()
		codec, err3 := r.ReadTLBytes()
		frameMs, err4 := r.ReadByte()
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			break
		}
		if frameMs == 0 {
			frameMs = 60
		}
		tune := c.jitterTuneables(int(frameMs))
		s := &Stream{
			ID: id, Kind: StreamKind(kind), Codec: string(codec), Enabled: true,
			FrameMs: int(frameMs), Jitter: jitter.New(int(frameMs), tune),
		}
		if s.Kind == StreamVideo {
			s.Reasm = reassembler.New()
		}
		c.streams = append(c.streams, s)
	}
	c.streamsMu.Unlock()

	c.setState(StateEstablished)
	// setState is a no-op if a stream-data packet or the deferred timer
	// already promoted us; start pumps for any stream the ack announced
	// that wasn't running yet.
	c.startAudio()
}

// handleStreamData feeds count glued sub-packets (one for
// PKT_STREAM_DATA, two or three for the _X2/_X3 variants) into their
// streams' jitter buffers, §4.9/§4.7. The first stream-data packet also
// completes a still-pending handshake, pre-empting the deferred
// Established transition.
func (c *Controller) handleStreamData(payload []byte, count int, isEC bool) {
	if c.State() == StateWaitInitAck {
		c.setState(StateEstablished)
	}
	r := wire.NewReader(payload)
	for n := 0; n < count; n++ {
		streamID, ts, data, err := readStreamFrame(r)
		if err != nil {
			return
		}
		c.deliverStreamFrame(streamID, data, int64(ts), isEC)
	}
}

// deliverStreamFrame routes one sub-packet to its stream: audio goes
// straight into the jitter buffer; video frames carry a fragment header
// and pass through the stream's reassembler first (§4.6 — the video
// path is stubbed but its contract is exercised by the wire format).
func (c *Controller) deliverStreamFrame(streamID byte, data []byte, ts int64, isEC bool) {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()
	for _, s := range c.streams {
		if s.ID != streamID {
			continue
		}
		if s.Kind == StreamVideo && s.Reasm != nil {
			if len(data) < 3 {
				return
			}
			fragIndex, fragCount, keyframe := int(data[0]), int(data[1]), data[2] != 0
			full, ok := s.Reasm.Put(data[3:], fragIndex, fragCount, ts, keyframe)
			if !ok {
				return
			}
			data = full
		}
		if s.Jitter != nil {
			buf := c.pool.Get()
			if buf == nil || len(data) > len(buf) {
				if buf != nil {
					c.pool.Reuse(buf)
				}
				s.Jitter.Put(append([]byte(nil), data...), ts, isEC)
				return
			}
			n := copy(buf, data)
			s.Jitter.Put(buf[:n], ts, isEC)
			c.pool.Reuse(buf)
		}
		return
	}
}

func (c *Controller) handleStreamState(payload []byte) {
	r := wire.NewReader(payload)
	streamID, err := r.ReadByte()
	if err != nil {
		return
	}
	enabled, err := r.ReadByte()
	if err != nil {
		return
	}
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	for _, s := range c.streams {
		if s.ID == streamID {
			s.Enabled = enabled != 0
			return
		}
	}
}

// handlePing answers a reflector/relay ping with the same sequence,
// §4.9 "UDP connectivity probing"/"Endpoint switching".
func (c *Controller) handlePing(ep *Endpoint, payload []byte) {
	r := wire.NewReader(payload)
	seq, err := r.ReadUint32()
	if err != nil {
		return
	}
	w := wire.NewWriter()
	w.WriteUint32(seq)
	c.enqueueSend(pendingOutgoingPacket{typ: PacketPong, payload: w.Bytes(), endpoint: ep})
}

// handlePong matches a pong to its outstanding ping, folds an RTT sample
// into the originating endpoint, and re-runs the switching hysteresis.
func (c *Controller) handlePong(ep *Endpoint, payload []byte) {
	r := wire.NewReader(payload)
	seq, err := r.ReadUint32()
	if err != nil {
		return
	}
	c.endpointsMu.Lock()
	if seq == ep.LastPingSeq && !ep.LastPingSent.IsZero() {
		ep.pushRTT(time.Since(ep.LastPingSent))
		ep.UDPPongCount++
	}
	c.endpointsMu.Unlock()
	c.reconsiderEndpoint()
}
