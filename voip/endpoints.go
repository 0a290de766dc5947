package voip

import (
	"context"
	"net"
	"time"

	"github.com/tgvoip/tgvoip-go/pkg/netsock"
	"github.com/tgvoip/tgvoip-go/pkg/wire"
)

const (
	relaySwitchThresholdDefault      = 0.8
	p2pToRelaySwitchThresholdDefault = 0.8
	relayToP2PSwitchThresholdDefault = 0.6
)

// endpointByID resolves an id under endpointsMu, replacing the source's
// shared_ptr graph (DESIGN.md "Pointer graphs → arena + ids").
func (c *Controller) endpointByID(id uint64) *Endpoint {
	c.endpointsMu.RLock()
	defer c.endpointsMu.RUnlock()
	for _, e := range c.endpoints {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// relays returns every relay endpoint (UDP and TCP), used by the ping
// loop and by endpoint-switching hysteresis.
func (c *Controller) relays() []*Endpoint {
	c.endpointsMu.RLock()
	defer c.endpointsMu.RUnlock()
	var out []*Endpoint
	for _, e := range c.endpoints {
		if e.Kind == EndpointUDPRelay || e.Kind == EndpointTCPRelay {
			out = append(out, e)
		}
	}
	return out
}

func (c *Controller) p2pEndpoints() []*Endpoint {
	c.endpointsMu.RLock()
	defer c.endpointsMu.RUnlock()
	var out []*Endpoint
	for _, e := range c.endpoints {
		if e.Kind == EndpointUDPP2PInet || e.Kind == EndpointUDPP2PLAN {
			out = append(out, e)
		}
	}
	return out
}

// endpointRTTFactor is the k factor of §4.9's hysteresis: 1 for UDP
// relays, 2 for TCP relays (a TCP relay's RTT is inherently inflated by
// the extra handshake/ack round trips, so it is discounted).
func endpointRTTFactor(e *Endpoint) float64 {
	if e.Kind == EndpointTCPRelay {
		return 2
	}
	return 1
}

// reconsiderEndpoint runs the §4.9 "Endpoint switching" hysteresis: picks
// the best relay, and if allowP2P, considers switching to/from a P2P
// endpoint. Called from the ping tick every fourth round (2 s); endpoints
// without an RTT sample yet are skipped.
func (c *Controller) reconsiderEndpoint() {
	relaySwitchThreshold := c.cfg.Float("relay_switch_threshold", relaySwitchThresholdDefault)
	p2pToRelay := c.cfg.Float("p2p_to_relay_switch_threshold", p2pToRelaySwitchThresholdDefault)
	relayToP2P := c.cfg.Float("relay_to_p2p_switch_threshold", relayToP2PSwitchThresholdDefault)

	c.endpointsMu.Lock()
	defer c.endpointsMu.Unlock()

	var bestRelay *Endpoint
	for _, e := range c.endpoints {
		if e.Kind != EndpointUDPRelay && e.Kind != EndpointTCPRelay {
			continue
		}
		if e.AverageRTT == 0 {
			continue
		}
		if bestRelay == nil {
			bestRelay = e
			continue
		}
		if e.AverageRTT.Seconds()*endpointRTTFactor(e) < bestRelay.AverageRTT.Seconds()*endpointRTTFactor(bestRelay)*relaySwitchThreshold {
			bestRelay = e
		}
	}
	if bestRelay != nil {
		c.preferredRelay = bestRelay
	}

	cur := c.currentEndpoint
	onP2P := cur != nil && (cur.Kind == EndpointUDPP2PInet || cur.Kind == EndpointUDPP2PLAN)

	if c.allowP2P && bestRelay != nil {
		var bestP2P *Endpoint
		for _, e := range c.endpoints {
			if e.Kind != EndpointUDPP2PInet && e.Kind != EndpointUDPP2PLAN {
				continue
			}
			if e.AverageRTT == 0 {
				continue
			}
			if bestP2P == nil || e.AverageRTT < bestP2P.AverageRTT {
				bestP2P = e
			}
		}
		if !onP2P && bestP2P != nil && bestP2P.AverageRTT.Seconds() < bestRelay.AverageRTT.Seconds()*relayToP2P {
			c.currentEndpoint = bestP2P
			return
		}
		if onP2P && cur.AverageRTT.Seconds() > bestRelay.AverageRTT.Seconds()*p2pToRelay {
			c.currentEndpoint = bestRelay
			return
		}
	}

	if !onP2P && bestRelay != nil && (cur == nil || cur.Kind == EndpointUDPRelay || cur.Kind == EndpointTCPRelay) {
		c.currentEndpoint = bestRelay
	}
}

// forceEndpointLocked sets currentEndpoint without hysteresis, used when
// a peer network-change notification forces us back to the relay the
// packet actually arrived from.
func (c *Controller) forceEndpointLocked(e *Endpoint) {
	c.currentEndpoint = e
}

// handlePeerNetworkChange implements the §4.9 rule: if the ack-gap is
// more than 32 and the packet arrived from a relay while we're on P2P,
// force currentEndpoint back to that relay.
func (c *Controller) handlePeerNetworkChange(from *Endpoint, ackGap uint32) {
	if ackGap <= 32 || from == nil {
		return
	}
	if from.Kind != EndpointUDPRelay && from.Kind != EndpointTCPRelay {
		return
	}
	c.endpointsMu.Lock()
	defer c.endpointsMu.Unlock()
	if c.currentEndpoint != nil && (c.currentEndpoint.Kind == EndpointUDPP2PInet || c.currentEndpoint.Kind == EndpointUDPP2PLAN) {
		c.forceEndpointLocked(from)
	}
}

// udpConnectivity is the §4.9 "UDP connectivity probing" state.
type udpConnectivity int

const (
	udpUnknown udpConnectivity = iota
	udpPingSent
	udpAvailable
	udpBad
	udpNotAvailable
)

// evaluateUDPConnectivity implements the 4th/10th round evaluation of
// §4.9: average pong count per relay determines whether UDP is usable.
func evaluateUDPConnectivity(avgPongCount float64, wasBad bool) udpConnectivity {
	switch {
	case avgPongCount == 0 || (wasBad && avgPongCount < 7):
		return udpNotAvailable
	case avgPongCount < 3:
		return udpBad
	default:
		return udpAvailable
	}
}

// pingInterval is the 0.5 s probing cadence of §4.9; full-endpoint
// session pings run every fourth tick (2 s).
const pingInterval = 500 * time.Millisecond

// reflectorPingMagic is the 12-byte 0xFF run that marks a datagram as
// reflector-protocol rather than session traffic.
var reflectorPingMagic = [12]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

const (
	reflectorSelfInfo = 1
	reflectorPeerInfo = 2
)

// pingTick drives both probing loops of §4.9: a reflector-protocol ping
// to every UDP relay each tick (0.5 s), and a session-framed ping to
// every candidate endpoint every fourth tick (2 s). UDP connectivity is
// evaluated after the 4th and 10th reflector rounds.
func (c *Controller) pingTick() {
	c.pingRound++

	c.endpointsMu.Lock()
	candidates := append([]*Endpoint(nil), c.endpoints...)
	c.endpointsMu.Unlock()

	if c.udpState == udpUnknown {
		c.udpState = udpPingSent
	}
	for _, e := range candidates {
		if e.Kind == EndpointUDPRelay {
			c.sendReflectorPing(e)
		}
	}

	if c.pingRound%4 == 0 {
		for _, e := range candidates {
			if (e.Kind == EndpointUDPP2PInet || e.Kind == EndpointUDPP2PLAN) && !c.allowP2P {
				continue
			}
			if e.Kind == EndpointUDPRelay && (c.udpState == udpNotAvailable) {
				continue
			}
			c.endpointsMu.Lock()
			e.LastPingSeq++
			seq := e.LastPingSeq
			e.LastPingSent = time.Now()
			c.endpointsMu.Unlock()

			w := wire.NewWriter()
			w.WriteUint32(seq)
			c.enqueueSend(pendingOutgoingPacket{typ: PacketPing, payload: w.Bytes(), endpoint: e})
		}
	}

	if c.pingRound == 4 || c.pingRound == 10 {
		var total, relayCount float64
		for _, e := range c.relays() {
			if e.Kind == EndpointUDPRelay {
				total += float64(e.UDPPongCount)
				relayCount++
			}
		}
		avg := 0.0
		if relayCount > 0 {
			avg = total / relayCount
		}
		wasBad := c.udpState == udpBad || c.udpState == udpNotAvailable
		c.udpState = evaluateUDPConnectivity(avg, wasBad)
		if c.udpState == udpNotAvailable || c.cfg.ForceTCP {
			c.activateTCPFallback()
		}
	}

	if c.pingRound%4 == 0 {
		c.reconsiderEndpoint()
	}
}

// sendReflectorPing bypasses the session framing entirely: the relay
// recognizes peer-tag ∥ 12×0xFF ∥ TL(12345) as a reflector-protocol
// probe and answers with self-info (our observed address) or peer-info
// (the rendezvous data of the other side), §4.9 "UDP connectivity
// probing".
func (c *Controller) sendReflectorPing(e *Endpoint) {
	if c.socket == nil {
		return
	}
	w := wire.NewWriter()
	w.WriteBytes(e.PeerTag[:])
	w.WriteBytes(reflectorPingMagic[:])
	w.WriteUint32(12345)
	_ = c.socket.Send(netsock.Packet{Data: w.Bytes(), Address: e.Address, Port: e.Port, Protocol: netsock.ProtoUDP})
}

// isReflectorReply reports whether a datagram is reflector-protocol: the
// 12-byte 0xFF run directly after the 16-byte tag prefix.
func isReflectorReply(data []byte) bool {
	if len(data) < 16+12+1 {
		return false
	}
	for i := 16; i < 28; i++ {
		if data[i] != 0xFF {
			return false
		}
	}
	return true
}

// handleReflectorReply processes a reflector self-info or peer-info
// record, §4.9: self-info feeds local-port and observed-IPv6 discovery;
// peer-info populates a P2P endpoint and, when the peers share a LAN,
// emits the LAN-endpoint extra.
func (c *Controller) handleReflectorReply(ep *Endpoint, data []byte) {
	c.endpointsMu.Lock()
	ep.UDPPongCount++
	c.endpointsMu.Unlock()

	r := wire.NewReader(data[28:])
	tag, err := r.ReadByte()
	if err != nil {
		return
	}
	switch tag {
	case reflectorSelfInfo:
		v4, err := r.ReadBytes(4)
		if err != nil {
			return
		}
		port, err := r.ReadUint32()
		if err != nil {
			return
		}
		c.observedAddr = netsock.V4(v4[0], v4[1], v4[2], v4[3])
		c.observedPort = int(port)
		if hasV6, err := r.ReadByte(); err == nil && hasV6 != 0 {
			if raw, err := r.ReadBytes(16); err == nil {
				var octets [16]byte
				copy(octets[:], raw)
				c.observedV6 = netsock.V6(octets)
				c.hasObservedV6 = true
				announce := wire.NewWriter()
				announce.WriteBytes(octets[:])
				announce.WriteUint32(port)
				c.addExtra(ExtraIPv6Endpoint, announce.Bytes())
			}
		}
	case reflectorPeerInfo:
		if !c.allowP2P {
			return
		}
		v4, err := r.ReadBytes(4)
		if err != nil {
			return
		}
		port, err := r.ReadUint32()
		if err != nil {
			return
		}
		c.upsertP2PEndpoint(EndpointUDPP2PInet, netsock.V4(v4[0], v4[1], v4[2], v4[3]), int(port))
		lan, err := r.ReadBytes(4)
		if err != nil {
			return
		}
		lanPort, err := r.ReadUint32()
		if err != nil || lanPort == 0 {
			return
		}
		peerLAN := netsock.V4(lan[0], lan[1], lan[2], lan[3])
		if sameSubnet(c.localLANAddr(), peerLAN) {
			c.upsertP2PEndpoint(EndpointUDPP2PLAN, peerLAN, int(lanPort))
			if our := c.localLANAddr(); !our.IsZero() {
				b := our.V4Bytes()
				announce := wire.NewWriter()
				announce.WriteBytes(b[:])
				announce.WriteUint32(uint32(c.observedPort))
				c.addExtra(ExtraLANEndpoint, announce.Bytes())
			}
		}
	}
}

// upsertP2PEndpoint updates the existing P2P endpoint of the given kind
// or appends a fresh one discovered through the reflector.
func (c *Controller) upsertP2PEndpoint(kind EndpointKind, addr netsock.Address, port int) {
	c.endpointsMu.Lock()
	defer c.endpointsMu.Unlock()
	for _, e := range c.endpoints {
		if e.Kind == kind {
			e.Address = addr
			e.Port = port
			return
		}
	}
	var maxID uint64
	for _, e := range c.endpoints {
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	c.endpoints = append(c.endpoints, &Endpoint{ID: maxID + 1, Kind: kind, Address: addr, Port: port})
}

// localLANAddr returns this host's first private IPv4 address, or the
// zero Address when none is configured.
func (c *Controller) localLANAddr() netsock.Address {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netsock.ZeroAddress
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipNet.IP.To4()
		if v4 == nil || !ipNet.IP.IsPrivate() {
			continue
		}
		return netsock.V4(v4[0], v4[1], v4[2], v4[3])
	}
	return netsock.ZeroAddress
}

// sameSubnet is the LAN-coincidence heuristic: both private IPv4
// addresses in the same /24.
func sameSubnet(a, b netsock.Address) bool {
	if a.IsZero() || b.IsZero() || a.IsV6() || b.IsV6() {
		return false
	}
	ab, bb := a.V4Bytes(), b.V4Bytes()
	return ab[0] == bb[0] && ab[1] == bb[1] && ab[2] == bb[2]
}

// activateTCPFallback synthesizes a TCP-obfuscated clone of every UDP
// relay that does not already have one and moves the session onto the
// first clone that connects, §4.9: "mark TCP as the transport and switch
// current endpoint to a TCP relay clone". Idempotent.
func (c *Controller) activateTCPFallback() {
	select {
	case <-c.stopping:
		return
	default:
	}
	c.endpointsMu.Lock()
	haveTCP := false
	for _, e := range c.endpoints {
		if e.Kind == EndpointTCPRelay {
			haveTCP = true
		}
	}
	var clones []*Endpoint
	if !haveTCP {
		var maxID uint64
		for _, e := range c.endpoints {
			if e.ID > maxID {
				maxID = e.ID
			}
		}
		for _, e := range c.endpoints {
			if e.Kind != EndpointUDPRelay {
				continue
			}
			maxID++
			clone := &Endpoint{ID: maxID, Kind: EndpointTCPRelay, Address: e.Address, AddrV6: e.AddrV6, HasV6: e.HasV6, Port: e.Port, PeerTag: e.PeerTag}
			clones = append(clones, clone)
			c.endpoints = append(c.endpoints, clone)
		}
	}
	c.endpointsMu.Unlock()

	for _, clone := range clones {
		sock := netsock.NewTCPObfSocket(clone.Address.HostPort(clone.Port))
		if err := sock.Open(context.Background()); err != nil {
			c.logDebug("tcp fallback dial to endpoint %d failed: %v", clone.ID, err)
			continue
		}
		c.endpointsMu.Lock()
		clone.Socket = sock
		if c.currentEndpoint == nil || c.currentEndpoint.Kind == EndpointUDPRelay {
			c.currentEndpoint = clone
		}
		c.endpointsMu.Unlock()
		c.wg.Add(1)
		go c.receiveLoopFor(clone)
	}
}

