package voip

import (
	"testing"
	"time"

	"github.com/tgvoip/tgvoip-go/pkg/config"
	"github.com/tgvoip/tgvoip-go/pkg/netsock"
	"github.com/tgvoip/tgvoip-go/pkg/wire"
)

// Scenario: with relayA at 200ms and relayB at 50ms and P2P disallowed,
// the first full ping round must make relayB the preferred relay
// (50 < 200 * 0.8).
func TestRelayFailoverHysteresis(t *testing.T) {
	c := New(config.Default())
	t.Cleanup(func() { c.Stop() })
	c.SetRemoteEndpoints([]Endpoint{relayEndpoint(1), relayEndpoint(2)}, false, 92)

	c.endpointsMu.Lock()
	c.endpoints[0].AverageRTT = 200 * time.Millisecond
	c.endpoints[1].AverageRTT = 50 * time.Millisecond
	c.endpointsMu.Unlock()

	c.reconsiderEndpoint()

	c.endpointsMu.RLock()
	defer c.endpointsMu.RUnlock()
	if c.preferredRelay == nil || c.preferredRelay.ID != 2 {
		t.Fatalf("preferredRelay = %v, want endpoint 2", c.preferredRelay)
	}
	if c.currentEndpoint == nil || c.currentEndpoint.ID != 2 {
		t.Fatalf("currentEndpoint = %v, want endpoint 2", c.currentEndpoint)
	}
}

// A marginally better relay must NOT win: hysteresis requires the
// challenger to beat the incumbent by the switch threshold.
func TestRelayFailoverHoldsWithinThreshold(t *testing.T) {
	c := New(config.Default())
	t.Cleanup(func() { c.Stop() })
	c.SetRemoteEndpoints([]Endpoint{relayEndpoint(1), relayEndpoint(2)}, false, 92)

	c.endpointsMu.Lock()
	c.endpoints[0].AverageRTT = 100 * time.Millisecond
	c.endpoints[1].AverageRTT = 90 * time.Millisecond // 90 > 100*0.8
	c.endpointsMu.Unlock()

	c.reconsiderEndpoint()

	c.endpointsMu.RLock()
	defer c.endpointsMu.RUnlock()
	if c.preferredRelay == nil || c.preferredRelay.ID != 1 {
		t.Fatalf("preferredRelay = %v, want incumbent endpoint 1", c.preferredRelay)
	}
}

// TCP relays carry a 2x RTT discount factor in the comparison.
func TestTCPRelayDiscountFactor(t *testing.T) {
	udp := &Endpoint{Kind: EndpointUDPRelay}
	tcp := &Endpoint{Kind: EndpointTCPRelay}
	if f := endpointRTTFactor(udp); f != 1 {
		t.Errorf("UDP factor = %v, want 1", f)
	}
	if f := endpointRTTFactor(tcp); f != 2 {
		t.Errorf("TCP factor = %v, want 2", f)
	}
}

func TestP2PSwitchAndFallback(t *testing.T) {
	c := New(config.Default())
	t.Cleanup(func() { c.Stop() })
	relay := relayEndpoint(1)
	p2p := Endpoint{ID: 9, Kind: EndpointUDPP2PInet, Address: netsock.V4(192, 168, 1, 7), Port: 4000}
	c.SetRemoteEndpoints([]Endpoint{relay, p2p}, true, 92)

	// P2P well below relay * 0.6: switch to P2P.
	c.endpointsMu.Lock()
	c.endpoints[0].AverageRTT = 100 * time.Millisecond
	c.endpoints[1].AverageRTT = 30 * time.Millisecond
	c.endpointsMu.Unlock()
	c.reconsiderEndpoint()

	c.endpointsMu.RLock()
	onP2P := c.currentEndpoint != nil && c.currentEndpoint.ID == 9
	c.endpointsMu.RUnlock()
	if !onP2P {
		t.Fatal("a P2P endpoint at 0.3x relay RTT must win the path")
	}

	// P2P degrades above relay * 0.8: fall back to the relay.
	c.endpointsMu.Lock()
	c.endpoints[1].AverageRTT = 90 * time.Millisecond
	c.endpointsMu.Unlock()
	c.reconsiderEndpoint()

	c.endpointsMu.RLock()
	cur := c.currentEndpoint.ID
	c.endpointsMu.RUnlock()
	if cur != 1 {
		t.Fatalf("currentEndpoint = %d, want relay 1 after P2P degraded", cur)
	}
}

func TestEvaluateUDPConnectivity(t *testing.T) {
	cases := []struct {
		avg    float64
		wasBad bool
		want   udpConnectivity
	}{
		{0, false, udpNotAvailable},
		{5, true, udpNotAvailable}, // below 7 while already flaky
		{2, false, udpBad},
		{5, false, udpAvailable},
		{8, true, udpAvailable},
	}
	for _, tc := range cases {
		if got := evaluateUDPConnectivity(tc.avg, tc.wasBad); got != tc.want {
			t.Errorf("evaluateUDPConnectivity(%v, %v) = %v, want %v", tc.avg, tc.wasBad, got, tc.want)
		}
	}
}

func TestPeerNetworkChangeForcesRelay(t *testing.T) {
	c := New(config.Default())
	t.Cleanup(func() { c.Stop() })
	relay := relayEndpoint(1)
	p2p := Endpoint{ID: 9, Kind: EndpointUDPP2PInet, Address: netsock.V4(192, 168, 1, 7), Port: 4000}
	c.SetRemoteEndpoints([]Endpoint{relay, p2p}, true, 92)

	c.endpointsMu.Lock()
	c.currentEndpoint = c.endpoints[1] // on P2P
	from := c.endpoints[0]
	c.endpointsMu.Unlock()

	c.handlePeerNetworkChange(from, 40)

	c.endpointsMu.RLock()
	defer c.endpointsMu.RUnlock()
	if c.currentEndpoint.ID != 1 {
		t.Fatalf("currentEndpoint = %d, want forced back to relay 1", c.currentEndpoint.ID)
	}
}

func TestReflectorReplyDetection(t *testing.T) {
	w := wire.NewWriter()
	w.WriteBytes(make([]byte, 16))
	w.WriteBytes(reflectorPingMagic[:])
	w.WriteByte(reflectorSelfInfo)
	if !isReflectorReply(w.Bytes()) {
		t.Fatal("a 0xFF-run datagram must be detected as reflector traffic")
	}

	notMagic := w.Bytes()
	notMagic[20] = 0x00
	if isReflectorReply(notMagic) {
		t.Fatal("a datagram without the full 0xFF run is session traffic")
	}
}

func TestReflectorSelfInfoRecordsObservedAddress(t *testing.T) {
	c := New(config.Default())
	t.Cleanup(func() { c.Stop() })
	c.SetRemoteEndpoints([]Endpoint{relayEndpoint(1)}, false, 92)

	w := wire.NewWriter()
	w.WriteBytes(make([]byte, 16))
	w.WriteBytes(reflectorPingMagic[:])
	w.WriteByte(reflectorSelfInfo)
	w.WriteBytes([]byte{203, 0, 113, 10})
	w.WriteUint32(40000)
	w.WriteByte(0) // no IPv6

	c.endpointsMu.RLock()
	ep := c.endpoints[0]
	c.endpointsMu.RUnlock()
	c.handleReflectorReply(ep, w.Bytes())

	if c.observedPort != 40000 {
		t.Errorf("observedPort = %d, want 40000", c.observedPort)
	}
	if got := c.observedAddr.V4Bytes(); got != [4]byte{203, 0, 113, 10} {
		t.Errorf("observedAddr = %v, want 203.0.113.10", got)
	}
	c.endpointsMu.RLock()
	pongs := ep.UDPPongCount
	c.endpointsMu.RUnlock()
	if pongs != 1 {
		t.Errorf("UDPPongCount = %d, want 1", pongs)
	}
}

func TestReflectorPeerInfoPopulatesP2P(t *testing.T) {
	c := New(config.Default())
	t.Cleanup(func() { c.Stop() })
	c.SetRemoteEndpoints([]Endpoint{relayEndpoint(1)}, true, 92)

	w := wire.NewWriter()
	w.WriteBytes(make([]byte, 16))
	w.WriteBytes(reflectorPingMagic[:])
	w.WriteByte(reflectorPeerInfo)
	w.WriteBytes([]byte{198, 51, 100, 2})
	w.WriteUint32(30000)
	w.WriteBytes([]byte{0, 0, 0, 0}) // no LAN address
	w.WriteUint32(0)

	c.endpointsMu.RLock()
	ep := c.endpoints[0]
	c.endpointsMu.RUnlock()
	c.handleReflectorReply(ep, w.Bytes())

	c.endpointsMu.RLock()
	defer c.endpointsMu.RUnlock()
	var found *Endpoint
	for _, e := range c.endpoints {
		if e.Kind == EndpointUDPP2PInet {
			found = e
		}
	}
	if found == nil {
		t.Fatal("peer-info must synthesize a UDP P2P endpoint")
	}
	if found.Port != 30000 {
		t.Errorf("P2P port = %d, want 30000", found.Port)
	}
	if got := found.Address.V4Bytes(); got != [4]byte{198, 51, 100, 2} {
		t.Errorf("P2P address = %v, want 198.51.100.2", got)
	}
}

func TestReflectorPeerInfoIgnoredWithoutP2P(t *testing.T) {
	c := New(config.Default())
	t.Cleanup(func() { c.Stop() })
	c.SetRemoteEndpoints([]Endpoint{relayEndpoint(1)}, false, 92)

	w := wire.NewWriter()
	w.WriteBytes(make([]byte, 16))
	w.WriteBytes(reflectorPingMagic[:])
	w.WriteByte(reflectorPeerInfo)
	w.WriteBytes([]byte{198, 51, 100, 2})
	w.WriteUint32(30000)
	w.WriteBytes([]byte{0, 0, 0, 0})
	w.WriteUint32(0)

	c.endpointsMu.RLock()
	ep := c.endpoints[0]
	c.endpointsMu.RUnlock()
	c.handleReflectorReply(ep, w.Bytes())

	c.endpointsMu.RLock()
	defer c.endpointsMu.RUnlock()
	if len(c.endpoints) != 1 {
		t.Fatalf("allowP2P=false must not grow the endpoint set, got %d endpoints", len(c.endpoints))
	}
}
