package netsock

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// ErrClosed is returned from Receive once the socket has been closed.
var ErrClosed = errors.New("netsock: socket closed")

// UDPSocket is the primary transport: a bound UDP endpoint with
// SO_REUSEPORT for fast rebinding after a network switch. On a
// dual-stack bind the per-packet destination control message tells
// v4-mapped IPv4 traffic apart from native IPv6, which is what decides
// whether an arriving datagram may match an endpoint's V6 address.
type UDPSocket struct {
	laddr *net.UDPAddr
	conn  *net.UDPConn
	pc4   *ipv4.PacketConn // set when bound to an IPv4-only address
	pc6   *ipv6.PacketConn // set for dual-stack / IPv6 binds
}

// NewUDPSocket creates a socket bound to the given local port (0 picks
// an ephemeral port).
func NewUDPSocket(localPort int) *UDPSocket {
	return &UDPSocket{laddr: &net.UDPAddr{Port: localPort}}
}

func (s *UDPSocket) Open(ctx context.Context) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}
	pconn, err := lc.ListenPacket(ctx, "udp", s.laddr.String())
	if err != nil {
		return err
	}
	conn := pconn.(*net.UDPConn)
	s.conn = conn
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok && local.IP.To4() != nil {
		s.pc4 = ipv4.NewPacketConn(conn)
		_ = s.pc4.SetControlMessage(ipv4.FlagDst, true)
	} else {
		s.pc6 = ipv6.NewPacketConn(conn)
		_ = s.pc6.SetControlMessage(ipv6.FlagDst, true)
	}
	return nil
}

func (s *UDPSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *UDPSocket) Send(p Packet) error {
	addr := &net.UDPAddr{IP: addressToIP(p.Address), Port: p.Port}
	_, err := s.conn.WriteToUDP(p.Data, addr)
	return err
}

func (s *UDPSocket) Receive() (Packet, error) {
	buf := make([]byte, 65535)
	var (
		n        int
		src      net.Addr
		err      error
		nativeV6 bool
	)
	if s.pc6 != nil {
		var cm *ipv6.ControlMessage
		n, cm, src, err = s.pc6.ReadFrom(buf)
		// A v4-mapped destination means the datagram traveled the IPv4
		// side of the dual-stack socket; only a native IPv6 destination
		// is allowed to match an endpoint's V6 address.
		nativeV6 = cm != nil && cm.Dst != nil && cm.Dst.To4() == nil
	} else {
		var cm *ipv4.ControlMessage
		n, cm, src, err = s.pc4.ReadFrom(buf)
		_ = cm // IPv4-only bind: no family to discriminate
	}
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Packet{}, ErrClosed
		}
		return Packet{}, err
	}
	raddr, ok := src.(*net.UDPAddr)
	if !ok {
		return Packet{}, errors.New("netsock: non-UDP source address")
	}

	addr := ipToAddress(raddr.IP)
	if addr.IsV6() && s.pc6 != nil && !nativeV6 {
		// Rendered as IPv6 but delivered over the IPv4 side: normalize
		// so endpoint matching compares against the V4 address.
		if v4 := raddr.IP.To4(); v4 != nil {
			addr = V4(v4[0], v4[1], v4[2], v4[3])
		}
	}

	return Packet{
		Data:     buf[:n],
		Address:  addr,
		Port:     raddr.Port,
		Protocol: ProtoUDP,
	}, nil
}

func (s *UDPSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func addressToIP(a Address) net.IP {
	if a.IsV6() {
		b := a.V6Bytes()
		return net.IP(b[:])
	}
	b := a.V4Bytes()
	return net.IPv4(b[0], b[1], b[2], b[3])
}

func ipToAddress(ip net.IP) Address {
	if v4 := ip.To4(); v4 != nil {
		return V4(v4[0], v4[1], v4[2], v4[3])
	}
	var octets [16]byte
	copy(octets[:], ip.To16())
	return V6(octets)
}
