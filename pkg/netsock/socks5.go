package netsock

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"time"
)

// Socks5Socket relays UDP datagrams through a SOCKS5 proxy's UDP ASSOCIATE
// facility (RFC 1928), used when a network environment only permits
// outbound traffic through a configured proxy.
type Socks5Socket struct {
	proxyAddr string
	username  string
	password  string

	ctrl    net.Conn      // TCP control connection, kept open for the lifetime of the association
	ctrlRd  *bufio.Reader // single reader over ctrl, shared across the handshake steps
	udp     *net.UDPConn
	relay   *net.UDPAddr // the proxy's UDP relay endpoint, learned from the ASSOCIATE reply
}

// NewSocks5Socket creates a socket that will negotiate a UDP association
// with the proxy at proxyAddr on Open.
func NewSocks5Socket(proxyAddr, username, password string) *Socks5Socket {
	return &Socks5Socket{proxyAddr: proxyAddr, username: username, password: password}
}

func (s *Socks5Socket) Open(ctx context.Context) error {
	var d net.Dialer
	ctrl, err := d.DialContext(ctx, "tcp", s.proxyAddr)
	if err != nil {
		return err
	}
	s.ctrl = ctrl
	s.ctrlRd = bufio.NewReader(ctrl)

	if err := s.negotiate(); err != nil {
		ctrl.Close()
		return err
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		ctrl.Close()
		return err
	}
	s.udp = udpConn

	relay, err := s.associate(udpConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		ctrl.Close()
		udpConn.Close()
		return err
	}
	s.relay = relay
	return nil
}

func (s *Socks5Socket) negotiate() error {
	r := s.ctrlRd

	methods := []byte{0x00} // no auth
	if s.username != "" {
		methods = []byte{0x02} // username/password
	}
	hello := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := s.ctrl.Write(hello); err != nil {
		return err
	}
	resp := make([]byte, 2)
	if _, err := readFull(r, resp); err != nil {
		return err
	}
	if resp[0] != 0x05 {
		return errors.New("netsock: not a SOCKS5 proxy")
	}
	switch resp[1] {
	case 0x00:
		return nil
	case 0x02:
		return s.authenticate(r)
	default:
		return errors.New("netsock: proxy rejected all auth methods")
	}
}

func (s *Socks5Socket) authenticate(r *bufio.Reader) error {
	req := []byte{0x01, byte(len(s.username))}
	req = append(req, s.username...)
	req = append(req, byte(len(s.password)))
	req = append(req, s.password...)
	if _, err := s.ctrl.Write(req); err != nil {
		return err
	}
	resp := make([]byte, 2)
	if _, err := readFull(r, resp); err != nil {
		return err
	}
	if resp[1] != 0x00 {
		return errors.New("netsock: SOCKS5 authentication failed")
	}
	return nil
}

// associate issues a UDP ASSOCIATE request and returns the proxy's relay
// address for subsequent datagrams.
func (s *Socks5Socket) associate(local *net.UDPAddr) (*net.UDPAddr, error) {
	r := s.ctrlRd

	req := []byte{0x05, 0x03, 0x00, 0x01}
	ip4 := local.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	req = append(req, ip4...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(local.Port))
	req = append(req, portBuf[:]...)

	if _, err := s.ctrl.Write(req); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := readFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != 0x05 {
		return nil, errors.New("netsock: malformed SOCKS5 reply")
	}
	if header[1] != 0x00 {
		return nil, errors.New("netsock: SOCKS5 UDP ASSOCIATE refused")
	}

	var ip net.IP
	switch header[3] {
	case 0x01: // IPv4
		b := make([]byte, 4)
		if _, err := readFull(r, b); err != nil {
			return nil, err
		}
		ip = net.IP(b)
	case 0x04: // IPv6
		b := make([]byte, 16)
		if _, err := readFull(r, b); err != nil {
			return nil, err
		}
		ip = net.IP(b)
	case 0x03: // domain name
		lenBuf := make([]byte, 1)
		if _, err := readFull(r, lenBuf); err != nil {
			return nil, err
		}
		name := make([]byte, lenBuf[0])
		if _, err := readFull(r, name); err != nil {
			return nil, err
		}
		addrs, err := net.LookupIP(string(name))
		if err != nil || len(addrs) == 0 {
			return nil, errors.New("netsock: could not resolve SOCKS5 relay host")
		}
		ip = addrs[0]
	default:
		return nil, errors.New("netsock: unknown SOCKS5 address type")
	}

	portB := make([]byte, 2)
	if _, err := readFull(r, portB); err != nil {
		return nil, err
	}
	port := binary.BigEndian.Uint16(portB)

	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

func (s *Socks5Socket) Close() error {
	if s.udp != nil {
		s.udp.Close()
	}
	if s.ctrl != nil {
		return s.ctrl.Close()
	}
	return nil
}

// Send wraps the payload in a SOCKS5 UDP request header and forwards it
// to the proxy's relay address.
func (s *Socks5Socket) Send(p Packet) error {
	header := []byte{0x00, 0x00, 0x00} // RSV RSV FRAG
	if p.Address.IsV6() {
		b := p.Address.V6Bytes()
		header = append(header, 0x04)
		header = append(header, b[:]...)
	} else {
		header = append(header, 0x01)
		b := p.Address.V4Bytes()
		header = append(header, b[:]...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(p.Port))
	header = append(header, portBuf[:]...)
	datagram := append(header, p.Data...)

	_, err := s.udp.WriteToUDP(datagram, s.relay)
	return err
}

// Receive reads one relayed datagram and strips its SOCKS5 UDP header.
func (s *Socks5Socket) Receive() (Packet, error) {
	buf := make([]byte, 65535)
	n, from, err := s.udp.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Packet{}, ErrClosed
		}
		return Packet{}, err
	}
	_ = from // datagrams should only ever arrive from the relay address

	if n < 4 {
		return Packet{}, errors.New("netsock: truncated SOCKS5 UDP datagram")
	}
	atype := buf[3]
	offset := 4
	var addr Address
	switch atype {
	case 0x01:
		if n < offset+4+2 {
			return Packet{}, errors.New("netsock: truncated SOCKS5 UDP datagram")
		}
		addr = V4(buf[offset], buf[offset+1], buf[offset+2], buf[offset+3])
		offset += 4
	case 0x04:
		if n < offset+16+2 {
			return Packet{}, errors.New("netsock: truncated SOCKS5 UDP datagram")
		}
		var octets [16]byte
		copy(octets[:], buf[offset:offset+16])
		addr = V6(octets)
		offset += 16
	default:
		return Packet{}, errors.New("netsock: unsupported SOCKS5 UDP address type")
	}
	port := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2

	data := make([]byte, n-offset)
	copy(data, buf[offset:n])

	return Packet{Data: data, Address: addr, Port: port, Protocol: ProtoUDP}, nil
}

func (s *Socks5Socket) SetReadDeadline(t time.Time) error {
	return s.udp.SetReadDeadline(t)
}
