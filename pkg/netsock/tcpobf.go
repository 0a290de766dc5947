package netsock

import (
	"bufio"
	"context"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tgvoip/tgvoip-go/pkg/cryptofacade"
)

// disallowedPrefixes holds the first four handshake bytes, read as a
// little-endian uint32, that the handshake must never produce: the HTTP
// request-line openings a firewall might fingerprint, plus an all-0xee
// run.
var disallowedPrefixes = [5]uint32{
	0x44414548, // "HEAD"
	0x54534f50, // "POST"
	0x20544547, // "GET "
	0x4954504f, // "OPTI"
	0xeeeeeeee,
}

// TCPObfSocket is the fallback transport for networks that block or
// throttle plain UDP: a single TCP stream carrying a random-looking
// 64-byte handshake followed by an AES-CTR-encrypted byte stream that
// frames datagrams as length-prefixed records.
type TCPObfSocket struct {
	raddr string
	conn  *net.TCPConn
	rd    *bufio.Reader

	encryptStream cipher.Stream
	decryptStream cipher.Stream

	stats *unix.TCPInfo
}

// NewTCPObfSocket creates a socket that will dial raddr on Open.
func NewTCPObfSocket(raddr string) *TCPObfSocket {
	return &TCPObfSocket{raddr: raddr}
}

func (s *TCPObfSocket) Open(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.raddr)
	if err != nil {
		return err
	}
	tcpConn := conn.(*net.TCPConn)
	s.conn = tcpConn
	s.rd = bufio.NewReader(tcpConn)

	handshake := generateHandshake()

	var encKey, decKey [32]byte
	var encIV, decIV [16]byte
	copy(encKey[:], handshake[8:40])
	copy(encIV[:], handshake[40:56])
	reversed := reverseBytes(handshake[8:56])
	copy(decKey[:], reversed[:32])
	copy(decIV[:], reversed[32:48])

	s.encryptStream = cryptofacade.Default.NewAESCTR(encKey, encIV)
	s.decryptStream = cryptofacade.Default.NewAESCTR(decKey, decIV)

	// The first 56 bytes go out in the clear; the tail of the preamble
	// is already ciphertext under the just-derived encrypt state.
	s.encryptStream.XORKeyStream(handshake[56:], handshake[56:])
	if _, err := tcpConn.Write(handshake[:]); err != nil {
		tcpConn.Close()
		return err
	}

	return nil
}

func (s *TCPObfSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *TCPObfSocket) Send(p Packet) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p.Data)))
	frame := make([]byte, 4+len(p.Data))
	copy(frame, lenBuf[:])
	copy(frame[4:], p.Data)
	s.encryptStream.XORKeyStream(frame, frame)
	_, err := s.conn.Write(frame)
	return err
}

func (s *TCPObfSocket) Receive() (Packet, error) {
	var lenBuf [4]byte
	if _, err := readFull(s.rd, lenBuf[:]); err != nil {
		return Packet{}, translateCloseErr(err)
	}
	s.decryptStream.XORKeyStream(lenBuf[:], lenBuf[:])
	n := binary.LittleEndian.Uint32(lenBuf[:])

	data := make([]byte, n)
	if _, err := readFull(s.rd, data); err != nil {
		return Packet{}, translateCloseErr(err)
	}
	s.decryptStream.XORKeyStream(data, data)

	return Packet{Data: data, Protocol: ProtoTCP}, nil
}

func (s *TCPObfSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// GetKernelInfo pulls TCP_INFO off the underlying connection via the
// kernel socket option, used by GetStats when the obfuscated fallback
// is active in place of the RTT/loss figures the UDP path derives from
// the congestion controller.
func (s *TCPObfSocket) GetKernelInfo() (*unix.TCPInfo, error) {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var info *unix.TCPInfo
	var getErr error
	cerr := raw.Control(func(fd uintptr) {
		info, getErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	})
	if cerr != nil {
		return nil, cerr
	}
	if getErr != nil {
		return nil, getErr
	}
	s.stats = info
	return info, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func translateCloseErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return err
}

// generateHandshake samples the 64-byte obfuscation preamble, resampling
// until it avoids the disallowed 4-byte prefixes and leading 0xef byte,
// and has a non-zero trailing length field (bytes 56..59).
func generateHandshake() [64]byte {
	for {
		var h [64]byte
		copy(h[:], cryptofacade.Default.RandBytes(64))

		if h[0] == 0xef {
			continue
		}
		prefix := binary.LittleEndian.Uint32(h[0:4])
		bad := false
		for _, d := range disallowedPrefixes {
			if prefix == d {
				bad = true
				break
			}
		}
		if bad {
			continue
		}
		if h[56] == 0 && h[57] == 0 && h[58] == 0 && h[59] == 0 {
			continue
		}
		return h
	}
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
