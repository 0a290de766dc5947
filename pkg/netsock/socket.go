// Package netsock provides the network socket abstraction: a Socket
// interface implemented by a raw UDP datagram wrapper, a TCP-obfuscated
// stream wrapper, and a SOCKS5-tunneled wrapper, each exchanging Packet
// values tagged with the remote address, port, and protocol.
package netsock

import (
	"context"
	"time"
)

// Protocol distinguishes the transport a Packet arrived on or should be
// sent over.
type Protocol int

const (
	ProtoUDP Protocol = iota
	ProtoTCP
)

// Packet is one datagram (or framed TCP record) to send or received.
type Packet struct {
	Data     []byte
	Address  Address
	Port     int
	Protocol Protocol
}

// Socket is the cross-platform multiplexable transport contract. All
// three concrete implementations (UDP, TCP-obfuscated, SOCKS5) satisfy
// it identically from the session's point of view.
type Socket interface {
	// Open establishes the underlying connection. For UDP this binds a
	// local port; for the stream wrappers this dials the remote.
	Open(ctx context.Context) error
	// Close releases the underlying connection. Close unblocks any
	// goroutine parked in Receive.
	Close() error
	// Send transmits one packet.
	Send(p Packet) error
	// Receive blocks until one packet is available or the socket is
	// closed, in which case it returns ErrClosed.
	Receive() (Packet, error)
	// SetReadDeadline bounds how long Receive may block, mirroring the
	// source's Select-with-timeout contract.
	SetReadDeadline(t time.Time) error
}
