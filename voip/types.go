// Package voip implements the session state machine: handshake, the
// authenticated packet framing (legacy and MTProto-2), sequence/ack
// bookkeeping, the reliable extras channel, endpoint selection and
// failover, and the audio pipeline glue that ties it to the jitter
// buffer and congestion controller. It is the top-level orchestrator,
// playing the role the teacher's source/server package plays for a game
// session: the big stateful package that wires every narrow pkg/ leaf
// together.
package voip

import (
	"sync"
	"time"

	"github.com/tgvoip/tgvoip-go/pkg/jitter"
	"github.com/tgvoip/tgvoip-go/pkg/netsock"
	"github.com/tgvoip/tgvoip-go/pkg/reassembler"
)

// MinProtocolVersion is the lowest peer protocol version this
// implementation interoperates with; anything below it fails the
// handshake with ErrorIncompatible.
const MinProtocolVersion = 1

// ProtocolVersion is our protocol version, announced in every Init.
const ProtocolVersion = 8

// MTProto2Version is the first peer version that may negotiate the
// MTProto-2 framing (§4.9); below it, only the legacy format is valid.
const MTProto2Version = 5

// ExtrasVersion is the first peer version carrying inline extras and the
// pflags byte in the MTProto-2 simple block.
const ExtrasVersion = 6

// ProtocolName is the four-byte TL tag ('GROV') written into the legacy
// structured block when HAS_PROTO is set; receivers verify it.
const ProtocolName uint32 = 0x564f5247 // "GROV" little-endian

// pflags bits from §6.
const (
	pflagHasData       uint32 = 1
	pflagHasExtra      uint32 = 2
	pflagHasCallID     uint32 = 4
	pflagHasProto      uint32 = 8
	pflagHasSeq        uint32 = 16
	pflagHasRecentRecv uint32 = 32
)

// xpflags bits, carried as a single byte following pseq/ack in the
// MTProto-2 simple block once peerVersion >= ExtrasVersion.
const xpflagHasExtra byte = 2

// streamDataFlagLen16 marks a stream-data sub-packet whose length field
// is two bytes instead of one (payload over 255 bytes).
const streamDataFlagLen16 byte = 0x40

// PacketType enumerates the wire packet types of §4.9.
type PacketType byte

const (
	PacketInit PacketType = iota
	PacketInitAck
	PacketStreamData
	PacketStreamDataX2
	PacketStreamDataX3
	PacketPing
	PacketPong
	PacketLANEndpoint
	PacketNetworkChanged
	PacketStreamState
	PacketStreamEC
	PacketNOP
)

// ExtraType enumerates the reliable control records of §4.9 ("Extras").
type ExtraType byte

const (
	ExtraStreamFlags ExtraType = iota
	ExtraStreamCSD
	ExtraLANEndpoint
	ExtraNetworkChanged
	ExtraGroupCallKey
	ExtraRequestGroup
	ExtraIPv6Endpoint
)

// State is the session state machine's state, §4.9.
type State int

const (
	StateWaitInit State = iota
	StateWaitInitAck
	StateEstablished
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaitInit:
		return "wait_init"
	case StateWaitInitAck:
		return "wait_init_ack"
	case StateEstablished:
		return "established"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrorKind is GetLastError's result, §6/§7.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorIncompatible
	ErrorTimeout
	ErrorAudioIO
	ErrorProxy
)

func (e ErrorKind) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorIncompatible:
		return "incompatible"
	case ErrorTimeout:
		return "timeout"
	case ErrorAudioIO:
		return "audio_io"
	case ErrorProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// EndpointKind is the transport/topology role of an Endpoint, §3.
type EndpointKind int

const (
	EndpointUDPRelay EndpointKind = iota
	EndpointTCPRelay
	EndpointUDPP2PInet
	EndpointUDPP2PLAN
)

func (k EndpointKind) String() string {
	switch k {
	case EndpointUDPRelay:
		return "udp_relay"
	case EndpointTCPRelay:
		return "tcp_relay"
	case EndpointUDPP2PInet:
		return "udp_p2p_inet"
	case EndpointUDPP2PLAN:
		return "udp_p2p_lan"
	default:
		return "unknown"
	}
}

const rttHistorySize = 8

// Endpoint is one candidate path to the peer, §3. The endpoint set is a
// slice owned by the Controller; all cross-component references use ID
// and resolve under Controller.endpointsMu, replacing the source's
// shared_ptr graph with id lookups (DESIGN.md "Pointer graphs → arena +
// ids").
type Endpoint struct {
	ID      uint64
	Kind    EndpointKind
	Address netsock.Address
	AddrV6  netsock.Address
	HasV6   bool
	Port    int
	PeerTag [16]byte

	rttWindow    [rttHistorySize]time.Duration
	rttCount     int
	rttNext      int
	AverageRTT   time.Duration
	LastPingSeq  uint32
	LastPingSent time.Time
	UDPPongCount int

	// Socket is the owned TCP connection for EndpointTCPRelay/tcp-obfs
	// variants; nil for UDP endpoints, which all share the session's one
	// UDP socket.
	Socket netsock.Socket
}

// pushRTT records one RTT sample into the rolling window and refreshes
// AverageRTT, mirroring the source's fixed 8-slot per-endpoint history.
func (e *Endpoint) pushRTT(d time.Duration) {
	e.rttWindow[e.rttNext] = d
	e.rttNext = (e.rttNext + 1) % rttHistorySize
	if e.rttCount < rttHistorySize {
		e.rttCount++
	}
	var sum time.Duration
	for i := 0; i < e.rttCount; i++ {
		sum += e.rttWindow[i]
	}
	e.AverageRTT = sum / time.Duration(e.rttCount)
}

// StreamKind distinguishes audio from the stubbed video path, §3.
type StreamKind int

const (
	StreamAudio StreamKind = iota
	StreamVideo
)

// Stream is a per-direction record, §3. Incoming streams own a jitter
// buffer and decoder handle; outgoing streams are driven by the encoder
// callback.
type Stream struct {
	ID      byte
	Kind    StreamKind
	Codec   string
	CSD     []byte // codec-specific data announced by the peer
	Enabled bool
	FrameMs int
	ExtraEC bool
	Jitter  *jitter.Buffer
	Reasm   *reassembler.Reassembler
}

// RecentOutgoingPacket is a capped-ring record of one sent sequence,
// marked on ack, §3.
type RecentOutgoingPacket struct {
	Seq      uint32
	Acked    bool
	AckTime  time.Time
	SendTime time.Time
	Size     int
}

const maxRecentOutgoingPackets = 64

// QueuedPacket is one payload on the reliable-extras channel (§3), used
// by peers below ExtrasVersion for LAN-endpoint/network-changed
// notifications.
type QueuedPacket struct {
	Type         PacketType
	Payload      []byte
	Seqs         [16]uint32
	SeqCount     int
	FirstSent    time.Time
	LastSent     time.Time
	RetryEvery   time.Duration
	Deadline     time.Time
}

func (q *QueuedPacket) addSeq(seq uint32) {
	if q.SeqCount < len(q.Seqs) {
		q.Seqs[q.SeqCount] = seq
		q.SeqCount++
		return
	}
	copy(q.Seqs[:], q.Seqs[1:])
	q.Seqs[len(q.Seqs)-1] = seq
}

func (q *QueuedPacket) hasSeq(seq uint32) bool {
	for i := 0; i < q.SeqCount; i++ {
		if q.Seqs[i] == seq {
			return true
		}
	}
	return false
}

// UnacknowledgedExtraData is an extra record still being retried inline
// in every outgoing packet header, §3.
type UnacknowledgedExtraData struct {
	Type             ExtraType
	Data             []byte
	FirstContainingSeq uint32
	dedupeKey        [20]byte
}

// seqgt implements the signed modular ordering of §3: a is "greater
// than" b if (a-b) mod 2^32 is in (0, 2^31).
func seqgt(a, b uint32) bool {
	d := a - b
	return d != 0 && d < 0x80000000
}

// sessionMutexes groups four of the locks of §5's locking discipline.
type sessionMutexes struct {
	endpointsMu     sync.RWMutex
	queuedPacketsMu sync.Mutex
	audioIOMu       sync.Mutex
	socketSelectMu  sync.Mutex
}
