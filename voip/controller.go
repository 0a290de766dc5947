package voip

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/tgvoip/tgvoip-go/internal/eventbus"
	"github.com/tgvoip/tgvoip-go/pkg/bufferpool"
	"github.com/tgvoip/tgvoip-go/pkg/config"
	"github.com/tgvoip/tgvoip-go/pkg/congestion"
	"github.com/tgvoip/tgvoip-go/pkg/cryptofacade"
	"github.com/tgvoip/tgvoip-go/pkg/netsock"
	"github.com/tgvoip/tgvoip-go/pkg/queue"
	"github.com/tgvoip/tgvoip-go/pkg/timerqueue"
)

// EncoderCallback matches the audio pipeline contract of §4.11: the
// encoder hands the session its primary (and, in Shitty-Internet mode,
// secondary FEC) Opus payload for one frame.
type EncoderCallback func(primary []byte, secondary []byte)

// DecoderCallback is the playout side of the §4.11 contract: frame is
// nil when the jitter buffer had nothing for this tick (the decoder
// conceals), and playbackScaledDurationMs is 40, 60, or 80 depending on
// whether the buffer wants playback compressed, nominal, or stretched.
type DecoderCallback func(streamID byte, frame []byte, playbackScaledDurationMs int)

// pendingOutgoingPacket is one item on the send queue, §4.9 "Send
// pacing". qp, when set, is the reliable-channel record this send
// belongs to; the assigned sequence is appended to it after transmit.
type pendingOutgoingPacket struct {
	typ      PacketType
	payload  []byte
	endpoint *Endpoint // nil: choose currentEndpoint
	qp       *QueuedPacket
}

// Controller is the session state machine: the top-level orchestrator
// described in §4.9, playing the role the teacher's server.Server plays
// for a game session. One Controller per call.
type Controller struct {
	sessionMutexes

	id  string
	log *logrus.Entry
	cfg config.Config

	facade cryptofacade.Facade
	secret []byte

	isOutgoing  bool
	callID      [16]byte
	fingerprint [8]byte

	stateMu sync.RWMutex
	state   State
	lastErr ErrorKind

	peerVersion  int
	useMTProto2  bool
	peerCaps     uint32

	endpoints        []*Endpoint
	currentEndpoint  *Endpoint
	preferredRelay   *Endpoint
	peerPreferredRelay *Endpoint
	allowP2P         bool

	streamsMu sync.RWMutex
	streams   []*Stream

	congestion *congestion.Controller
	pool       *bufferpool.Pool
	sendQueue  *queue.Queue
	timers     *timerqueue.Queue
	bus        *eventbus.Bus
	socket     netsock.Socket

	seqMu             sync.Mutex
	lastSentSeq       uint32
	lastRemoteSeq     uint32
	lastRemoteAckSeq  uint32
	recvPacketTimes   [32]time.Time
	recentOutgoing    []RecentOutgoingPacket
	queuedPackets     []*QueuedPacket
	currentExtras     []UnacknowledgedExtraData
	seenExtraHashes   map[[20]byte]bool

	unsentStreamPackets int
	waitingForAcks      bool
	dontSendPackets     int

	pingRound int
	udpState  udpConnectivity

	observedAddr  netsock.Address
	observedPort  int
	observedV6    netsock.Address
	hasObservedV6 bool

	lossWindowMu sync.Mutex
	lossWindow   []bool // recent send outcomes, newest last

	shittyInternet bool

	bitrateMu sync.Mutex
	bitrate   int

	statsMu     sync.Mutex
	bytesSent   uint64
	bytesRecvd  uint64
	packetsSent uint64
	packetsRecvd uint64

	debugLogMu  sync.Mutex
	debugLog    []string

	micMuted bool

	proxyAddr, proxyUser, proxyPass string

	stopping    chan struct{}
	stopOnce    sync.Once
	audioPumped map[byte]bool // stream ids with a running decoder pump, under audioIOMu
	wg          sync.WaitGroup

	lastValidPacketAt time.Time
	initStartedAt     time.Time
	gotFirstPacket    bool

	decoderCB DecoderCallback
}

// New constructs a Controller; Start must be called before Connect.
func New(cfg config.Config) *Controller {
	c := &Controller{
		id:              xid.New().String(),
		cfg:             cfg,
		facade:          cryptofacade.Default,
		state:           StateWaitInit,
		pool:            bufferpool.New(64, 1500),
		timers:          timerqueue.New(),
		bus:             eventbus.New(),
		seenExtraHashes: make(map[[20]byte]bool),
		stopping:        make(chan struct{}),
	}
	c.congestion = congestion.New(cfg.Int("audio_congestion_window", 1024))
	c.bitrate = c.initialBitrate()
	c.sendQueue = queue.New(256, func(dropped any) {
		c.logDebug("send queue overflow, dropping oldest packet")
	})
	c.log = logrus.WithFields(logrus.Fields{"session_id": c.id})
	return c
}

// SessionID returns the correlation id minted at construction, used in
// every log line and every Prometheus label (pkg/metrics.Session).
func (c *Controller) SessionID() string { return c.id }

// SetEncryptionKey sets the 256-byte shared secret and this side's role.
// isOutgoing selects which half of the secret this endpoint treats as
// "its own" when deriving per-direction keys (§6).
func (c *Controller) SetEncryptionKey(secret []byte, isOutgoing bool) {
	if len(secret) != 256 {
		panic("voip: shared secret must be exactly 256 bytes")
	}
	c.secret = append([]byte(nil), secret...)
	c.isOutgoing = isOutgoing
	c.callID = callIDFromSecret(c.facade, c.secret)
	c.fingerprint = keyFingerprint(c.facade, c.secret)
}

// SetRemoteEndpoints installs the caller-supplied candidate endpoint
// list, §6. layer selects the default framing: MTProto-2 when
// connectionMaxLayer >= 74.
func (c *Controller) SetRemoteEndpoints(eps []Endpoint, allowP2P bool, connectionMaxLayer int) {
	c.endpointsMu.Lock()
	defer c.endpointsMu.Unlock()
	c.endpoints = c.endpoints[:0]
	for i := range eps {
		e := eps[i]
		c.endpoints = append(c.endpoints, &e)
	}
	c.allowP2P = allowP2P
	if len(c.endpoints) > 0 {
		c.currentEndpoint = c.endpoints[0]
	}
	c.useMTProto2 = connectionMaxLayer >= 74
}

// SetMicMute mutes/unmutes local audio input.
func (c *Controller) SetMicMute(mute bool) { c.micMuted = mute }

// SetNetworkType records the caller's classification of the active
// network, consulted for bitrate scaling, and notifies the peer
// that our path may have changed: as an inline extra for modern peers,
// through the reliable channel for peers below ExtrasVersion (§4.9).
func (c *Controller) SetNetworkType(t config.NetworkType) {
	c.cfg.NetworkType = t
	c.bitrateMu.Lock()
	c.bitrate = c.initialBitrate()
	c.bitrateMu.Unlock()
	if c.State() == StateEstablished || c.State() == StateReconnecting {
		if c.peerVersion >= ExtrasVersion {
			c.addExtra(ExtraNetworkChanged, nil)
		} else {
			c.sendPacketReliably(PacketNetworkChanged, nil, time.Second, 10*time.Second)
		}
	}
}

// SetProxy is accepted for API completeness; SOCKS5 wiring happens when
// Start dials sockets (pkg/netsock.Socks5Socket).
func (c *Controller) SetProxy(proxyAddr, username, password string) {
	c.proxyAddr, c.proxyUser, c.proxyPass = proxyAddr, username, password
}

// SetConfig replaces the server-config dictionary and timeouts.
func (c *Controller) SetConfig(cfg config.Config) { c.cfg = cfg }

// SetCallbacks registers the five control-surface callbacks, §6.
func (c *Controller) SetCallbacks(connectionStateChanged, signalBarCountChanged, groupCallKeyReceived, groupCallKeySent, upgradeRequested eventbus.Handler) {
	if connectionStateChanged != nil {
		c.bus.On(eventbus.ConnectionStateChanged, connectionStateChanged)
	}
	if signalBarCountChanged != nil {
		c.bus.On(eventbus.SignalBarCountChanged, signalBarCountChanged)
	}
	if groupCallKeyReceived != nil {
		c.bus.On(eventbus.GroupCallKeyReceived, groupCallKeyReceived)
	}
	if groupCallKeySent != nil {
		c.bus.On(eventbus.GroupCallKeySent, groupCallKeySent)
	}
	if upgradeRequested != nil {
		c.bus.On(eventbus.UpgradeToGroupCallRequested, upgradeRequested)
	}
}

// EncoderCallbackFor returns the closure handed to the Opus encoder for
// one outgoing stream, §4.11: the encoder calls it once per frame with
// the primary payload and, when the secondary encoder is running, the
// FEC payload. The closure stamps and advances the stream timestamp.
// It is not safe for concurrent use; the encoder drives it from its one
// thread.
func (c *Controller) EncoderCallbackFor(streamID byte, frameMs int) EncoderCallback {
	if frameMs <= 0 {
		frameMs = 60
	}
	var ts uint32
	return func(primary, secondary []byte) {
		c.HandleAudioInput(streamID, ts, primary, secondary)
		ts += uint32(frameMs)
	}
}

// SetDecoderCallback wires the audio decoder sink: it receives each
// playout frame pulled from the jitter buffer together with the
// playback-scaled duration the decoder should time-warp to, §4.11.
func (c *Controller) SetDecoderCallback(cb DecoderCallback) { c.decoderCB = cb }

// SendGroupCallKey hands the 256-byte group upgrade key to the peer over
// the reliable extras channel and fires groupCallKeySent as soon as the
// key has been queued for sending (not when it is transmitted), §6.
func (c *Controller) SendGroupCallKey(key []byte) {
	if len(key) != 256 {
		panic("voip: group call key must be exactly 256 bytes")
	}
	payload := append([]byte(nil), key...)
	if c.peerVersion >= ExtrasVersion {
		c.addExtra(ExtraGroupCallKey, payload)
	} else {
		c.sendPacketReliably(PacketNOP, payload, time.Second, 10*time.Second)
	}
	c.bus.Fire(eventbus.GroupCallKeySent)
}

// RequestCallUpgrade asks the peer to convert this call into a group
// call, §6.
func (c *Controller) RequestCallUpgrade() {
	c.addExtra(ExtraRequestGroup, nil)
}

// initialBitrate picks the starting encoder bitrate from the server
// dictionary, scaled down for slow links and data saving (SPEC_FULL §3).
func (c *Controller) initialBitrate() int {
	if c.dataSavingActive() {
		return c.cfg.Int("audio_init_bitrate_saving", 6000)
	}
	switch c.cfg.NetworkType {
	case config.NetTypeGPRS:
		return c.cfg.Int("audio_init_bitrate_gprs", 8000)
	case config.NetTypeEDGE:
		return c.cfg.Int("audio_init_bitrate_edge", 12000)
	default:
		return c.cfg.Int("audio_init_bitrate", 16000)
	}
}

// maxBitrate is the upper clamp for bandwidth-action increases.
func (c *Controller) maxBitrate() int {
	if c.dataSavingActive() {
		return c.cfg.Int("audio_max_bitrate_saving", 6000)
	}
	switch c.cfg.NetworkType {
	case config.NetTypeGPRS:
		return c.cfg.Int("audio_max_bitrate_gprs", 8000)
	case config.NetTypeEDGE:
		return c.cfg.Int("audio_max_bitrate_edge", 12000)
	default:
		return c.cfg.Int("audio_max_bitrate", 20000)
	}
}

// dataSavingActive reports whether the data-saving policy currently
// applies: Always unconditionally, MobileOnly when the active network is
// cellular (SPEC_FULL §3).
func (c *Controller) dataSavingActive() bool {
	switch c.cfg.DataSaving {
	case config.DataSavingAlways:
		return true
	case config.DataSavingMobileOnly:
		switch c.cfg.NetworkType {
		case config.NetTypeGPRS, config.NetTypeEDGE, config.NetTypeThreeG, config.NetTypeLTE:
			return true
		}
	}
	return false
}

// TargetBitrate is the bitrate the encoder should currently run at; the
// bandwidth-action timer moves it within [audio_min_bitrate,
// audio_max_bitrate*] in audio_bitrate_step increments.
func (c *Controller) TargetBitrate() int {
	c.bitrateMu.Lock()
	defer c.bitrateMu.Unlock()
	return c.bitrate
}

// GetLastError returns the terminal error kind, valid once State() ==
// StateFailed.
func (c *Controller) GetLastError() ErrorKind {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastErr
}

// State returns the current session state.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// setState transitions state and fires connectionStateChanged exactly
// once per call, never more than once concurrently (§7).
func (c *Controller) setState(s State) {
	c.stateMu.Lock()
	if c.state == s {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	c.stateMu.Unlock()
	c.log.WithField("state", s.String()).Info("state transition")
	if s == StateEstablished {
		c.startAudio()
	}
	c.bus.Fire(eventbus.ConnectionStateChanged, s)
}

// fail transitions to StateFailed with the given error kind, §7. Safe to
// call more than once; only the first call's kind sticks.
func (c *Controller) fail(kind ErrorKind) {
	c.stateMu.Lock()
	if c.state == StateFailed {
		c.stateMu.Unlock()
		return
	}
	c.lastErr = kind
	c.state = StateFailed
	c.stateMu.Unlock()
	c.log.WithField("error", kind.String()).Error("session failed")
	c.bus.Fire(eventbus.ConnectionStateChanged, StateFailed)
}

func (c *Controller) logDebug(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.log.Debug(msg)
	c.debugLogMu.Lock()
	c.debugLog = append(c.debugLog, msg)
	if len(c.debugLog) > 256 {
		c.debugLog = c.debugLog[len(c.debugLog)-256:]
	}
	c.debugLogMu.Unlock()
}

// GetDebugLog renders the last 256 structured log lines as
// newline-separated text, matching the original's append-only debug log
// string (SPEC_FULL §3).
func (c *Controller) GetDebugLog() string {
	c.debugLogMu.Lock()
	defer c.debugLogMu.Unlock()
	out := ""
	for _, l := range c.debugLog {
		out += l + "\n"
	}
	return out
}

// AverageRTT, MinimumRTT, SendLossCount, JitterMinDelay, CongestionWindow
// implement pkg/metrics.Session.
func (c *Controller) AverageRTT() time.Duration { return c.congestion.GetAverageRTT() }
func (c *Controller) MinimumRTT() time.Duration { return c.congestion.GetMinimumRTT() }
func (c *Controller) SendLossCount() int        { return c.congestion.GetSendLossCount() }
func (c *Controller) CongestionWindow() int      { return c.congestion.Cwnd() }
func (c *Controller) JitterMinDelay() int {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()
	for _, s := range c.streams {
		if s.Jitter != nil {
			return s.Jitter.MinDelay()
		}
	}
	return 0
}

// GetStats returns a snapshot of the session's counters, §6.
func (c *Controller) GetStats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	var curID uint64
	var curSock netsock.Socket
	c.endpointsMu.RLock()
	if c.currentEndpoint != nil {
		curID = c.currentEndpoint.ID
		curSock = c.currentEndpoint.Socket
	}
	c.endpointsMu.RUnlock()

	st := Stats{
		State:             c.State(),
		BytesSent:         c.bytesSent,
		BytesRecvd:        c.bytesRecvd,
		PacketsSent:       c.packetsSent,
		PacketsRecvd:      c.packetsRecvd,
		PacketsLost:       c.congestion.GetSendLossCount(),
		AverageRTT:        c.congestion.GetAverageRTT(),
		MinimumRTT:        c.congestion.GetMinimumRTT(),
		CongestionWindow:  c.congestion.Cwnd(),
		JitterMinDelay:    c.JitterMinDelay(),
		CurrentEndpointID: curID,
		UseMTProto2:       c.useMTProto2,
		ShittyInternet:    c.shittyInternet,
	}
	if obf, ok := curSock.(*netsock.TCPObfSocket); ok {
		if info, err := obf.GetKernelInfo(); err == nil {
			st.TCPKernelRTT = time.Duration(info.Rtt) * time.Microsecond
			st.TCPRetransmits = info.Total_retrans
			st.TCPInfoPresent = true
		}
	}
	return st
}

// GetSignalBarsCount implements the SPEC_FULL §3 signal-bar algorithm:
// bucket avg(min(rtt,500ms)/500ms) and send-loss count into 0..4.
func (c *Controller) GetSignalBarsCount() int {
	rtt := c.congestion.GetAverageRTT()
	ratio := float64(rtt) / float64(500*time.Millisecond)
	if ratio > 1 {
		ratio = 1
	}
	loss := c.congestion.GetSendLossCount()
	score := 1 - ratio
	if loss > 10 {
		score -= 0.5
	} else if loss > 3 {
		score -= 0.2
	}
	bars := int(score*4 + 0.5)
	if bars < 0 {
		bars = 0
	}
	if bars > 4 {
		bars = 4
	}
	return bars
}

// GetPeerCapabilities returns the capability-flags bitfield announced in
// the peer's Init (SPEC_FULL §3).
func (c *Controller) GetPeerCapabilities() uint32 { return c.peerCaps }
