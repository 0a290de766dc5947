package voip

import "time"

// Stats is the snapshot GetStats returns.
type Stats struct {
	State             State
	BytesSent         uint64
	BytesRecvd        uint64
	PacketsSent       uint64
	PacketsRecvd       uint64
	PacketsLost       int
	AverageRTT        time.Duration
	MinimumRTT        time.Duration
	CongestionWindow  int
	JitterMinDelay    int
	SignalBars        int
	CurrentEndpointID uint64
	UseMTProto2       bool
	ShittyInternet    bool

	// Kernel-level figures, populated only while the TCP-obfuscated
	// fallback carries the call: TCP_INFO's smoothed RTT and cumulative
	// retransmit count, folded in alongside the application-level
	// congestion-controller estimates.
	TCPKernelRTT    time.Duration
	TCPRetransmits  uint32
	TCPInfoPresent  bool
}
