package rbtp

import "sync/atomic"

// ConnStats is a snapshot of per-connection counters.
type ConnStats struct {
	PacketsReceived    uint64 // every packet handed to the connection
	PacketsDropped     uint64 // inbound queue overflow
	DataPackets        uint64 // data segments processed by the receiver
	DuplicatePackets   uint64
	PacketsSent        uint64
	Retransmissions    uint64 // segments sent again after a timeout
	ProtocolViolations uint64
}

type connCounters struct {
	received           atomic.Uint64
	dropped            atomic.Uint64
	data               atomic.Uint64
	duplicates         atomic.Uint64
	sent               atomic.Uint64
	retransmissions    atomic.Uint64
	protocolViolations atomic.Uint64
}

func (s *connCounters) snapshot() ConnStats {
	return ConnStats{
		PacketsReceived:    s.received.Load(),
		PacketsDropped:     s.dropped.Load(),
		DataPackets:        s.data.Load(),
		DuplicatePackets:   s.duplicates.Load(),
		PacketsSent:        s.sent.Load(),
		Retransmissions:    s.retransmissions.Load(),
		ProtocolViolations: s.protocolViolations.Load(),
	}
}

// MuxStats is a snapshot of demultiplexer counters.
type MuxStats struct {
	DatagramsReceived uint64
	DatagramsSent     uint64
	DecodeFailures    uint64 // bad length or checksum; dropped silently
	Unroutable        uint64 // no binding on the destination port, or not from the bound peer
	SendErrors        uint64
	Bindings          int
}

type muxCounters struct {
	received       atomic.Uint64
	sent           atomic.Uint64
	decodeFailures atomic.Uint64
	unroutable     atomic.Uint64
	sendErrors     atomic.Uint64
}
