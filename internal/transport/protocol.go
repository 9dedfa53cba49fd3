// Package transport implements the datagram layer the relay sits on: a UDP
// multiplexer offering unreliable, reliable-ordered, and reliable-sequenced
// delivery with transparent fragmentation and keepalive.
package transport

import "errors"

// Delivery selects the reliability class for an outbound message.
type Delivery uint8

const (
	// Unreliable messages may be lost, duplicated, or reordered.
	Unreliable Delivery = iota
	// ReliableOrdered messages are retransmitted until acknowledged and
	// delivered in send order. Oversized messages are fragmented.
	ReliableOrdered
	// ReliableSequenced messages are retransmitted until acknowledged but
	// only the latest matters; older in-flight messages may be discarded.
	ReliableSequenced
)

func (d Delivery) String() string {
	switch d {
	case Unreliable:
		return "unreliable"
	case ReliableOrdered:
		return "reliable_ordered"
	case ReliableSequenced:
		return "reliable_sequenced"
	}
	return "unknown"
}

// DisconnectReason describes why the transport dropped a peer.
type DisconnectReason uint8

const (
	ReasonTimeout DisconnectReason = iota
	ReasonRemoteClose
	ReasonShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonRemoteClose:
		return "remote_close"
	case ReasonShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Frame types. Every datagram starts with one of these.
const (
	frameConnectRequest byte = 0x01
	frameConnectAccept  byte = 0x02
	frameConnectReject  byte = 0x03
	frameDisconnect     byte = 0x04
	framePing           byte = 0x05
	framePong           byte = 0x06
	frameUnreliable     byte = 0x07
	frameReliable       byte = 0x08
	frameSequenced      byte = 0x09
	frameAck            byte = 0x0A
)

// Ack classes carried in the second byte of a frameAck.
const (
	ackReliable  byte = 0x01
	ackSequenced byte = 0x02
)

// Set on a reliable frame whose body starts with a fragment header.
const flagFragmented byte = 0x01

// protocolMagic must open every connect request so stray datagrams aimed at
// the port don't create peers.
const protocolMagic uint32 = 0x52564201

const (
	// Largest UDP payload the transport will emit. Conservative enough to
	// clear IPv6 minimum-MTU paths without IP fragmentation.
	maxDatagram = 1232

	reliableHeaderSize  = 4 // type + flags + seq
	fragmentHeaderSize  = 6 // group + index + total
	sequencedHeaderSize = 3 // type + seq

	maxUnreliablePayload = maxDatagram - 1
	maxSequencedPayload  = maxDatagram - sequencedHeaderSize
	maxFragmentPayload   = maxDatagram - reliableHeaderSize - fragmentHeaderSize
)

var (
	ErrPeerClosed      = errors.New("transport: peer is closed")
	ErrPayloadTooLarge = errors.New("transport: payload exceeds the maximum datagram size")
)

// seqNewer reports whether a is more recent than b in 16-bit sequence space,
// accounting for wraparound.
func seqNewer(a, b uint16) bool {
	return a != b && a-b < 0x8000
}
