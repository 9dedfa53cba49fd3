package transport

import (
	"encoding/binary"
	"net"
	"time"
)

// Peer is a live connection endpoint on the transport. The relay and codec
// hold references to peers but the transport owns their lifecycle; a peer
// becomes unusable once the transport reports it disconnected.
type Peer struct {
	transport *Transport
	addr      *net.UDPAddr

	// Datagrams awaiting the next flush, in send order.
	outgoing []outFrame

	// Reliable-ordered send state.
	nextSeq uint16
	pending map[uint16]*pendingFrame

	// Reliable-sequenced send state. Only the latest unacked frame is
	// retransmitted; superseded frames are abandoned.
	seqNext    uint16
	seqPending *pendingFrame

	// Reliable-ordered receive state.
	expected   uint16
	outOfOrder map[uint16][]byte
	assembly   *fragmentAssembly

	// Reliable-sequenced receive state.
	latestDelivered uint16
	sequencedSeen   bool

	nextFragGroup uint16
	lastReceive   time.Time
	lastPing      time.Time
	closed        bool
}

type outFrame struct {
	data    []byte
	pending *pendingFrame
}

type pendingFrame struct {
	seq      uint16
	data     []byte
	sent     bool
	lastSent time.Time
}

type fragmentAssembly struct {
	group    uint16
	total    uint16
	received uint16
	parts    [][]byte
}

func newPeer(t *Transport, addr *net.UDPAddr) *Peer {
	return &Peer{
		transport:   t,
		addr:        addr,
		pending:     make(map[uint16]*pendingFrame),
		outOfOrder:  make(map[uint16][]byte),
		lastReceive: time.Now(),
	}
}

// Addr returns the remote address of the peer.
func (p *Peer) Addr() net.Addr {
	return p.addr
}

// Send enqueues payload for transmission with the requested reliability
// class. It never blocks; frames are written out by the transport's next
// poll cycle.
func (p *Peer) Send(payload []byte, d Delivery) error {
	if p.closed {
		return ErrPeerClosed
	}

	switch d {
	case Unreliable:
		if len(payload) > maxUnreliablePayload {
			return ErrPayloadTooLarge
		}
		frame := make([]byte, 1+len(payload))
		frame[0] = frameUnreliable
		copy(frame[1:], payload)
		p.outgoing = append(p.outgoing, outFrame{data: frame})

	case ReliableSequenced:
		if len(payload) > maxSequencedPayload {
			return ErrPayloadTooLarge
		}
		seq := p.seqNext
		p.seqNext++

		frame := make([]byte, sequencedHeaderSize+len(payload))
		frame[0] = frameSequenced
		binary.LittleEndian.PutUint16(frame[1:3], seq)
		copy(frame[3:], payload)

		// Drop any older in-flight frame; only the latest matters.
		p.seqPending = &pendingFrame{seq: seq, data: frame}
		p.outgoing = append(p.outgoing, outFrame{data: frame, pending: p.seqPending})

	case ReliableOrdered:
		p.sendReliable(payload)
	}

	return nil
}

// sendReliable enqueues a reliable-ordered message, splitting it into
// fragments when it exceeds the datagram budget.
func (p *Peer) sendReliable(payload []byte) {
	if len(payload) <= maxDatagram-reliableHeaderSize {
		p.queueReliableFrame(0, nil, payload)
		return
	}

	group := p.nextFragGroup
	p.nextFragGroup++

	total := uint16((len(payload) + maxFragmentPayload - 1) / maxFragmentPayload)
	for index := uint16(0); index < total; index++ {
		start := int(index) * maxFragmentPayload
		end := start + maxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}

		header := make([]byte, fragmentHeaderSize)
		binary.LittleEndian.PutUint16(header[0:2], group)
		binary.LittleEndian.PutUint16(header[2:4], index)
		binary.LittleEndian.PutUint16(header[4:6], total)
		p.queueReliableFrame(flagFragmented, header, payload[start:end])
	}
}

func (p *Peer) queueReliableFrame(flags byte, fragHeader, payload []byte) {
	seq := p.nextSeq
	p.nextSeq++

	frame := make([]byte, 0, reliableHeaderSize+len(fragHeader)+len(payload))
	frame = append(frame, frameReliable, flags)
	frame = binary.LittleEndian.AppendUint16(frame, seq)
	frame = append(frame, fragHeader...)
	frame = append(frame, payload...)

	pf := &pendingFrame{seq: seq, data: frame}
	p.pending[seq] = pf
	p.outgoing = append(p.outgoing, outFrame{data: frame, pending: pf})
}

// handleFrame processes one inbound datagram from this peer. Called from
// the transport's poll cycle only.
func (p *Peer) handleFrame(data []byte) {
	p.lastReceive = time.Now()

	switch data[0] {
	case framePing:
		p.outgoing = append(p.outgoing, outFrame{data: []byte{framePong}})
	case framePong:
		// lastReceive already refreshed; nothing else to do.
	case frameDisconnect:
		p.transport.removePeer(p, ReasonRemoteClose)
	case frameUnreliable:
		p.transport.listener.Receive(p, data[1:], Unreliable)
	case frameSequenced:
		p.handleSequenced(data)
	case frameReliable:
		p.handleReliable(data)
	case frameAck:
		p.handleAck(data)
	default:
		p.transport.countParseError("unknown frame type")
	}
}

func (p *Peer) handleSequenced(data []byte) {
	if len(data) < sequencedHeaderSize {
		p.transport.countParseError("short sequenced frame")
		return
	}
	seq := binary.LittleEndian.Uint16(data[1:3])
	p.queueAck(ackSequenced, seq)

	if p.sequencedSeen && !seqNewer(seq, p.latestDelivered) {
		return
	}
	p.sequencedSeen = true
	p.latestDelivered = seq
	p.transport.listener.Receive(p, data[3:], ReliableSequenced)
}

func (p *Peer) handleReliable(data []byte) {
	if len(data) < reliableHeaderSize {
		p.transport.countParseError("short reliable frame")
		return
	}
	flags := data[1]
	seq := binary.LittleEndian.Uint16(data[2:4])
	p.queueAck(ackReliable, seq)

	if seq == p.expected {
		p.deliverReliable(flags, data[reliableHeaderSize:])
		p.expected++
		p.drainOutOfOrder()
	} else if seqNewer(seq, p.expected) {
		if _, buffered := p.outOfOrder[seq]; !buffered {
			p.outOfOrder[seq] = data[1:]
		}
	}
	// Older than expected: a duplicate. The ack above is all it needs.
}

// drainOutOfOrder delivers any buffered frames that have become contiguous.
func (p *Peer) drainOutOfOrder() {
	for {
		body, ok := p.outOfOrder[p.expected]
		if !ok {
			return
		}
		delete(p.outOfOrder, p.expected)
		p.deliverReliable(body[0], body[3:])
		p.expected++
	}
}

func (p *Peer) deliverReliable(flags byte, payload []byte) {
	if flags&flagFragmented == 0 {
		p.transport.listener.Receive(p, payload, ReliableOrdered)
		return
	}

	if len(payload) < fragmentHeaderSize {
		p.transport.countParseError("short fragment header")
		return
	}
	group := binary.LittleEndian.Uint16(payload[0:2])
	index := binary.LittleEndian.Uint16(payload[2:4])
	total := binary.LittleEndian.Uint16(payload[4:6])
	part := payload[fragmentHeaderSize:]

	if total == 0 || index >= total {
		p.transport.countParseError("invalid fragment header")
		return
	}

	// Ordered delivery means fragments of one group arrive consecutively,
	// so a single in-progress assembly is enough.
	if p.assembly == nil || p.assembly.group != group {
		p.assembly = &fragmentAssembly{
			group: group,
			total: total,
			parts: make([][]byte, total),
		}
	}
	if p.assembly.parts[index] == nil {
		p.assembly.parts[index] = part
		p.assembly.received++
	}

	if p.assembly.received < p.assembly.total {
		return
	}

	var joined []byte
	for _, piece := range p.assembly.parts {
		joined = append(joined, piece...)
	}
	p.assembly = nil
	p.transport.listener.Receive(p, joined, ReliableOrdered)
}

func (p *Peer) handleAck(data []byte) {
	if len(data) < 4 {
		p.transport.countParseError("short ack frame")
		return
	}
	seq := binary.LittleEndian.Uint16(data[2:4])

	switch data[1] {
	case ackReliable:
		delete(p.pending, seq)
	case ackSequenced:
		if p.seqPending != nil && p.seqPending.seq == seq {
			p.seqPending = nil
		}
	}
}

func (p *Peer) queueAck(class byte, seq uint16) {
	ack := make([]byte, 4)
	ack[0] = frameAck
	ack[1] = class
	binary.LittleEndian.PutUint16(ack[2:4], seq)
	p.outgoing = append(p.outgoing, outFrame{data: ack})
}

// resendPending retransmits reliable frames that have been in flight longer
// than the resend interval.
func (p *Peer) resendPending(now time.Time, interval time.Duration) {
	for _, pf := range p.pending {
		p.maybeResend(pf, now, interval)
	}
	if p.seqPending != nil {
		p.maybeResend(p.seqPending, now, interval)
	}
}

func (p *Peer) maybeResend(pf *pendingFrame, now time.Time, interval time.Duration) {
	if !pf.sent || now.Sub(pf.lastSent) < interval {
		return
	}
	pf.lastSent = now
	p.transport.write(p.addr, pf.data)
}
