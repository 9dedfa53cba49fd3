package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/reverb-project/reverb/internal/metrics"
)

// Listener receives transport events. All callbacks are invoked from the
// single goroutine that calls Poll; implementations need no locking for
// state they only touch inside callbacks.
type Listener interface {
	// ConnectionRequested is invoked for each inbound connect request. The
	// listener decides whether the peer is admitted by calling Accept or
	// Reject on the request.
	ConnectionRequested(req *ConnectionRequest)

	// PeerConnected is invoked once a connection request has been accepted.
	PeerConnected(p *Peer)

	// PeerDisconnected is invoked when a peer times out, closes the
	// connection, or the transport shuts down.
	PeerDisconnected(p *Peer, reason DisconnectReason)

	// Receive is invoked for every application payload, with the
	// reliability class it arrived under.
	Receive(p *Peer, data []byte, d Delivery)

	// NetworkError reports a send failure. The peer is considered alive
	// until PeerDisconnected fires.
	NetworkError(addr net.Addr, err error)
}

// Options holds the transport tuning knobs.
type Options struct {
	PingInterval   time.Duration
	Timeout        time.Duration
	ResendInterval time.Duration
}

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// Transport is an event-driven UDP multiplexer. A background goroutine
// drains the socket into a queue; Poll processes the queue and drives all
// listener callbacks, keepalive, retransmission, and flushing from the
// caller's goroutine.
type Transport struct {
	opts     Options
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	listener Listener

	socket  *net.UDPConn
	peers   map[string]*Peer
	inbound chan datagram
	done    chan struct{}

	// Endpoints that recently disconnected. Stray datagrams from them are
	// dropped without being counted as errors until the entry expires.
	recentlyClosed *cache.Cache
}

// New returns an unstarted transport that will deliver events to listener.
func New(listener Listener, opts Options, logger *zap.SugaredLogger, m *metrics.Metrics) *Transport {
	return &Transport{
		opts:           opts,
		logger:         logger,
		metrics:        m,
		listener:       listener,
		peers:          make(map[string]*Peer),
		inbound:        make(chan datagram, 1024),
		done:           make(chan struct{}),
		recentlyClosed: cache.New(opts.Timeout, 2*opts.Timeout),
	}
}

// Start binds the UDP socket and launches the socket reader. It fails if
// the port is unavailable.
func (t *Transport) Start(address string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", address, err)
	}

	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", address, err)
	}
	t.socket = socket

	go t.readLoop()
	return nil
}

// readLoop drains the socket into the inbound queue. It only touches the
// socket and the atomic counters; everything else belongs to Poll.
func (t *Transport) readLoop() {
	buffer := make([]byte, 65535)

	for {
		n, addr, err := t.socket.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-t.done:
				return
			default:
			}
			t.logger.Warnf("socket read error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		t.metrics.BytesIn.Add(int64(n))
		t.metrics.PacketsIn.Add(1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case t.inbound <- datagram{data: data, addr: addr}:
		default:
			// The poll loop is falling behind; dropping is the only
			// non-blocking option for an unreliable transport.
			t.metrics.CountError("transport")
		}
	}
}

// Poll drains the inbound queue and performs keepalive, retransmission,
// and outbound flushing. All listener callbacks happen inside this call.
func (t *Transport) Poll() {
	for {
		select {
		case d := <-t.inbound:
			t.handleDatagram(d)
			continue
		default:
		}
		break
	}

	now := time.Now()
	for _, p := range t.peers {
		if now.Sub(p.lastReceive) > t.opts.Timeout {
			t.write(p.addr, []byte{frameDisconnect, byte(ReasonTimeout)})
			t.removePeer(p, ReasonTimeout)
			continue
		}
		if now.Sub(p.lastReceive) > t.opts.PingInterval && now.Sub(p.lastPing) > t.opts.PingInterval {
			p.lastPing = now
			p.outgoing = append(p.outgoing, outFrame{data: []byte{framePing}})
		}
		p.resendPending(now, t.opts.ResendInterval)
	}

	for _, p := range t.peers {
		t.flush(p)
	}
}

// Stop closes every peer and releases the socket. Outbound queues are
// flushed on a best-effort basis.
func (t *Transport) Stop() {
	close(t.done)

	for _, p := range t.peers {
		t.flush(p)
		t.write(p.addr, []byte{frameDisconnect, byte(ReasonShutdown)})
	}
	for _, p := range t.peers {
		t.removePeer(p, ReasonShutdown)
	}

	if t.socket != nil {
		_ = t.socket.Close()
	}
}

// PeerCount returns the number of live peers.
func (t *Transport) PeerCount() int {
	return len(t.peers)
}

func (t *Transport) handleDatagram(d datagram) {
	peer := t.peers[d.addr.String()]

	if d.data[0] == frameConnectRequest {
		t.handleConnectRequest(peer, d)
		return
	}

	if peer == nil {
		// Late datagrams from a recently-dropped peer are expected and
		// not worth counting.
		if _, closing := t.recentlyClosed.Get(d.addr.String()); !closing {
			t.countParseError("datagram from unknown peer")
		}
		return
	}

	peer.handleFrame(d.data)
}

func (t *Transport) handleConnectRequest(peer *Peer, d datagram) {
	if peer != nil {
		// Our accept was lost; repeat it.
		peer.outgoing = append(peer.outgoing, outFrame{data: []byte{frameConnectAccept}})
		return
	}

	key, err := parseConnectRequest(d.data)
	if err != nil {
		t.countParseError("malformed connect request")
		return
	}

	t.listener.ConnectionRequested(&ConnectionRequest{transport: t, addr: d.addr, key: key})
}

// parseConnectRequest validates the magic and extracts the connection key.
// Layout after the type byte: u32 magic, u16 key length, key bytes.
func parseConnectRequest(data []byte) (string, error) {
	if len(data) < 7 {
		return "", errors.New("connect request too short")
	}
	if binary.LittleEndian.Uint32(data[1:5]) != protocolMagic {
		return "", errors.New("bad protocol magic")
	}
	keyLen := int(binary.LittleEndian.Uint16(data[5:7]))
	if len(data) < 7+keyLen {
		return "", errors.New("connect request key truncated")
	}
	return string(data[7 : 7+keyLen]), nil
}

func (t *Transport) removePeer(p *Peer, reason DisconnectReason) {
	if p.closed {
		return
	}
	p.closed = true

	delete(t.peers, p.addr.String())
	t.recentlyClosed.SetDefault(p.addr.String(), struct{}{})
	t.metrics.CountDisconnect(reason.String())
	t.listener.PeerDisconnected(p, reason)
}

func (t *Transport) flush(p *Peer) {
	now := time.Now()
	for _, f := range p.outgoing {
		t.write(p.addr, f.data)
		if f.pending != nil {
			f.pending.sent = true
			f.pending.lastSent = now
		}
	}
	p.outgoing = p.outgoing[:0]
}

func (t *Transport) write(addr *net.UDPAddr, data []byte) {
	n, err := t.socket.WriteToUDP(data, addr)
	if err != nil {
		t.logger.Warnf("send to %v failed: %v", addr, err)
		t.metrics.CountError("transport")
		t.listener.NetworkError(addr, err)
		return
	}
	t.metrics.BytesOut.Add(int64(n))
	t.metrics.PacketsOut.Add(1)
}

func (t *Transport) countParseError(detail string) {
	t.logger.Debugf("dropping datagram: %s", detail)
	t.metrics.CountError("transport")
}

// ConnectionRequest represents an inbound connect that the listener has not
// yet admitted or refused.
type ConnectionRequest struct {
	transport *Transport
	addr      *net.UDPAddr
	key       string
	handled   bool
}

// Addr returns the remote endpoint asking to connect.
func (r *ConnectionRequest) Addr() net.Addr {
	return r.addr
}

// Key returns the connection key presented by the remote endpoint.
func (r *ConnectionRequest) Key() string {
	return r.key
}

// Accept admits the peer, sends the accept frame, and fires PeerConnected.
func (r *ConnectionRequest) Accept() *Peer {
	if r.handled {
		return r.transport.peers[r.addr.String()]
	}
	r.handled = true

	p := newPeer(r.transport, r.addr)
	p.outgoing = append(p.outgoing, outFrame{data: []byte{frameConnectAccept}})
	r.transport.peers[r.addr.String()] = p
	r.transport.listener.PeerConnected(p)
	return p
}

// Reject refuses the peer. The remote endpoint is informed once;
// retransmitted requests will be rejected again.
func (r *ConnectionRequest) Reject() {
	if r.handled {
		return
	}
	r.handled = true
	r.transport.write(r.addr, []byte{frameConnectReject})
}
