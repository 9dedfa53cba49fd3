// Package relay implements the voice relay: the protocol state machine
// that terminates handshakes, assigns session-scoped client identifiers,
// decodes relay envelopes, fans opaque voice payloads out to selected
// destinations, and propagates client and channel state to peers.
package relay

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reverb-project/reverb/internal/codec"
	"github.com/reverb-project/reverb/internal/core/debug"
	"github.com/reverb-project/reverb/internal/metrics"
	"github.com/reverb-project/reverb/internal/packets"
	"github.com/reverb-project/reverb/internal/transport"
)

// Options holds the relay tuning knobs that come from config.
type Options struct {
	// PacketLogging dumps every inbound voice envelope to the log.
	PacketLogging bool
}

// Relay routes voice traffic between peers. It is driven entirely by
// inbound messages and peer-disconnect events; it owns no timers and all
// of its state is mutated from handler context only.
type Relay struct {
	logger  *zap.SugaredLogger
	codec   *codec.Codec
	metrics *metrics.Metrics
	opts    Options

	sessionID uint32
	registry  *Registry
}

// New creates a relay with a fresh session id, registers the voice
// envelopes with the codec, and subscribes to the inbound ones.
func New(logger *zap.SugaredLogger, c *codec.Codec, m *metrics.Metrics, opts Options) (*Relay, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return nil, err
	}

	r := &Relay{
		logger:    logger,
		codec:     c,
		metrics:   m,
		opts:      opts,
		sessionID: sessionID,
		registry:  NewRegistry(),
	}

	if err := packets.Register(c); err != nil {
		return nil, fmt.Errorf("registering voice envelopes: %w", err)
	}
	if err := c.Subscribe(packets.VoiceUpName, r.onVoiceUp); err != nil {
		return nil, err
	}
	if err := c.Subscribe(packets.VoiceDirectedName, r.onVoiceDirected); err != nil {
		return nil, err
	}
	return r, nil
}

// newSessionID draws the 32-bit session tag for this relay lifetime.
func newSessionID() (uint32, error) {
	var b [4]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generating session id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// SessionID returns the session tag every client must echo.
func (r *Relay) SessionID() uint32 {
	return r.sessionID
}

// Registry exposes the session registry for host-level inspection.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// BindPeer enters a peer into the relay's knowledge. The host calls this
// after its own join flow has established the player's identity; voice
// traffic from unbound peers is dropped.
func (r *Relay) BindPeer(p Peer, player uuid.UUID) {
	r.registry.Bind(p, player)
	r.logger.Infof("bound peer %v to player %s", p.Addr(), player)
}

// PeerDisconnected removes every trace of the peer and, if it had completed
// a handshake, notifies the remaining peers that the client is gone.
func (r *Relay) PeerDisconnected(p Peer) {
	player, clientID, hadClient := r.registry.Unbind(p)
	if !hadClient {
		return
	}

	r.logger.Infof("client %d (player %s) left, notifying peers", clientID, player)
	notification := buildRemoveClient(r.sessionID, clientID)
	for _, other := range r.registry.PeersExcept(p) {
		r.sendVoiceDown(other, uuid.Nil, true, notification)
	}
}

func (r *Relay) onVoiceUp(peer codec.Peer, msg interface{}) {
	up := msg.(*packets.VoiceUp)
	if r.opts.PacketLogging {
		r.logger.Debugf("voice up from %v:\n%s", peer.Addr(), debug.Dump(up))
	}

	sender, bound := r.registry.PlayerFor(peer)
	if !bound {
		r.drop("voice from unbound peer %v", peer.Addr())
		return
	}

	t, known, err := classify(up.Payload)
	if err != nil {
		r.drop("short voice payload from %v", peer.Addr())
		return
	}
	if !known {
		// No recognizable voice header; apply the default relay behavior.
		r.broadcast(peer, sender, up.Reliable, up.Payload)
		return
	}

	switch t {
	case TypeClientState:
		r.handleClientState(peer, sender, up.Payload)
	case TypeVoiceData:
		r.broadcast(peer, sender, up.Reliable, up.Payload)
	case TypeTextData:
		r.handleTextData(peer, sender, up.Reliable, up.Payload)
	case TypeHandshakeRequest:
		r.handleHandshake(peer, sender, up.Payload)
	case TypeServerRelayReliable:
		r.handleServerRelay(peer, sender, true, up.Payload)
	case TypeServerRelayUnreliable:
		r.handleServerRelay(peer, sender, false, up.Payload)
	case TypeDeltaChannelState:
		r.handleChannelDelta(peer, sender, up.Payload)
	case TypeHandshakeResponse, TypeErrorWrongSession, TypeRemoveClient, TypeHandshakePeerToPeer:
		r.drop("server-only payload type %d from %v", t, peer.Addr())
	default:
		// Unknown discriminants relay like plain voice.
		r.broadcast(peer, sender, up.Reliable, up.Payload)
	}
}

func (r *Relay) onVoiceDirected(peer codec.Peer, msg interface{}) {
	directed := msg.(*packets.VoiceDirected)
	if r.opts.PacketLogging {
		r.logger.Debugf("directed voice from %v:\n%s", peer.Addr(), debug.Dump(directed))
	}

	sender, bound := r.registry.PlayerFor(peer)
	if !bound {
		r.drop("directed voice from unbound peer %v", peer.Addr())
		return
	}

	t, known, err := classify(directed.Payload)
	if err != nil {
		r.drop("short directed payload from %v", peer.Addr())
		return
	}
	if known && serverOnly(t) {
		r.drop("server-only payload type %d in directed voice from %v", t, peer.Addr())
		return
	}

	target, ok := r.registry.PeerFor(directed.TargetPlayer)
	if !ok {
		// The target left; directed voice to a missing player is skipped.
		r.logger.Debugf("directed voice for unknown player %s", directed.TargetPlayer)
		return
	}
	r.sendVoiceDown(target, sender, directed.Reliable, directed.Payload)
}

// handleHandshake allocates or looks up the sender's client identifier,
// captures its metadata, and answers with the roster of existing clients.
func (r *Relay) handleHandshake(peer codec.Peer, sender uuid.UUID, payload []byte) {
	req, err := parseHandshakeRequest(payload)
	if err != nil {
		r.drop("malformed handshake from %v: %v", peer.Addr(), err)
		return
	}

	clientID, err := r.registry.AssignClientID(sender)
	if err != nil {
		r.metrics.CountError("relay")
		r.logger.Errorf("refusing handshake from %v: %v", peer.Addr(), err)
		return
	}
	r.registry.SetMetadata(clientID, sender, req.Name, req.CodecSettings)

	r.logger.Infof("handshake: player %s is client %d (%q)", sender, clientID, req.Name)

	response := buildHandshakeResponse(r.sessionID, clientID, r.registry.MetadataExcept(clientID))
	r.sendVoiceDown(peer, uuid.Nil, true, response)
}

// handleServerRelay validates the session, then fans the inner payload out
// to the listed destinations in declared order.
func (r *Relay) handleServerRelay(peer codec.Peer, sender uuid.UUID, reliable bool, payload []byte) {
	env, err := parseServerRelay(payload)
	if err != nil {
		r.drop("malformed server relay from %v: %v", peer.Addr(), err)
		return
	}

	if env.SessionID != r.sessionID {
		r.rejectWrongSession(peer)
		return
	}

	if len(env.Inner) >= payloadHeaderSize && PayloadType(env.Inner[2]) == TypeHandshakePeerToPeer {
		r.drop("peer-to-peer handshake inside server relay from %v", peer.Addr())
		return
	}

	for _, dest := range env.Destinations {
		if dest == SentinelClientID {
			continue
		}
		player, ok := r.registry.PlayerForClient(dest)
		if !ok {
			continue
		}
		target, ok := r.registry.PeerFor(player)
		if !ok {
			continue
		}
		r.sendVoiceDown(target, sender, reliable, env.Inner)
	}
}

// handleTextData routes a text payload to one client or fans it out to the
// room. Room-addressed text goes to every other peer; the receiving voice
// library filters on its own membership.
func (r *Relay) handleTextData(peer codec.Peer, sender uuid.UUID, reliable bool, payload []byte) {
	text, err := parseTextData(payload)
	if err != nil {
		r.drop("malformed text data from %v: %v", peer.Addr(), err)
		return
	}

	if text.SessionID != r.sessionID {
		r.rejectWrongSession(peer)
		return
	}

	if text.RoomAddressed {
		r.broadcast(peer, sender, reliable, payload)
		return
	}

	player, ok := r.registry.PlayerForClient(text.TargetClient)
	if !ok {
		r.logger.Debugf("text for unknown client %d", text.TargetClient)
		return
	}
	target, ok := r.registry.PeerFor(player)
	if !ok {
		return
	}
	r.sendVoiceDown(target, sender, reliable, payload)
}

// handleClientState replaces the sender's room memberships with the
// announced set and rebroadcasts the payload verbatim.
func (r *Relay) handleClientState(peer codec.Peer, sender uuid.UUID, payload []byte) {
	state, err := parseClientState(payload)
	if err != nil {
		r.drop("malformed client state from %v: %v", peer.Addr(), err)
		return
	}

	if state.SessionID != r.sessionID {
		r.rejectWrongSession(peer)
		return
	}

	clientID, ok := r.registry.ClientIDFor(sender)
	if !ok {
		r.drop("client state before handshake from %v", peer.Addr())
		return
	}

	r.registry.SetRooms(clientID, state.Rooms)
	r.broadcast(peer, sender, true, payload)
}

// handleChannelDelta applies a single join or leave and rebroadcasts the
// payload verbatim.
func (r *Relay) handleChannelDelta(peer codec.Peer, sender uuid.UUID, payload []byte) {
	delta, err := parseChannelDelta(payload)
	if err != nil {
		r.drop("malformed channel delta from %v: %v", peer.Addr(), err)
		return
	}

	if delta.SessionID != r.sessionID {
		r.rejectWrongSession(peer)
		return
	}

	clientID, ok := r.registry.ClientIDFor(sender)
	if !ok {
		r.drop("channel delta before handshake from %v", peer.Addr())
		return
	}

	r.registry.UpdateRoom(clientID, delta.Room, delta.Joined)
	r.broadcast(peer, sender, true, payload)
}

// broadcast sends the payload to every bound peer other than the sender.
func (r *Relay) broadcast(sender codec.Peer, senderPlayer uuid.UUID, reliable bool, payload []byte) {
	for _, p := range r.registry.PeersExcept(sender) {
		r.sendVoiceDown(p, senderPlayer, reliable, payload)
	}
}

// rejectWrongSession tells the sender which session this relay is running.
func (r *Relay) rejectWrongSession(peer codec.Peer) {
	r.metrics.CountError("relay")
	r.sendVoiceDown(peer, uuid.Nil, true, buildErrorWrongSession(r.sessionID))
}

func (r *Relay) sendVoiceDown(to Peer, from uuid.UUID, reliable bool, payload []byte) {
	data, err := r.codec.Marshal(&packets.VoiceDown{
		FromPlayer: from,
		Reliable:   reliable,
		Payload:    payload,
	})
	if err != nil {
		r.metrics.CountError("relay")
		r.logger.Errorf("marshaling voice down: %v", err)
		return
	}

	delivery := transport.Unreliable
	if reliable {
		delivery = transport.ReliableOrdered
	}
	if err := to.Send(data, delivery); err != nil {
		r.metrics.CountError("relay")
		r.logger.Warnf("send to %v failed: %v", to.Addr(), err)
	}
}

func (r *Relay) drop(format string, args ...interface{}) {
	r.metrics.CountError("relay")
	r.logger.Debugf("dropping payload: "+format, args...)
}
