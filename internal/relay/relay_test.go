package relay

import (
	"encoding/binary"
	"fmt"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reverb-project/reverb/internal/codec"
	"github.com/reverb-project/reverb/internal/metrics"
	"github.com/reverb-project/reverb/internal/packets"
	"github.com/reverb-project/reverb/internal/transport"
)

type sentMessage struct {
	data     []byte
	delivery transport.Delivery
}

type fakePeer struct {
	addr   *net.UDPAddr
	player uuid.UUID
	sent   []sentMessage
}

func (p *fakePeer) Addr() net.Addr {
	return p.addr
}

func (p *fakePeer) Send(data []byte, d transport.Delivery) error {
	p.sent = append(p.sent, sentMessage{data: data, delivery: d})
	return nil
}

type harness struct {
	t        *testing.T
	codec    *codec.Codec
	metrics  *metrics.Metrics
	relay    *Relay
	nextPort int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	m := metrics.New()
	c := codec.New(zap.NewNop().Sugar(), m)
	r, err := New(zap.NewNop().Sugar(), c, m, Options{})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return &harness{t: t, codec: c, metrics: m, relay: r, nextPort: 20000}
}

// addPeer binds a new fake peer whose player identifier is filled with
// playerByte, mirroring the host-level join flow.
func (h *harness) addPeer(playerByte byte) *fakePeer {
	h.t.Helper()

	var player uuid.UUID
	for i := range player {
		player[i] = playerByte
	}

	p := &fakePeer{
		addr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.nextPort},
		player: player,
	}
	h.nextPort++
	h.relay.BindPeer(p, player)
	return p
}

func (h *harness) sendVoiceUp(from *fakePeer, reliable bool, payload []byte) {
	h.t.Helper()

	data, err := h.codec.Marshal(&packets.VoiceUp{Reliable: reliable, Payload: payload})
	if err != nil {
		h.t.Fatalf("marshaling VoiceUp: %v", err)
	}
	if err := h.codec.Dispatch(from, data); err != nil {
		h.t.Fatalf("dispatching VoiceUp: %v", err)
	}
}

func (h *harness) sendVoiceDirected(from *fakePeer, target uuid.UUID, reliable bool, payload []byte) {
	h.t.Helper()

	data, err := h.codec.Marshal(&packets.VoiceDirected{TargetPlayer: target, Reliable: reliable, Payload: payload})
	if err != nil {
		h.t.Fatalf("marshaling VoiceDirected: %v", err)
	}
	if err := h.codec.Dispatch(from, data); err != nil {
		h.t.Fatalf("dispatching VoiceDirected: %v", err)
	}
}

// handshake performs a voice handshake for the peer and returns the client
// identifier the relay assigned. The peer's sent log is cleared.
func (h *harness) handshake(p *fakePeer, name string) uint16 {
	h.t.Helper()

	h.sendVoiceUp(p, true, handshakePayload(0x11, name))
	if len(p.sent) != 1 {
		h.t.Fatalf("expected exactly one handshake response, got %d messages", len(p.sent))
	}

	down := decodeVoiceDown(h.t, p.sent[0].data)
	if got := PayloadType(down.Payload[2]); got != TypeHandshakeResponse {
		h.t.Fatalf("expected handshake response, got payload type %d", got)
	}
	assigned := binary.BigEndian.Uint16(down.Payload[7:9])
	p.sent = nil
	return assigned
}

func handshakePayload(codecByte byte, name string) []byte {
	payload := appendPayloadHeader(nil, TypeHandshakeRequest)
	for i := 0; i < 9; i++ {
		payload = append(payload, codecByte)
	}
	return appendPrefixedString(payload, name)
}

func serverRelayPayload(t PayloadType, sessionID uint32, dests []uint16, inner []byte) []byte {
	payload := appendPayloadHeader(nil, t)
	payload = binary.BigEndian.AppendUint32(payload, sessionID)
	payload = append(payload, byte(len(dests)))
	for _, d := range dests {
		payload = binary.BigEndian.AppendUint16(payload, d)
	}
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(inner)))
	return append(payload, inner...)
}

func voicePayload(n int) []byte {
	payload := appendPayloadHeader(nil, TypeVoiceData)
	for i := 0; i < n; i++ {
		payload = append(payload, byte(i))
	}
	return payload
}

func decodeVoiceDown(t *testing.T, data []byte) *packets.VoiceDown {
	t.Helper()

	r := codec.NewReader(data)
	hash, err := r.ReadUint64()
	if err != nil || hash != codec.Hash(packets.VoiceDownName) {
		t.Fatalf("message is not a VoiceDown (hash %#x, err %v)", hash, err)
	}

	raw, err := r.ReadBytes()
	if err != nil {
		t.Fatalf("reading from_player: %v", err)
	}
	from, err := uuid.FromBytes(raw)
	if err != nil {
		t.Fatalf("parsing from_player: %v", err)
	}
	reliable, err := r.ReadBool()
	if err != nil {
		t.Fatalf("reading reliable flag: %v", err)
	}
	payload, err := r.ReadBytes()
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	return &packets.VoiceDown{FromPlayer: from, Reliable: reliable, Payload: payload}
}

// Scenario: a single client's handshake is answered with its assigned
// identifier and an empty roster.
func TestHandshakeSingleClient(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)

	h.sendVoiceUp(p1, true, handshakePayload(0x11, "A"))

	if len(p1.sent) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(p1.sent))
	}
	if p1.sent[0].delivery != transport.ReliableOrdered {
		t.Errorf("handshake response should be reliable, got %s", p1.sent[0].delivery)
	}

	down := decodeVoiceDown(t, p1.sent[0].data)
	if down.FromPlayer != uuid.Nil {
		t.Errorf("handshake response must come from the zero player, got %s", down.FromPlayer)
	}
	if !down.Reliable {
		t.Error("handshake response must set the reliable flag")
	}

	expected := appendPayloadHeader(nil, TypeHandshakeResponse)
	expected = binary.BigEndian.AppendUint32(expected, h.relay.SessionID())
	expected = binary.BigEndian.AppendUint16(expected, 1) // assigned client id
	expected = binary.BigEndian.AppendUint16(expected, 0) // other clients
	expected = binary.BigEndian.AppendUint16(expected, 0) // rooms
	expected = binary.BigEndian.AppendUint16(expected, 0) // channels
	if diff := cmp.Diff(expected, down.Payload); diff != "" {
		t.Errorf("handshake response payload mismatch, diff:\n%s", diff)
	}
}

// Scenario: plain voice from one client reaches every other client and
// nobody else, preserving the reliability flag.
func TestVoiceFanOut(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	h.handshake(p1, "A")
	h.handshake(p2, "B")

	payload := voicePayload(12)
	h.sendVoiceUp(p1, false, payload)

	if len(p1.sent) != 0 {
		t.Errorf("sender must not receive its own voice, got %d messages", len(p1.sent))
	}
	if len(p2.sent) != 1 {
		t.Fatalf("expected exactly one message to p2, got %d", len(p2.sent))
	}
	if p2.sent[0].delivery != transport.Unreliable {
		t.Errorf("unreliable voice must stay unreliable, got %s", p2.sent[0].delivery)
	}

	down := decodeVoiceDown(t, p2.sent[0].data)
	if down.FromPlayer != p1.player {
		t.Errorf("expected from_player %s, got %s", p1.player, down.FromPlayer)
	}
	if diff := cmp.Diff(payload, down.Payload); diff != "" {
		t.Errorf("payload must be forwarded verbatim, diff:\n%s", diff)
	}
}

// Property: fan-out reaches every registered peer other than the sender.
func TestFanOutCompleteness(t *testing.T) {
	h := newHarness(t)
	peers := make([]*fakePeer, 5)
	for i := range peers {
		peers[i] = h.addPeer(byte(0x10 + i))
		h.handshake(peers[i], fmt.Sprintf("client-%d", i))
	}

	h.sendVoiceUp(peers[0], true, voicePayload(20))

	if len(peers[0].sent) != 0 {
		t.Errorf("sender received %d messages", len(peers[0].sent))
	}
	for i, p := range peers[1:] {
		if len(p.sent) != 1 {
			t.Errorf("peer %d received %d messages, expected 1", i+1, len(p.sent))
		}
	}
}

// Scenario: a ServerRelay bearing the wrong session id earns the sender an
// ErrorWrongSession and nothing reaches anyone else.
func TestServerRelaySessionMismatch(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	h.handshake(p1, "A")
	h.handshake(p2, "B")

	payload := serverRelayPayload(TypeServerRelayReliable, h.relay.SessionID()^1, []uint16{2}, []byte{1, 2, 3})
	h.sendVoiceUp(p1, true, payload)

	if len(p2.sent) != 0 {
		t.Errorf("no other peer may receive anything, p2 got %d", len(p2.sent))
	}
	if len(p1.sent) != 1 {
		t.Fatalf("expected exactly one error message to p1, got %d", len(p1.sent))
	}

	down := decodeVoiceDown(t, p1.sent[0].data)
	if down.FromPlayer != uuid.Nil {
		t.Errorf("error message must come from the zero player")
	}

	expected := buildErrorWrongSession(h.relay.SessionID())
	if diff := cmp.Diff(expected, down.Payload); diff != "" {
		t.Errorf("error payload mismatch, diff:\n%s", diff)
	}
}

// A valid ServerRelay fans the inner payload out to each listed
// destination, skipping the sentinel and unknown client ids.
func TestServerRelayFanOut(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	p3 := h.addPeer(0xCC)
	h.handshake(p1, "A")
	id2 := h.handshake(p2, "B")
	h.handshake(p3, "C")

	inner := voicePayload(8)
	payload := serverRelayPayload(
		TypeServerRelayUnreliable,
		h.relay.SessionID(),
		[]uint16{id2, SentinelClientID, 0x7777},
		inner,
	)
	h.sendVoiceUp(p1, false, payload)

	if len(p2.sent) != 1 {
		t.Fatalf("expected one message to p2, got %d", len(p2.sent))
	}
	if p2.sent[0].delivery != transport.Unreliable {
		t.Errorf("ServerRelayUnreliable must fan out unreliably, got %s", p2.sent[0].delivery)
	}
	if len(p3.sent) != 0 {
		t.Errorf("p3 was not a destination but received %d messages", len(p3.sent))
	}

	down := decodeVoiceDown(t, p2.sent[0].data)
	if down.FromPlayer != p1.player {
		t.Errorf("expected from_player %s, got %s", p1.player, down.FromPlayer)
	}
	if diff := cmp.Diff(inner, down.Payload); diff != "" {
		t.Errorf("inner payload mismatch, diff:\n%s", diff)
	}
}

// Scenario: directed voice reaches the target peer and only the target.
func TestDirectedVoice(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	p3 := h.addPeer(0xCC)
	h.handshake(p1, "A")
	h.handshake(p2, "B")
	h.handshake(p3, "C")

	payload := voicePayload(10)
	h.sendVoiceDirected(p1, p2.player, true, payload)

	if len(p2.sent) != 1 {
		t.Fatalf("expected one message to the target, got %d", len(p2.sent))
	}
	if len(p1.sent) != 0 || len(p3.sent) != 0 {
		t.Errorf("only the target may receive directed voice (p1=%d p3=%d)", len(p1.sent), len(p3.sent))
	}

	down := decodeVoiceDown(t, p2.sent[0].data)
	if down.FromPlayer != p1.player {
		t.Errorf("expected from_player %s, got %s", p1.player, down.FromPlayer)
	}
	if diff := cmp.Diff(payload, down.Payload); diff != "" {
		t.Errorf("directed payload mismatch, diff:\n%s", diff)
	}
}

// Directed envelopes carrying server-only payload types are dropped.
func TestDirectedServerOnlyDropped(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	h.handshake(p1, "A")
	h.handshake(p2, "B")

	h.sendVoiceDirected(p1, p2.player, true, handshakePayload(0x22, "evil"))

	if len(p2.sent) != 0 {
		t.Errorf("server-only directed payload must not be forwarded, p2 got %d", len(p2.sent))
	}
	if h.metrics.Errors()["relay"] == 0 {
		t.Error("expected the drop to be counted")
	}
}

// Scenario: a disconnect broadcasts exactly one RemoveClient to each
// remaining peer and scrubs the client from the registry.
func TestRemoveClientOnDisconnect(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	p3 := h.addPeer(0xCC)
	h.handshake(p1, "A")
	id2 := h.handshake(p2, "B")
	h.handshake(p3, "C")

	// p2 listens to a room so we can observe the cleanup.
	h.relay.Registry().UpdateRoom(id2, "general", true)
	p1.sent, p3.sent = nil, nil

	h.relay.PeerDisconnected(p2)

	expected := appendPayloadHeader(nil, TypeRemoveClient)
	expected = binary.BigEndian.AppendUint32(expected, h.relay.SessionID())
	expected = binary.BigEndian.AppendUint16(expected, id2)
	expected = binary.BigEndian.AppendUint16(expected, 0)

	for name, p := range map[string]*fakePeer{"p1": p1, "p3": p3} {
		if len(p.sent) != 1 {
			t.Fatalf("%s expected exactly one notification, got %d", name, len(p.sent))
		}
		down := decodeVoiceDown(t, p.sent[0].data)
		if down.FromPlayer != uuid.Nil {
			t.Errorf("%s: notification must come from the zero player", name)
		}
		if diff := cmp.Diff(expected, down.Payload); diff != "" {
			t.Errorf("%s: notification payload mismatch, diff:\n%s", name, diff)
		}
	}

	reg := h.relay.Registry()
	if _, ok := reg.PlayerForClient(id2); ok {
		t.Error("departed client still resolvable in the registry")
	}
	if rooms := reg.RoomsOf(id2); len(rooms) != 0 {
		t.Errorf("departed client still in rooms %v", rooms)
	}
	if clients := reg.ClientsIn("general"); len(clients) != 0 {
		t.Errorf("room index still lists %v", clients)
	}
}

// Scenario: a peer-to-peer handshake smuggled inside a ServerRelay
// envelope is dropped entirely.
func TestBlockedPeerToPeerHandshake(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	h.handshake(p1, "A")
	id2 := h.handshake(p2, "B")

	before := h.metrics.Errors()["relay"]
	inner := appendPayloadHeader(nil, TypeHandshakePeerToPeer)
	inner = append(inner, 0x00)
	h.sendVoiceUp(p1, true, serverRelayPayload(TypeServerRelayReliable, h.relay.SessionID(), []uint16{id2}, inner))

	if len(p2.sent) != 0 {
		t.Errorf("blocked payload must not be forwarded, p2 got %d", len(p2.sent))
	}
	if h.metrics.Errors()["relay"] <= before {
		t.Error("expected the blocked handshake to be counted")
	}
}

// Property: repeating the handshake keeps the client id stable and
// refreshes the stored metadata.
func TestIdempotentHandshake(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)

	first := h.handshake(p1, "before")
	h.handshake(p2, "B")
	second := h.handshake(p1, "after")

	if first != second {
		t.Errorf("client id changed across handshakes: %d then %d", first, second)
	}

	roster := h.relay.Registry().MetadataExcept(0)
	var name string
	for _, meta := range roster {
		if meta.ClientID == first {
			name = meta.Name
		}
	}
	if name != "after" {
		t.Errorf("metadata not refreshed, name = %q", name)
	}
}

// A second client's handshake response lists the first client's metadata.
func TestHandshakeListsExistingClients(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	id1 := h.handshake(p1, "alice")

	h.sendVoiceUp(p2, true, handshakePayload(0x33, "bob"))
	down := decodeVoiceDown(t, p2.sent[0].data)

	expected := appendPayloadHeader(nil, TypeHandshakeResponse)
	expected = binary.BigEndian.AppendUint32(expected, h.relay.SessionID())
	expected = binary.BigEndian.AppendUint16(expected, 2) // assigned to bob
	expected = binary.BigEndian.AppendUint16(expected, 1) // one other client
	expected = appendPrefixedString(expected, "alice")
	expected = binary.BigEndian.AppendUint16(expected, id1)
	for i := 0; i < 9; i++ {
		expected = append(expected, 0x11)
	}
	expected = binary.BigEndian.AppendUint16(expected, 0)
	expected = binary.BigEndian.AppendUint16(expected, 0)

	if diff := cmp.Diff(expected, down.Payload); diff != "" {
		t.Errorf("roster payload mismatch, diff:\n%s", diff)
	}
}

// ClientState replaces the sender's rooms and is rebroadcast verbatim.
func TestClientStateUpdatesRooms(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	id1 := h.handshake(p1, "A")
	h.handshake(p2, "B")

	payload := appendPayloadHeader(nil, TypeClientState)
	payload = binary.BigEndian.AppendUint32(payload, h.relay.SessionID())
	payload = binary.BigEndian.AppendUint16(payload, id1)
	payload = binary.BigEndian.AppendUint16(payload, 2)
	payload = appendPrefixedString(payload, "general")
	payload = appendPrefixedString(payload, "team")
	h.sendVoiceUp(p1, true, payload)

	reg := h.relay.Registry()
	if diff := cmp.Diff([]string{"general", "team"}, reg.RoomsOf(id1)); diff != "" {
		t.Errorf("rooms mismatch, diff:\n%s", diff)
	}

	if len(p2.sent) != 1 {
		t.Fatalf("expected the state to be rebroadcast, p2 got %d", len(p2.sent))
	}
	down := decodeVoiceDown(t, p2.sent[0].data)
	if down.FromPlayer != p1.player {
		t.Errorf("rebroadcast must carry the sender's player id")
	}
	if diff := cmp.Diff(payload, down.Payload); diff != "" {
		t.Errorf("state must be rebroadcast verbatim, diff:\n%s", diff)
	}

	// A delta leave pulls the client back out of one room.
	delta := appendPayloadHeader(nil, TypeDeltaChannelState)
	delta = binary.BigEndian.AppendUint32(delta, h.relay.SessionID())
	delta = append(delta, 0x00) // leave
	delta = binary.BigEndian.AppendUint16(delta, id1)
	delta = appendPrefixedString(delta, "team")
	h.sendVoiceUp(p1, true, delta)

	if diff := cmp.Diff([]string{"general"}, reg.RoomsOf(id1)); diff != "" {
		t.Errorf("rooms after delta mismatch, diff:\n%s", diff)
	}
}

// Text routed at a single client reaches only that client; room text fans
// out like voice.
func TestTextDataRouting(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	p3 := h.addPeer(0xCC)
	h.handshake(p1, "A")
	id2 := h.handshake(p2, "B")
	h.handshake(p3, "C")

	unicast := appendPayloadHeader(nil, TypeTextData)
	unicast = binary.BigEndian.AppendUint32(unicast, h.relay.SessionID())
	unicast = append(unicast, textRecipientClient)
	unicast = binary.BigEndian.AppendUint16(unicast, id2)
	unicast = append(unicast, []byte("hello")...)
	h.sendVoiceUp(p1, true, unicast)

	if len(p2.sent) != 1 || len(p3.sent) != 0 {
		t.Fatalf("unicast text misrouted (p2=%d p3=%d)", len(p2.sent), len(p3.sent))
	}
	p2.sent = nil

	room := appendPayloadHeader(nil, TypeTextData)
	room = binary.BigEndian.AppendUint32(room, h.relay.SessionID())
	room = append(room, textRecipientRoom)
	room = binary.BigEndian.AppendUint16(room, 0)
	room = append(room, []byte("hello room")...)
	h.sendVoiceUp(p1, true, room)

	if len(p2.sent) != 1 || len(p3.sent) != 1 {
		t.Errorf("room text must reach all other peers (p2=%d p3=%d)", len(p2.sent), len(p3.sent))
	}
}

// Payloads without the voice magic fall through to the default relay
// behavior instead of being parsed.
func TestUnknownPayloadRelayedAsVoice(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	p2 := h.addPeer(0xBB)
	h.handshake(p1, "A")
	h.handshake(p2, "B")

	junk := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}
	h.sendVoiceUp(p1, false, junk)

	if len(p2.sent) != 1 {
		t.Fatalf("expected junk to be relayed as voice, p2 got %d", len(p2.sent))
	}
	down := decodeVoiceDown(t, p2.sent[0].data)
	if diff := cmp.Diff(junk, down.Payload); diff != "" {
		t.Errorf("junk must be forwarded verbatim, diff:\n%s", diff)
	}
}

// Once the identifier space is exhausted, a handshake is dropped and
// counted instead of being answered.
func TestHandshakeRefusedWhenIDsExhausted(t *testing.T) {
	h := newHarness(t)
	p1 := h.addPeer(0xAA)
	h.relay.registry.nextClientID = SentinelClientID

	before := h.metrics.Errors()["relay"]
	h.sendVoiceUp(p1, true, handshakePayload(0x11, "late"))

	if len(p1.sent) != 0 {
		t.Errorf("exhausted relay must not answer the handshake, got %d messages", len(p1.sent))
	}
	if h.metrics.Errors()["relay"] <= before {
		t.Error("expected the refused handshake to be counted")
	}
}

// Voice from a peer the host never bound is dropped.
func TestUnboundPeerDropped(t *testing.T) {
	h := newHarness(t)
	bound := h.addPeer(0xAA)
	h.handshake(bound, "A")

	stranger := &fakePeer{addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 39999}}
	before := h.metrics.Errors()["relay"]
	h.sendVoiceUp(stranger, false, voicePayload(4))

	if len(bound.sent) != 0 {
		t.Errorf("voice from an unbound peer must not be relayed, got %d", len(bound.sent))
	}
	if h.metrics.Errors()["relay"] <= before {
		t.Error("expected the drop to be counted")
	}
}
