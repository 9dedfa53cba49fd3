package relay

import (
	"errors"
	"net"
	"sort"

	"github.com/google/uuid"

	"github.com/reverb-project/reverb/internal/transport"
)

// Peer is the handle the relay keeps for a transport connection: an address
// and a reliability-class send method. The transport owns the peer; the
// relay only holds references.
type Peer interface {
	Addr() net.Addr
	Send(payload []byte, d transport.Delivery) error
}

// SentinelClientID is the reserved destination value meaning "no destination".
const SentinelClientID uint16 = 0xFFFF

// ErrClientIDsExhausted is returned when the 16-bit identifier space has
// been fully allocated. Identifiers are never reused while the relay runs.
var ErrClientIDsExhausted = errors.New("relay: client identifier space exhausted")

// ClientMetadata is the per-client record captured from the handshake and
// replayed to newly joining clients.
type ClientMetadata struct {
	PlayerID      uuid.UUID
	ClientID      uint16
	Name          string
	CodecSettings [9]byte
}

// Registry is the lifecycle bookkeeping for the peer / player / client-id /
// metadata / room relation. It is owned exclusively by the relay and only
// mutated from handler context, so it needs no locking.
type Registry struct {
	players         map[Peer]uuid.UUID
	peers           map[uuid.UUID]Peer
	clientIDs       map[uuid.UUID]uint16
	playersByClient map[uint16]uuid.UUID
	metadata        map[uint16]*ClientMetadata

	roomsByClient map[uint16]map[string]struct{}
	clientsByRoom map[string]map[uint16]struct{}

	nextClientID uint16
}

func NewRegistry() *Registry {
	return &Registry{
		players:         make(map[Peer]uuid.UUID),
		peers:           make(map[uuid.UUID]Peer),
		clientIDs:       make(map[uuid.UUID]uint16),
		playersByClient: make(map[uint16]uuid.UUID),
		metadata:        make(map[uint16]*ClientMetadata),
		roomsByClient:   make(map[uint16]map[string]struct{}),
		clientsByRoom:   make(map[string]map[uint16]struct{}),
		nextClientID:    1,
	}
}

// Bind associates a peer with its host-assigned player identifier. No
// client identifier exists until the peer's first voice handshake.
func (r *Registry) Bind(p Peer, player uuid.UUID) {
	r.players[p] = player
	r.peers[player] = p
}

// Unbind removes every relation for the peer and returns what existed so
// the caller can broadcast the removal.
func (r *Registry) Unbind(p Peer) (player uuid.UUID, clientID uint16, hadClient bool) {
	player, bound := r.players[p]
	if !bound {
		return uuid.Nil, 0, false
	}

	delete(r.players, p)
	delete(r.peers, player)

	clientID, hadClient = r.clientIDs[player]
	if !hadClient {
		return player, 0, false
	}

	delete(r.clientIDs, player)
	delete(r.playersByClient, clientID)
	delete(r.metadata, clientID)
	r.SetRooms(clientID, nil)
	return player, clientID, true
}

// AssignClientID allocates the next client identifier for the player, or
// returns the existing one. Identifiers move forward only; neither zero nor
// the sentinel is ever handed out.
func (r *Registry) AssignClientID(player uuid.UUID) (uint16, error) {
	if id, ok := r.clientIDs[player]; ok {
		return id, nil
	}
	if r.nextClientID == SentinelClientID {
		return 0, ErrClientIDsExhausted
	}

	id := r.nextClientID
	r.nextClientID++
	r.clientIDs[player] = id
	r.playersByClient[id] = player
	return id, nil
}

func (r *Registry) PeerFor(player uuid.UUID) (Peer, bool) {
	p, ok := r.peers[player]
	return p, ok
}

func (r *Registry) PlayerFor(p Peer) (uuid.UUID, bool) {
	player, ok := r.players[p]
	return player, ok
}

func (r *Registry) ClientIDFor(player uuid.UUID) (uint16, bool) {
	id, ok := r.clientIDs[player]
	return id, ok
}

func (r *Registry) PlayerForClient(clientID uint16) (uuid.UUID, bool) {
	player, ok := r.playersByClient[clientID]
	return player, ok
}

// PeersExcept returns every bound peer other than the given one.
func (r *Registry) PeersExcept(except Peer) []Peer {
	peers := make([]Peer, 0, len(r.players))
	for p := range r.players {
		if p != except {
			peers = append(peers, p)
		}
	}
	return peers
}

// SetMetadata stores the display name and codec settings captured from a
// handshake, replacing any previous record for the client.
func (r *Registry) SetMetadata(clientID uint16, player uuid.UUID, name string, codecSettings [9]byte) {
	r.metadata[clientID] = &ClientMetadata{
		PlayerID:      player,
		ClientID:      clientID,
		Name:          name,
		CodecSettings: codecSettings,
	}
}

// AllMetadata returns the metadata of every handshook client, ordered by
// client identifier.
func (r *Registry) AllMetadata() []ClientMetadata {
	return r.MetadataExcept(0)
}

// MetadataExcept returns the metadata of every client other than the given
// one, ordered by client identifier. Clients that have not completed a
// handshake have no metadata and do not appear.
func (r *Registry) MetadataExcept(clientID uint16) []ClientMetadata {
	out := make([]ClientMetadata, 0, len(r.metadata))
	for id, meta := range r.metadata {
		if id != clientID {
			out = append(out, *meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// SetRooms replaces the client's room memberships with the given set,
// keeping both inverted indices consistent.
func (r *Registry) SetRooms(clientID uint16, rooms []string) {
	for room := range r.roomsByClient[clientID] {
		r.removeFromRoom(clientID, room)
	}
	delete(r.roomsByClient, clientID)

	for _, room := range rooms {
		r.UpdateRoom(clientID, room, true)
	}
}

// UpdateRoom applies a single join or leave.
func (r *Registry) UpdateRoom(clientID uint16, room string, joined bool) {
	if !joined {
		r.removeFromRoom(clientID, room)
		if members := r.roomsByClient[clientID]; members != nil {
			delete(members, room)
			if len(members) == 0 {
				delete(r.roomsByClient, clientID)
			}
		}
		return
	}

	if r.roomsByClient[clientID] == nil {
		r.roomsByClient[clientID] = make(map[string]struct{})
	}
	r.roomsByClient[clientID][room] = struct{}{}

	if r.clientsByRoom[room] == nil {
		r.clientsByRoom[room] = make(map[uint16]struct{})
	}
	r.clientsByRoom[room][clientID] = struct{}{}
}

func (r *Registry) removeFromRoom(clientID uint16, room string) {
	members, ok := r.clientsByRoom[room]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(r.clientsByRoom, room)
	}
}

// RoomsOf returns the sorted set of rooms the client is listening to.
func (r *Registry) RoomsOf(clientID uint16) []string {
	rooms := make([]string, 0, len(r.roomsByClient[clientID]))
	for room := range r.roomsByClient[clientID] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// ClientsIn returns the sorted set of clients listening to the room.
func (r *Registry) ClientsIn(room string) []uint16 {
	clients := make([]uint16, 0, len(r.clientsByRoom[room]))
	for id := range r.clientsByRoom[room] {
		clients = append(clients, id)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}
