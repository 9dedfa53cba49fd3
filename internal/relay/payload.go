package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic marks the start of every voice payload. Big-endian on the wire, as
// is every multi-byte integer inside a voice payload.
const Magic uint16 = 0x8BC7

// payloadHeaderSize covers the magic and the message-type discriminant.
const payloadHeaderSize = 3

// PayloadType is the discriminant in the third byte of a voice payload.
type PayloadType uint8

const (
	TypeClientState           PayloadType = 1
	TypeVoiceData             PayloadType = 2
	TypeTextData              PayloadType = 3
	TypeHandshakeRequest      PayloadType = 4
	TypeHandshakeResponse     PayloadType = 5
	TypeErrorWrongSession     PayloadType = 6
	TypeServerRelayReliable   PayloadType = 7
	TypeServerRelayUnreliable PayloadType = 8
	TypeDeltaChannelState     PayloadType = 9
	TypeRemoveClient          PayloadType = 10
	TypeHandshakePeerToPeer   PayloadType = 11
)

// serverOnly reports whether a payload type must never be forwarded
// peer-to-peer through a directed envelope.
func serverOnly(t PayloadType) bool {
	switch t {
	case TypeClientState, TypeTextData, TypeHandshakeRequest, TypeHandshakeResponse,
		TypeErrorWrongSession, TypeServerRelayReliable, TypeServerRelayUnreliable,
		TypeDeltaChannelState, TypeRemoveClient, TypeHandshakePeerToPeer:
		return true
	}
	return false
}

var ErrShortPayload = errors.New("relay: payload too short")

// classify reads the magic and discriminant off the front of a payload.
// known is false when the magic does not match; such payloads fall through
// to the default relay behavior.
func classify(payload []byte) (t PayloadType, known bool, err error) {
	if len(payload) < payloadHeaderSize {
		return 0, false, ErrShortPayload
	}
	if binary.BigEndian.Uint16(payload[0:2]) != Magic {
		return 0, false, nil
	}
	return PayloadType(payload[2]), true, nil
}

// Strings inside voice payloads use the length-prefix convention of the
// client's voice library: a big-endian u16 where zero means empty and a
// non-zero value means length-1 UTF-8 bytes follow.

func appendPrefixedString(buf []byte, s string) []byte {
	if s == "" {
		return binary.BigEndian.AppendUint16(buf, 0)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)+1))
	return append(buf, s...)
}

func readPrefixedString(data []byte) (s string, rest []byte, err error) {
	if len(data) < 2 {
		return "", nil, ErrShortPayload
	}
	length := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if length == 0 {
		return "", data, nil
	}
	length--
	if len(data) < length {
		return "", nil, ErrShortPayload
	}
	return string(data[:length]), data[length:], nil
}

// handshakeRequest is the parsed body of a TypeHandshakeRequest payload:
// 9 opaque codec-settings bytes followed by the client's display name.
type handshakeRequest struct {
	CodecSettings [9]byte
	Name          string
}

func parseHandshakeRequest(payload []byte) (*handshakeRequest, error) {
	body := payload[payloadHeaderSize:]
	if len(body) < 9 {
		return nil, fmt.Errorf("handshake request: %w", ErrShortPayload)
	}

	req := &handshakeRequest{}
	copy(req.CodecSettings[:], body[:9])

	name, _, err := readPrefixedString(body[9:])
	if err != nil {
		return nil, fmt.Errorf("handshake request name: %w", err)
	}
	req.Name = name
	return req, nil
}

// serverRelay is the parsed body of a ServerRelay* payload: a session id,
// a destination list, and an inner payload the relay fans out verbatim.
type serverRelay struct {
	SessionID    uint32
	Destinations []uint16
	Inner        []byte
}

func parseServerRelay(payload []byte) (*serverRelay, error) {
	body := payload[payloadHeaderSize:]
	if len(body) < 5 {
		return nil, fmt.Errorf("server relay: %w", ErrShortPayload)
	}

	env := &serverRelay{SessionID: binary.BigEndian.Uint32(body[0:4])}
	count := int(body[4])
	body = body[5:]

	if len(body) < 2*count+2 {
		return nil, fmt.Errorf("server relay destinations: %w", ErrShortPayload)
	}
	for i := 0; i < count; i++ {
		env.Destinations = append(env.Destinations, binary.BigEndian.Uint16(body[2*i:]))
	}
	body = body[2*count:]

	innerLen := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]
	if len(body) < innerLen {
		return nil, fmt.Errorf("server relay inner payload: %w", ErrShortPayload)
	}
	env.Inner = body[:innerLen]
	return env, nil
}

// textData is the parsed addressing header of a TypeTextData payload:
// a session id, a recipient kind, and the recipient. The text itself stays
// opaque; the relay only routes.
type textData struct {
	SessionID     uint32
	RoomAddressed bool
	TargetClient  uint16
}

const (
	textRecipientClient byte = 0
	textRecipientRoom   byte = 1
)

func parseTextData(payload []byte) (*textData, error) {
	body := payload[payloadHeaderSize:]
	if len(body) < 7 {
		return nil, fmt.Errorf("text data: %w", ErrShortPayload)
	}
	return &textData{
		SessionID:     binary.BigEndian.Uint32(body[0:4]),
		RoomAddressed: body[4] == textRecipientRoom,
		TargetClient:  binary.BigEndian.Uint16(body[5:7]),
	}, nil
}

// clientState is the parsed body of a TypeClientState payload: the full set
// of rooms the client is listening to, which replaces its previous set.
type clientState struct {
	SessionID uint32
	ClientID  uint16
	Rooms     []string
}

func parseClientState(payload []byte) (*clientState, error) {
	body := payload[payloadHeaderSize:]
	if len(body) < 8 {
		return nil, fmt.Errorf("client state: %w", ErrShortPayload)
	}

	cs := &clientState{
		SessionID: binary.BigEndian.Uint32(body[0:4]),
		ClientID:  binary.BigEndian.Uint16(body[4:6]),
	}
	count := int(binary.BigEndian.Uint16(body[6:8]))
	rest := body[8:]

	for i := 0; i < count; i++ {
		var room string
		var err error
		if room, rest, err = readPrefixedString(rest); err != nil {
			return nil, fmt.Errorf("client state rooms: %w", err)
		}
		cs.Rooms = append(cs.Rooms, room)
	}
	return cs, nil
}

// channelDelta is the parsed body of a TypeDeltaChannelState payload: a
// single join or leave for one room.
type channelDelta struct {
	SessionID uint32
	Joined    bool
	ClientID  uint16
	Room      string
}

const deltaJoinedFlag = 0x01

func parseChannelDelta(payload []byte) (*channelDelta, error) {
	body := payload[payloadHeaderSize:]
	if len(body) < 7 {
		return nil, fmt.Errorf("channel delta: %w", ErrShortPayload)
	}

	delta := &channelDelta{
		SessionID: binary.BigEndian.Uint32(body[0:4]),
		Joined:    body[4]&deltaJoinedFlag != 0,
		ClientID:  binary.BigEndian.Uint16(body[5:7]),
	}
	room, _, err := readPrefixedString(body[7:])
	if err != nil {
		return nil, fmt.Errorf("channel delta room: %w", err)
	}
	delta.Room = room
	return delta, nil
}

func appendPayloadHeader(buf []byte, t PayloadType) []byte {
	buf = binary.BigEndian.AppendUint16(buf, Magic)
	return append(buf, byte(t))
}

// buildHandshakeResponse constructs the response payload listing every
// other currently-registered client with complete metadata.
func buildHandshakeResponse(sessionID uint32, assignedID uint16, others []ClientMetadata) []byte {
	buf := appendPayloadHeader(nil, TypeHandshakeResponse)
	buf = binary.BigEndian.AppendUint32(buf, sessionID)
	buf = binary.BigEndian.AppendUint16(buf, assignedID)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(others)))
	for _, meta := range others {
		buf = appendPrefixedString(buf, meta.Name)
		buf = binary.BigEndian.AppendUint16(buf, meta.ClientID)
		buf = append(buf, meta.CodecSettings[:]...)
	}

	// Room and channel lists are unused by this protocol revision.
	buf = binary.BigEndian.AppendUint16(buf, 0)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	return buf
}

// buildErrorWrongSession constructs the 11-byte error payload carrying the
// relay's actual session id twice.
func buildErrorWrongSession(sessionID uint32) []byte {
	buf := appendPayloadHeader(nil, TypeErrorWrongSession)
	buf = binary.BigEndian.AppendUint32(buf, sessionID)
	return binary.BigEndian.AppendUint32(buf, sessionID)
}

// buildRemoveClient constructs the 11-byte notification that a client has
// left the session.
func buildRemoveClient(sessionID uint32, clientID uint16) []byte {
	buf := appendPayloadHeader(nil, TypeRemoveClient)
	buf = binary.BigEndian.AppendUint32(buf, sessionID)
	buf = binary.BigEndian.AppendUint16(buf, clientID)
	return binary.BigEndian.AppendUint16(buf, 0)
}
