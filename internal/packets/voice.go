// Package packets defines the transport-level envelopes that carry opaque
// voice payloads between clients and the relay.
package packets

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/reverb-project/reverb/internal/codec"
)

// Canonical codec names for the voice envelopes. These must match on the
// client or the type hashes will not line up.
const (
	VoiceUpName       = "Reverb.VoiceUp"
	VoiceDownName     = "Reverb.VoiceDown"
	VoiceDirectedName = "Reverb.VoiceDirected"
)

// VoiceUp carries a voice payload from a client to the relay.
type VoiceUp struct {
	Reliable bool
	Payload  []byte
}

// VoiceDown carries a voice payload from the relay to a client. FromPlayer
// is the originating player, or the zero identifier for relay-originated
// messages such as handshake responses and errors.
type VoiceDown struct {
	FromPlayer uuid.UUID
	Reliable   bool
	Payload    []byte
}

// VoiceDirected carries a voice payload from a client (acting as host)
// that the relay should deliver to exactly one target player.
type VoiceDirected struct {
	TargetPlayer uuid.UUID
	Reliable     bool
	Payload      []byte
}

// Register installs the writer/reader pairs for all three envelopes and
// their nested player-identifier layout. Call this before any traffic flows.
func Register(c *codec.Codec) error {
	if err := c.Register(VoiceUpName, &VoiceUp{}, encodeVoiceUp, decodeVoiceUp); err != nil {
		return err
	}
	if err := c.Register(VoiceDownName, &VoiceDown{}, encodeVoiceDown, decodeVoiceDown); err != nil {
		return err
	}
	return c.Register(VoiceDirectedName, &VoiceDirected{}, encodeVoiceDirected, decodeVoiceDirected)
}

// Player identifiers travel as 16 raw bytes, length-prefixed by the codec.

func writePlayerID(w *codec.Writer, id uuid.UUID) {
	w.WriteBytes(id[:])
}

func readPlayerID(r *codec.Reader) (uuid.UUID, error) {
	raw, err := r.ReadBytes()
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("player identifier: %w", err)
	}
	return id, nil
}

func encodeVoiceUp(w *codec.Writer, msg interface{}) error {
	m := msg.(*VoiceUp)
	w.WriteBool(m.Reliable)
	w.WriteBytes(m.Payload)
	return nil
}

func decodeVoiceUp(r *codec.Reader) (interface{}, error) {
	m := &VoiceUp{}
	var err error
	if m.Reliable, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if m.Payload, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeVoiceDown(w *codec.Writer, msg interface{}) error {
	m := msg.(*VoiceDown)
	writePlayerID(w, m.FromPlayer)
	w.WriteBool(m.Reliable)
	w.WriteBytes(m.Payload)
	return nil
}

func decodeVoiceDown(r *codec.Reader) (interface{}, error) {
	m := &VoiceDown{}
	var err error
	if m.FromPlayer, err = readPlayerID(r); err != nil {
		return nil, err
	}
	if m.Reliable, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if m.Payload, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeVoiceDirected(w *codec.Writer, msg interface{}) error {
	m := msg.(*VoiceDirected)
	writePlayerID(w, m.TargetPlayer)
	w.WriteBool(m.Reliable)
	w.WriteBytes(m.Payload)
	return nil
}

func decodeVoiceDirected(r *codec.Reader) (interface{}, error) {
	m := &VoiceDirected{}
	var err error
	if m.TargetPlayer, err = readPlayerID(r); err != nil {
		return nil, err
	}
	if m.Reliable, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if m.Payload, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	return m, nil
}
