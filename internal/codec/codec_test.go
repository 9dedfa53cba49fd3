package codec

import (
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/reverb-project/reverb/internal/metrics"
	"github.com/reverb-project/reverb/internal/transport"
)

type testPeer struct {
	addr net.Addr
}

func (p *testPeer) Addr() net.Addr {
	return p.addr
}

func (p *testPeer) Send(payload []byte, d transport.Delivery) error {
	return nil
}

type ping struct {
	Value uint32
}

func encodePing(w *Writer, msg interface{}) error {
	w.WriteUint32(msg.(*ping).Value)
	return nil
}

func decodePing(r *Reader) (interface{}, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return &ping{Value: v}, nil
}

func newTestCodec() (*Codec, *metrics.Metrics) {
	m := metrics.New()
	return New(zap.NewNop().Sugar(), m), m
}

func TestRoundTrip(t *testing.T) {
	c, _ := newTestCodec()
	if err := c.Register("test.Ping", &ping{}, encodePing, decodePing); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	var received *ping
	if err := c.Subscribe("test.Ping", func(peer Peer, msg interface{}) {
		received = msg.(*ping)
	}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	data, err := c.Marshal(&ping{Value: 42})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if err := c.Dispatch(&testPeer{}, data); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if received == nil || received.Value != 42 {
		t.Errorf("handler got %+v, want Value=42", received)
	}
}

func TestDuplicateRegister(t *testing.T) {
	c, _ := newTestCodec()
	if err := c.Register("test.Ping", &ping{}, encodePing, decodePing); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := c.Register("test.Ping", &ping{}, encodePing, decodePing); !errors.Is(err, ErrDuplicateRegister) {
		t.Errorf("expected ErrDuplicateRegister, got %v", err)
	}
}

func TestMarshalUnregistered(t *testing.T) {
	c, _ := newTestCodec()
	if _, err := c.Marshal(&ping{}); !errors.Is(err, ErrUnregisteredType) {
		t.Errorf("expected ErrUnregisteredType, got %v", err)
	}
}

func TestDispatchUnknownHash(t *testing.T) {
	c, m := newTestCodec()

	data := make([]byte, 12)
	err := c.Dispatch(&testPeer{}, data)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("expected ErrUnknownMessage, got %v", err)
	}
	if m.Errors()["codec"] != 1 {
		t.Errorf("expected the unknown hash to be counted")
	}
}

func TestDispatchShortMessage(t *testing.T) {
	c, m := newTestCodec()

	// Shorter than the hash prefix: silently discarded with a count.
	if err := c.Dispatch(&testPeer{}, []byte{1, 2, 3}); err != nil {
		t.Errorf("short messages should not error, got %v", err)
	}
	if m.Errors()["codec"] != 1 {
		t.Errorf("expected the short message to be counted")
	}
}

func TestHandlerPanicContained(t *testing.T) {
	c, m := newTestCodec()
	if err := c.Register("test.Ping", &ping{}, encodePing, decodePing); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	calls := 0
	_ = c.Subscribe("test.Ping", func(peer Peer, msg interface{}) {
		panic("boom")
	})
	_ = c.Subscribe("test.Ping", func(peer Peer, msg interface{}) {
		calls++
	})

	data, _ := c.Marshal(&ping{Value: 1})
	if err := c.Dispatch(&testPeer{addr: &net.UDPAddr{}}, data); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if calls != 1 {
		t.Errorf("a panicking handler must not block later subscribers, calls = %d", calls)
	}
	if m.Errors()["codec"] != 1 {
		t.Errorf("expected the panic to be counted")
	}
}

func TestHashStability(t *testing.T) {
	// The hash is derived from the canonical name only, so both ends of a
	// connection agree as long as they register the same names.
	if Hash("Reverb.VoiceUp") != Hash("Reverb.VoiceUp") {
		t.Error("hash is not deterministic")
	}
	if Hash("Reverb.VoiceUp") == Hash("Reverb.VoiceDown") {
		t.Error("distinct names should not collide")
	}
}

func TestWireRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteUint8(7)
	w.WriteBool(true)
	w.WriteUint16(0x1234)
	w.WriteUint32(0xDEADBEEF)
	w.WriteUint64(0x0102030405060708)
	w.WriteBytes([]byte("payload"))

	r := NewReader(w.Bytes())
	if v, _ := r.ReadUint8(); v != 7 {
		t.Errorf("uint8 = %d", v)
	}
	if v, _ := r.ReadBool(); !v {
		t.Error("bool = false")
	}
	if v, _ := r.ReadUint16(); v != 0x1234 {
		t.Errorf("uint16 = %#x", v)
	}
	if v, _ := r.ReadUint32(); v != 0xDEADBEEF {
		t.Errorf("uint32 = %#x", v)
	}
	if v, _ := r.ReadUint64(); v != 0x0102030405060708 {
		t.Errorf("uint64 = %#x", v)
	}
	if v, _ := r.ReadBytes(); string(v) != "payload" {
		t.Errorf("bytes = %q", v)
	}
	if r.Remaining() != 0 {
		t.Errorf("unconsumed bytes: %d", r.Remaining())
	}

	if _, err := r.ReadUint8(); !errors.Is(err, ErrTruncatedMessage) {
		t.Errorf("expected ErrTruncatedMessage at end of buffer, got %v", err)
	}
}
