// Package codec serializes strongly-typed application messages over opaque
// byte buffers. Each registered message type is assigned a stable 8-byte
// hash derived from its canonical name; the hash prefixes every message on
// the wire and dispatches inbound messages to subscribers.
package codec

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"reflect"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/reverb-project/reverb/internal/metrics"
	"github.com/reverb-project/reverb/internal/transport"
)

// Peer is the subset of a transport peer the codec and its subscribers
// need: an address for context and a reliability-class send method.
type Peer interface {
	Addr() net.Addr
	Send(payload []byte, d transport.Delivery) error
}

// EncodeFunc serializes msg into w. It is handed the exact type it was
// registered with.
type EncodeFunc func(w *Writer, msg interface{}) error

// DecodeFunc reconstructs a message from r.
type DecodeFunc func(r *Reader) (interface{}, error)

// Handler is invoked for each inbound message of a subscribed type, with
// the originating peer as context.
type Handler func(peer Peer, msg interface{})

// The size of the type-hash prefix on every message.
const hashPrefixSize = 8

var (
	ErrUnknownMessage    = errors.New("codec: unknown message hash")
	ErrUnregisteredType  = errors.New("codec: message type is not registered")
	ErrDuplicateRegister = errors.New("codec: message name already registered")
)

type entry struct {
	name     string
	hash     uint64
	encode   EncodeFunc
	decode   DecodeFunc
	handlers []Handler
}

// Codec maps message types to their wire form. Registration must match on
// both ends of a connection: both peers have to register the same canonical
// names with compatible encode/decode pairs before any traffic flows.
type Codec struct {
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	byHash map[uint64]*entry
	byName map[string]*entry
	byType map[reflect.Type]*entry
}

func New(logger *zap.SugaredLogger, m *metrics.Metrics) *Codec {
	return &Codec{
		logger:  logger,
		metrics: m,
		byHash:  make(map[uint64]*entry),
		byName:  make(map[string]*entry),
		byType:  make(map[reflect.Type]*entry),
	}
}

// Hash returns the stable 8-byte identifier for a canonical message name.
func Hash(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// Register binds a canonical name and a prototype message value to an
// encode/decode pair. The prototype's concrete type is what Marshal keys
// on, so register with the same pointer-ness you pass to Marshal.
func (c *Codec) Register(name string, prototype interface{}, enc EncodeFunc, dec DecodeFunc) error {
	if _, exists := c.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRegister, name)
	}

	e := &entry{name: name, hash: Hash(name), encode: enc, decode: dec}
	if other, collision := c.byHash[e.hash]; collision {
		return fmt.Errorf("codec: hash collision between %s and %s", name, other.name)
	}

	c.byHash[e.hash] = e
	c.byName[name] = e
	c.byType[reflect.TypeOf(prototype)] = e
	return nil
}

// Subscribe registers a handler invoked for each inbound message of the
// named type.
func (c *Codec) Subscribe(name string, h Handler) error {
	e, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredType, name)
	}
	e.handlers = append(e.handlers, h)
	return nil
}

// Marshal serializes msg with its hash prefix, ready for the transport.
func (c *Codec) Marshal(msg interface{}) ([]byte, error) {
	e, ok := c.byType[reflect.TypeOf(msg)]
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnregisteredType, msg)
	}

	w := NewWriter()
	w.WriteUint64(e.hash)
	if err := e.encode(w, msg); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", e.name, err)
	}
	return w.Bytes(), nil
}

// Dispatch reads one message out of data and invokes its subscribers with
// peer as context. Messages shorter than the hash prefix are discarded with
// a count; a panicking handler is contained and does not interrupt the
// caller's poll cycle.
func (c *Codec) Dispatch(peer Peer, data []byte) error {
	if len(data) < hashPrefixSize {
		c.metrics.CountError("codec")
		return nil
	}

	r := NewReader(data)
	hash, _ := r.ReadUint64()

	e, ok := c.byHash[hash]
	if !ok {
		c.metrics.CountError("codec")
		return fmt.Errorf("%w: %#x", ErrUnknownMessage, hash)
	}

	msg, err := e.decode(r)
	if err != nil {
		c.metrics.CountError("codec")
		return fmt.Errorf("decoding %s: %w", e.name, err)
	}

	for _, h := range e.handlers {
		c.invoke(h, e.name, peer, msg)
	}
	return nil
}

func (c *Codec) invoke(h Handler, name string, peer Peer, msg interface{}) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.CountError("codec")
			c.logger.Errorf("handler panic for %s from %v: %v\n%s", name, peer.Addr(), r, debug.Stack())
		}
	}()
	h(peer, msg)
}
