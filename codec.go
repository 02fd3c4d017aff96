package proxypass

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"golang.org/x/crypto/cryptobyte"
)

// Kind identifies a message type on the wire.
type Kind uint32

const (
	KindLogin                      Kind = 0x01
	KindPlayStatus                 Kind = 0x02
	KindServerToClientHandshake    Kind = 0x03
	KindClientToServerHandshake    Kind = 0x04
	KindDisconnect                 Kind = 0x05
	KindText                       Kind = 0x09
	KindStartGame                  Kind = 0x0b
	KindUpdateBlock                Kind = 0x15
	KindMobEquipment               Kind = 0x1f
	KindAvailableEntityIdentifiers Kind = 0x77
	KindNetworkSettings            Kind = 0x8f
	KindItemRegistry               Kind = 0xa2
	KindRequestNetworkSettings     Kind = 0xc1
)

var kindNames = map[Kind]string{
	KindLogin:                      "Login",
	KindPlayStatus:                 "PlayStatus",
	KindServerToClientHandshake:    "ServerToClientHandshake",
	KindClientToServerHandshake:    "ClientToServerHandshake",
	KindDisconnect:                 "Disconnect",
	KindText:                       "Text",
	KindStartGame:                  "StartGame",
	KindUpdateBlock:                "UpdateBlock",
	KindMobEquipment:               "MobEquipment",
	KindAvailableEntityIdentifiers: "AvailableEntityIdentifiers",
	KindNetworkSettings:            "NetworkSettings",
	KindItemRegistry:               "ItemRegistry",
	KindRequestNetworkSettings:     "RequestNetworkSettings",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02x)", uint32(k))
}

// KindByName resolves a message name as used in config.yml.
func KindByName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// KindNames lists every message name the built-in codec knows, sorted.
func KindNames() []string {
	names := make([]string, 0, len(kindNames))
	for _, n := range kindNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Message is a decoded protocol message.
type Message interface {
	Kind() Kind
}

// Codec encodes and decodes message payloads (without the packet header).
// The helper carries the per-connection registries negotiated during login.
type Codec interface {
	Encode(h *CodecHelper, m Message) ([]byte, error)
	Decode(h *CodecHelper, kind Kind, payload []byte) (Message, error)
}

// ErrUnknownItem is returned when encoding an item or block name that the
// connection's registry does not know.
var ErrUnknownItem = errors.New("name not in registry")

// wireMessage is a message the built-in codec knows how to (de)serialize.
type wireMessage interface {
	Message
	marshal(w *writer, h *CodecHelper) error
	unmarshal(r *reader, h *CodecHelper) error
}

type codec struct {
	factories map[Kind]func() wireMessage
}

// NewCodec returns the built-in codec. Kinds it does not know decode to
// *Unknown and are carried through verbatim.
func NewCodec() Codec {
	return &codec{factories: map[Kind]func() wireMessage{
		KindLogin:                      func() wireMessage { return &Login{} },
		KindPlayStatus:                 func() wireMessage { return &PlayStatus{} },
		KindServerToClientHandshake:    func() wireMessage { return &ServerToClientHandshake{} },
		KindClientToServerHandshake:    func() wireMessage { return &ClientToServerHandshake{} },
		KindDisconnect:                 func() wireMessage { return &Disconnect{} },
		KindText:                       func() wireMessage { return &Text{} },
		KindStartGame:                  func() wireMessage { return &StartGame{} },
		KindUpdateBlock:                func() wireMessage { return &UpdateBlock{} },
		KindMobEquipment:               func() wireMessage { return &MobEquipment{} },
		KindAvailableEntityIdentifiers: func() wireMessage { return &AvailableEntityIdentifiers{} },
		KindNetworkSettings:            func() wireMessage { return &NetworkSettings{} },
		KindItemRegistry:               func() wireMessage { return &ItemRegistry{} },
		KindRequestNetworkSettings:     func() wireMessage { return &RequestNetworkSettings{} },
	}}
}

func (c *codec) Encode(h *CodecHelper, m Message) ([]byte, error) {
	if u, ok := m.(*Unknown); ok {
		return append([]byte(nil), u.Payload...), nil
	}
	wm, ok := m.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("codec cannot encode %T", m)
	}
	w := newWriter()
	if err := wm.marshal(w, h); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.Kind(), err)
	}
	out, err := w.bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.Kind(), err)
	}
	return out, nil
}

func (c *codec) Decode(h *CodecHelper, kind Kind, payload []byte) (Message, error) {
	factory, ok := c.factories[kind]
	if !ok {
		return &Unknown{ID: kind, Payload: append([]byte(nil), payload...)}, nil
	}
	m := factory()
	r := newReader(payload)
	if err := m.unmarshal(r, h); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	if r.err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, r.err)
	}
	if !r.s.Empty() {
		return nil, fmt.Errorf("decoding %s: %d trailing bytes", kind, len(r.s))
	}
	return m, nil
}

// reader reads wire fields. The first failure sticks in err and every later
// read returns a zero value.
type reader struct {
	s   cryptobyte.String
	err error
}

func newReader(b []byte) *reader {
	return &reader{s: cryptobyte.String(b)}
}

func (r *reader) fail(field string) {
	if r.err == nil {
		r.err = fmt.Errorf("short read in %s", field)
	}
}

func (r *reader) u8() uint8 {
	var v uint8
	if r.err != nil || !r.s.ReadUint8(&v) {
		r.fail("u8")
	}
	return v
}

func (r *reader) bool() bool {
	return r.u8() != 0
}

func (r *reader) u16() uint16 {
	var v uint16
	if r.err != nil || !r.s.ReadUint16(&v) {
		r.fail("u16")
	}
	return v
}

func (r *reader) u32() uint32 {
	var v uint32
	if r.err != nil || !r.s.ReadUint32(&v) {
		r.fail("u32")
	}
	return v
}

func (r *reader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) varuint64() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.s)
	if n <= 0 || !r.s.Skip(n) {
		r.fail("varuint")
		return 0
	}
	return v
}

func (r *reader) varint64() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.s)
	if n <= 0 || !r.s.Skip(n) {
		r.fail("varint")
		return 0
	}
	return v
}

func (r *reader) varuint32() uint32 {
	v := r.varuint64()
	if v > math.MaxUint32 {
		r.fail("varuint32")
		return 0
	}
	return uint32(v)
}

func (r *reader) varint32() int32 {
	v := r.varint64()
	if v > math.MaxInt32 || v < math.MinInt32 {
		r.fail("varint32")
		return 0
	}
	return int32(v)
}

func (r *reader) bytes() []byte {
	n := r.varuint32()
	var b []byte
	if r.err != nil || !r.s.ReadBytes(&b, int(n)) {
		r.fail("bytes")
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) string() string {
	return string(r.bytes())
}

func (r *reader) rest() []byte {
	out := append([]byte{}, r.s...)
	r.s = r.s[len(r.s):]
	return out
}

type writer struct {
	b *cryptobyte.Builder
}

func newWriter() *writer {
	return &writer{b: cryptobyte.NewBuilder(nil)}
}

func (w *writer) u8(v uint8)   { w.b.AddUint8(v) }
func (w *writer) u16(v uint16) { w.b.AddUint16(v) }
func (w *writer) u32(v uint32) { w.b.AddUint32(v) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *writer) varuint64(v uint64) { w.b.AddBytes(binary.AppendUvarint(nil, v)) }
func (w *writer) varint64(v int64)   { w.b.AddBytes(binary.AppendVarint(nil, v)) }
func (w *writer) varuint32(v uint32) { w.varuint64(uint64(v)) }
func (w *writer) varint32(v int32)   { w.varint64(int64(v)) }

func (w *writer) bytesField(b []byte) {
	w.varuint32(uint32(len(b)))
	w.b.AddBytes(b)
}

func (w *writer) string(s string) { w.bytesField([]byte(s)) }

func (w *writer) raw(b []byte) { w.b.AddBytes(b) }

func (w *writer) bytes() ([]byte, error) {
	return w.b.Bytes()
}
