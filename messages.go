package proxypass

import (
	"encoding/json"
	"fmt"
)

// PlayStatusCode is the status carried by a PlayStatus message.
type PlayStatusCode uint32

const (
	StatusLoginSuccess       PlayStatusCode = 0
	StatusLoginFailedClient  PlayStatusCode = 1
	StatusLoginFailedServer  PlayStatusCode = 2
	StatusPlayerSpawn        PlayStatusCode = 3
	StatusLoginFailedInvalid PlayStatusCode = 4
	StatusServerFull         PlayStatusCode = 7
)

// Compression algorithms offered in NetworkSettings.
type Compression uint16

const (
	CompressionFlate  Compression = 0
	CompressionSnappy Compression = 1
	CompressionNone   Compression = 0xffff
)

// ParseCompression maps a config name to an algorithm.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "zlib", "flate", "deflate":
		return CompressionFlate, nil
	case "snappy":
		return CompressionSnappy, nil
	case "none":
		return CompressionNone, nil
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

func (c Compression) String() string {
	switch c {
	case CompressionFlate:
		return "zlib"
	case CompressionSnappy:
		return "snappy"
	case CompressionNone:
		return "none"
	}
	return fmt.Sprintf("compression(%d)", uint16(c))
}

// RequestNetworkSettings is the first message a client sends.
type RequestNetworkSettings struct {
	ProtocolVersion int32
}

func (*RequestNetworkSettings) Kind() Kind { return KindRequestNetworkSettings }

func (m *RequestNetworkSettings) marshal(w *writer, _ *CodecHelper) error {
	w.u32(uint32(m.ProtocolVersion))
	return nil
}

func (m *RequestNetworkSettings) unmarshal(r *reader, _ *CodecHelper) error {
	m.ProtocolVersion = int32(r.u32())
	return nil
}

// NetworkSettings answers RequestNetworkSettings. Compression applies to every
// batch sent after it.
type NetworkSettings struct {
	CompressionThreshold uint16
	CompressionAlgorithm Compression
	ClientThrottle       bool
	ThrottleThreshold    uint8
	ThrottleScalar       float32
}

func (*NetworkSettings) Kind() Kind { return KindNetworkSettings }

func (m *NetworkSettings) marshal(w *writer, _ *CodecHelper) error {
	w.u16(m.CompressionThreshold)
	w.u16(uint16(m.CompressionAlgorithm))
	w.bool(m.ClientThrottle)
	w.u8(m.ThrottleThreshold)
	w.f32(m.ThrottleScalar)
	return nil
}

func (m *NetworkSettings) unmarshal(r *reader, _ *CodecHelper) error {
	m.CompressionThreshold = r.u16()
	m.CompressionAlgorithm = Compression(r.u16())
	m.ClientThrottle = r.bool()
	m.ThrottleThreshold = r.u8()
	m.ThrottleScalar = r.f32()
	return nil
}

// Login carries the authentication chain and the client data token.
type Login struct {
	ProtocolVersion int32
	Chain           []string
	ClientData      string
}

type loginChain struct {
	Chain []string `json:"chain"`
}

func (*Login) Kind() Kind { return KindLogin }

func (m *Login) marshal(w *writer, _ *CodecHelper) error {
	chain, err := json.Marshal(loginChain{Chain: m.Chain})
	if err != nil {
		return err
	}
	w.u32(uint32(m.ProtocolVersion))
	w.bytesField(chain)
	w.string(m.ClientData)
	return nil
}

func (m *Login) unmarshal(r *reader, _ *CodecHelper) error {
	m.ProtocolVersion = int32(r.u32())
	chain := r.bytes()
	m.ClientData = r.string()
	if r.err != nil {
		return nil
	}
	var lc loginChain
	if err := json.Unmarshal(chain, &lc); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	m.Chain = lc.Chain
	return nil
}

// PlayStatus reports login progress or failure to the client.
type PlayStatus struct {
	Status PlayStatusCode
}

func (*PlayStatus) Kind() Kind { return KindPlayStatus }

func (m *PlayStatus) marshal(w *writer, _ *CodecHelper) error {
	w.u32(uint32(m.Status))
	return nil
}

func (m *PlayStatus) unmarshal(r *reader, _ *CodecHelper) error {
	m.Status = PlayStatusCode(r.u32())
	return nil
}

// ServerToClientHandshake carries the salt token that starts encryption.
type ServerToClientHandshake struct {
	JWT string
}

func (*ServerToClientHandshake) Kind() Kind { return KindServerToClientHandshake }

func (m *ServerToClientHandshake) marshal(w *writer, _ *CodecHelper) error {
	w.string(m.JWT)
	return nil
}

func (m *ServerToClientHandshake) unmarshal(r *reader, _ *CodecHelper) error {
	m.JWT = r.string()
	return nil
}

// ClientToServerHandshake acknowledges that encryption is enabled.
type ClientToServerHandshake struct{}

func (*ClientToServerHandshake) Kind() Kind                                { return KindClientToServerHandshake }
func (*ClientToServerHandshake) marshal(_ *writer, _ *CodecHelper) error   { return nil }
func (*ClientToServerHandshake) unmarshal(_ *reader, _ *CodecHelper) error { return nil }

// Disconnect ends a connection with a localization key or free-form message.
type Disconnect struct {
	HideScreen bool
	Message    string
}

func (*Disconnect) Kind() Kind { return KindDisconnect }

func (m *Disconnect) marshal(w *writer, _ *CodecHelper) error {
	w.bool(m.HideScreen)
	if !m.HideScreen {
		w.string(m.Message)
	}
	return nil
}

func (m *Disconnect) unmarshal(r *reader, _ *CodecHelper) error {
	m.HideScreen = r.bool()
	if !m.HideScreen {
		m.Message = r.string()
	}
	return nil
}

// Text is a chat or system message.
type Text struct {
	Type       uint8
	SourceName string
	Message    string
}

func (*Text) Kind() Kind { return KindText }

func (m *Text) marshal(w *writer, _ *CodecHelper) error {
	w.u8(m.Type)
	w.string(m.SourceName)
	w.string(m.Message)
	return nil
}

func (m *Text) unmarshal(r *reader, _ *CodecHelper) error {
	m.Type = r.u8()
	m.SourceName = r.string()
	m.Message = r.string()
	return nil
}

// ItemEntry is one item definition as announced by the server.
type ItemEntry struct {
	Name           string `json:"name"`
	RuntimeID      int16  `json:"id"`
	ComponentBased bool   `json:"component_based"`
}

func (e ItemEntry) marshal(w *writer) {
	w.string(e.Name)
	w.u16(uint16(e.RuntimeID))
	w.bool(e.ComponentBased)
}

func (e *ItemEntry) unmarshal(r *reader) {
	e.Name = r.string()
	e.RuntimeID = int16(r.u16())
	e.ComponentBased = r.bool()
}

func marshalItems(w *writer, items []ItemEntry) {
	w.varuint32(uint32(len(items)))
	for _, e := range items {
		e.marshal(w)
	}
}

func unmarshalItems(r *reader) []ItemEntry {
	n := r.varuint32()
	if r.err != nil || n == 0 {
		return nil
	}
	if int(n) > len(r.s) {
		r.fail("item count")
		return nil
	}
	items := make([]ItemEntry, n)
	for i := range items {
		items[i].unmarshal(r)
	}
	return items
}

// StartGame opens the world. It carries the item registry for the session and
// whether block runtime ids are name hashes.
type StartGame struct {
	EntityUniqueID        int64
	EntityRuntimeID       uint64
	LevelID               string
	WorldName             string
	BlockNetworkIDsHashed bool
	Items                 []ItemEntry
}

func (*StartGame) Kind() Kind { return KindStartGame }

func (m *StartGame) marshal(w *writer, _ *CodecHelper) error {
	w.varint64(m.EntityUniqueID)
	w.varuint64(m.EntityRuntimeID)
	w.string(m.LevelID)
	w.string(m.WorldName)
	w.bool(m.BlockNetworkIDsHashed)
	marshalItems(w, m.Items)
	return nil
}

func (m *StartGame) unmarshal(r *reader, _ *CodecHelper) error {
	m.EntityUniqueID = r.varint64()
	m.EntityRuntimeID = r.varuint64()
	m.LevelID = r.string()
	m.WorldName = r.string()
	m.BlockNetworkIDsHashed = r.bool()
	m.Items = unmarshalItems(r)
	return nil
}

// ItemRegistry replaces the item registry announced in StartGame.
type ItemRegistry struct {
	Items []ItemEntry
}

func (*ItemRegistry) Kind() Kind { return KindItemRegistry }

func (m *ItemRegistry) marshal(w *writer, _ *CodecHelper) error {
	marshalItems(w, m.Items)
	return nil
}

func (m *ItemRegistry) unmarshal(r *reader, _ *CodecHelper) error {
	m.Items = unmarshalItems(r)
	return nil
}

// ItemRef references an item by runtime id. Name is resolved through the
// connection's registry when known.
type ItemRef struct {
	Name      string
	RuntimeID int32
}

// MobEquipment announces the item an entity holds.
type MobEquipment struct {
	EntityRuntimeID uint64
	Item            ItemRef
	Slot            uint8
}

func (*MobEquipment) Kind() Kind { return KindMobEquipment }

func (m *MobEquipment) marshal(w *writer, h *CodecHelper) error {
	id := m.Item.RuntimeID
	// The carried id is kept while it still names the item.
	if known, _ := h.ItemName(id); m.Item.Name != "" && known != m.Item.Name {
		resolved, ok := h.ItemID(m.Item.Name)
		if !ok {
			return fmt.Errorf("item %q: %w", m.Item.Name, ErrUnknownItem)
		}
		id = resolved
	}
	w.varuint64(m.EntityRuntimeID)
	w.varint32(id)
	w.u8(m.Slot)
	return nil
}

func (m *MobEquipment) unmarshal(r *reader, h *CodecHelper) error {
	m.EntityRuntimeID = r.varuint64()
	m.Item.RuntimeID = r.varint32()
	m.Slot = r.u8()
	if name, ok := h.ItemName(m.Item.RuntimeID); ok {
		m.Item.Name = name
	}
	return nil
}

// BlockRef references a block state by runtime id. Name is resolved through
// the connection's block registry when known.
type BlockRef struct {
	Name      string
	RuntimeID uint32
}

// UpdateBlock changes one block in the world.
type UpdateBlock struct {
	X     int32
	Y     uint32
	Z     int32
	Block BlockRef
	Flags uint32
	Layer uint32
}

func (*UpdateBlock) Kind() Kind { return KindUpdateBlock }

func (m *UpdateBlock) marshal(w *writer, h *CodecHelper) error {
	id := m.Block.RuntimeID
	if known, _ := h.BlockName(id); m.Block.Name != "" && known != m.Block.Name {
		resolved, ok := h.BlockID(m.Block.Name)
		if !ok {
			return fmt.Errorf("block %q: %w", m.Block.Name, ErrUnknownItem)
		}
		id = resolved
	}
	w.varint32(m.X)
	w.varuint32(m.Y)
	w.varint32(m.Z)
	w.varuint32(id)
	w.varuint32(m.Flags)
	w.varuint32(m.Layer)
	return nil
}

func (m *UpdateBlock) unmarshal(r *reader, h *CodecHelper) error {
	m.X = r.varint32()
	m.Y = r.varuint32()
	m.Z = r.varint32()
	m.Block.RuntimeID = r.varuint32()
	m.Flags = r.varuint32()
	m.Layer = r.varuint32()
	if name, ok := h.BlockName(m.Block.RuntimeID); ok {
		m.Block.Name = name
	}
	return nil
}

// AvailableEntityIdentifiers carries the server's entity table as raw NBT.
type AvailableEntityIdentifiers struct {
	Data []byte
}

func (*AvailableEntityIdentifiers) Kind() Kind { return KindAvailableEntityIdentifiers }

func (m *AvailableEntityIdentifiers) marshal(w *writer, _ *CodecHelper) error {
	w.raw(m.Data)
	return nil
}

func (m *AvailableEntityIdentifiers) unmarshal(r *reader, _ *CodecHelper) error {
	m.Data = r.rest()
	return nil
}

// Unknown is any message the codec has no type for. Its payload is relayed
// untouched.
type Unknown struct {
	ID      Kind
	Payload []byte
}

func (u *Unknown) Kind() Kind { return u.ID }
