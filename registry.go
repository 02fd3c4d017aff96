package proxypass

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/patrickmn/go-cache"
)

// Definitions is an immutable runtime id <-> name table negotiated for one
// connection.
type Definitions struct {
	byID   map[uint32]string
	byName map[string]uint32
}

// NewDefinitions builds a table from id -> name pairs. A name listed under
// several ids resolves to the lowest of them.
func NewDefinitions(names map[uint32]string) *Definitions {
	d := &Definitions{
		byID:   make(map[uint32]string, len(names)),
		byName: make(map[string]uint32, len(names)),
	}
	for id, name := range names {
		d.byID[id] = name
		if prev, ok := d.byName[name]; !ok || id < prev {
			d.byName[name] = id
		}
	}
	return d
}

// ItemDefinitions builds the item table announced by StartGame or ItemRegistry.
func ItemDefinitions(items []ItemEntry) *Definitions {
	names := make(map[uint32]string, len(items))
	for _, e := range items {
		names[uint32(int32(e.RuntimeID))] = e.Name
	}
	return NewDefinitions(names)
}

// BlockDefinitions builds a block table from palette names. Runtime ids are
// palette indexes, or FNV-1a hashes of the name when hashed is set.
func BlockDefinitions(palette []string, hashed bool) *Definitions {
	names := make(map[uint32]string, len(palette))
	for i, name := range palette {
		id := uint32(i)
		if hashed {
			id = blockHash(name)
		}
		names[id] = name
	}
	return NewDefinitions(names)
}

func blockHash(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// Name returns the name registered for id.
func (d *Definitions) Name(id uint32) (string, bool) {
	if d == nil {
		return "", false
	}
	name, ok := d.byID[id]
	return name, ok
}

// ID returns the runtime id registered for name.
func (d *Definitions) ID(name string) (uint32, bool) {
	if d == nil {
		return 0, false
	}
	id, ok := d.byName[name]
	return id, ok
}

// Len is the number of entries.
func (d *Definitions) Len() int {
	if d == nil {
		return 0
	}
	return len(d.byID)
}

// LoadBlockPalette reads a JSON array of block state names.
func LoadBlockPalette(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var palette []string
	if err := json.Unmarshal(data, &palette); err != nil {
		return nil, fmt.Errorf("parsing block palette %s: %w", path, err)
	}
	return palette, nil
}

// LegacyIDs is a process-wide, insert-only id -> name cache shared by every
// session. The first value stored for an id wins; later inserts of the same
// id are ignored and entries never expire.
type LegacyIDs struct {
	items  *cache.Cache
	blocks *cache.Cache
}

// NewLegacyIDs creates an empty cache.
func NewLegacyIDs() *LegacyIDs {
	return &LegacyIDs{
		items:  cache.New(cache.NoExpiration, 0),
		blocks: cache.New(cache.NoExpiration, 0),
	}
}

// AddItem records name for id unless id is already known.
func (l *LegacyIDs) AddItem(id int32, name string) {
	_ = l.items.Add(strconv.FormatInt(int64(id), 10), name, cache.NoExpiration)
}

// AddBlock records name for id unless id is already known.
func (l *LegacyIDs) AddBlock(id uint32, name string) {
	_ = l.blocks.Add(strconv.FormatUint(uint64(id), 10), name, cache.NoExpiration)
}

// Item returns the name first recorded for id.
func (l *LegacyIDs) Item(id int32) (string, bool) {
	return lookupName(l.items, strconv.FormatInt(int64(id), 10))
}

// Block returns the name first recorded for id.
func (l *LegacyIDs) Block(id uint32) (string, bool) {
	return lookupName(l.blocks, strconv.FormatUint(uint64(id), 10))
}

func lookupName(c *cache.Cache, key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}

// ItemSnapshot returns a copy of the item cache keyed by id.
func (l *LegacyIDs) ItemSnapshot() map[string]string { return snapshot(l.items) }

// BlockSnapshot returns a copy of the block cache keyed by id.
func (l *LegacyIDs) BlockSnapshot() map[string]string { return snapshot(l.blocks) }

func snapshot(c *cache.Cache) map[string]string {
	out := make(map[string]string, c.ItemCount())
	for k, item := range c.Items() {
		if name, ok := item.Object.(string); ok {
			out[k] = name
		}
	}
	return out
}

// CodecHelper is the mutable per-connection state the codec consults to map
// runtime ids to names. Registries are installed during login and read by
// every later decode, possibly from another goroutine.
type CodecHelper struct {
	mu     sync.RWMutex
	items  *Definitions
	blocks *Definitions
	legacy *LegacyIDs
}

// NewCodecHelper creates a helper that falls back to legacy for ids missing
// from the installed registries. legacy may be nil.
func NewCodecHelper(legacy *LegacyIDs) *CodecHelper {
	return &CodecHelper{legacy: legacy}
}

// SetItems installs the item registry.
func (h *CodecHelper) SetItems(d *Definitions) {
	h.mu.Lock()
	h.items = d
	h.mu.Unlock()
}

// SetBlocks installs the block registry.
func (h *CodecHelper) SetBlocks(d *Definitions) {
	h.mu.Lock()
	h.blocks = d
	h.mu.Unlock()
}

// Items returns the installed item registry, or nil.
func (h *CodecHelper) Items() *Definitions {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.items
}

// Blocks returns the installed block registry, or nil.
func (h *CodecHelper) Blocks() *Definitions {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.blocks
}

// ItemName resolves an item runtime id.
func (h *CodecHelper) ItemName(id int32) (string, bool) {
	if h == nil {
		return "", false
	}
	if name, ok := h.Items().Name(uint32(id)); ok {
		return name, true
	}
	if h.legacy != nil {
		return h.legacy.Item(id)
	}
	return "", false
}

// ItemID resolves an item name to the runtime id of this connection.
func (h *CodecHelper) ItemID(name string) (int32, bool) {
	if h == nil {
		return 0, false
	}
	id, ok := h.Items().ID(name)
	return int32(id), ok
}

// BlockName resolves a block runtime id.
func (h *CodecHelper) BlockName(id uint32) (string, bool) {
	if h == nil {
		return "", false
	}
	if name, ok := h.Blocks().Name(id); ok {
		return name, true
	}
	if h.legacy != nil {
		return h.legacy.Block(id)
	}
	return "", false
}

// BlockID resolves a block name to the runtime id of this connection.
func (h *CodecHelper) BlockID(name string) (uint32, bool) {
	if h == nil {
		return 0, false
	}
	return h.Blocks().ID(name)
}

// sortedIDs returns the ids of d in ascending order.
func (d *Definitions) sortedIDs() []uint32 {
	if d == nil {
		return nil
	}
	ids := make([]uint32, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
