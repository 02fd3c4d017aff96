package proxypass

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	itemStatesFile        = "runtime_item_states.json"
	legacyItemIDsFile     = "legacy_item_ids.json"
	legacyBlockIDsFile    = "legacy_block_ids.json"
	entityIdentifiersFile = "entity_identifiers.dat"
	blockPaletteFile      = "block_palette.json"
)

// dumper writes data extracted from relayed messages into the data
// directory. Write failures are logged and never reach the relay.
type dumper struct {
	dir string
	log *logrus.Entry
	mu  sync.Mutex
}

func newDumper(dir string, log *logrus.Entry) *dumper {
	return &dumper{dir: dir, log: log}
}

// items writes the item registry sorted by runtime id.
func (d *dumper) items(items []ItemEntry) {
	sorted := append([]ItemEntry(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RuntimeID < sorted[j].RuntimeID })
	d.writeJSON(itemStatesFile, sorted)
}

// legacyIDs writes the process-wide id caches, keyed by numeric id.
func (d *dumper) legacyIDs(l *LegacyIDs) {
	d.writeJSON(legacyItemIDsFile, sortedByID(l.ItemSnapshot()))
	d.writeJSON(legacyBlockIDsFile, sortedByID(l.BlockSnapshot()))
}

type idName struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func sortedByID(m map[string]string) []idName {
	out := make([]idName, 0, len(m))
	for k, name := range m {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, idName{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// entityIdentifiers writes the raw entity table.
func (d *dumper) entityIdentifiers(data []byte) {
	d.write(entityIdentifiersFile, data)
}

func (d *dumper) writeJSON(name string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		d.log.WithError(err).WithField("file", name).Warn("Could not encode dump")
		return
	}
	d.write(name, data)
}

// write replaces name atomically so readers never see a partial dump.
func (d *dumper) write(name string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := os.MkdirAll(d.dir, 0o755)
	if err == nil {
		tmp := filepath.Join(d.dir, name+".tmp")
		if err = os.WriteFile(tmp, data, 0o644); err == nil {
			err = os.Rename(tmp, filepath.Join(d.dir, name))
		}
	}
	if err != nil {
		d.log.WithError(err).WithField("file", name).Warn("Could not write dump")
		return
	}
	d.log.WithField("file", name).Debug("Wrote dump")
}
