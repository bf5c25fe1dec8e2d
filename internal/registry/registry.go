// Package registry persists the in-memory device registry maintained by
// discovery (component E) to /devices.json, atomically, per spec §4.M.
package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oi-gateway/canbridge/internal/discovery"
	"github.com/oi-gateway/canbridge/internal/session"
)

// Record is the on-disk shape of one /devices.json entry.
type Record struct {
	Name     string `json:"name"`
	NodeID   uint8  `json:"nodeId"`
	LastSeen int64  `json:"lastSeen"`
}

// document is the on-disk shape of the whole file.
type document struct {
	Devices map[string]Record `json:"devices"`
}

// Save writes reg's current contents to path, keyed by the device's
// serial string, as {"devices": {"SERIAL": {...}}}. The write is
// write-temp-then-rename so a crash mid-write cannot corrupt the file.
func Save(path string, reg *discovery.Registry) error {
	doc := document{Devices: map[string]Record{}}
	for _, d := range reg.All() {
		doc.Devices[d.Serial.String()] = Record{Name: d.Name, NodeID: d.NodeID, LastSeen: d.LastSeen}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("registry: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("registry: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// Load reads path (if present) and upserts every record into reg, parsing
// each key back into a session.Serial. A missing file is not an error:
// the registry simply starts empty.
func Load(path string, reg *discovery.Registry) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("registry: parse %s: %w", path, err)
	}
	for serialStr, rec := range doc.Devices {
		serial, err := session.ParseSerial(serialStr)
		if err != nil {
			return fmt.Errorf("registry: bad serial key %q: %w", serialStr, err)
		}
		reg.Upsert(discovery.Device{Serial: serial, Name: rec.Name, NodeID: rec.NodeID, LastSeen: rec.LastSeen})
	}
	reg.ClearDirty()
	return nil
}
