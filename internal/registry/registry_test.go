package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oi-gateway/canbridge/internal/discovery"
	"github.com/oi-gateway/canbridge/internal/session"
	"github.com/stretchr/testify/assert"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")

	reg := discovery.NewRegistry()
	serial := session.Serial{0xAA, 0xBB, 0xCC, 0xDD}
	reg.Upsert(discovery.Device{Serial: serial, Name: "front-left", NodeID: 7, LastSeen: 1234})

	assert.NoError(t, Save(path, reg))
	assert.NoError(t, Save(path, reg)) // second write must not collide on leftover .tmp

	loaded := discovery.NewRegistry()
	assert.NoError(t, Load(path, loaded))

	d, ok := loaded.Get(serial)
	assert.True(t, ok)
	assert.Equal(t, "front-left", d.Name)
	assert.Equal(t, uint8(7), d.NodeID)
	assert.Equal(t, int64(1234), d.LastSeen)
	assert.False(t, loaded.Dirty())
}

func TestLoadMissingFileLeavesRegistryEmpty(t *testing.T) {
	reg := discovery.NewRegistry()
	assert.NoError(t, Load(filepath.Join(t.TempDir(), "missing.json"), reg))
	assert.Empty(t, reg.All())
}

func TestSaveRemovesTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	reg := discovery.NewRegistry()
	assert.NoError(t, Save(path, reg))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
