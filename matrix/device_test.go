package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemesh/tilemesh/devices/hostsim"
	"github.com/tilemesh/tilemesh/types/tiles"
)

// deviceMatrix is a 4x4 matrix on one process owning every tile, with two
// simulated devices.
func deviceMatrix() *Matrix {
	m := New(Config{
		M: 4, N: 4, TileSize: 2,
		GridP: 1, GridQ: 1,
		Comm:   soloComm(),
		Device: hostsim.New("2"),
	})
	m.Random()
	return m
}

func TestCopyToDeviceIdempotent(t *testing.T) {
	m := deviceMatrix()

	m.CopyToDevice(0, 0, 0)
	first, ok := m.TryTileOn(0, 0, 0)
	require.True(t, ok)

	// Second request is a no-op: same entry, no double allocation.
	m.CopyToDevice(0, 0, 0)
	second, ok := m.TryTileOn(0, 0, 0)
	require.True(t, ok)
	assert.Same(t, first, second)

	// The host copy remains.
	_, ok = m.TryTile(0, 0)
	assert.True(t, ok)

	// EnsureOnDevice is the same operation under the consumer's name.
	m.EnsureOnDevice(0, 0, 0)
	third, _ := m.TryTileOn(0, 0, 0)
	assert.Same(t, first, third)
}

func TestDeviceCopyIsIndependent(t *testing.T) {
	m := deviceMatrix()
	want := m.Tile(0, 0).At(0, 0)
	m.CopyToDevice(0, 0, 1)

	// Mutating the host copy must not change the staged device data.
	m.Tile(0, 0).Set(0, 0, -1234)
	devTile := m.TileOn(0, 0, 1)
	assert.Equal(t, want, hostsim.Flat(devTile.Buffer)[0])
}

func TestMoveRoundTrip(t *testing.T) {
	m := deviceMatrix()
	before := tiles.New(2, 2, nil)
	m.Tile(1, 1).CopyTo(before.Data, 2)

	m.MoveToDevice(1, 1, 0)
	_, ok := m.TryTile(1, 1)
	assert.False(t, ok, "host copy erased after move")
	_, ok = m.TryTileOn(1, 1, 0)
	assert.True(t, ok)

	// Move is idempotent: a repeat is a no-op.
	m.MoveToDevice(1, 1, 0)

	m.MoveToHost(1, 1, 0)
	after := m.Tile(1, 1)
	assert.True(t, before.Equal(after), "contents must survive the round trip")
	_, ok = m.TryTileOn(1, 1, 0)
	assert.False(t, ok, "no stale device entry")

	// MoveToHost with the host copy present is a no-op.
	m.MoveToHost(1, 1, 0)
	assert.True(t, before.Equal(m.Tile(1, 1)))
}

func TestEnsureOnHost(t *testing.T) {
	m := deviceMatrix()
	m.EnsureOnHost(0, 1) // Already host resident, no-op.

	m.MoveToDevice(0, 1, 1)
	m.EnsureOnHost(0, 1)
	_, ok := m.TryTile(0, 1)
	assert.True(t, ok)
	_, ok = m.TryTileOn(0, 1, 1)
	assert.False(t, ok)

	m.Erase(0, 1, tiles.Host)
	assert.Panics(t, func() { m.EnsureOnHost(0, 1) }, "no instance anywhere")
}

func TestErase(t *testing.T) {
	m := deviceMatrix()
	m.Erase(0, 0, tiles.Host)
	_, ok := m.TryTile(0, 0)
	assert.False(t, ok)
	// Erasing an absent tile is allowed.
	m.Erase(0, 0, tiles.Host)
	m.Erase(0, 0, tiles.OnDevice(0))
}

func TestDeviceRequired(t *testing.T) {
	m := soloMatrix(0) // Host-only configuration.
	m.Random()
	assert.Panics(t, func() { m.CopyToDevice(0, 0, 0) })
	assert.Panics(t, func() { m.BuildBatch(0, nil) })
}
