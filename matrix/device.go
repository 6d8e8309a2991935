package matrix

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/tilemesh/tilemesh/devices"
	"github.com/tilemesh/tilemesh/types/tiles"
)

// Device movement. All four operations are idempotent: they key on the tile
// store first, so a repeated request is a no-op -- multiple algorithm call
// sites may ask for the same tile's residency without coordinating. Writers
// for one coordinate are still required to serialize against each other
// (the broadcast and eviction paths already do, via the life counter).

func (m *Matrix) requireDevice(dev devices.DeviceNum) {
	if m.dev == nil || int(dev) < 0 || int(dev) >= m.numDevices {
		exceptions.Panicf("matrix: device %d not available (%d devices configured)", dev, m.numDevices)
	}
}

// CopyToDevice replicates tile (i, j) onto the device, if not already there.
// The host copy remains.
func (m *Matrix) CopyToDevice(i, j int, dev devices.DeviceNum) {
	m.requireDevice(dev)
	if _, ok := m.TryTileOn(i, j, dev); ok {
		return
	}
	src := m.Tile(i, j)
	buf := m.dev.Alloc(dev, src.Size())
	m.dev.ToDevice(dev, buf, src.Packed())
	dst := &tiles.Tile{
		Mb:     src.Mb,
		Nb:     src.Nb,
		Stride: src.Mb,
		Buffer: buf,
		Loc:    tiles.OnDevice(dev),
	}
	m.insertTile(i, j, tiles.OnDevice(dev), dst)
	klog.V(2).Infof("matrix: rank %d copied tile (%d, %d) to device %d", m.comm.Rank(), m.it+i, m.jt+j, dev)
}

// MoveToDevice moves tile (i, j) onto the device, if not already there,
// erasing the host copy afterward. Used when the host copy is no longer
// needed once device-resident.
func (m *Matrix) MoveToDevice(i, j int, dev devices.DeviceNum) {
	m.requireDevice(dev)
	if _, ok := m.TryTileOn(i, j, dev); ok {
		return
	}
	m.CopyToDevice(i, j, dev)
	m.Erase(i, j, tiles.Host)
}

// MoveToHost moves tile (i, j) from the device back to the host, if no host
// copy exists, erasing the device copy afterward.
func (m *Matrix) MoveToHost(i, j int, dev devices.DeviceNum) {
	m.requireDevice(dev)
	if _, ok := m.TryTile(i, j); ok {
		return
	}
	src := m.TileOn(i, j, dev)
	dst := tiles.New(src.Mb, src.Nb, m.pool)
	m.dev.ToHost(dev, dst.Data, src.Buffer)
	m.insertTile(i, j, tiles.Host, dst)
	m.Erase(i, j, tiles.OnDevice(dev))
	klog.V(2).Infof("matrix: rank %d moved tile (%d, %d) back from device %d", m.comm.Rank(), m.it+i, m.jt+j, dev)
}

// Erase unconditionally removes the tile at (i, j, loc) if present, freeing
// its storage. Used by the life counter's zero-reach cleanup and by explicit
// workspace teardown.
func (m *Matrix) Erase(i, j int, loc tiles.Location) {
	t, ok := m.store.LoadAndDelete(m.key(i, j, loc))
	if !ok {
		return
	}
	if !loc.IsHost() && t.Buffer != nil {
		m.dev.Free(loc.Device(), t.Buffer)
	}
	t.Release()
}

// EnsureOnDevice stages tile (i, j) onto the device before it is used by a
// device-resident kernel. An alias of CopyToDevice, named for the consumer
// interface.
func (m *Matrix) EnsureOnDevice(i, j int, dev devices.DeviceNum) {
	m.CopyToDevice(i, j, dev)
}

// EnsureOnHost makes tile (i, j) host-resident: a no-op when a host copy
// exists, otherwise the tile is moved back from the first device holding it.
// It panics when no instance of the tile exists anywhere.
func (m *Matrix) EnsureOnHost(i, j int) {
	if _, ok := m.TryTile(i, j); ok {
		return
	}
	for dev := 0; dev < m.numDevices; dev++ {
		if _, ok := m.TryTileOn(i, j, devices.DeviceNum(dev)); ok {
			m.MoveToHost(i, j, devices.DeviceNum(dev))
			return
		}
	}
	exceptions.Panicf("matrix: rank %d has no instance of tile (%d, %d) to bring to host",
		m.comm.Rank(), m.it+i, m.jt+j)
}
