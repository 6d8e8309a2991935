package matrix

import (
	"github.com/gomlx/exceptions"

	"github.com/tilemesh/tilemesh/devices"
)

// Batch is a per-device array of device-resident buffer handles, in the shape
// the batched kernel dispatch layer consumes: parallel slices of operand
// buffers for one launch. The engine's only obligation is that every handle is
// valid and resident for the duration of the launch; the caller must not Tick
// or Erase the underlying tiles until the launch completes.
type Batch struct {
	Dev     devices.DeviceNum
	Coords  []Coord
	Buffers []devices.Buffer
	Mbs     []int
	Nbs     []int
}

// Len returns the number of tiles in the batch.
func (b *Batch) Len() int { return len(b.Buffers) }

// BuildBatch assembles the device buffer handles for the given view-relative
// coordinates, for a batched kernel launch on dev. Every coordinate must
// already be device-resident (see EnsureOnDevice); an absent tile panics, the
// dispatch layer can't be handed dangling pointers.
func (m *Matrix) BuildBatch(dev devices.DeviceNum, coords []Coord) *Batch {
	m.requireDevice(dev)
	batch := &Batch{
		Dev:     dev,
		Coords:  make([]Coord, len(coords)),
		Buffers: make([]devices.Buffer, len(coords)),
		Mbs:     make([]int, len(coords)),
		Nbs:     make([]int, len(coords)),
	}
	for k, c := range coords {
		t, ok := m.TryTileOn(c.Row, c.Col, dev)
		if !ok {
			exceptions.Panicf("matrix: rank %d batching tile (%d, %d) that is not resident on device %d",
				m.comm.Rank(), m.it+c.Row, m.jt+c.Col, dev)
		}
		batch.Coords[k] = m.coord(c.Row, c.Col)
		batch.Buffers[k] = t.Buffer
		batch.Mbs[k] = t.Mb
		batch.Nbs[k] = t.Nb
	}
	return batch
}
