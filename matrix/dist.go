package matrix

import (
	"github.com/gomlx/exceptions"

	"github.com/tilemesh/tilemesh/types/tiles"
)

// Dist maps a global tile coordinate to its owning process rank, its owning
// device and its extents.
//
// Distribution functions are pure and must be consistent across all processes:
// every process computes the same owner for the same coordinate without
// communication. Submatrix views compose a Dist with a fixed coordinate
// offset, so one Dist serves the whole view hierarchy.
type Dist interface {
	// TileRank returns the rank owning tile (i, j).
	TileRank(i, j int) int

	// TileDevice returns the location of the device that owns tile (i, j) on
	// its owning rank, or tiles.Host when the process runs without devices.
	TileDevice(i, j int) tiles.Location

	// TileMb returns the row extent of tiles in tile-row i.
	TileMb(i int) int

	// TileNb returns the column extent of tiles in tile-column j.
	TileNb(j int) int
}

// BlockCyclic is the default 2-D block-cyclic distribution over a P×Q process
// grid: tile (i, j) belongs to rank i%P + (j%Q)*P, and within a rank to device
// (j/Q)%NumDevices. Edge tiles at the matrix boundary are truncated.
type BlockCyclic struct {
	// M, N are the matrix dimensions in elements.
	M, N int

	// Nb is the nominal (square) tile size.
	Nb int

	// P, Q is the process-grid shape. P*Q processes participate.
	P, Q int

	// NumDevices is the per-process accelerator count. Zero means host-only.
	NumDevices int
}

var _ Dist = BlockCyclic{}

// NewBlockCyclic validates and returns the default distribution.
func NewBlockCyclic(m, n, nb, p, q, numDevices int) BlockCyclic {
	if m <= 0 || n <= 0 || nb <= 0 {
		exceptions.Panicf("matrix: invalid block-cyclic geometry m=%d n=%d nb=%d", m, n, nb)
	}
	if p <= 0 || q <= 0 {
		exceptions.Panicf("matrix: invalid process-grid shape %dx%d", p, q)
	}
	return BlockCyclic{M: m, N: n, Nb: nb, P: p, Q: q, NumDevices: numDevices}
}

// TileRank implements Dist.
func (b BlockCyclic) TileRank(i, j int) int {
	return i%b.P + (j%b.Q)*b.P
}

// TileDevice implements Dist.
func (b BlockCyclic) TileDevice(i, j int) tiles.Location {
	if b.NumDevices > 0 {
		return tiles.Location((j / b.Q) % b.NumDevices)
	}
	return tiles.Host
}

// TileMb implements Dist.
func (b BlockCyclic) TileMb(i int) int {
	if (i+1)*b.Nb > b.M {
		return b.M - i*b.Nb
	}
	return b.Nb
}

// TileNb implements Dist.
func (b BlockCyclic) TileNb(j int) int {
	if (j+1)*b.Nb > b.N {
		return b.N - j*b.Nb
	}
	return b.Nb
}

// Mt returns the number of tile rows.
func (b BlockCyclic) Mt() int { return ceilDiv(b.M, b.Nb) }

// Nt returns the number of tile columns.
func (b BlockCyclic) Nt() int { return ceilDiv(b.N, b.Nb) }

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// CustomDist is a Dist built from externally supplied mapping functions, for
// irregular distributions. All functions must be pure and identical across
// processes.
type CustomDist struct {
	RankFunc   func(i, j int) int
	DeviceFunc func(i, j int) tiles.Location
	MbFunc     func(i int) int
	NbFunc     func(j int) int
}

var _ Dist = CustomDist{}

// TileRank implements Dist.
func (c CustomDist) TileRank(i, j int) int { return c.RankFunc(i, j) }

// TileDevice implements Dist. A nil DeviceFunc places every tile on the host.
func (c CustomDist) TileDevice(i, j int) tiles.Location {
	if c.DeviceFunc == nil {
		return tiles.Host
	}
	return c.DeviceFunc(i, j)
}

// TileMb implements Dist.
func (c CustomDist) TileMb(i int) int { return c.MbFunc(i) }

// TileNb implements Dist.
func (c CustomDist) TileNb(j int) int { return c.NbFunc(j) }
