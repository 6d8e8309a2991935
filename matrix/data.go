package matrix

import (
	"math/rand/v2"

	"github.com/tilemesh/tilemesh/devices"
	"github.com/tilemesh/tilemesh/types/tiles"
)

// Attach populates the local tiles of the view by aliasing a full column-major
// host array with leading dimension lda, zero-copy: tile (i, j) aliases the
// block of a starting at element (i*nb, j*nb). The array must outlive the
// matrix and stays owned by the caller.
func (m *Matrix) Attach(a []float64, lda int) {
	row := 0
	for i := 0; i < m.mt; i++ {
		col := 0
		for j := 0; j < m.nt; j++ {
			if m.TileIsLocal(i, j) {
				t := tiles.FromSlice(m.TileMb(i), m.TileNb(j), a[col*lda+row:], lda)
				m.insertTile(i, j, tiles.Host, t)
			}
			col += m.TileNb(j)
		}
		row += m.TileMb(i)
	}
}

// LoadFrom copies values from a full column-major host array into the
// already-present local tiles of the view.
func (m *Matrix) LoadFrom(a []float64, lda int) {
	row := 0
	for i := 0; i < m.mt; i++ {
		col := 0
		for j := 0; j < m.nt; j++ {
			if m.TileIsLocal(i, j) {
				m.Tile(i, j).CopyFrom(a[col*lda+row:], lda)
			}
			col += m.TileNb(j)
		}
		row += m.TileMb(i)
	}
}

// StoreTo copies every host-resident tile of the view (owned tiles and
// replicas alike) into a full column-major host array. After a Gather to this
// rank, it reconstructs the whole matrix.
func (m *Matrix) StoreTo(a []float64, lda int) {
	row := 0
	for i := 0; i < m.mt; i++ {
		col := 0
		for j := 0; j < m.nt; j++ {
			if t, ok := m.TryTile(i, j); ok {
				t.CopyTo(a[col*lda+row:], lda)
			}
			col += m.TileNb(j)
		}
		row += m.TileMb(i)
	}
}

// Random fills the local tiles of the view with a deterministic pseudo-random
// matrix: every process generates identical data for a given coordinate, since
// each tile's generator is seeded by its global coordinate. Tiles on the
// diagonal get their diagonal elements bumped to make the matrix comfortably
// non-singular for factorization tests.
func (m *Matrix) Random() {
	for i := 0; i < m.mt; i++ {
		for j := 0; j < m.nt; j++ {
			if !m.TileIsLocal(i, j) {
				continue
			}
			t := tiles.New(m.TileMb(i), m.TileNb(j), m.pool)
			rng := rand.New(rand.NewPCG(uint64(m.it+i)+1, uint64(m.jt+j)+1))
			for col := 0; col < t.Nb; col++ {
				for row := 0; row < t.Mb; row++ {
					t.Set(row, col, rng.Float64()-0.5)
				}
			}
			if m.it+i == m.jt+j {
				bump := float64(m.TileNb(j) * m.nt)
				for k := 0; k < min(t.Mb, t.Nb); k++ {
					t.Set(k, k, t.At(k, k)+bump)
				}
			}
			m.insertTile(i, j, tiles.Host, t)
		}
	}
}

// MaxHostTiles returns how many tiles of the view this process owns, the
// upper bound of its host working set used to size pools and batch arrays.
func (m *Matrix) MaxHostTiles() int {
	count := 0
	for i := 0; i < m.mt; i++ {
		for j := 0; j < m.nt; j++ {
			if m.TileIsLocal(i, j) {
				count++
			}
		}
	}
	return count
}

// MaxDeviceTiles returns how many tiles of the view this process owns whose
// designated device is dev.
func (m *Matrix) MaxDeviceTiles(dev devices.DeviceNum) int {
	count := 0
	for i := 0; i < m.mt; i++ {
		for j := 0; j < m.nt; j++ {
			if m.TileIsLocal(i, j) && m.TileDevice(i, j) == tiles.OnDevice(dev) {
				count++
			}
		}
	}
	return count
}
