package matrix

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemesh/tilemesh/types/tiles"
)

// generatedTile reproduces the deterministic fill of Random for global tile
// (i, j) in a matrix with nt tile columns.
func generatedTile(i, j, mb, nb, tileNb, nt int) *tiles.Tile {
	t := tiles.New(mb, nb, nil)
	rng := rand.New(rand.NewPCG(uint64(i)+1, uint64(j)+1))
	for col := 0; col < nb; col++ {
		for row := 0; row < mb; row++ {
			t.Set(row, col, rng.Float64()-0.5)
		}
	}
	if i == j {
		bump := float64(tileNb * nt)
		for k := 0; k < min(mb, nb); k++ {
			t.Set(k, k, t.At(k, k)+bump)
		}
	}
	return t
}

func TestRandomDeterministic(t *testing.T) {
	a := soloMatrix(0)
	b := soloMatrix(0)
	a.Random()
	b.Random()
	assert.True(t, a.Tile(0, 0).Equal(b.Tile(0, 0)))
	assert.True(t, a.Tile(0, 0).Equal(generatedTile(0, 0, 2, 2, 2, 2)))
}

func TestRandomDiagonalBump(t *testing.T) {
	m := soloMatrix(0)
	m.Random()
	diag := m.Tile(0, 0)
	// Off-diagonal values are in [-0.5, 0.5); diagonal ones carry the bump.
	assert.Greater(t, diag.At(0, 0), 1.0)
	assert.Greater(t, diag.At(1, 1), 1.0)
	assert.Less(t, diag.At(1, 0), 0.5)
}

func TestRandomFillsOnlyLocalTiles(t *testing.T) {
	m := soloMatrix(0)
	m.Random()
	_, ok := m.TryTile(0, 0)
	assert.True(t, ok)
	for _, c := range []Coord{{0, 1}, {1, 0}, {1, 1}} {
		_, ok = m.TryTile(c.Row, c.Col)
		assert.False(t, ok, "tile (%d, %d) is not local", c.Row, c.Col)
	}
}

func TestAttachAliases(t *testing.T) {
	// 5x7 matrix with tile size 3 on one rank: edge tiles are 2x1 at the
	// bottom-right corner.
	a := make([]float64, 5*7)
	for i := range a {
		a[i] = float64(i)
	}
	m := New(Config{M: 5, N: 7, TileSize: 3, GridP: 1, GridQ: 1, Comm: soloComm()})
	m.Attach(a, 5)

	require.Equal(t, 2, m.Mt())
	require.Equal(t, 3, m.Nt())
	corner := m.Tile(1, 2)
	assert.Equal(t, 2, corner.Mb)
	assert.Equal(t, 1, corner.Nb)
	// Element (3, 6) of the array, column-major.
	assert.Equal(t, a[6*5+3], corner.At(0, 0))

	// Zero-copy: writes through the tile land in the array.
	m.Tile(0, 0).Set(1, 1, -8)
	assert.Equal(t, -8.0, a[1*5+1])
}

func TestLoadStoreRoundTrip(t *testing.T) {
	src := make([]float64, 4*4)
	for i := range src {
		src[i] = float64(i) * 1.5
	}
	m := New(Config{M: 4, N: 4, TileSize: 2, GridP: 1, GridQ: 1, Comm: soloComm()})
	m.Random()
	m.LoadFrom(src, 4)

	dst := make([]float64, 4*4)
	m.StoreTo(dst, 4)
	assert.Equal(t, src, dst)
}

func TestWorkingSetCounts(t *testing.T) {
	m := New(Config{
		M: 8, N: 8, TileSize: 2,
		GridP: 2, GridQ: 2,
		Comm: soloComm(),
		Dist: NewBlockCyclic(8, 8, 2, 2, 2, 2),
	})
	// Rank 0 owns tiles with even row and even column: 4 of 16.
	assert.Equal(t, 4, m.MaxHostTiles())
	// Devices alternate along the column block-cycle: j in {0, 1} on device
	// 0, j in {2, 3} on device 1; rank 0's columns are 0 and 2.
	assert.Equal(t, 2, m.MaxDeviceTiles(0))
	assert.Equal(t, 2, m.MaxDeviceTiles(1))

	sub := m.Sub(0, 1, 0, 1)
	assert.Equal(t, 1, sub.MaxHostTiles())
}
