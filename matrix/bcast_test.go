package matrix

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemesh/tilemesh/comms"
	"github.com/tilemesh/tilemesh/comms/inproc"
	"github.com/tilemesh/tilemesh/devices"
	"github.com/tilemesh/tilemesh/devices/hostsim"
)

// bcastGrid builds one 4x4 matrix view per rank of a 2x2 process grid, all
// wired to the same in-process cluster. Tile ownership:
//
//	(0,0)->0  (0,1)->2
//	(1,0)->1  (1,1)->3
func bcastGrid(cfg func(*Config)) (*inproc.Cluster, []*Matrix) {
	cluster := inproc.NewCluster(4)
	mats := make([]*Matrix, 4)
	for rank := range mats {
		c := Config{
			M: 4, N: 4, TileSize: 2,
			GridP: 2, GridQ: 2,
			Comm: comms.NewComm(cluster.Transport(rank)),
		}
		if cfg != nil {
			cfg(&c)
		}
		mats[rank] = New(c)
		mats[rank].Random()
	}
	return cluster, mats
}

// allRanks invokes fn concurrently on every rank's view and joins.
func allRanks(mats []*Matrix, fn func(rank int, m *Matrix)) {
	var wg sync.WaitGroup
	for rank, m := range mats {
		wg.Add(1)
		go func(rank int, m *Matrix) {
			defer wg.Done()
			fn(rank, m)
		}(rank, m)
	}
	wg.Wait()
}

func TestBcastTile(t *testing.T) {
	cluster, mats := bcastGrid(nil)

	// Rank 2 owns tile (0, 1). Declaring use over row 0 of columns 0..1 and
	// column 1 of rows 0..1 pulls in the owners of (0,0) and (1,1): the
	// participant set is {0, 2, 3} and rank 1 sits the exchange out.
	allRanks(mats, func(rank int, m *Matrix) {
		m.BcastTile(0, 1, ToHost, Range{0, 0, 0, 1}, Range{0, 1, 1, 1})
	})

	for _, rank := range []int{0, 3} {
		replica, ok := mats[rank].TryTile(0, 1)
		require.True(t, ok, "rank %d holds a replica", rank)
		assert.True(t, replica.Equal(mats[2].Tile(0, 1)), "rank %d replica data", rank)
		life, ok := mats[rank].Life(0, 1)
		require.True(t, ok)
		assert.Equal(t, 1, life, "one local use declared on rank %d", rank)
	}

	// The owner keeps its tile without a life entry.
	_, ok := mats[2].Life(0, 1)
	assert.False(t, ok)

	// Rank 1 owns no coordinate in the ranges: no replica, no transport work
	// on its behalf.
	_, ok = mats[1].TryTile(0, 1)
	assert.False(t, ok)
	stats := cluster.Stats()
	assert.Equal(t, int64(3), stats.Groups, "one ephemeral group per participant")
	assert.Equal(t, int64(3), stats.Bcasts)
	assert.Equal(t, int64(2), stats.Sends, "root fans out to two receivers")
	assert.Equal(t, int64(2), stats.Recvs)

	// The declared use is one consumption each: the first tick evicts.
	mats[0].Tick(0, 1)
	_, ok = mats[0].TryTile(0, 1)
	assert.False(t, ok)
}

func TestBcastSingletonSkipsCommunication(t *testing.T) {
	cluster, mats := bcastGrid(nil)

	// Every coordinate of the range belongs to the owner itself, so the
	// participant set is a singleton and no transport operation may happen.
	allRanks(mats, func(rank int, m *Matrix) {
		m.BcastTile(0, 0, ToHost, Range{0, 0, 0, 0})
	})

	assert.Equal(t, inproc.Stats{}, cluster.Stats())
	for rank := 1; rank < 4; rank++ {
		_, ok := mats[rank].TryTile(0, 0)
		assert.False(t, ok, "rank %d untouched", rank)
	}
}

func TestBcastRepeatIsIdempotent(t *testing.T) {
	cluster, mats := bcastGrid(nil)
	ranges := []Range{{0, 1, 0, 0}} // Column 0: owners {0, 1}, tile owner 0.

	allRanks(mats, func(rank int, m *Matrix) {
		m.BcastTile(0, 0, ToHost, ranges...)
	})
	life, ok := mats[1].Life(0, 0)
	require.True(t, ok)
	require.Equal(t, 1, life)
	first := cluster.Stats()

	// A second broadcast finds the replica in place and must not touch its
	// remaining life, though the data moves again.
	allRanks(mats, func(rank int, m *Matrix) {
		m.BcastTile(0, 0, ToHost, ranges...)
	})
	life, _ = mats[1].Life(0, 0)
	assert.Equal(t, 1, life)
	assert.Equal(t, first.Bcasts*2, cluster.Stats().Bcasts)
}

func TestBcastRangeArity(t *testing.T) {
	_, mats := bcastGrid(nil)
	assert.Panics(t, func() { mats[0].BcastTile(0, 0, ToHost) })
	assert.Panics(t, func() {
		mats[0].BcastTile(0, 0, ToHost, Range{}, Range{}, Range{})
	})
}

func TestBcastToDevices(t *testing.T) {
	_, mats := bcastGrid(func(c *Config) {
		c.Device = hostsim.New("2")
	})

	allRanks(mats, func(rank int, m *Matrix) {
		m.BcastTile(0, 1, ToDevices, Range{0, 1, 1, 1}) // Owners {2, 3}.
	})

	for _, rank := range []int{2, 3} {
		for dev := devices.DeviceNum(0); dev < 2; dev++ {
			_, ok := mats[rank].TryTileOn(0, 1, dev)
			assert.True(t, ok, "rank %d device %d", rank, dev)
		}
	}

	// Eviction on the receiver clears the device copies along with the host
	// replica.
	mats[3].Tick(0, 1)
	_, ok := mats[3].TryTile(0, 1)
	assert.False(t, ok)
	_, ok = mats[3].TryTileOn(0, 1, 0)
	assert.False(t, ok)
}

func TestBcastHalfWire(t *testing.T) {
	cluster := inproc.NewCluster(2)
	mats := make([]*Matrix, 2)
	for rank := range mats {
		mats[rank] = New(Config{
			M: 4, N: 4, TileSize: 2,
			GridP: 1, GridQ: 2,
			Comm:     comms.NewComm(cluster.Transport(rank)),
			HalfWire: true,
		})
		mats[rank].Random()
	}

	allRanks(mats, func(rank int, m *Matrix) {
		m.BcastTile(0, 0, ToHost, Range{0, 0, 0, 1})
	})

	want := mats[0].Tile(0, 0)
	got := mats[1].Tile(0, 0)
	for col := 0; col < 2; col++ {
		for row := 0; row < 2; row++ {
			assert.InDelta(t, want.At(row, col), got.At(row, col), 1e-2,
				"half precision on the wire, (%d, %d)", row, col)
		}
	}
}

func TestGather(t *testing.T) {
	_, mats := bcastGrid(nil)

	allRanks(mats, func(rank int, m *Matrix) {
		m.Gather(0)
	})

	// The root now holds every tile; flatten and compare to the deterministic
	// generator output assembled column-major.
	got := make([]float64, 4*4)
	mats[0].StoreTo(got, 4)
	want := make([]float64, 4*4)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			tile := generatedTile(i, j, 2, 2, 2, 2)
			for col := 0; col < 2; col++ {
				for row := 0; row < 2; row++ {
					want[(j*2+col)*4+(i*2+row)] = tile.At(row, col)
				}
			}
		}
	}
	assert.Equal(t, want, got)
}

func TestBcastOnSubView(t *testing.T) {
	cluster, mats := bcastGrid(nil)

	// A view of the last tile column: view coordinate (0, 0) is global (0, 1),
	// owned by rank 2; the range's (1, 0) is global (1, 1), rank 3.
	allRanks(mats, func(rank int, m *Matrix) {
		sub := m.Sub(0, 1, 1, 1)
		sub.BcastTile(0, 0, ToHost, Range{0, 1, 0, 0})
	})

	replica, ok := mats[3].TryTile(0, 1)
	require.True(t, ok, "replica lands at the global coordinate")
	assert.True(t, replica.Equal(mats[2].Tile(0, 1)))
	_, ok = mats[0].TryTile(0, 1)
	assert.False(t, ok, "rank 0 outside the view's participant set")
	assert.Equal(t, int64(2), cluster.Stats().Groups)
}

func TestTileSendRecv(t *testing.T) {
	_, mats := bcastGrid(nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mats[2].TileSend(0, 1, 0)
	}()
	go func() {
		defer wg.Done()
		mats[0].TileRecv(0, 1, 2)
	}()
	wg.Wait()

	got := mats[0].Tile(0, 1)
	assert.True(t, got.Equal(mats[2].Tile(0, 1)))
	_, ok := mats[0].Life(0, 1)
	assert.False(t, ok, "point-to-point transfers carry no life accounting")
}
