package matrix

import (
	"sort"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/tilemesh/tilemesh/comms"
	"github.com/tilemesh/tilemesh/devices"
	"github.com/tilemesh/tilemesh/types/tiles"
)

// tileTag is the point-to-point tag for tile payloads. Matching relies on
// every rank issuing its transfers in the same program order, as the original
// owner-driven algorithms do.
const tileTag = 0

// Target selects where a broadcast leaves the received tile resident.
type Target int

const (
	// ToHost leaves the tile in host memory only.
	ToHost Target = iota

	// ToDevices additionally replicates the tile onto every local device
	// after the broadcast.
	ToDevices
)

// Range is a rectangular, inclusive range of view-relative tile coordinates
// [I1..I2]×[J1..J2], declaring where a broadcast tile will be used going
// forward.
type Range struct {
	I1, I2, J1, J2 int
}

// TileSend transmits the local tile (i, j) to one destination rank.
// The tile must be present on the host.
func (m *Matrix) TileSend(i, j, dest int) {
	t := m.Tile(i, j)
	m.comm.Send(t.WireBytes(), dest, tileTag)
}

// TileRecv allocates a fresh tile at (i, j) sized by the distribution
// functions and receives its data from the source rank. No life entry is
// created: point-to-point transfers (gather/scatter patterns) manage the
// received tiles explicitly.
func (m *Matrix) TileRecv(i, j, src int) {
	t := tiles.New(m.TileMb(i), m.TileNb(j), m.pool)
	m.insertTile(i, j, tiles.Host, t)
	m.comm.Recv(t.Bytes(), src, tileTag)
}

// BcastTile replicates tile (i, j) to every process that will use it within
// the declared future-use ranges (one or two of them).
//
// The participant set is {owner} ∪ {owner of (i', j') for every coordinate in
// the ranges}; each participant recomputes the identical set locally, so no
// coordination round is needed. If the set has a single member no
// communication happens at all. Otherwise participants lacking a copy allocate
// one and set its life to their own local-use count over the ranges, and the
// owner's data is broadcast once over an ephemeral subgroup.
//
// Callers must declare ranges conservatively: under-declaring the future use
// makes the replica's life run out early and the tile is evicted while still
// needed (a later Tile() call then panics on the absent tile).
func (m *Matrix) BcastTile(i, j int, target Target, ranges ...Range) {
	if len(ranges) == 0 || len(ranges) > 2 {
		exceptions.Panicf("matrix: BcastTile takes one or two use ranges, got %d", len(ranges))
	}

	// Find the set of participating ranks.
	bcastSet := make(map[int]bool)
	bcastSet[m.TileRank(i, j)] = true
	for _, r := range ranges {
		m.bcastFindRanks(r, bcastSet)
	}
	if !bcastSet[m.comm.Rank()] {
		return
	}

	// If receiving the tile and not yet holding a replica, create it and set
	// its life to the number of times this process will consume it.
	if !m.TileIsLocal(i, j) {
		if _, ok := m.TryTile(i, j); !ok {
			t := tiles.New(m.TileMb(i), m.TileNb(j), m.pool)
			m.insertTile(i, j, tiles.Host, t)
			life := 0
			for _, r := range ranges {
				life += m.bcastFindLife(r)
			}
			m.SetLife(i, j, life)
		}
	}

	m.bcastOverSet(i, j, bcastSet)

	if target == ToDevices {
		for dev := 0; dev < m.numDevices; dev++ {
			m.CopyToDevice(i, j, devices.DeviceNum(dev))
		}
	}
}

// bcastFindRanks adds the owners of every coordinate in the range to the set.
func (m *Matrix) bcastFindRanks(r Range, bcastSet map[int]bool) {
	for i := r.I1; i <= r.I2; i++ {
		for j := r.J1; j <= r.J2; j++ {
			bcastSet[m.TileRank(i, j)] = true
		}
	}
}

// bcastFindLife counts the coordinates in the range owned by this process,
// i.e. the number of times it will personally consume the broadcast tile.
func (m *Matrix) bcastFindLife(r Range) int {
	life := 0
	for i := r.I1; i <= r.I2; i++ {
		for j := r.J1; j <= r.J2; j++ {
			if m.TileIsLocal(i, j) {
				life++
			}
		}
	}
	return life
}

// bcastOverSet broadcasts tile (i, j) from its owner over the ephemeral
// subgroup spanned by the participant set. A singleton set means no other
// process uses the tile and communication is skipped entirely.
func (m *Matrix) bcastOverSet(i, j int, bcastSet map[int]bool) {
	if len(bcastSet) == 1 {
		return
	}
	ranks := make([]int, 0, len(bcastSet))
	for r := range bcastSet {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	root := m.TileRank(i, j)
	klog.V(1).Infof("matrix: rank %d broadcasting tile (%d, %d) over ranks %v (root %d)",
		m.comm.Rank(), m.it+i, m.jt+j, ranks, root)

	t := m.Tile(i, j)
	if m.halfWire {
		var payload []byte
		if m.comm.Rank() == root {
			payload = comms.EncodeHalf(t.Packed())
		} else {
			payload = make([]byte, comms.HalfBytes(t.Size()))
		}
		m.comm.Bcast(ranks, payload, root)
		if m.comm.Rank() != root {
			comms.DecodeHalf(payload, t.Data)
		}
		return
	}
	var payload []byte
	if m.comm.Rank() == root {
		payload = t.WireBytes()
	} else {
		payload = t.Bytes()
	}
	m.comm.Bcast(ranks, payload, root)
}

// Gather collects every tile of the view on the root rank. Tiles the root does
// not own are received point-to-point from their owners and stay resident
// without a life entry; callers tear them down explicitly.
func (m *Matrix) Gather(root int) {
	for i := 0; i < m.mt; i++ {
		for j := 0; j < m.nt; j++ {
			if m.comm.Rank() == root {
				if !m.TileIsLocal(i, j) {
					m.TileRecv(i, j, m.TileRank(i, j))
				}
			} else {
				if m.TileIsLocal(i, j) {
					m.TileSend(i, j, root)
				}
			}
		}
	}
}
