// Package matrix implements the distributed, tile-based dense matrix engine.
//
// A logical M×N matrix is split into a 2-D grid of tiles distributed over a
// process grid (block-cyclic by default). Algorithms address tiles by logical
// (row, col) index regardless of which process or device physically holds the
// data; the engine owns the mapping from coordinates to ranks and devices, the
// reference-counted lifetime of replicas fetched from remote owners, and the
// communication that replicates a tile to exactly the set of processes that
// need it.
//
// For every tile coordinate exactly one process is the distribution-designated
// owner; that process's host copy is canonical. Every other copy is a replica
// whose remaining-use count ("life") drives automatic eviction. The numerical
// kernels consuming the tiles live outside this package (see kernels).
package matrix

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/tilemesh/tilemesh/comms"
	"github.com/tilemesh/tilemesh/devices"
	"github.com/tilemesh/tilemesh/types/tiles"
	"github.com/tilemesh/tilemesh/types/xsync"
)

// Coord is a global tile coordinate.
type Coord struct {
	Row, Col int
}

// TileKey identifies one physical tile instance: a coordinate plus the
// location (host or device) where that instance lives.
type TileKey struct {
	Row, Col int
	Loc      tiles.Location
}

// Config assembles the immutable collaborators of a matrix: geometry,
// distribution, process grid and device layer.
type Config struct {
	// M, N are the matrix dimensions in elements.
	M, N int

	// TileSize is the nominal (square) tile size.
	TileSize int

	// GridP, GridQ is the process-grid shape for the default block-cyclic
	// distribution. Ignored when Dist is set.
	GridP, GridQ int

	// Dist overrides the default block-cyclic distribution with an arbitrary
	// owner mapping. Optional.
	Dist Dist

	// Comm is the process's serialized transport. Required.
	Comm *comms.Comm

	// Device is the accelerator layer. Nil means host-only operation.
	Device devices.Device

	// HalfWire selects the half-precision wire format for tile broadcasts.
	HalfWire bool
}

// Matrix is a logical window over a distributed tile grid.
//
// Submatrix views created with Sub share the tile store and life counter with
// their parent: mutation through one view is visible through every other, and
// no tile data is ever copied when creating a view.
type Matrix struct {
	// it, jt are the view's offset in tiles; mt, nt its extent in tiles.
	it, jt, mt, nt int

	dist Dist

	// store maps (row, col, location) to the tile instance living there.
	// The store exclusively owns every tile it holds; eviction is the only
	// destruction path.
	store *xsync.SyncMap[TileKey, *tiles.Tile]

	lives *lifeMap

	comm       *comms.Comm
	dev        devices.Device
	numDevices int

	pool     *tiles.Pool
	halfWire bool
}

// New creates an empty distributed matrix. Every participating process must
// call New with an identical configuration (except Comm, which is per-process).
//
// The matrix holds no tile data yet: load it with Attach, Random or LoadFrom.
func New(cfg Config) *Matrix {
	if cfg.Comm == nil {
		exceptions.Panicf("matrix: Config.Comm is required")
	}
	dist := cfg.Dist
	numDevices := 0
	if cfg.Device != nil {
		numDevices = cfg.Device.NumDevices()
	}
	if dist == nil {
		dist = NewBlockCyclic(cfg.M, cfg.N, cfg.TileSize, cfg.GridP, cfg.GridQ, numDevices)
	}
	m := &Matrix{
		mt:         ceilDiv(cfg.M, cfg.TileSize),
		nt:         ceilDiv(cfg.N, cfg.TileSize),
		dist:       dist,
		store:      &xsync.SyncMap[TileKey, *tiles.Tile]{},
		lives:      newLifeMap(),
		comm:       cfg.Comm,
		dev:        cfg.Device,
		numDevices: numDevices,
		pool:       tiles.NewPool(),
		halfWire:   cfg.HalfWire,
	}
	return m
}

// Mt returns the number of tile rows in the view.
func (m *Matrix) Mt() int { return m.mt }

// Nt returns the number of tile columns in the view.
func (m *Matrix) Nt() int { return m.nt }

// Rank of the local process.
func (m *Matrix) Rank() int { return m.comm.Rank() }

// NumDevices returns the per-process accelerator count.
func (m *Matrix) NumDevices() int { return m.numDevices }

// Pool returns the host tile memory pool shared by all views of this matrix.
func (m *Matrix) Pool() *tiles.Pool { return m.pool }

// Sub returns the zero-copy submatrix view spanning tile rows i1..i2 and tile
// columns j1..j2 (inclusive). The view aliases the parent's tile store and
// life counter; only offset and extent metadata change.
func (m *Matrix) Sub(i1, i2, j1, j2 int) *Matrix {
	if i1 > i2 || j1 > j2 {
		exceptions.Panicf("matrix: empty submatrix [%d..%d]x[%d..%d]", i1, i2, j1, j2)
	}
	if i2 >= m.mt || j2 >= m.nt {
		exceptions.Panicf("matrix: submatrix [%d..%d]x[%d..%d] exceeds view extent %dx%d",
			i1, i2, j1, j2, m.mt, m.nt)
	}
	sub := *m
	sub.it += i1
	sub.jt += j1
	sub.mt = i2 - i1 + 1
	sub.nt = j2 - j1 + 1
	return &sub
}

// TileRank returns the rank owning tile (i, j) of the view.
func (m *Matrix) TileRank(i, j int) int {
	return m.dist.TileRank(m.it+i, m.jt+j)
}

// TileDevice returns the owning device location of tile (i, j) of the view.
func (m *Matrix) TileDevice(i, j int) tiles.Location {
	return m.dist.TileDevice(m.it+i, m.jt+j)
}

// TileMb returns the row extent of tiles in the view's tile-row i.
func (m *Matrix) TileMb(i int) int { return m.dist.TileMb(m.it + i) }

// TileNb returns the column extent of tiles in the view's tile-column j.
func (m *Matrix) TileNb(j int) int { return m.dist.TileNb(m.jt + j) }

// TileIsLocal returns whether the local process owns tile (i, j).
func (m *Matrix) TileIsLocal(i, j int) bool {
	return m.TileRank(i, j) == m.comm.Rank()
}

// key builds the store key of the view-relative coordinate at a location.
func (m *Matrix) key(i, j int, loc tiles.Location) TileKey {
	return TileKey{Row: m.it + i, Col: m.jt + j, Loc: loc}
}

// coord builds the global coordinate of the view-relative (i, j).
func (m *Matrix) coord(i, j int) Coord {
	return Coord{Row: m.it + i, Col: m.jt + j}
}

// TryTile returns the host-resident tile at (i, j), or ok=false if the
// coordinate holds no host tile on this process ("tile absent").
func (m *Matrix) TryTile(i, j int) (t *tiles.Tile, ok bool) {
	return m.store.Load(m.key(i, j, tiles.Host))
}

// Tile returns the host-resident tile at (i, j). It panics if the tile is
// absent: dereferencing an absent tile is a logic error upstream (the tile was
// never received, or was evicted by a premature Tick).
func (m *Matrix) Tile(i, j int) *tiles.Tile {
	t, ok := m.TryTile(i, j)
	if !ok {
		exceptions.Panicf("matrix: rank %d has no host tile at (%d, %d)", m.comm.Rank(), m.it+i, m.jt+j)
	}
	return t
}

// TryTileOn returns the tile instance at (i, j) on the given device, or
// ok=false if absent.
func (m *Matrix) TryTileOn(i, j int, dev devices.DeviceNum) (t *tiles.Tile, ok bool) {
	return m.store.Load(m.key(i, j, tiles.OnDevice(dev)))
}

// TileOn returns the tile instance at (i, j) resident on the given device.
// It panics if the tile is absent there.
func (m *Matrix) TileOn(i, j int, dev devices.DeviceNum) *tiles.Tile {
	t, ok := m.TryTileOn(i, j, dev)
	if !ok {
		exceptions.Panicf("matrix: rank %d has no tile at (%d, %d) on device %d",
			m.comm.Rank(), m.it+i, m.jt+j, dev)
	}
	return t
}

// insertTile stores a tile instance, panicking on double insertion -- writers
// for one key are required to coordinate, a duplicate means they did not.
func (m *Matrix) insertTile(i, j int, loc tiles.Location, t *tiles.Tile) {
	if _, loaded := m.store.LoadOrStore(m.key(i, j, loc), t); loaded {
		exceptions.Panicf("matrix: rank %d inserted tile (%d, %d) at location %d twice",
			m.comm.Rank(), m.it+i, m.jt+j, loc)
	}
}

// lifeMap tracks the remaining local uses of replicas, keyed by coordinate.
// Entries exist only on processes holding the coordinate as a non-owning
// replica; owners never appear in it.
type lifeMap struct {
	mu sync.Mutex
	m  map[Coord]int
}

func newLifeMap() *lifeMap {
	return &lifeMap{m: make(map[Coord]int)}
}

// SetLife initializes the remaining-use count of a freshly received replica.
// It must be called exactly once per replica, before any Tick.
func (m *Matrix) SetLife(i, j, n int) {
	if m.TileIsLocal(i, j) {
		exceptions.Panicf("matrix: rank %d set a life for tile (%d, %d) it owns",
			m.comm.Rank(), m.it+i, m.jt+j)
	}
	if n <= 0 {
		exceptions.Panicf("matrix: life of tile (%d, %d) must be positive, got %d", m.it+i, m.jt+j, n)
	}
	c := m.coord(i, j)
	m.lives.mu.Lock()
	defer m.lives.mu.Unlock()
	if _, exists := m.lives.m[c]; exists {
		exceptions.Panicf("matrix: life of tile (%d, %d) set twice", c.Row, c.Col)
	}
	m.lives.m[c] = n
}

// Life returns the remaining-use count for a replica coordinate, or ok=false
// when no life entry exists.
func (m *Matrix) Life(i, j int) (n int, ok bool) {
	m.lives.mu.Lock()
	defer m.lives.mu.Unlock()
	n, ok = m.lives.m[m.coord(i, j)]
	return
}

// Tick consumes one scheduled local use of the replica at (i, j). When the
// life reaches zero the tile is evicted from every location (host and each
// device) and the life entry is removed.
//
// Tick must never be called on a coordinate this process owns, and calling it
// more times than the life initialized by SetLife indicates a scheduling
// miscount upstream; both panic.
func (m *Matrix) Tick(i, j int) {
	if m.TileIsLocal(i, j) {
		exceptions.Panicf("matrix: rank %d ticked tile (%d, %d) it owns",
			m.comm.Rank(), m.it+i, m.jt+j)
	}
	c := m.coord(i, j)
	m.lives.mu.Lock()
	life, ok := m.lives.m[c]
	if !ok {
		m.lives.mu.Unlock()
		exceptions.Panicf("matrix: rank %d ticked tile (%d, %d) with no life left -- scheduling miscount",
			m.comm.Rank(), c.Row, c.Col)
	}
	life--
	if life > 0 {
		m.lives.m[c] = life
		m.lives.mu.Unlock()
		return
	}
	delete(m.lives.m, c)
	m.lives.mu.Unlock()

	klog.V(2).Infof("matrix: rank %d evicting replica (%d, %d)", m.comm.Rank(), c.Row, c.Col)
	m.Erase(i, j, tiles.Host)
	for dev := 0; dev < m.numDevices; dev++ {
		m.Erase(i, j, tiles.OnDevice(devices.DeviceNum(dev)))
	}
}

// CheckLife panics if the life counter references a coordinate this process
// owns, or a coordinate with no tile instance left. Debugging aid.
func (m *Matrix) CheckLife() {
	m.lives.mu.Lock()
	coords := make([]Coord, 0, len(m.lives.m))
	for c := range m.lives.m {
		coords = append(coords, c)
	}
	m.lives.mu.Unlock()

	for _, c := range coords {
		if m.dist.TileRank(c.Row, c.Col) == m.comm.Rank() {
			exceptions.Panicf("matrix: rank %d has a life entry for tile (%d, %d) it owns",
				m.comm.Rank(), c.Row, c.Col)
		}
		found := false
		for loc := tiles.Host; int(loc) < m.numDevices; loc++ {
			if _, ok := m.store.Load(TileKey{Row: c.Row, Col: c.Col, Loc: loc}); ok {
				found = true
				break
			}
		}
		if !found {
			exceptions.Panicf("matrix: rank %d has a life entry for tile (%d, %d) with no instance",
				m.comm.Rank(), c.Row, c.Col)
		}
	}
}

// LifeString renders the view's life grid: "." for coordinates with no host
// tile on this process, "*" for owned tiles, and the remaining life count for
// replicas.
func (m *Matrix) LifeString() string {
	var sb strings.Builder
	for i := 0; i < m.mt; i++ {
		for j := 0; j < m.nt; j++ {
			if _, ok := m.TryTile(i, j); !ok {
				sb.WriteString("   .")
				continue
			}
			if m.TileIsLocal(i, j) {
				sb.WriteString("   *")
				continue
			}
			life, _ := m.Life(i, j)
			fmt.Fprintf(&sb, "%4d", life)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
