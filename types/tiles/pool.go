package tiles

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/tilemesh/tilemesh/types/xsync"
)

// Pool recycles host tile storage.
//
// Tile memory is sized to the algorithm's working set and churns quickly as
// replicas are received and evicted, so owning tiles draw their buffers from
// per-size free lists instead of the garbage collector.
type Pool struct {
	pools xsync.SyncMap[int, *sync.Pool]

	// allocated counts bytes handed out by fresh allocations (not reuses).
	allocated atomic.Int64
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

func (p *Pool) get(n int) []float64 {
	sp, ok := p.pools.Load(n)
	if !ok {
		sp, _ = p.pools.LoadOrStore(n, &sync.Pool{
			New: func() any {
				p.allocated.Add(int64(n * 8))
				return make([]float64, n)
			},
		})
	}
	data := sp.Get().([]float64)
	clear(data)
	return data
}

func (p *Pool) put(data []float64) {
	sp, ok := p.pools.Load(len(data))
	if !ok {
		// put without a prior get of this size: keep it anyway.
		sp, _ = p.pools.LoadOrStore(len(data), &sync.Pool{
			New: func() any {
				p.allocated.Add(int64(len(data) * 8))
				return make([]float64, len(data))
			},
		})
	}
	sp.Put(data)
}

// AllocatedBytes returns the total bytes freshly allocated by the pool so far.
func (p *Pool) AllocatedBytes() int64 {
	return p.allocated.Load()
}

// AllocatedString returns AllocatedBytes pretty-printed, e.g. "1.5 MiB".
func (p *Pool) AllocatedString() string {
	return humanize.IBytes(uint64(p.allocated.Load()))
}
