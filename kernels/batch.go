package kernels

import (
	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/blas"

	"github.com/tilemesh/tilemesh/devices/hostsim"
	"github.com/tilemesh/tilemesh/matrix"
	"github.com/tilemesh/tilemesh/types/tiles"
)

// BatchGemm launches c[k] += alpha*a[k]*b[k] for every k over the simulated
// device's batch arrays, standing in for a real batched accelerator kernel.
// The batches must be parallel (equal length) and assembled by
// Matrix.BuildBatch on the same device, which guarantees the buffers are
// resident for the duration of the launch.
func BatchGemm(alpha float64, a, b *matrix.Batch, beta float64, c *matrix.Batch) {
	if a.Dev != b.Dev || a.Dev != c.Dev {
		exceptions.Panicf("kernels: BatchGemm batches live on devices %d/%d/%d, want one device",
			a.Dev, b.Dev, c.Dev)
	}
	if a.Len() != b.Len() || a.Len() != c.Len() {
		exceptions.Panicf("kernels: BatchGemm batch lengths %d/%d/%d differ", a.Len(), b.Len(), c.Len())
	}
	for k := 0; k < c.Len(); k++ {
		at := &tiles.Tile{Mb: a.Mbs[k], Nb: a.Nbs[k], Stride: a.Mbs[k], Data: hostsim.Flat(a.Buffers[k])}
		bt := &tiles.Tile{Mb: b.Mbs[k], Nb: b.Nbs[k], Stride: b.Mbs[k], Data: hostsim.Flat(b.Buffers[k])}
		ct := &tiles.Tile{Mb: c.Mbs[k], Nb: c.Nbs[k], Stride: c.Mbs[k], Data: hostsim.Flat(c.Buffers[k])}
		Gemm(blas.NoTrans, blas.NoTrans, alpha, at, bt, beta, ct)
	}
}
