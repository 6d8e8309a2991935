// Package kernels provides the single-tile linear-algebra primitives consumed
// by algorithms over distributed tiled matrices.
//
// Tiles are column-major; gonum's blas64/lapack64 are row-major, so every
// operation is expressed on the transposed row-major view of its operands
// (a column-major mb×nb block with leading dimension ld is exactly a
// row-major nb×mb block with stride ld). The matrix engine never inspects the
// numeric contents of tiles; these primitives are its only consumers.
package kernels

import (
	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"

	"github.com/tilemesh/tilemesh/types/tiles"
)

// rm returns the row-major view of the transpose of a column-major tile.
func rm(t *tiles.Tile) blas64.General {
	return blas64.General{
		Rows:   t.Nb,
		Cols:   t.Mb,
		Stride: t.Stride,
		Data:   t.Data,
	}
}

func opRows(t *tiles.Tile, trans blas.Transpose) int {
	if trans == blas.NoTrans {
		return t.Mb
	}
	return t.Nb
}

func opCols(t *tiles.Tile, trans blas.Transpose) int {
	if trans == blas.NoTrans {
		return t.Nb
	}
	return t.Mb
}

// Gemm computes c = alpha*op(a)*op(b) + beta*c on host-resident tiles,
// with op selected by transA and transB.
func Gemm(transA, transB blas.Transpose, alpha float64, a, b *tiles.Tile, beta float64, c *tiles.Tile) {
	if opRows(a, transA) != c.Mb || opCols(b, transB) != c.Nb || opCols(a, transA) != opRows(b, transB) {
		exceptions.Panicf("kernels: Gemm dimension mismatch, op(a)=%dx%d op(b)=%dx%d c=%dx%d",
			opRows(a, transA), opCols(a, transA), opRows(b, transB), opCols(b, transB), c.Mb, c.Nb)
	}
	// Column-major c = op(a)*op(b) is row-major cᵀ = op(b)ᵀ*op(a)ᵀ.
	blas64.Gemm(transB, transA, alpha, rm(b), rm(a), beta, rm(c))
}

// Syrk computes the lower triangle of c = alpha*a*aᵀ + beta*c for a square
// diagonal tile c.
func Syrk(alpha float64, a *tiles.Tile, beta float64, c *tiles.Tile) {
	if c.Mb != c.Nb || a.Mb != c.Mb {
		exceptions.Panicf("kernels: Syrk wants square c matching a's rows, got a=%dx%d c=%dx%d",
			a.Mb, a.Nb, c.Mb, c.Nb)
	}
	// Column-major lower triangle is the row-major upper triangle; a*aᵀ in
	// the transposed view is (aᵀ)ᵀ*(aᵀ).
	blas64.Syrk(blas.Trans, alpha, rm(a), beta, blas64.Symmetric{
		Uplo:   blas.Upper,
		N:      c.Nb,
		Stride: c.Stride,
		Data:   c.Data,
	})
}

// Potrf computes the lower-triangular Cholesky factor of a square diagonal
// tile in place. It panics if the tile is not positive definite -- tile
// algorithms cannot recover from a failed diagonal factorization.
func Potrf(t *tiles.Tile) {
	if t.Mb != t.Nb {
		exceptions.Panicf("kernels: Potrf on a non-square tile %dx%d", t.Mb, t.Nb)
	}
	_, ok := lapack64.Potrf(blas64.Symmetric{
		Uplo:   blas.Upper,
		N:      t.Nb,
		Stride: t.Stride,
		Data:   t.Data,
	})
	if !ok {
		exceptions.Panicf("kernels: Potrf failed, tile is not positive definite")
	}
}

// TrsmPanel solves b = alpha * b * lᵀ⁻¹ in place, where l is the
// lower-triangular Cholesky factor held in a square diagonal tile. This is
// the panel update of the tile Cholesky factorization.
func TrsmPanel(alpha float64, l, b *tiles.Tile) {
	if l.Mb != l.Nb || b.Nb != l.Nb {
		exceptions.Panicf("kernels: TrsmPanel wants square l matching b's columns, got l=%dx%d b=%dx%d",
			l.Mb, l.Nb, b.Mb, b.Nb)
	}
	// Column-major b·lᵀ⁻¹ is row-major (rm(l)ᵀ)⁻¹·bᵀ with rm(l) upper.
	blas64.Trsm(blas.Left, blas.Trans, alpha, blas64.Triangular{
		Uplo:   blas.Upper,
		Diag:   blas.NonUnit,
		N:      l.Nb,
		Stride: l.Stride,
		Data:   l.Data,
	}, rm(b))
}
