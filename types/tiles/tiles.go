// Package tiles implements the Tile, a rectangular block of matrix elements
// held as a contiguous column-major buffer.
//
// A tile is the unit of distribution, communication and device residency for
// the tiled matrix engine. Edge tiles of a matrix may be smaller than the
// nominal tile size. A tile either owns its storage (drawn from a Pool) or
// aliases caller-supplied memory, e.g. a column block of a full ScaLAPACK-style
// host array.
package tiles

import (
	"unsafe"

	"github.com/gomlx/exceptions"

	"github.com/tilemesh/tilemesh/devices"
)

// Location identifies where a tile's data lives: host memory or one
// accelerator device. It is part of a tile's identity key in the tile store.
type Location int

// Host is the location of tiles resident in host (CPU) memory.
// Device locations are the non-negative devices.DeviceNum values.
const Host Location = -1

// OnDevice returns the location for the given device.
func OnDevice(dev devices.DeviceNum) Location {
	return Location(dev)
}

// IsHost returns whether the location refers to host memory.
func (loc Location) IsHost() bool { return loc < 0 }

// Device returns the device number for a device location.
// It panics on the host location.
func (loc Location) Device() devices.DeviceNum {
	if loc.IsHost() {
		exceptions.Panicf("tiles: Location.Device() called on the host location")
	}
	return devices.DeviceNum(loc)
}

// Tile is a rectangular block of matrix elements.
//
// Host-resident tiles keep their elements in Data, a column-major buffer with
// leading dimension Stride. Device-resident tiles keep an opaque device Buffer
// instead, and Data is nil.
type Tile struct {
	// Mb and Nb are the tile's row and column extents.
	// They are at most the matrix's nominal tile size, less on edge tiles.
	Mb, Nb int

	// Stride is the column-major leading dimension of Data. Stride >= Mb.
	// Tiles that own their storage are packed (Stride == Mb); tiles aliasing
	// a larger host array carry that array's leading dimension.
	Stride int

	// Data is the host storage, nil for device-resident tiles.
	Data []float64

	// Buffer is the device storage, nil for host-resident tiles.
	Buffer devices.Buffer

	// Loc is where the tile's data lives.
	Loc Location

	// owned tells whether Data was drawn from a pool and must be returned on
	// release, as opposed to aliasing externally supplied memory.
	owned bool

	pool *Pool
}

// New returns a host-resident tile with freshly pooled, packed storage.
// The pool may be nil, in which case the storage is plainly allocated.
func New(mb, nb int, pool *Pool) *Tile {
	if mb <= 0 || nb <= 0 {
		exceptions.Panicf("tiles.New: invalid tile dimensions (%d, %d)", mb, nb)
	}
	var data []float64
	if pool != nil {
		data = pool.get(mb * nb)
	} else {
		data = make([]float64, mb*nb)
	}
	return &Tile{
		Mb:     mb,
		Nb:     nb,
		Stride: mb,
		Data:   data,
		Loc:    Host,
		owned:  true,
		pool:   pool,
	}
}

// FromSlice returns a host-resident tile aliasing the caller's column-major
// memory. The tile does not own the memory and Release will not free it.
func FromSlice(mb, nb int, data []float64, stride int) *Tile {
	if stride < mb {
		exceptions.Panicf("tiles.FromSlice: stride=%d < mb=%d", stride, mb)
	}
	if len(data) < stride*(nb-1)+mb {
		exceptions.Panicf("tiles.FromSlice: data has %d elements, need at least %d",
			len(data), stride*(nb-1)+mb)
	}
	return &Tile{
		Mb:     mb,
		Nb:     nb,
		Stride: stride,
		Data:   data,
		Loc:    Host,
	}
}

// Size returns the number of elements in the tile (Mb*Nb), ignoring stride
// padding.
func (t *Tile) Size() int { return t.Mb * t.Nb }

// At returns element (i, j) of a host-resident tile.
func (t *Tile) At(i, j int) float64 {
	return t.Data[j*t.Stride+i]
}

// Set sets element (i, j) of a host-resident tile.
func (t *Tile) Set(i, j int, v float64) {
	t.Data[j*t.Stride+i] = v
}

// IsPacked returns whether the tile's columns are contiguous (Stride == Mb).
func (t *Tile) IsPacked() bool { return t.Stride == t.Mb }

// Packed returns the tile's elements as one contiguous column-major slice of
// length Mb*Nb. For packed tiles it is Data itself (no copy); otherwise the
// columns are compacted into a fresh slice.
func (t *Tile) Packed() []float64 {
	if t.IsPacked() {
		return t.Data[:t.Size()]
	}
	out := make([]float64, t.Size())
	for j := 0; j < t.Nb; j++ {
		copy(out[j*t.Mb:(j+1)*t.Mb], t.Data[j*t.Stride:j*t.Stride+t.Mb])
	}
	return out
}

// Bytes returns the raw bytes of a packed host-resident tile, for the
// transport layer. It panics on device-resident or strided tiles: the wire
// format is always the packed column-major image.
func (t *Tile) Bytes() []byte {
	if t.Data == nil {
		exceptions.Panicf("tiles: Bytes() on a device-resident tile")
	}
	if !t.IsPacked() {
		exceptions.Panicf("tiles: Bytes() on a strided tile (stride=%d, mb=%d)", t.Stride, t.Mb)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&t.Data[0])), t.Size()*8)
}

// WireBytes returns the tile's packed column-major image as raw bytes, the
// on-the-wire representation for sends. Packed tiles are viewed in place;
// strided tiles are compacted first.
func (t *Tile) WireBytes() []byte {
	if t.IsPacked() {
		return t.Bytes()
	}
	packed := t.Packed()
	return unsafe.Slice((*byte)(unsafe.Pointer(&packed[0])), len(packed)*8)
}

// CopyFrom fills the tile from a column-major host array with leading
// dimension lda, reading the Mb×Nb block starting at a[0].
func (t *Tile) CopyFrom(a []float64, lda int) {
	for j := 0; j < t.Nb; j++ {
		copy(t.Data[j*t.Stride:j*t.Stride+t.Mb], a[j*lda:j*lda+t.Mb])
	}
}

// CopyTo writes the tile into a column-major host array with leading
// dimension lda, writing the Mb×Nb block starting at a[0].
func (t *Tile) CopyTo(a []float64, lda int) {
	for j := 0; j < t.Nb; j++ {
		copy(a[j*lda:j*lda+t.Mb], t.Data[j*t.Stride:j*t.Stride+t.Mb])
	}
}

// Fill sets every element of a host-resident tile to v.
func (t *Tile) Fill(v float64) {
	for j := 0; j < t.Nb; j++ {
		col := t.Data[j*t.Stride : j*t.Stride+t.Mb]
		for i := range col {
			col[i] = v
		}
	}
}

// Equal reports whether two host-resident tiles have the same extents and
// element-wise identical contents.
func (t *Tile) Equal(other *Tile) bool {
	if t.Mb != other.Mb || t.Nb != other.Nb {
		return false
	}
	for j := 0; j < t.Nb; j++ {
		for i := 0; i < t.Mb; i++ {
			if t.At(i, j) != other.At(i, j) {
				return false
			}
		}
	}
	return true
}

// Release returns owned storage to the pool and invalidates the tile.
// Releasing a non-owning (aliasing) tile only drops the reference.
// The tile store is the only caller; a released tile must not be used again.
func (t *Tile) Release() {
	if t.owned && t.pool != nil && t.Data != nil {
		t.pool.put(t.Data)
	}
	t.Data = nil
	t.Buffer = nil
	t.owned = false
}
