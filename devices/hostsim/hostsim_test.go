package hostsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemesh/tilemesh/devices"
)

func TestRegistry(t *testing.T) {
	dev := devices.NewWithConfig("hostsim:3")
	require.Equal(t, 3, dev.NumDevices())
	assert.Equal(t, Name, dev.Name())
	assert.NotEmpty(t, dev.Description())
	dev.Finalize()

	dev = New("")
	assert.Equal(t, DefaultNumDevices, dev.NumDevices())
	dev.Finalize()

	assert.Panics(t, func() { New("banana") })
	assert.Panics(t, func() { New("-1") })
	assert.Panics(t, func() { devices.NewWithConfig("notthere:0") })
}

func TestTransferRoundTrip(t *testing.T) {
	dev := New("2")
	defer dev.Finalize()

	src := []float64{1, 2, 3, 4, 5}
	buf := dev.Alloc(1, len(src))
	dev.ToDevice(1, buf, src)

	dst := make([]float64, len(src))
	dev.ToHost(1, dst, buf)
	assert.Equal(t, src, dst)

	// Device memory is a separate copy, not an alias.
	src[0] = 99
	dev.ToHost(1, dst, buf)
	assert.Equal(t, 1.0, dst[0])
	dev.Free(1, buf)
}

func TestMisuse(t *testing.T) {
	dev := New("1")
	defer dev.Finalize()

	assert.Panics(t, func() { dev.Alloc(1, 4) }, "device out of range")
	buf := dev.Alloc(0, 4)
	assert.Panics(t, func() { dev.ToDevice(0, buf, []float64{1}) }, "size mismatch")
	dev.Free(0, buf)
	assert.Panics(t, func() { dev.ToHost(0, make([]float64, 4), buf) }, "use after free")
}

func TestFlat(t *testing.T) {
	dev := New("1")
	defer dev.Finalize()
	buf := dev.Alloc(0, 3)
	dev.ToDevice(0, buf, []float64{7, 8, 9})
	assert.Equal(t, []float64{7, 8, 9}, Flat(buf))
	assert.Panics(t, func() { Flat("not a buffer") })
}
