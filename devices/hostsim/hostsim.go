// Package hostsim implements a simulated accelerator device.
//
// Device memory is modeled as separately allocated host slices behind opaque
// buffer handles, with explicit ToDevice/ToHost copies, so the engine's
// movement, residency and eviction logic can be exercised (and tested) on
// machines with no real accelerator. Buffers are recycled from per-size pools,
// following the same free-list scheme as host tile storage.
//
// The configuration string is the number of simulated devices, e.g.
// "hostsim:4". It defaults to 2.
package hostsim

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/tilemesh/tilemesh/devices"
	"github.com/tilemesh/tilemesh/types/xsync"
)

// Name of the device implementation, for devices.NewWithConfig.
const Name = "hostsim"

// DefaultNumDevices used when the configuration string is empty.
const DefaultNumDevices = 2

func init() {
	devices.Register(Name, New)
}

// Sim is the simulated accelerator. It implements devices.Device.
type Sim struct {
	numDevices int

	pools     xsync.SyncMap[poolKey, *sync.Pool]
	allocated atomic.Int64
	finalized atomic.Bool
}

type poolKey struct {
	dev    devices.DeviceNum
	length int
}

// buffer is the opaque handle handed out as devices.Buffer.
type buffer struct {
	flat  []float64
	dev   devices.DeviceNum
	valid bool
}

// New creates a Sim from a configuration string holding the number of
// simulated devices, or empty for the default.
func New(config string) devices.Device {
	numDevices := DefaultNumDevices
	if config != "" {
		var err error
		numDevices, err = strconv.Atoi(config)
		if err != nil || numDevices < 0 {
			exceptions.Panicf("hostsim: invalid configuration %q, want a non-negative device count", config)
		}
	}
	return &Sim{numDevices: numDevices}
}

// Name implements devices.Device.
func (s *Sim) Name() string { return Name }

// Description implements devices.Device.
func (s *Sim) Description() string {
	return fmt.Sprintf("simulated accelerator (%d devices, %s allocated)",
		s.numDevices, humanize.IBytes(uint64(s.allocated.Load())))
}

// NumDevices implements devices.Device.
func (s *Sim) NumDevices() int { return s.numDevices }

func (s *Sim) checkDev(dev devices.DeviceNum) {
	if s.finalized.Load() {
		exceptions.Panicf("hostsim: device used after Finalize")
	}
	if int(dev) < 0 || int(dev) >= s.numDevices {
		exceptions.Panicf("hostsim: device %d out of range, have %d devices", dev, s.numDevices)
	}
}

// Alloc implements devices.Device.
func (s *Sim) Alloc(dev devices.DeviceNum, n int) devices.Buffer {
	s.checkDev(dev)
	key := poolKey{dev: dev, length: n}
	pool, ok := s.pools.Load(key)
	if !ok {
		pool, _ = s.pools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				s.allocated.Add(int64(n * 8))
				return &buffer{flat: make([]float64, n), dev: dev}
			},
		})
	}
	buf := pool.Get().(*buffer)
	buf.valid = true
	klog.V(2).Infof("hostsim: alloc %d elements on device %d (total fresh %s)",
		n, dev, humanize.IBytes(uint64(s.allocated.Load())))
	return buf
}

// Free implements devices.Device.
func (s *Sim) Free(dev devices.DeviceNum, devBuf devices.Buffer) {
	s.checkDev(dev)
	buf := s.mustBuffer(dev, devBuf)
	buf.valid = false
	pool, ok := s.pools.Load(poolKey{dev: dev, length: len(buf.flat)})
	if ok {
		pool.Put(buf)
	}
}

// ToDevice implements devices.Device.
func (s *Sim) ToDevice(dev devices.DeviceNum, dst devices.Buffer, src []float64) {
	s.checkDev(dev)
	buf := s.mustBuffer(dev, dst)
	if len(src) != len(buf.flat) {
		exceptions.Panicf("hostsim: ToDevice size mismatch, buffer has %d elements, src has %d",
			len(buf.flat), len(src))
	}
	copy(buf.flat, src)
}

// ToHost implements devices.Device.
func (s *Sim) ToHost(dev devices.DeviceNum, dst []float64, src devices.Buffer) {
	s.checkDev(dev)
	buf := s.mustBuffer(dev, src)
	if len(dst) != len(buf.flat) {
		exceptions.Panicf("hostsim: ToHost size mismatch, buffer has %d elements, dst has %d",
			len(buf.flat), len(dst))
	}
	copy(dst, buf.flat)
}

// Finalize implements devices.Device.
func (s *Sim) Finalize() {
	s.finalized.Store(true)
	s.pools.Clear()
}

func (s *Sim) mustBuffer(dev devices.DeviceNum, devBuf devices.Buffer) *buffer {
	buf, ok := devBuf.(*buffer)
	if !ok {
		exceptions.Panicf("hostsim: buffer of foreign type %T given", devBuf)
	}
	if !buf.valid {
		exceptions.Panicf("hostsim: buffer used after Free")
	}
	if buf.dev != dev {
		exceptions.Panicf("hostsim: buffer belongs to device %d, used with device %d", buf.dev, dev)
	}
	return buf
}

// Flat exposes the simulated device memory of a buffer.
//
// It is meant for the batched-dispatch layer, which needs the device-resident
// element arrays to hand to a kernel launch, and for tests.
func Flat(devBuf devices.Buffer) []float64 {
	buf, ok := devBuf.(*buffer)
	if !ok {
		exceptions.Panicf("hostsim: buffer of foreign type %T given", devBuf)
	}
	return buf.flat
}
