// Package devices defines the interface an accelerator implementation needs to
// provide for the tiled matrix engine to stage tile data on and off devices.
//
// The engine only decides where tile memory lives and when it moves; how
// compute kernels are launched on device-resident data is up to the
// implementation (and the batched-dispatch layer built on top of it).
//
// To simplify error handling, all functions are expected to throw (panic) with
// a stack trace in case of errors -- an allocation or transfer failure is
// fatal for the run. See package github.com/gomlx/exceptions.
package devices

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceNum identifies one accelerator device within a process.
// It is between 0 and Device.NumDevices()-1.
type DeviceNum int

// Buffer is an opaque handle to a device-resident allocation.
// Its concrete type is owned by the Device implementation that created it.
type Buffer any

// Device is the API an accelerator implementation provides to the engine.
type Device interface {
	// Name returns the short name of the implementation, e.g. "hostsim".
	Name() string

	// Description is a longer description that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available.
	// Zero means the process runs host-only.
	NumDevices() int

	// Alloc allocates a buffer of n float64 elements on the given device.
	Alloc(dev DeviceNum, n int) Buffer

	// Free releases a buffer previously returned by Alloc.
	Free(dev DeviceNum, buf Buffer)

	// ToDevice copies host data into a device buffer. len(src) must match the
	// buffer's allocation size.
	ToDevice(dev DeviceNum, dst Buffer, src []float64)

	// ToHost copies a device buffer back into host memory. len(dst) must match
	// the buffer's allocation size.
	ToHost(dev DeviceNum, dst []float64, src Buffer)

	// Finalize releases all associated resources immediately and makes the
	// Device invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Device.
type Constructor func(config string) Device

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device implementation with the given name and a constructor that
// takes an implementation-specific configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the device configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// TILEMESH_DEVICE is the environment variable with the default device
// configuration to use.
//
// The format of config is "<device_name>:<device_configuration>", e.g.
// "hostsim:2" for the simulated device with two accelerators.
const TILEMESH_DEVICE = "TILEMESH_DEVICE"

// New returns a new default Device.
//
// The default is:
//
// 1. The environment TILEMESH_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered implementation is used with an empty configuration.
//
// It panics if no implementation was registered.
func New() Device {
	config, found := os.LookupEnv(TILEMESH_DEVICE)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Device from a configuration string formatted as
// "<device_name>:<device_configuration>".
//
// The "<device_name>" is the name of a registered implementation (e.g.
// "hostsim") and "<device_configuration>" is implementation specific.
func NewWithConfig(config string) Device {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered device implementations -- maybe import the simulated one with import _ "github.com/tilemesh/tilemesh/devices/hostsim"?`)
	}
	deviceName := firstRegistered
	deviceConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		deviceName = config[:idx]
		deviceConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[deviceName]
	if !found {
		exceptions.Panicf("can't find device implementation %q for configuration %q given", deviceName, config)
	}
	return constructor(deviceConfig)
}
