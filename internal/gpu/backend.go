package gpu

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxnlabs/gpustress/internal/kernels"
)

// DeviceType is a bitmask of device classes, mirroring the OpenCL device types.
type DeviceType uint

const (
	DeviceCPU DeviceType = 1 << iota
	DeviceGPU
	DeviceAccelerator

	DeviceAll = DeviceCPU | DeviceGPU | DeviceAccelerator
)

func (t DeviceType) String() string {
	var parts []string
	if t&DeviceCPU != 0 {
		parts = append(parts, "CPU")
	}
	if t&DeviceGPU != 0 {
		parts = append(parts, "GPU")
	}
	if t&DeviceAccelerator != 0 {
		parts = append(parts, "ACC")
	}
	return strings.Join(parts, " ")
}

// Descriptor contains the immutable facts about one compute device.
// PlatformID and DeviceID are the indices used in device lists ("p:d").
type Descriptor struct {
	PlatformID   int        `json:"platformId"`
	DeviceID     int        `json:"deviceId"`
	PlatformName string     `json:"platformName"`
	Name         string     `json:"name"`
	Vendor       string     `json:"vendor"`
	Type         DeviceType `json:"type"`
	ComputeUnits uint       `json:"computeUnits"`
	MaxGroupSize uint       `json:"maxGroupSize"`
	GlobalMemory uint64     `json:"globalMemory"` // in bytes
	ClockMHz     uint       `json:"clockMHz"`
	Backend      string     `json:"backend"`

	backend Backend
	handle  any
}

// Label is the "platform:device" string used in operator output.
func (d Descriptor) Label() string {
	return d.PlatformName + ":" + d.Name
}

// Platform groups the devices exposed by one driver.
type Platform struct {
	Name    string
	Vendor  string
	Devices []Descriptor
}

// Backend defines the interface for compute backends.
//
// Implementation notes:
// - Platforms must be stable between Initialize and Cleanup
// - Everything a Context creates is owned by that Context
// - Queues are used by a single goroutine but different queues of the
//   same context may be driven concurrently
type Backend interface {
	// Name identifies the backend in logs and device listings.
	Name() string

	// IsAvailable checks if the backend can be used.
	// This should perform a quick check without heavy initialization.
	IsAvailable() bool

	// Initialize prepares the backend for use. Called once before Platforms.
	Initialize() error

	// Cleanup releases any resources held by the backend.
	Cleanup() error

	// Platforms enumerates the platforms and their devices.
	Platforms() ([]Platform, error)

	// Open creates an execution context on one device.
	Open(d Descriptor) (Context, error)
}

// Context owns the queues, buffers and kernels of one device.
type Context interface {
	NewQueue(profiling bool) (Queue, error)
	NewBuffer(elements int) (Buffer, error)
	Build(prog kernels.Program, opts BuildOptions) (Kernel, error)
	Release() error
}

// BuildOptions are the constants compiled into a kernel.
type BuildOptions struct {
	GroupSize  uint
	InnerIters uint
	Blocks     uint
}

// Defines renders the options as compiler macro definitions.
func (o BuildOptions) Defines() string {
	return fmt.Sprintf("-DGROUPSIZE=%dU -DKITERSNUM=%dU -DBLOCKSNUM=%dU", o.GroupSize, o.InnerIters, o.Blocks)
}

func (o BuildOptions) params() kernels.Params {
	return kernels.Params{GroupSize: o.GroupSize, InnerIters: o.InnerIters, Blocks: o.Blocks}
}

// Kernel is a compiled program.
type Kernel interface {
	// MaxGroupSize is the largest work-group the compiled kernel can be launched with.
	MaxGroupSize() uint
	BuildLog() string
	Release() error
}

// Buffer is device memory holding float32 elements.
type Buffer interface {
	Len() int
	Release() error
}

// LaunchArgs is the argument record of a single kernel launch.
type LaunchArgs struct {
	WorkSize  uint
	GroupSize uint
	Input     Buffer
	Output    Buffer
	Poly      *[kernels.PolyCoefficients]float32
}

// Queue is an in-order command queue. Transfers block until done;
// launches return immediately with an Event.
type Queue interface {
	Write(buf Buffer, src []float32) error
	Read(buf Buffer, dst []float32) error
	Launch(k Kernel, args LaunchArgs) (Event, error)
	Finish() error
	Release() error
}

// Event execution statuses. Negative values are device error codes.
const (
	StatusComplete  = 0
	StatusRunning   = 1
	StatusSubmitted = 2
	StatusQueued    = 3
)

// Event tracks one launched command.
type Event interface {
	// Wait blocks until the command finished. A negative status is
	// reported as *ExecutionError.
	Wait() error
	Status() int
	// Duration is the device-measured execution time; profiling queues only.
	Duration() (time.Duration, error)
	Release()
}
