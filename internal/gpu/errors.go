package gpu

import (
	"errors"
	"fmt"
)

var (
	ErrReleased             = errors.New("object already released")
	ErrProfilingDisabled    = errors.New("profiling is not enabled on this queue")
	ErrInvalidWorkGroupSize = errors.New("invalid work group size")
	ErrNoDevices            = errors.New("devices not found")
)

// BuildError is returned when a program fails to compile.
type BuildError struct {
	Device string
	Log    string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed for %s: %v", e.Device, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a kernel launch that finished with a negative status.
type ExecutionError struct {
	Status int
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("Failed NDRangeKernel with code: %d", e.Status)
}
