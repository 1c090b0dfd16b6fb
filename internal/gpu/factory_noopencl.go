//go:build !opencl
// +build !opencl

package gpu

import (
	"go.uber.org/zap"
)

// NativeBackends returns the hardware backends compiled into this binary.
// Without OpenCL support there are none; only software devices can be tested.
func NativeBackends(logger *zap.Logger) []Backend {
	logger.Debug("compiled without OpenCL support")
	return nil
}
