//go:build opencl
// +build opencl

package gpu

import (
	"go.uber.org/zap"
)

// NativeBackends returns the hardware backends compiled into this binary.
func NativeBackends(logger *zap.Logger) []Backend {
	return []Backend{NewOpenCLBackend(logger)}
}
