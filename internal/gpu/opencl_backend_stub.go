//go:build !opencl
// +build !opencl

package gpu

import (
	"fmt"

	"go.uber.org/zap"
)

// OpenCLBackend stub for builds without OpenCL support
type OpenCLBackend struct{}

// NewOpenCLBackend creates a stub OpenCL backend
func NewOpenCLBackend(logger *zap.Logger) *OpenCLBackend {
	return &OpenCLBackend{}
}

func (b *OpenCLBackend) Name() string {
	return "opencl"
}

// IsAvailable always returns false for stub
func (b *OpenCLBackend) IsAvailable() bool {
	return false
}

func (b *OpenCLBackend) Initialize() error {
	return fmt.Errorf("OpenCL support not compiled in (build with -tags opencl)")
}

func (b *OpenCLBackend) Cleanup() error {
	return nil
}

func (b *OpenCLBackend) Platforms() ([]Platform, error) {
	return nil, nil
}

func (b *OpenCLBackend) Open(d Descriptor) (Context, error) {
	return nil, fmt.Errorf("OpenCL support not compiled in")
}
