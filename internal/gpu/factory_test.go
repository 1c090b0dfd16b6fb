//go:build !opencl
// +build !opencl

package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNativeBackends_NoOpenCL(t *testing.T) {
	assert.Empty(t, NativeBackends(zap.NewNop()))
}

func TestOpenCLBackend_Stub(t *testing.T) {
	backend := NewOpenCLBackend(zap.NewNop())
	assert.False(t, backend.IsAvailable())
	assert.Error(t, backend.Initialize())
	_, err := backend.Open(Descriptor{})
	assert.Error(t, err)
	assert.NoError(t, backend.Cleanup())
}
