package gpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceType_String(t *testing.T) {
	assert.Equal(t, "CPU", DeviceCPU.String())
	assert.Equal(t, "GPU ACC", (DeviceGPU | DeviceAccelerator).String())
	assert.Equal(t, "CPU GPU ACC", DeviceAll.String())
	assert.Equal(t, "", DeviceType(0).String())
}

func TestBuildOptions_Defines(t *testing.T) {
	opts := BuildOptions{GroupSize: 256, InnerIters: 12, Blocks: 2}
	assert.Equal(t, "-DGROUPSIZE=256U -DKITERSNUM=12U -DBLOCKSNUM=2U", opts.Defines())
}

func TestDescriptor_Label(t *testing.T) {
	d := Descriptor{PlatformName: "AMD Accelerated Parallel Processing", Name: "Tahiti"}
	assert.Equal(t, "AMD Accelerated Parallel Processing:Tahiti", d.Label())
}

func TestEqual(t *testing.T) {
	a := []float32{1, 2, 3, 4}

	idx, ok := Equal(a, []float32{1, 2, 3, 4})
	assert.True(t, ok)
	assert.Equal(t, -1, idx)

	idx, ok = Equal(a, []float32{1, 2, 3.5, 4})
	assert.False(t, ok)
	assert.Equal(t, 2, idx)

	idx, ok = Equal(a, []float32{1, 2})
	assert.False(t, ok)
	assert.Equal(t, 2, idx)

	// bitwise: negative zero differs, identical NaN payloads match
	_, ok = Equal([]float32{0}, []float32{float32(math.Copysign(0, -1))})
	assert.False(t, ok)
	nan := math.Float32frombits(0x7fc00001)
	_, ok = Equal([]float32{nan}, []float32{nan})
	assert.True(t, ok)
}
