package gpu

import (
	"errors"
	"testing"
	"time"

	"github.com/fxnlabs/gpustress/internal/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openSoftwareDevice(t *testing.T, opts ...CPUOption) (*CPUBackend, Context) {
	t.Helper()
	backend := NewCPUBackend(zap.NewNop(), opts...)
	require.NoError(t, backend.Initialize())
	t.Cleanup(func() { _ = backend.Cleanup() })

	platforms, err := backend.Platforms()
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	require.NotEmpty(t, platforms[0].Devices)

	ctx, err := backend.Open(platforms[0].Devices[0])
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Release() })
	return backend, ctx
}

func TestCPUBackend_Initialize(t *testing.T) {
	backend := NewCPUBackend(zap.NewNop(), WithDevices(3), WithComputeUnits(2), WithMaxGroupSize(64))

	// CPU backend should always be available
	assert.True(t, backend.IsAvailable())

	_, err := backend.Platforms()
	assert.Error(t, err, "platforms before initialize")

	require.NoError(t, backend.Initialize())
	assert.True(t, backend.initialized)

	platforms, err := backend.Platforms()
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	assert.Equal(t, cpuPlatformName, platforms[0].Name)
	require.Len(t, platforms[0].Devices, 3)
	for i, d := range platforms[0].Devices {
		assert.Equal(t, i, d.DeviceID)
		assert.Equal(t, DeviceCPU, d.Type)
		assert.Equal(t, uint(2), d.ComputeUnits)
		assert.Equal(t, uint(64), d.MaxGroupSize)
		assert.NotEmpty(t, d.Name)
	}

	// Test double initialization (should be idempotent)
	require.NoError(t, backend.Initialize())

	require.NoError(t, backend.Cleanup())
	assert.False(t, backend.initialized)
}

func TestCPUBackend_ZeroDevices(t *testing.T) {
	backend := NewCPUBackend(zap.NewNop(), WithDevices(0))
	require.NoError(t, backend.Initialize())
	platforms, err := backend.Platforms()
	require.NoError(t, err)
	assert.Empty(t, platforms)
}

func TestCPUBackend_Build(t *testing.T) {
	_, ctx := openSoftwareDevice(t, WithMaxGroupSize(256), WithLocalMemory(1024))

	testCases := []struct {
		name      string
		variant   kernels.Variant
		opts      BuildOptions
		wantLimit uint
		wantErr   bool
	}{
		{"local memory bound", kernels.Rotate, BuildOptions{GroupSize: 256, InnerIters: 1, Blocks: 2}, 32, false},
		{"device bound", kernels.PolyWalk, BuildOptions{GroupSize: 256, InnerIters: 1, Blocks: 2}, 256, false},
		{"mirrored polywalk", kernels.PolyWalkLocal, BuildOptions{GroupSize: 8, InnerIters: 4, Blocks: 16}, 4, false},
		{"zero iterations", kernels.Rotate, BuildOptions{GroupSize: 8, InnerIters: 0, Blocks: 1}, 0, true},
		{"too many blocks", kernels.Rotate, BuildOptions{GroupSize: 8, InnerIters: 1, Blocks: 17}, 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			prog, err := kernels.Lookup(tc.variant)
			require.NoError(t, err)
			k, err := ctx.Build(prog, tc.opts)
			if tc.wantErr {
				var buildErr *BuildError
				require.ErrorAs(t, err, &buildErr)
				assert.NotEmpty(t, buildErr.Log)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantLimit, k.MaxGroupSize())
			assert.Contains(t, k.BuildLog(), tc.opts.Defines())
		})
	}
}

func TestCPUQueue_LaunchMatchesReference(t *testing.T) {
	_, ctx := openSoftwareDevice(t)
	params := kernels.Params{GroupSize: 4, InnerIters: 3, Blocks: 1}
	const workSize = 8
	n := int(kernels.BufferElements(workSize, params.Blocks))

	prog, err := kernels.Lookup(kernels.PolyWalkLocal)
	require.NoError(t, err)
	k, err := ctx.Build(prog, BuildOptions(params))
	require.NoError(t, err)

	q, err := ctx.NewQueue(true)
	require.NoError(t, err)
	defer q.Release()

	in, err := ctx.NewBuffer(n)
	require.NoError(t, err)
	out, err := ctx.NewBuffer(n)
	require.NoError(t, err)

	init := kernels.InitialValues(kernels.PolyWalkLocal, n)
	require.NoError(t, q.Write(in, init))

	poly := kernels.ExamplePoly
	ev, err := q.Launch(k, LaunchArgs{WorkSize: workSize, GroupSize: 4, Input: in, Output: out, Poly: &poly})
	require.NoError(t, err)
	require.NoError(t, ev.Wait())
	assert.Equal(t, StatusComplete, ev.Status())
	_, err = ev.Duration()
	assert.NoError(t, err)

	got := make([]float32, n)
	require.NoError(t, q.Read(out, got))

	want := make([]float32, n)
	require.NoError(t, kernels.Execute(kernels.PolyWalkLocal, params, workSize, poly, init, want, 1))
	idx, ok := Equal(want, got)
	assert.True(t, ok, "first mismatch at %d", idx)
}

func TestCPUQueue_LaunchErrors(t *testing.T) {
	_, ctx := openSoftwareDevice(t, WithMaxGroupSize(16))
	prog, err := kernels.Lookup(kernels.Rotate)
	require.NoError(t, err)
	k, err := ctx.Build(prog, BuildOptions{GroupSize: 32, InnerIters: 1, Blocks: 1})
	require.NoError(t, err)
	assert.Equal(t, uint(16), k.MaxGroupSize())

	q, err := ctx.NewQueue(false)
	require.NoError(t, err)
	defer q.Release()
	buf, err := ctx.NewBuffer(int(kernels.BufferElements(64, 1)))
	require.NoError(t, err)

	_, err = q.Launch(k, LaunchArgs{WorkSize: 64, GroupSize: 32, Input: buf, Output: buf})
	assert.ErrorIs(t, err, ErrInvalidWorkGroupSize)

	small, err := ctx.NewBuffer(4)
	require.NoError(t, err)
	assert.Error(t, q.Write(small, make([]float32, 5)))
}

func TestCPUQueue_ProfilingDisabled(t *testing.T) {
	_, ctx := openSoftwareDevice(t)
	prog, err := kernels.Lookup(kernels.PolyWalk)
	require.NoError(t, err)
	k, err := ctx.Build(prog, BuildOptions{GroupSize: 2, InnerIters: 1, Blocks: 1})
	require.NoError(t, err)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)
	defer q.Release()
	buf, err := ctx.NewBuffer(int(kernels.BufferElements(2, 1)))
	require.NoError(t, err)

	poly := kernels.ExamplePoly
	ev, err := q.Launch(k, LaunchArgs{WorkSize: 2, GroupSize: 2, Input: buf, Output: buf, Poly: &poly})
	require.NoError(t, err)
	require.NoError(t, ev.Wait())
	_, err = ev.Duration()
	assert.ErrorIs(t, err, ErrProfilingDisabled)
}

func TestCPUQueue_FaultInjection(t *testing.T) {
	faults := func(info LaunchInfo, out []float32) int {
		switch info.Launch {
		case 2:
			out[0] += 1
		case 3:
			return -9999
		}
		return StatusComplete
	}
	backend, ctx := openSoftwareDevice(t, WithFaultInjector(faults),
		WithTiming(func(LaunchInfo, time.Duration) time.Duration { return 42 * time.Millisecond }))

	prog, err := kernels.Lookup(kernels.Rotate)
	require.NoError(t, err)
	k, err := ctx.Build(prog, BuildOptions{GroupSize: 2, InnerIters: 1, Blocks: 1})
	require.NoError(t, err)
	q, err := ctx.NewQueue(true)
	require.NoError(t, err)
	defer q.Release()

	n := int(kernels.BufferElements(2, 1))
	in, _ := ctx.NewBuffer(n)
	out, _ := ctx.NewBuffer(n)
	require.NoError(t, q.Write(in, kernels.InitialValues(kernels.Rotate, n)))

	args := LaunchArgs{WorkSize: 2, GroupSize: 2, Input: in, Output: out}
	events := make([]Event, 3)
	for i := range events {
		events[i], err = q.Launch(k, args)
		require.NoError(t, err)
	}
	for i, ev := range events {
		if i == 2 {
			err := ev.Wait()
			var execErr *ExecutionError
			require.ErrorAs(t, err, &execErr)
			assert.Equal(t, -9999, execErr.Status)
			assert.Equal(t, "Failed NDRangeKernel with code: -9999", execErr.Error())
			continue
		}
		require.NoError(t, ev.Wait())
		d, err := ev.Duration()
		require.NoError(t, err)
		assert.Equal(t, 42*time.Millisecond, d)
	}
	require.NoError(t, q.Finish())
	assert.Equal(t, uint64(3), backend.Launches(0))

	// out holds the last launch, which was reported as failed but not corrupted
	got := make([]float32, n)
	require.NoError(t, q.Read(out, got))
	want := make([]float32, n)
	require.NoError(t, kernels.Execute(kernels.Rotate, kernels.Params{GroupSize: 2, InnerIters: 1, Blocks: 1}, 2,
		kernels.ExamplePoly, kernels.InitialValues(kernels.Rotate, n), want, 1))
	_, ok := Equal(want, got)
	assert.True(t, ok)
}

func TestCPUQueue_Release(t *testing.T) {
	_, ctx := openSoftwareDevice(t)
	q, err := ctx.NewQueue(false)
	require.NoError(t, err)
	require.NoError(t, q.Release())
	require.NoError(t, q.Release())

	buf, _ := ctx.NewBuffer(4)
	err = q.Write(buf, make([]float32, 4))
	assert.True(t, errors.Is(err, ErrReleased))
}
