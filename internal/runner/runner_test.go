package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxnlabs/gpustress/internal/gpu"
	"github.com/fxnlabs/gpustress/internal/kernels"
	"github.com/fxnlabs/gpustress/internal/stress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

type output struct {
	mu   sync.Mutex
	text strings.Builder
	hook func(text string)
}

func (o *output) sink(_ int, text string) {
	o.mu.Lock()
	o.text.WriteString(text)
	hook := o.hook
	o.mu.Unlock()
	if hook != nil {
		hook(text)
	}
}

func (o *output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.text.String()
}

func testConfigs(n int) []stress.Config {
	configs := make([]stress.Config, n)
	for i := range configs {
		configs[i] = stress.Config{
			PassIterations: 4,
			WorkFactor:     1,
			BlockCount:     1,
			InnerIters:     2,
			KernelVariant:  kernels.RotateSwap,
		}
	}
	return configs
}

func softwareManager(t *testing.T, opts ...gpu.CPUOption) (*gpu.Manager, []gpu.Descriptor) {
	t.Helper()
	base := []gpu.CPUOption{gpu.WithDevices(2), gpu.WithComputeUnits(1), gpu.WithMaxGroupSize(4)}
	m, err := gpu.NewManager(zap.NewNop(), gpu.NewCPUBackend(zap.NewNop(), append(base, opts...)...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Cleanup() })
	return m, m.Select(gpu.Filter{Types: gpu.DeviceCPU})
}

func newSession(t *testing.T, m *gpu.Manager, devices []gpu.Descriptor, configs []stress.Config, coord *stress.Coordinator, out *output) *Session {
	t.Helper()
	s, err := NewSession(m, devices, configs, Options{
		RunID:       "test-run",
		Coordinator: coord,
		Reporter:    stress.NewReporter(out.sink),
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

func runWithTimeout(t *testing.T, s *Session, ctx context.Context) int {
	t.Helper()
	codeCh := make(chan int, 1)
	go func() { codeCh <- s.Run(ctx) }()
	select {
	case code := <-codeCh:
		return code
	case <-time.After(30 * time.Second):
		t.Fatal("session did not finish")
		return -1
	}
}

func TestNewSession(t *testing.T) {
	m, devices := softwareManager(t)

	_, err := NewSession(m, nil, nil, Options{})
	assert.ErrorIs(t, err, gpu.ErrNoDevices)

	_, err = NewSession(m, devices, testConfigs(1), Options{})
	assert.EqualError(t, err, "got 1 configs for 2 devices")
}

func TestSession_UserStop(t *testing.T) {
	m, devices := softwareManager(t)
	coord := stress.NewCoordinator(stress.StopOnFirstFailure)
	out := &output{}
	out.hook = func(text string) {
		if strings.Contains(text, "passed PASS #20\n") {
			coord.Stop()
		}
	}
	s := newSession(t, m, devices, testConfigs(2), coord, out)

	assert.Equal(t, 0, runWithTimeout(t, s, context.Background()))

	text := out.String()
	assert.Contains(t, text, "Finished #0\n")
	assert.Contains(t, text, "Finished #1\n")
	assert.NotContains(t, text, "Failed #")
	code, finished := s.ExitCode()
	assert.True(t, finished)
	assert.Zero(t, code)

	results := s.Results()
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Failed)
	}
}

func TestSession_DeviceFailure(t *testing.T) {
	// 5 profiling launches, 4 reference launches, then pass 1 of the loop
	faults := func(info gpu.LaunchInfo, out []float32) int {
		if info.Device == 1 && info.Launch == 12 {
			out[3] = out[3]*2 + 1
		}
		return gpu.StatusComplete
	}
	m, devices := softwareManager(t, gpu.WithFaultInjector(faults))
	coord := stress.NewCoordinator(stress.StopOnFirstFailure)
	out, errs := &output{}, &output{}
	s, err := NewSession(m, devices, testConfigs(2), Options{
		Coordinator: coord,
		Reporter:    stress.NewSplitReporter(out.sink, errs.sink),
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, runWithTimeout(t, s, context.Background()))

	text := out.String()
	assert.Contains(t, text, "Finished #0\n")
	assert.Contains(t, text, "#0 Exiting, because some device failed.\n")
	assert.NotContains(t, text, "Failed")

	failures := errs.String()
	assert.Contains(t, failures, "Failed StressTester for\n")
	assert.Contains(t, failures, "FAILED COMPUTATIONS!!!! PASS #1,")
	assert.Contains(t, failures, "Failed #1\n")
	assert.NotContains(t, failures, "Finished")

	results := s.Results()
	require.Len(t, results, 2)
	assert.False(t, results[0].Failed)
	assert.True(t, results[1].Failed)
	assert.Contains(t, results[1].Message, "PASS #1")
}

func TestSession_PreparationError(t *testing.T) {
	m, devices := softwareManager(t, gpu.WithLocalMemory(32))
	configs := testConfigs(2)
	// 32 local floats fit two items, a group of 3 cannot be halved to fit
	configs[1].GroupSize = 3
	out := &output{}
	s := newSession(t, m, devices, configs, stress.NewCoordinator(stress.StopOnFirstFailure), out)

	assert.Equal(t, 1, runWithTimeout(t, s, context.Background()))
	assert.Contains(t, out.String(), "Exception happened: Can't determine new group size!\n")
	assert.Empty(t, s.Results())
}

func TestSession_CancelDuringStartDelay(t *testing.T) {
	m, devices := softwareManager(t)
	out := &output{}
	s, err := NewSession(m, devices, testConfigs(2), Options{
		Reporter:   stress.NewReporter(out.sink),
		StartDelay: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	assert.Equal(t, 0, runWithTimeout(t, s, ctx))
	assert.Empty(t, out.String())
	assert.Empty(t, s.Snapshots())
}

func TestSession_StoppedBeforePreparation(t *testing.T) {
	m, devices := softwareManager(t)
	coord := stress.NewCoordinator(stress.StopOnFirstFailure)
	coord.Stop()
	out := &output{}
	s := newSession(t, m, devices, testConfigs(2), coord, out)

	assert.Equal(t, 0, runWithTimeout(t, s, context.Background()))
	text := out.String()
	assert.Contains(t, text, "#0 Exiting, because user stopped test.\n")
	assert.NotContains(t, text, "#1")
	assert.NotContains(t, text, "Finished")
}

func TestSession_StatusHandler(t *testing.T) {
	m, devices := softwareManager(t)
	coord := stress.NewCoordinator(stress.StopOnFirstFailure)
	out := &output{}
	out.hook = func(text string) {
		if strings.Contains(text, "passed PASS #10\n") {
			coord.Stop()
		}
	}
	s := newSession(t, m, devices, testConfigs(2), coord, out)
	require.Equal(t, 0, runWithTimeout(t, s, context.Background()))

	rec := httptest.NewRecorder()
	s.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test-run", resp.RunID)
	assert.Equal(t, 2, resp.Devices)
	require.Len(t, resp.Testers, 2)
	for i, snap := range resp.Testers {
		assert.Equal(t, i, snap.Index)
		assert.True(t, snap.Initialized)
		assert.Equal(t, uint(2), snap.InnerIters)
	}
	assert.Len(t, resp.Results, 2)

	rec = httptest.NewRecorder()
	s.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestModule_ShutsDownWithExitCode(t *testing.T) {
	faults := func(info gpu.LaunchInfo, out []float32) int {
		if info.Device == 0 && info.Launch == 12 {
			out[0]++
		}
		return gpu.StatusComplete
	}
	m, devices := softwareManager(t, gpu.WithFaultInjector(faults))
	s := newSession(t, m, devices, testConfigs(2), stress.NewCoordinator(stress.StopOnFirstFailure), &output{})

	app := fxtest.New(t,
		fx.Supply(s, zap.NewNop()),
		Module,
	)
	app.RequireStart()

	select {
	case sig := <-app.Wait():
		assert.Equal(t, 1, sig.ExitCode)
	case <-time.After(30 * time.Second):
		t.Fatal("app was not shut down")
	}
	app.RequireStop()
}

func TestModule_StopInterruptsSession(t *testing.T) {
	m, devices := softwareManager(t)
	s, err := NewSession(m, devices, testConfigs(2), Options{StartDelay: time.Hour})
	require.NoError(t, err)

	app := fxtest.New(t,
		fx.Supply(s, zap.NewNop()),
		Module,
	)
	app.RequireStart()
	app.RequireStop()

	code, finished := s.ExitCode()
	assert.True(t, finished)
	assert.Zero(t, code)
}
