package gpu

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/gpustress/internal/kernels"
	"github.com/klauspost/cpuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const (
	defaultCPUMaxGroupSize = 1024
	// 64KiB of local memory, in floats.
	defaultCPULocalMemory = 16384
	cpuQueueDepth         = 1024
	cpuPlatformName       = "Software"
)

// LaunchInfo identifies a launch executed by the software backend.
// Launch is the 1-based ordinal of the launch on its device.
type LaunchInfo struct {
	Device    int
	Launch    uint64
	Params    kernels.Params
	WorkSize  uint
	Profiling bool
}

// TimingModel maps a launch and its measured host time to the duration
// reported by profiling events.
type TimingModel func(info LaunchInfo, measured time.Duration) time.Duration

// FaultInjector is called after every launch with the launch output. It may
// corrupt the output and returns the event status to report.
type FaultInjector func(info LaunchInfo, out []float32) int

// CPUOption configures a CPUBackend.
type CPUOption func(*CPUBackend)

// WithDevices sets how many software devices the platform exposes.
func WithDevices(n int) CPUOption {
	return func(c *CPUBackend) { c.devices = n }
}

// WithComputeUnits overrides the compute unit count of every software device.
func WithComputeUnits(n uint) CPUOption {
	return func(c *CPUBackend) { c.computeUnits = n }
}

// WithMaxGroupSize sets the device work-group limit.
func WithMaxGroupSize(n uint) CPUOption {
	return func(c *CPUBackend) { c.maxGroupSize = n }
}

// WithLocalMemory sets the per-group local memory in floats.
func WithLocalMemory(floats uint) CPUOption {
	return func(c *CPUBackend) { c.localMemory = floats }
}

// WithWorkers bounds the goroutines used by a single launch.
func WithWorkers(n int) CPUOption {
	return func(c *CPUBackend) { c.workers = n }
}

// WithTiming installs a timing model for profiling events.
func WithTiming(m TimingModel) CPUOption {
	return func(c *CPUBackend) { c.timing = m }
}

// WithFaultInjector installs a fault injector.
func WithFaultInjector(f FaultInjector) CPUOption {
	return func(c *CPUBackend) { c.faults = f }
}

// CPUBackend implements Backend with software devices that execute the
// reference kernels on the host.
type CPUBackend struct {
	logger       *zap.Logger
	initialized  bool
	devices      int
	computeUnits uint
	maxGroupSize uint
	localMemory  uint
	workers      int
	timing       TimingModel
	faults       FaultInjector

	mu       sync.Mutex
	platform Platform
	launches []*atomic.Uint64
}

// NewCPUBackend creates a new software backend instance.
func NewCPUBackend(logger *zap.Logger, opts ...CPUOption) *CPUBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CPUBackend{
		logger:       logger,
		devices:      1,
		maxGroupSize: defaultCPUMaxGroupSize,
		localMemory:  defaultCPULocalMemory,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CPUBackend) Name() string {
	return "software"
}

// IsAvailable checks if the backend is available (always true for CPU)
func (c *CPUBackend) IsAvailable() bool {
	return true
}

// Initialize describes the host and creates the software devices.
func (c *CPUBackend) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if c.devices < 0 {
		return fmt.Errorf("invalid software device count %d", c.devices)
	}

	name, clock := hostCPU()
	units := c.computeUnits
	if units == 0 {
		units = uint(runtime.NumCPU())
		if cpuid.CPU.LogicalCores > 0 {
			units = uint(cpuid.CPU.LogicalCores)
		}
	}
	var total uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		total = vm.Total
	} else {
		c.logger.Debug("failed to read host memory", zap.Error(err))
	}

	c.platform = Platform{Name: cpuPlatformName, Vendor: "gpustress"}
	c.launches = make([]*atomic.Uint64, c.devices)
	for i := 0; i < c.devices; i++ {
		c.launches[i] = new(atomic.Uint64)
		c.platform.Devices = append(c.platform.Devices, Descriptor{
			DeviceID:     i,
			PlatformName: cpuPlatformName,
			Name:         name,
			Vendor:       cpuid.CPU.VendorString,
			Type:         DeviceCPU,
			ComputeUnits: units,
			MaxGroupSize: c.maxGroupSize,
			GlobalMemory: total,
			ClockMHz:     clock,
			Backend:      c.Name(),
			handle:       i,
		})
	}
	c.initialized = true
	c.logger.Info("software backend initialized",
		zap.Int("devices", c.devices),
		zap.Uint("computeUnits", units),
		zap.Bool("fma3", cpuid.CPU.FMA3()))
	return nil
}

// Cleanup releases any resources (none for the software backend)
func (c *CPUBackend) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	return nil
}

func (c *CPUBackend) Platforms() ([]Platform, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, fmt.Errorf("software backend not initialized")
	}
	if len(c.platform.Devices) == 0 {
		return nil, nil
	}
	p := c.platform
	p.Devices = append([]Descriptor(nil), c.platform.Devices...)
	return []Platform{p}, nil
}

func (c *CPUBackend) Open(d Descriptor) (Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, fmt.Errorf("software backend not initialized")
	}
	idx, ok := d.handle.(int)
	if !ok || idx < 0 || idx >= len(c.launches) {
		return nil, fmt.Errorf("device %s does not belong to the software backend", d.Label())
	}
	return &cpuContext{backend: c, device: idx, desc: d, launches: c.launches[idx]}, nil
}

// Launches returns how many launches device idx has executed.
func (c *CPUBackend) Launches(idx int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= len(c.launches) {
		return 0
	}
	return c.launches[idx].Load()
}

func hostCPU() (string, uint) {
	name := strings.TrimSpace(cpuid.CPU.BrandName)
	var clock uint
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		if name == "" {
			name = strings.TrimSpace(infos[0].ModelName)
		}
		clock = uint(infos[0].Mhz)
	}
	if clock == 0 && cpuid.CPU.Hz > 0 {
		clock = uint(cpuid.CPU.Hz / 1e6)
	}
	if name == "" {
		name = fmt.Sprintf("CPU (%s)", runtime.GOARCH)
	}
	return name, clock
}

type cpuContext struct {
	backend  *CPUBackend
	device   int
	desc     Descriptor
	launches *atomic.Uint64
}

func (c *cpuContext) NewQueue(profiling bool) (Queue, error) {
	q := &cpuQueue{
		ctx:       c,
		profiling: profiling,
		cmds:      make(chan func(), cpuQueueDepth),
		done:      make(chan struct{}),
	}
	go q.loop()
	return q, nil
}

func (c *cpuContext) NewBuffer(elements int) (Buffer, error) {
	if elements <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", elements)
	}
	return &cpuBuffer{data: make([]float32, elements)}, nil
}

func (c *cpuContext) Build(prog kernels.Program, opts BuildOptions) (Kernel, error) {
	log := fmt.Sprintf("%s: %s %s", prog.Name, prog.Variant, opts.Defines())
	if prog.Name != kernels.EntryPoint || !prog.Variant.Valid() {
		return nil, &BuildError{Device: c.desc.Label(), Log: log, Err: fmt.Errorf("unknown program %q", prog.Name)}
	}
	if err := opts.params().Validate(); err != nil {
		return nil, &BuildError{Device: c.desc.Label(), Log: log + "\nerror: " + err.Error(), Err: err}
	}

	limit := c.desc.MaxGroupSize
	if per := kernels.LocalFloatsPerItem(prog.Variant, opts.Blocks); per > 0 {
		if byLocal := c.backend.localMemory / per; byLocal < limit {
			limit = byLocal
		}
	}
	if limit == 0 {
		err := fmt.Errorf("local memory exhausted")
		return nil, &BuildError{Device: c.desc.Label(), Log: log + "\nerror: " + err.Error(), Err: err}
	}
	return &cpuKernel{variant: prog.Variant, params: opts.params(), limit: limit, log: log}, nil
}

func (c *cpuContext) Release() error {
	return nil
}

type cpuBuffer struct {
	data []float32
}

func (b *cpuBuffer) Len() int {
	return len(b.data)
}

func (b *cpuBuffer) Release() error {
	return nil
}

type cpuKernel struct {
	variant kernels.Variant
	params  kernels.Params
	limit   uint
	log     string
}

func (k *cpuKernel) MaxGroupSize() uint {
	return k.limit
}

func (k *cpuKernel) BuildLog() string {
	return k.log
}

func (k *cpuKernel) Release() error {
	return nil
}

type cpuQueue struct {
	ctx       *cpuContext
	profiling bool

	mu       sync.Mutex
	released bool
	cmds     chan func()
	done     chan struct{}
}

func (q *cpuQueue) loop() {
	defer close(q.done)
	for cmd := range q.cmds {
		cmd()
	}
}

func (q *cpuQueue) submit(cmd func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return ErrReleased
	}
	q.cmds <- cmd
	return nil
}

// sync runs cmd on the queue goroutine and waits for it.
func (q *cpuQueue) sync(cmd func()) error {
	done := make(chan struct{})
	if err := q.submit(func() {
		cmd()
		close(done)
	}); err != nil {
		return err
	}
	<-done
	return nil
}

func (q *cpuQueue) Write(buf Buffer, src []float32) error {
	b, ok := buf.(*cpuBuffer)
	if !ok {
		return fmt.Errorf("foreign buffer")
	}
	if len(src) != len(b.data) {
		return fmt.Errorf("write size mismatch: buffer %d, host %d", len(b.data), len(src))
	}
	return q.sync(func() { copy(b.data, src) })
}

func (q *cpuQueue) Read(buf Buffer, dst []float32) error {
	b, ok := buf.(*cpuBuffer)
	if !ok {
		return fmt.Errorf("foreign buffer")
	}
	if len(dst) != len(b.data) {
		return fmt.Errorf("read size mismatch: buffer %d, host %d", len(b.data), len(dst))
	}
	return q.sync(func() { copy(dst, b.data) })
}

func (q *cpuQueue) Launch(k Kernel, args LaunchArgs) (Event, error) {
	kern, ok := k.(*cpuKernel)
	if !ok {
		return nil, fmt.Errorf("foreign kernel")
	}
	in, okIn := args.Input.(*cpuBuffer)
	out, okOut := args.Output.(*cpuBuffer)
	if !okIn || !okOut {
		return nil, fmt.Errorf("foreign buffer")
	}
	if args.GroupSize != kern.params.GroupSize || args.GroupSize > kern.limit {
		return nil, fmt.Errorf("%w: %d (compiled %d, max %d)", ErrInvalidWorkGroupSize,
			args.GroupSize, kern.params.GroupSize, kern.limit)
	}
	if args.WorkSize == 0 || args.WorkSize%args.GroupSize != 0 {
		return nil, fmt.Errorf("%w: work size %d", ErrInvalidWorkGroupSize, args.WorkSize)
	}
	need := int(kernels.BufferElements(args.WorkSize, kern.params.Blocks))
	if len(in.data) < need || len(out.data) < need {
		return nil, fmt.Errorf("buffer too small for work size %d", args.WorkSize)
	}
	var poly [kernels.PolyCoefficients]float32
	if kern.variant.Polynomial() {
		if args.Poly == nil {
			return nil, fmt.Errorf("missing polynomial arguments")
		}
		poly = *args.Poly
	}

	ev := newCPUEvent(q.profiling)
	backend := q.ctx.backend
	err := q.submit(func() {
		info := LaunchInfo{
			Device:    q.ctx.device,
			Launch:    q.ctx.launches.Add(1),
			Params:    kern.params,
			WorkSize:  args.WorkSize,
			Profiling: q.profiling,
		}
		ev.status.Store(StatusRunning)
		start := time.Now()
		status := StatusComplete
		if err := kernels.Execute(kern.variant, kern.params, args.WorkSize, poly, in.data, out.data, backend.workers); err != nil {
			backend.logger.Error("software launch failed", zap.Error(err))
			status = -5 // CL_OUT_OF_RESOURCES
		}
		measured := time.Since(start)
		if backend.faults != nil && status == StatusComplete {
			status = backend.faults(info, out.data)
		}
		if backend.timing != nil {
			measured = backend.timing(info, measured)
		}
		ev.finish(status, measured)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (q *cpuQueue) Finish() error {
	return q.sync(func() {})
}

func (q *cpuQueue) Release() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return nil
	}
	q.released = true
	close(q.cmds)
	q.mu.Unlock()
	<-q.done
	return nil
}

type cpuEvent struct {
	profiling bool
	status    atomic.Int32
	duration  time.Duration
	done      chan struct{}
}

func newCPUEvent(profiling bool) *cpuEvent {
	ev := &cpuEvent{profiling: profiling, done: make(chan struct{})}
	ev.status.Store(StatusQueued)
	return ev
}

func (e *cpuEvent) finish(status int, d time.Duration) {
	e.duration = d
	e.status.Store(int32(status))
	close(e.done)
}

func (e *cpuEvent) Wait() error {
	<-e.done
	if s := e.Status(); s < 0 {
		return &ExecutionError{Status: s}
	}
	return nil
}

func (e *cpuEvent) Status() int {
	return int(e.status.Load())
}

func (e *cpuEvent) Duration() (time.Duration, error) {
	if !e.profiling {
		return 0, ErrProfilingDisabled
	}
	<-e.done
	return e.duration, nil
}

func (e *cpuEvent) Release() {}
