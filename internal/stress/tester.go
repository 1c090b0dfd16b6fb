package stress

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/gpustress/internal/gpu"
	"github.com/fxnlabs/gpustress/internal/kernels"
	"github.com/fxnlabs/gpustress/internal/metrics"
	"go.uber.org/zap"
)

// Opener opens an execution context on a device. *gpu.Manager satisfies it.
type Opener interface {
	Open(d gpu.Descriptor) (gpu.Context, error)
}

// Options are the collaborators shared by the testers of a run.
type Options struct {
	Coordinator *Coordinator
	Reporter    *Reporter
	Logger      *zap.Logger
	Policy      CalibrationPolicy
}

// Tester stresses one device. It is built and calibrated by New and then
// driven by Run on its own goroutine.
type Tester struct {
	index  int
	desc   gpu.Descriptor
	opener Opener
	label  string
	device string // metrics label
	cfg    Config

	coord  *Coordinator
	rep    *Reporter
	logger *zap.Logger
	policy CalibrationPolicy

	ctx      gpu.Context
	dispatch gpu.Queue // kernel launches
	transfer gpu.Queue // pass input writes and result reads
	program  kernels.Program
	kernel   gpu.Kernel
	lanes    [2]*lane

	groupSize    uint
	workFactor   uint
	workSize     uint
	elements     int
	innerIters   uint
	kernelTime   time.Duration
	stepsPerWait uint

	poly      [kernels.PolyCoefficients]float32
	initial   []float32
	reference []float32
	scratch   []float32

	initialized bool
	running     atomic.Bool
	started     atomic.Bool
	failed      atomic.Bool
	passes      atomic.Uint64

	start      time.Time
	lastStatus time.Time

	mu          sync.Mutex
	failMessage string
	bandwidth   float64
	throughput  float64
	closeOnce   sync.Once
}

// New prepares a tester for device desc: it allocates device memory,
// calibrates the kernel and computes the reference result. A tester
// returned without error may still be uninitialized when the user stopped
// the test during preparation.
func New(index int, opener Opener, desc gpu.Descriptor, cfg Config, opts Options) (*Tester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tester{
		index:      index,
		desc:       desc,
		opener:     opener,
		label:      desc.Label(),
		device:     strconv.Itoa(index),
		cfg:        cfg,
		coord:      opts.Coordinator,
		rep:        opts.Reporter,
		logger:     opts.Logger,
		policy:     opts.Policy.withDefaults(),
		groupSize:  cfg.GroupSize,
		workFactor: cfg.WorkFactor,
		poly:       kernels.ExamplePoly,
	}
	if t.coord == nil {
		t.coord = NewCoordinator(StopOnFirstFailure)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	t.logger = t.logger.Named("tester").With(zap.Int("device", index), zap.String("label", t.label))

	if t.groupSize == 0 {
		t.groupSize = desc.MaxGroupSize
	}
	if t.groupSize == 0 || desc.ComputeUnits == 0 {
		return nil, &ConfigError{Msg: "device reports no compute units or group size"}
	}
	prog, err := kernels.Lookup(cfg.KernelVariant)
	if err != nil {
		return nil, err
	}
	t.program = prog
	t.workSize = desc.ComputeUnits * t.groupSize * t.workFactor
	t.elements = int(kernels.BufferElements(t.workSize, cfg.BlockCount))

	t.printSetup()
	if t.coord.StoppedByUser() {
		t.printUserStop()
		return t, nil
	}

	if err := t.prepare(); err != nil {
		t.Close()
		if errors.Is(err, ErrCancelled) {
			t.printUserStop()
			return t, nil
		}
		return nil, err
	}
	t.initialized = true
	t.rep.Printf(t.index, "#%d Results for comparison has been generated.", t.index)
	t.logger.Info("Tester initialized",
		zap.Uint("groupSize", t.groupSize),
		zap.Uint("workFactor", t.workFactor),
		zap.Uint("innerIters", t.innerIters),
	)
	return t, nil
}

func (t *Tester) printSetup() {
	bytes := uint64(t.elements) << 3
	if t.cfg.DualBuffer {
		bytes <<= 1
	}
	dual := "no"
	if t.cfg.DualBuffer {
		dual = "yes"
	}
	t.rep.Printf(t.index, "Preparing StressTester for\n  %s\n"+
		"    SetUp: workSize=%d, memory=%.6g MB, workFactor=%d, blocksNum=%d,\n"+
		"    computeUnits=%d, groupSize=%d, passIters=%d, testType=%d,\n"+
		"    inputAndOutput=%s",
		t.title(), t.workSize, float64(bytes)/1048576.0, t.workFactor, t.cfg.BlockCount,
		t.desc.ComputeUnits, t.groupSize, t.cfg.PassIterations, t.cfg.KernelVariant, dual)
}

func (t *Tester) prepare() error {
	var err error
	if t.ctx, err = t.opener.Open(t.desc); err != nil {
		return err
	}
	if t.dispatch, err = t.ctx.NewQueue(false); err != nil {
		return err
	}
	if t.transfer, err = t.ctx.NewQueue(false); err != nil {
		return err
	}
	for i := range t.lanes {
		in, err := t.ctx.NewBuffer(t.elements)
		if err != nil {
			return err
		}
		out := in
		if t.cfg.DualBuffer {
			if out, err = t.ctx.NewBuffer(t.elements); err != nil {
				_ = in.Release()
				return err
			}
		}
		t.lanes[i] = newLane(in, out, t.cfg.PassIterations, uint(i+1))
	}

	t.initial = kernels.InitialValues(t.cfg.KernelVariant, t.elements)
	t.reference = make([]float32, t.elements)
	t.scratch = make([]float32, t.elements)

	if err := t.calibrate(); err != nil {
		return err
	}
	t.publishCalibration()
	if t.coord.StoppedByUser() {
		return ErrCancelled
	}
	return t.generateReference()
}

// generateReference runs one full pass synchronously and keeps its output
// as the expected result of every later pass.
func (t *Tester) generateReference() error {
	l := t.lanes[0]
	if err := t.dispatch.Write(l.in, t.initial); err != nil {
		return err
	}
	base := t.launchArgs()
	for i := uint(0); i < t.cfg.PassIterations; i++ {
		if t.coord.StoppedByUser() {
			return ErrCancelled
		}
		ev, err := t.dispatch.Launch(t.kernel, l.args(i, base))
		if err != nil {
			return err
		}
		err = ev.Wait()
		ev.Release()
		if err != nil {
			return err
		}
	}
	if t.coord.StoppedByUser() {
		return ErrCancelled
	}
	return t.dispatch.Read(l.result(t.cfg.PassIterations), t.reference)
}

// Run executes passes until a stop flag is raised or the device fails.
// It returns immediately for an uninitialized tester and may be called once.
func (t *Tester) Run() {
	if !t.initialized || !t.started.CompareAndSwap(false, true) {
		return
	}
	t.running.Store(true)
	defer t.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			_ = t.drain()
			t.fail(fmt.Errorf("unknown exception happened: %v", r))
		}
	}()

	t.logger.Info("Stress test started")
	if err := t.run(); err != nil {
		t.fail(err)
		return
	}
	t.logger.Info("Stress test finished", zap.Uint64("passes", t.passes.Load()))
}

func (t *Tester) run() error {
	l1, l2 := t.lanes[0], t.lanes[1]
	l1.pass, l2.pass = 1, 2
	t.start = time.Now()
	t.lastStatus = t.start

	if err := t.loop(l1, l2); err != nil {
		_ = t.drain()
		return err
	}
	if !t.drain() {
		return nil
	}
	for _, l := range t.lanes {
		n, err := l.submitted()
		if err != nil {
			return err
		}
		if n == len(l.events) && l.state == laneSubmitted {
			if err := t.verify(l); err != nil {
				return err
			}
		}
		l.releaseEvents()
	}
	return nil
}

// loop alternates the lanes: while one lane's launches execute, the other
// lane's previous pass is verified.
func (t *Tester) loop(l1, l2 *lane) error {
	for {
		if t.shouldStop() {
			return nil
		}
		if err := t.submit(l1); err != nil {
			return err
		}
		if t.shouldStop() {
			return nil
		}
		if err := t.collect(l2); err != nil {
			return err
		}
		if t.shouldStop() {
			return nil
		}
		if err := t.submit(l2); err != nil {
			return err
		}
		if t.shouldStop() {
			return nil
		}
		if err := t.collect(l1); err != nil {
			return err
		}
	}
}

// submit uploads the initial values and enqueues one pass on l. It stops
// early when a stop flag is raised, leaving the lane incomplete.
func (t *Tester) submit(l *lane) error {
	if err := t.transfer.Write(l.in, t.initial); err != nil {
		return err
	}
	l.state = laneRunning
	base := t.launchArgs()
	passIters := t.cfg.PassIterations
	half := (t.stepsPerWait + 1) >> 1
	var stepsAfterWait uint
	for i := uint(0); i < passIters; i++ {
		if t.coord.Stopping() {
			return nil
		}
		ev, err := t.dispatch.Launch(t.kernel, l.args(i, base))
		if err != nil {
			return err
		}
		l.events[i] = ev
		stepsAfterWait++
		// keep the queue shallow enough to react to stop requests
		if stepsAfterWait >= t.stepsPerWait && i+half < passIters {
			stepsAfterWait = 0
			if err := l.events[i-1].Wait(); err != nil {
				return err
			}
		}
	}
	l.state = laneSubmitted
	return nil
}

// collect waits for a fully submitted lane and verifies its result.
func (t *Tester) collect(l *lane) error {
	if l.state != laneSubmitted {
		return nil
	}
	waitErr := l.events[len(l.events)-1].Wait()
	l.state = laneIdle
	if _, err := l.submitted(); err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}
	l.releaseEvents()
	return t.verify(l)
}

func (t *Tester) verify(l *lane) error {
	if err := t.transfer.Read(l.result(t.cfg.PassIterations), t.scratch); err != nil {
		return err
	}
	if idx, ok := gpu.Equal(t.reference, t.scratch); !ok {
		err := &CorruptionError{Pass: l.pass, Elapsed: time.Since(t.start), Index: idx}
		t.coord.ReportFailure()
		t.logger.Error("Result mismatch",
			zap.Uint("pass", l.pass),
			zap.Int("index", idx),
			zap.Float32("want", t.reference[idx]),
			zap.Float32("got", t.scratch[idx]),
		)
		return err
	}
	l.state = laneChecked
	t.passes.Add(1)
	metrics.TesterPasses.WithLabelValues(t.device).Inc()
	t.printStatus(l.pass)
	l.pass += 2
	return nil
}

// printStatus reports throughput every tenth pass.
func (t *Tester) printStatus(pass uint) {
	if pass%10 != 0 {
		return
	}
	now := time.Now()
	ns := float64(now.Sub(t.lastStatus).Nanoseconds())
	t.lastStatus = now

	work := 10 * float64(t.cfg.PassIterations) * float64(t.elements)
	bandwidth := 8 * work / ns
	throughput := t.cfg.KernelVariant.FlopsPerValue() * float64(t.innerIters) * work / ns

	t.mu.Lock()
	t.bandwidth, t.throughput = bandwidth, throughput
	t.mu.Unlock()
	metrics.TesterBandwidth.WithLabelValues(t.device).Set(bandwidth)
	metrics.TesterThroughput.WithLabelValues(t.device).Set(throughput)

	t.rep.Printf(t.index, "%s passed PASS #%d\nApprox. bandwidth: %.6g GB/s, Approx. perf: %.6g GFLOPS, elapsed: %s",
		t.title(), pass, bandwidth, throughput, FormatElapsed(now.Sub(t.start)))
}

// shouldStop reports a raised stop flag, failure first.
func (t *Tester) shouldStop() bool {
	if t.coord.FailureStop() {
		t.rep.Printf(t.index, "#%d Exiting, because some device failed.", t.index)
		return true
	}
	if t.coord.StoppedByUser() {
		t.printUserStop()
		return true
	}
	return false
}

func (t *Tester) printUserStop() {
	t.rep.Printf(t.index, "#%d Exiting, because user stopped test.", t.index)
}

// drain waits for both queues. It reports false when either failed.
func (t *Tester) drain() bool {
	ok := true
	if err := t.dispatch.Finish(); err != nil {
		t.rep.Errorf(t.index, "Failed on CommandQueue1 finish")
		t.logger.Error("Failed to finish dispatch queue", zap.Error(err))
		ok = false
	}
	if err := t.transfer.Finish(); err != nil {
		t.rep.Errorf(t.index, "Failed on CommandQueue2 finish")
		t.logger.Error("Failed to finish transfer queue", zap.Error(err))
		ok = false
	}
	return ok
}

func (t *Tester) fail(err error) {
	kind := "other"
	var corrupt *CorruptionError
	var exec *gpu.ExecutionError
	switch {
	case errors.As(err, &corrupt):
		kind = "corruption"
	case errors.As(err, &exec):
		kind = "execution"
	}
	msg := "Exception happened: " + err.Error()

	t.mu.Lock()
	t.failMessage = msg
	t.mu.Unlock()
	t.failed.Store(true)
	metrics.TesterFailures.WithLabelValues(t.device, kind).Inc()

	t.rep.Errorf(t.index, "Failed StressTester for\n  %s:\n    %s", t.title(), msg)
	t.logger.Error("Stress test failed", zap.String("kind", kind), zap.Error(err))
}

func (t *Tester) publishCalibration() {
	metrics.KernelTimeSeconds.WithLabelValues(t.device).Set(t.kernelTime.Seconds())
	metrics.InnerIterations.WithLabelValues(t.device).Set(float64(t.innerIters))
	metrics.StepsPerWait.WithLabelValues(t.device).Set(float64(t.stepsPerWait))
}

func (t *Tester) launchArgs() gpu.LaunchArgs {
	args := gpu.LaunchArgs{WorkSize: t.workSize, GroupSize: t.groupSize}
	if t.cfg.KernelVariant.Polynomial() {
		args.Poly = &t.poly
	}
	return args
}

func (t *Tester) title() string {
	return "#" + strconv.Itoa(t.index) + " " + t.label
}

func (t *Tester) releaseKernel() {
	if t.kernel != nil {
		_ = t.kernel.Release()
		t.kernel = nil
	}
}

// Close releases every device resource. It is safe to call more than once.
func (t *Tester) Close() {
	t.closeOnce.Do(func() {
		for _, l := range t.lanes {
			if l != nil {
				l.release()
			}
		}
		t.releaseKernel()
		if t.dispatch != nil {
			_ = t.dispatch.Release()
		}
		if t.transfer != nil {
			_ = t.transfer.Release()
		}
		if t.ctx != nil {
			_ = t.ctx.Release()
		}
	})
}

func (t *Tester) Index() int { return t.index }

func (t *Tester) Descriptor() gpu.Descriptor { return t.desc }

func (t *Tester) Initialized() bool { return t.initialized }

func (t *Tester) Failed() bool { return t.failed.Load() }

func (t *Tester) FailureMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failMessage
}

// Snapshot is a point-in-time view of a tester for status reporting.
type Snapshot struct {
	Index          int           `json:"index"`
	Device         string        `json:"device"`
	Initialized    bool          `json:"initialized"`
	Running        bool          `json:"running"`
	Failed         bool          `json:"failed"`
	FailureMessage string        `json:"failureMessage,omitempty"`
	Passes         uint64        `json:"passes"`
	GroupSize      uint          `json:"groupSize"`
	WorkFactor     uint          `json:"workFactor"`
	InnerIters     uint          `json:"innerIters"`
	StepsPerWait   uint          `json:"stepsPerWait"`
	KernelTime     time.Duration `json:"kernelTimeNs"`
	Bandwidth      float64       `json:"bandwidthGBps"`
	Throughput     float64       `json:"throughputGFLOPS"`
}

func (t *Tester) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Index:          t.index,
		Device:         t.label,
		Initialized:    t.initialized,
		Running:        t.running.Load(),
		Failed:         t.failed.Load(),
		FailureMessage: t.failMessage,
		Passes:         t.passes.Load(),
		GroupSize:      t.groupSize,
		WorkFactor:     t.workFactor,
		InnerIters:     t.innerIters,
		StepsPerWait:   t.stepsPerWait,
		KernelTime:     t.kernelTime,
		Bandwidth:      t.bandwidth,
		Throughput:     t.throughput,
	}
}

func utoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
