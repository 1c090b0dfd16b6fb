package stress

import (
	"math"
	"slices"
	"time"

	"github.com/fxnlabs/gpustress/internal/gpu"
	"github.com/fxnlabs/gpustress/internal/kernels"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

const minStepsPerWait = 2

// CalibrationPolicy holds the constants of kernel calibration and of the
// backpressure depth derived from it.
type CalibrationPolicy struct {
	MaxInnerIters        uint          `yaml:"maxInnerIters"`
	Samples              int           `yaml:"samples"`
	OutlierTolerance     float64       `yaml:"outlierTolerance"`
	WaitBudget           time.Duration `yaml:"waitBudget"`
	MinStepsPerWait      uint          `yaml:"minStepsPerWait"`
	ZeroTimeStepsPerWait uint          `yaml:"zeroTimeStepsPerWait"`
	LongKernelWarning    time.Duration `yaml:"longKernelWarning"`
}

func DefaultCalibrationPolicy() CalibrationPolicy {
	return CalibrationPolicy{
		MaxInnerIters:        40,
		Samples:              5,
		OutlierTolerance:     0.07,
		WaitBudget:           300 * time.Millisecond,
		MinStepsPerWait:      2,
		ZeroTimeStepsPerWait: 1000,
		LongKernelWarning:    4 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultCalibrationPolicy.
func (p CalibrationPolicy) withDefaults() CalibrationPolicy {
	def := DefaultCalibrationPolicy()
	if p.MaxInnerIters == 0 {
		p.MaxInnerIters = def.MaxInnerIters
	}
	if p.Samples <= 0 {
		p.Samples = def.Samples
	}
	if p.OutlierTolerance <= 0 {
		p.OutlierTolerance = def.OutlierTolerance
	}
	if p.WaitBudget <= 0 {
		p.WaitBudget = def.WaitBudget
	}
	if p.MinStepsPerWait == 0 {
		p.MinStepsPerWait = def.MinStepsPerWait
	}
	if p.ZeroTimeStepsPerWait == 0 {
		p.ZeroTimeStepsPerWait = def.ZeroTimeStepsPerWait
	}
	if p.LongKernelWarning <= 0 {
		p.LongKernelWarning = def.LongKernelWarning
	}
	return p
}

// StepsPerWait is the number of launches that fit in the wait budget.
// It is never below two: a wait targets the launch before the latest one.
func (p CalibrationPolicy) StepsPerWait(kernelTime time.Duration) uint {
	if kernelTime <= 0 {
		return max(p.ZeroTimeStepsPerWait, minStepsPerWait)
	}
	steps := uint((p.WaitBudget + kernelTime - 1) / kernelTime)
	return max(steps, p.MinStepsPerWait, minStepsPerWait)
}

// FilteredMean sorts samples and averages those within tolerance of the
// fastest one. The mean is truncated to whole nanoseconds.
func FilteredMean(samples []time.Duration, tolerance float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	limit := float64(sorted[0]) * tolerance
	accepted := 1
	for accepted < len(sorted) && float64(sorted[accepted]-sorted[0]) <= limit {
		accepted++
	}
	var sum time.Duration
	for _, s := range sorted[:accepted] {
		sum += s
	}
	return sum / time.Duration(accepted)
}

// Measurement is the derived throughput of one kernel time.
type Measurement struct {
	InnerIters uint
	KernelTime time.Duration
	Bandwidth  float64 // GB/s
	Throughput float64 // GFLOPS
}

// Measure derives bandwidth and throughput of one launch over elements values.
func Measure(v kernels.Variant, elements int, innerIters uint, kernelTime time.Duration) Measurement {
	ns := float64(kernelTime.Nanoseconds())
	e := float64(elements)
	return Measurement{
		InnerIters: innerIters,
		KernelTime: kernelTime,
		Bandwidth:  8 * e / ns,
		Throughput: v.FlopsPerValue() * float64(innerIters) * e / ns,
	}
}

func (m Measurement) Objective() float64 {
	return m.Bandwidth * m.Throughput
}

// Beats reports whether m is strictly better than best. Ties keep best.
func (m Measurement) Beats(best Measurement) bool {
	return m.Objective() > best.Objective()
}

// profile launches the current kernel Samples times on q and returns the
// filtered mean of the device-measured durations.
func (t *Tester) profile(q gpu.Queue) (time.Duration, error) {
	l := t.lanes[0]
	samples := make([]time.Duration, 0, t.policy.Samples)
	for i := 0; i < t.policy.Samples; i++ {
		if t.coord.StoppedByUser() {
			return 0, ErrCancelled
		}
		if !t.cfg.DualBuffer {
			if err := t.dispatch.Write(l.in, t.initial); err != nil {
				return 0, err
			}
		}
		ev, err := q.Launch(t.kernel, l.args(0, t.launchArgs()))
		if err != nil {
			return 0, err
		}
		err = ev.Wait()
		if err == nil {
			var d time.Duration
			d, err = ev.Duration()
			samples = append(samples, d)
		}
		ev.Release()
		if err != nil {
			return 0, err
		}
	}

	mean := FilteredMean(samples, t.policy.OutlierTolerance)
	if ce := t.logger.Check(zap.DebugLevel, "Profiled kernel"); ce != nil {
		xs := make([]float64, len(samples))
		for i, s := range samples {
			xs[i] = float64(s)
		}
		avg, std := stat.MeanStdDev(xs, nil)
		ce.Write(
			zap.Duration("filteredMean", mean),
			zap.Duration("mean", time.Duration(avg)),
			zap.Duration("stddev", time.Duration(std)),
		)
	}
	return mean, nil
}

// calibrate selects the inner iteration count and the backpressure depth.
// It returns ErrCancelled when the user stopped the test meanwhile.
func (t *Tester) calibrate() error {
	q, err := t.ctx.NewQueue(true)
	if err != nil {
		return err
	}
	defer q.Release()

	best := Measurement{InnerIters: 1, KernelTime: time.Duration(math.MaxInt64)}
	if t.cfg.InnerIters == 0 {
		if best, err = t.search(q); err != nil {
			return err
		}
		t.rep.Printf(t.index, "Kernel calibrated for\n  %s\n  BestKitersNum: %d, Bandwidth: %.6g GB/s, Performance: %.6g GFLOPS",
			t.title(), best.InnerIters, best.Bandwidth, best.Throughput)
	} else {
		best.InnerIters = t.cfg.InnerIters
		t.rep.Printf(t.index, "Kernel KitersNum: %d", best.InnerIters)
	}
	if t.coord.StoppedByUser() {
		return ErrCancelled
	}

	t.innerIters = best.InnerIters
	if err := t.buildKernel(t.innerIters, true, false); err != nil {
		return err
	}
	if t.cfg.InnerIters != 0 {
		if t.cfg.DualBuffer {
			if err := t.dispatch.Write(t.lanes[0].in, t.initial); err != nil {
				return err
			}
		}
		kt, err := t.profile(q)
		if err != nil {
			return err
		}
		best = Measure(t.cfg.KernelVariant, t.elements, t.innerIters, kt)
		t.rep.Printf(t.index, "Kernel performance for\n  %s\n  KitersNum: %d, Bandwidth: %.6g GB/s, Performance: %.6g GFLOPS",
			t.title(), best.InnerIters, best.Bandwidth, best.Throughput)
	}

	t.kernelTime = best.KernelTime
	t.stepsPerWait = t.policy.StepsPerWait(t.kernelTime)
	t.rep.Printf(t.index, "KernelTime: %.6gs, itersPerWait: %d", t.kernelTime.Seconds(), t.stepsPerWait)
	if t.kernelTime >= t.policy.LongKernelWarning {
		if t.desc.Type&gpu.DeviceCPU == 0 {
			t.rep.Printf(t.index, "WARNING! KERNEL TIME FOR NON-CPU DEVICE IS VERY LONG!\n"+
				"YOU MAY HAVE PROBLEMS WITH EXITING FROM APPLICATION!")
		} else {
			t.rep.Printf(t.index, "Warning: Kernel time for CPU is long! You may have problems with\n"+
				"stopping test. You can exit from application immediately when test\n"+
				"can't be stopped")
		}
	}

	t.logger.Info("Kernel calibrated",
		zap.Uint("innerIters", t.innerIters),
		zap.Duration("kernelTime", t.kernelTime),
		zap.Uint("stepsPerWait", t.stepsPerWait),
		zap.Float64("bandwidthGBps", best.Bandwidth),
		zap.Float64("throughputGFLOPS", best.Throughput),
	)
	return nil
}

// search measures every inner iteration count up to MaxInnerIters and
// keeps the one with the highest bandwidth*throughput.
func (t *Tester) search(q gpu.Queue) (Measurement, error) {
	if t.cfg.DualBuffer {
		if err := t.dispatch.Write(t.lanes[0].in, t.initial); err != nil {
			return Measurement{}, err
		}
	}
	t.rep.Write(t.index, "Calibrating Kernel for\n  "+t.title()+"\n  Calibration progress:")

	limit := t.policy.MaxInnerIters
	var best Measurement
	found := false
	for k := uint(1); k <= limit; k++ {
		if t.coord.StoppedByUser() {
			t.rep.Write(t.index, "\n")
			return Measurement{}, ErrCancelled
		}
		if (k-1)%5 == 0 {
			t.rep.Write(t.index, " "+utoa((k-1)*100/limit)+"%")
		}
		if err := t.buildKernel(k, false, true); err != nil {
			t.rep.Write(t.index, "\n")
			return Measurement{}, err
		}
		kt, err := t.profile(q)
		if err != nil {
			t.rep.Write(t.index, "\n")
			return Measurement{}, err
		}
		m := Measure(t.cfg.KernelVariant, t.elements, k, kt)
		if !found || m.Beats(best) {
			best, found = m, true
		}
	}
	t.rep.Write(t.index, " 100%\n")
	return best, nil
}
