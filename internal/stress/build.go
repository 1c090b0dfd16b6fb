package stress

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/fxnlabs/gpustress/internal/gpu"
	"go.uber.org/zap"
)

var errGroupSize = &ConfigError{Msg: "Can't determine new group size!"}

// FixGroupSize shrinks groupSize by the smallest power of two that fits
// limit and scales workFactor up by the same factor, keeping their product.
// groupSize must be divisible by that power of two.
func FixGroupSize(groupSize, workFactor, limit uint) (uint, uint, error) {
	shifts := 0
	for v := groupSize; v > limit; v >>= 1 {
		shifts++
	}
	if groupSize&(1<<shifts-1) != 0 {
		return 0, 0, errGroupSize
	}
	return groupSize >> shifts, workFactor << shifts, nil
}

// buildKernel compiles the program with the given inner iteration count,
// shrinking the group size until the compiled kernel accepts it.
func (t *Tester) buildKernel(innerIters uint, alwaysPrintLog, calibrating bool) error {
	t.releaseKernel()
	for attempts := bits.Len(t.groupSize); attempts >= 0; attempts-- {
		opts := gpu.BuildOptions{GroupSize: t.groupSize, InnerIters: innerIters, Blocks: t.cfg.BlockCount}
		k, err := t.ctx.Build(t.program, opts)
		if err != nil {
			var buildErr *gpu.BuildError
			if errors.As(err, &buildErr) {
				t.printBuildLog(buildErr.Log)
			}
			return err
		}
		if alwaysPrintLog {
			t.printBuildLog(k.BuildLog())
		}
		if t.groupSize <= k.MaxGroupSize() {
			t.kernel = k
			return nil
		}

		limit := k.MaxGroupSize()
		_ = k.Release()
		group, factor, err := FixGroupSize(t.groupSize, t.workFactor, limit)
		if err != nil {
			return err
		}
		t.groupSize, t.workFactor = group, factor

		text := fmt.Sprintf("Fixed groupSize for\n  %s\n    SetUp: workFactor=%d, groupSize=%d\n",
			t.title(), t.workFactor, t.groupSize)
		if calibrating {
			text = "\n" + text + "  Calibration progress:"
		}
		t.rep.Write(t.index, text)
		t.logger.Info("Fixed group size",
			zap.Uint("groupSize", t.groupSize),
			zap.Uint("workFactor", t.workFactor),
			zap.Uint("kernelLimit", limit))
	}
	return errGroupSize
}

func (t *Tester) printBuildLog(log string) {
	t.rep.Printf(t.index, "Program build log:\n  %s\n:--------------------\n%s\n:--------------------", t.label, log)
}
