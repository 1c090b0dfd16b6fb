package kernels

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, v := range Variants {
		t.Run(v.String(), func(t *testing.T) {
			prog, err := Lookup(v)
			require.NoError(t, err)
			assert.Equal(t, EntryPoint, prog.Name)
			assert.Contains(t, prog.Source, "__kernel void gpuStress")
			assert.Contains(t, prog.Source, "KITERSNUM")
			assert.Equal(t, v.Polynomial(), strings.Contains(prog.Source, "float p4"))
			assert.Equal(t, v.UsesLocalMemory(), strings.Contains(prog.Source, "local float shared"))
			assert.NotEmpty(t, v.Description())
		})
	}

	_, err := Lookup(Variant(4))
	assert.Error(t, err)
	assert.False(t, Variant(4).Valid())
}

func TestLocalFloatsPerItem(t *testing.T) {
	assert.Equal(t, uint(32), LocalFloatsPerItem(Rotate, 2))
	assert.Equal(t, uint(0), LocalFloatsPerItem(PolyWalk, 2))
	assert.Equal(t, uint(256), LocalFloatsPerItem(PolyWalkLocal, 16))
}

func TestInitialValues(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := InitialValues(Rotate, 1024)
		b := InitialValues(Rotate, 1024)
		assert.Equal(t, a, b)
	})

	t.Run("rotation range", func(t *testing.T) {
		for _, x := range InitialValues(Rotate, 4096) {
			assert.LessOrEqual(t, math.Abs(float64(x)), 0.02)
		}
	})

	t.Run("polywalk range", func(t *testing.T) {
		for _, x := range InitialValues(PolyWalk, 4096) {
			assert.LessOrEqual(t, math.Abs(float64(x)), 1e6)
		}
	})

	t.Run("prefix stable", func(t *testing.T) {
		long := InitialValues(RotateSwap, 256)
		short := InitialValues(RotateSwap, 16)
		assert.Equal(t, short, long[:16])
	})
}

func TestExecute(t *testing.T) {
	params := Params{GroupSize: 4, InnerIters: 3, Blocks: 2}
	const workSize = 8
	n := int(BufferElements(workSize, params.Blocks))

	for _, v := range Variants {
		t.Run(v.String(), func(t *testing.T) {
			in := InitialValues(v, n)

			out1 := make([]float32, n)
			require.NoError(t, Execute(v, params, workSize, ExamplePoly, in, out1, 1))

			out2 := make([]float32, n)
			require.NoError(t, Execute(v, params, workSize, ExamplePoly, in, out2, 4))
			assert.Equal(t, out1, out2, "parallelism must not change the result")

			inPlace := append([]float32(nil), in...)
			require.NoError(t, Execute(v, params, workSize, ExamplePoly, inPlace, inPlace, 3))
			assert.Equal(t, out1, inPlace, "in-place launch must match out-of-place")

			assert.NotEqual(t, in, out1)
			for _, x := range out1 {
				assert.False(t, math.IsNaN(float64(x)))
			}
		})
	}
}

func TestExecute_ConstantInput(t *testing.T) {
	params := Params{GroupSize: 4, InnerIters: 2, Blocks: 1}
	n := int(BufferElements(4, 1))
	in := make([]float32, n)
	for i := range in {
		in[i] = 0.01
	}
	a := make([]float32, n)
	b := make([]float32, n)
	require.NoError(t, Execute(Rotate, params, 4, ExamplePoly, in, a, 0))
	require.NoError(t, Execute(Rotate, params, 4, ExamplePoly, in, b, 0))
	assert.Equal(t, a, b)
}

func TestExecute_Errors(t *testing.T) {
	buf := make([]float32, 1024)
	testCases := []struct {
		name     string
		variant  Variant
		params   Params
		workSize uint
		errMsg   string
	}{
		{"bad variant", Variant(9), Params{GroupSize: 4, InnerIters: 1, Blocks: 1}, 4, "unsupported"},
		{"zero group", Rotate, Params{GroupSize: 0, InnerIters: 1, Blocks: 1}, 4, "group size is zero"},
		{"zero iters", Rotate, Params{GroupSize: 4, InnerIters: 0, Blocks: 1}, 4, "inner iterations"},
		{"too many blocks", Rotate, Params{GroupSize: 4, InnerIters: 1, Blocks: 17}, 4, "out of range"},
		{"ragged work size", Rotate, Params{GroupSize: 4, InnerIters: 1, Blocks: 1}, 6, "not a multiple"},
		{"small buffer", Rotate, Params{GroupSize: 4, InnerIters: 1, Blocks: 16}, 8, "buffer too small"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Execute(tc.variant, tc.params, tc.workSize, ExamplePoly, buf, buf, 1)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func BenchmarkExecute(b *testing.B) {
	params := Params{GroupSize: 64, InnerIters: 8, Blocks: 2}
	const workSize = 64 * 16
	n := int(BufferElements(workSize, params.Blocks))
	for _, v := range Variants {
		b.Run(v.String(), func(b *testing.B) {
			buf := InitialValues(v, n)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = Execute(v, params, workSize, ExamplePoly, buf, buf, 0)
			}
			flops := v.FlopsPerValue() * float64(params.InnerIters) * float64(n) * float64(b.N)
			b.ReportMetric(flops/b.Elapsed().Seconds()/1e9, "GFLOPS")
		})
	}
}
