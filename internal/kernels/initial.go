package kernels

import (
	"math"

	"gonum.org/v1/gonum/mathext/prng"
)

// InitialSeed is the seed of the 64-bit Mersenne Twister that produces the
// input data. Every tester starts from the same stream.
const InitialSeed = 5489

// InitialValues returns n input values for variant v. Rotation programs get
// small values centred on zero; polywalk programs get values spread over
// the walk range.
func InitialValues(v Variant, n int) []float32 {
	src := prng.NewMT19937_64()
	src.Seed(InitialSeed)

	span := float32(math.MaxUint64)
	out := make([]float32, n)
	for i := range out {
		u := float32(src.Uint64()) / span
		if v.Polynomial() {
			out[i] = float32(float64(u)*2e6 - 1e6)
		} else {
			out[i] = (u - 0.5) * 0.04
		}
	}
	return out
}
