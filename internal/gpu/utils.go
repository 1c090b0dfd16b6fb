package gpu

import "math"

// Equal compares two result buffers bit for bit. It returns the index of
// the first differing element, or -1 when the buffers are identical.
func Equal(want, got []float32) (int, bool) {
	if len(want) != len(got) {
		n := min(len(want), len(got))
		if i, ok := Equal(want[:n], got[:n]); !ok {
			return i, false
		}
		return n, false
	}
	for i := range want {
		if math.Float32bits(want[i]) != math.Float32bits(got[i]) {
			return i, false
		}
	}
	return -1, true
}
