package kernels

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Params are the compile-time constants of a program build.
type Params struct {
	GroupSize  uint
	InnerIters uint
	Blocks     uint
}

// Validate checks the constants are within what the programs accept.
func (p Params) Validate() error {
	if p.GroupSize == 0 {
		return fmt.Errorf("group size is zero")
	}
	if p.InnerIters == 0 {
		return fmt.Errorf("inner iterations is zero")
	}
	if p.Blocks == 0 || p.Blocks > MaxBlocks {
		return fmt.Errorf("blocks number %d out of range", p.Blocks)
	}
	return nil
}

const (
	wrapHalf  float32 = 1e6
	wrapSpan  float32 = 2e6
	wrapScale float32 = 5e-7
)

// Execute runs one launch of program v over workSize items on the host.
// in and out may alias. Work-groups run concurrently on up to workers
// goroutines; each group only touches its own items so aliasing is safe.
func Execute(v Variant, p Params, workSize uint, poly [PolyCoefficients]float32, in, out []float32, workers int) error {
	if !v.Valid() {
		return fmt.Errorf("unsupported builtin kernel %d", uint(v))
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if workSize == 0 || workSize%p.GroupSize != 0 {
		return fmt.Errorf("work size %d is not a multiple of group size %d", workSize, p.GroupSize)
	}
	need := int(BufferElements(workSize, p.Blocks))
	if len(in) < need || len(out) < need {
		return fmt.Errorf("buffer too small: need %d elements", need)
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	groups := workSize / p.GroupSize
	for grp := uint(0); grp < groups; grp++ {
		base := grp * p.GroupSize
		g.Go(func() error {
			runGroup(v, p, workSize, base, poly, in, out)
			return nil
		})
	}
	return g.Wait()
}

func runGroup(v Variant, p Params, workSize, base uint, poly [PolyCoefficients]float32, in, out []float32) {
	G := p.GroupSize
	B := p.Blocks
	if v == PolyWalk {
		for lid := uint(0); lid < G; lid++ {
			gid := base + lid
			for b := uint(0); b < B; b++ {
				for j := uint(0); j < ValuesPerItem; j++ {
					idx := (b*ValuesPerItem+j)*workSize + gid
					out[idx] = walk(in[idx], p.InnerIters, poly)
				}
			}
		}
		return
	}

	shared := make([]float32, G*B*ValuesPerItem)
	var vals [ValuesPerItem]float32
	for lid := uint(0); lid < G; lid++ {
		gid := base + lid
		for b := uint(0); b < B; b++ {
			for j := uint(0); j < ValuesPerItem; j++ {
				vals[j] = in[(b*ValuesPerItem+j)*workSize+gid]
			}
			switch v {
			case Rotate:
				rotate(&vals, p.InnerIters)
			case RotateSwap:
				rotateSwap(&vals, p.InnerIters)
			case PolyWalkLocal:
				for j := range vals {
					vals[j] = walk(vals[j], p.InnerIters, poly)
				}
			}
			copy(shared[(lid*B+b)*ValuesPerItem:], vals[:])
		}
	}

	// barrier
	for lid := uint(0); lid < G; lid++ {
		gid := base + lid
		nb := neighbour(v, lid, G)
		for b := uint(0); b < B; b++ {
			src := shared[(nb*B+b)*ValuesPerItem:]
			for j := uint(0); j < ValuesPerItem; j++ {
				out[(b*ValuesPerItem+j)*workSize+gid] = src[exchangeIndex(v, j)]
			}
		}
	}
}

func neighbour(v Variant, lid, groupSize uint) uint {
	switch v {
	case Rotate:
		return (lid + 1) % groupSize
	case RotateSwap:
		if nb := lid ^ 1; nb < groupSize {
			return nb
		}
		return lid
	default:
		return groupSize - 1 - lid
	}
}

func exchangeIndex(v Variant, j uint) uint {
	switch v {
	case Rotate:
		return (j + 1) & 15
	case RotateSwap:
		return 15 - j
	default:
		return j
	}
}

// Products are rounded to float32 before the sums so the compiler cannot fuse them.
func rotate(v *[ValuesPerItem]float32, iters uint) {
	for k := uint(0); k < iters; k++ {
		for j := 0; j < 8; j++ {
			x, y := v[j], v[j+8]
			v[j] = float32(x*0.96) - float32(y*0.28)
			v[j+8] = float32(x*0.28) + float32(y*0.96)
		}
		for j := 0; j < 8; j++ {
			x, y := v[j], v[15-j]
			v[j] = float32(x*0.8) - float32(y*0.6)
			v[15-j] = float32(x*0.6) + float32(y*0.8)
		}
	}
}

func rotateSwap(v *[ValuesPerItem]float32, iters uint) {
	for k := uint(0); k < iters; k++ {
		for j := 0; j < 8; j++ {
			x, y := v[2*j], v[2*j+1]
			v[2*j] = float32(x*0.8) - float32(y*0.6)
			v[2*j+1] = float32(x*0.6) + float32(y*0.8)
		}
		for j := 0; j < 8; j++ {
			x, y := v[j], v[j+8]
			v[j] = float32(x*0.6) - float32(y*0.8)
			v[j+8] = float32(x*0.8) + float32(y*0.6)
		}
	}
}

func walk(x float32, iters uint, p [PolyCoefficients]float32) float32 {
	for k := uint(0); k < iters; k++ {
		r := float32(p[4]*x) + p[3]
		r = float32(r*x) + p[2]
		r = float32(r*x) + p[1]
		r = float32(r*x) + p[0]
		q := float32(math.Floor(float64(float32(r+wrapHalf) * wrapScale)))
		x = r - float32(wrapSpan*q)
	}
	return x
}
