// Package kernels holds the stress kernel programs and a host reference
// implementation that computes exactly what the device programs compute.
package kernels

import (
	_ "embed"
	"fmt"
)

// EntryPoint is the kernel function name every program exports.
const EntryPoint = "gpuStress"

// ValuesPerItem is the number of floats a work-item owns in one block.
const ValuesPerItem = 16

// MaxBlocks is the largest BLOCKSNUM a program accepts.
const MaxBlocks = 16

// PolyCoefficients is the number of polynomial arguments taken by the polywalk variants.
const PolyCoefficients = 5

// Variant selects one of the built-in stress programs.
type Variant uint

const (
	Rotate Variant = iota
	RotateSwap
	PolyWalk
	PolyWalkLocal
	variantCount
)

// Variants lists every built-in program in selector order.
var Variants = []Variant{Rotate, RotateSwap, PolyWalk, PolyWalkLocal}

// ExamplePoly is the polynomial passed to the polywalk variants, lowest degree first.
var ExamplePoly = [PolyCoefficients]float32{
	4.43859953e+05, 1.13454169e+00, -4.50175916e-06, -1.43865531e-12, 4.42133541e-18,
}

var (
	//go:embed cl/rotate.cl
	rotateSource string
	//go:embed cl/rotate_swap.cl
	rotateSwapSource string
	//go:embed cl/polywalk.cl
	polyWalkSource string
	//go:embed cl/polywalk_local.cl
	polyWalkLocalSource string
)

// Valid reports whether v names a built-in program.
func (v Variant) Valid() bool {
	return v < variantCount
}

// Polynomial reports whether the program takes the polynomial argument block.
func (v Variant) Polynomial() bool {
	return v == PolyWalk || v == PolyWalkLocal
}

// UsesLocalMemory reports whether the program stages results in work-group local memory.
func (v Variant) UsesLocalMemory() bool {
	return v != PolyWalk
}

// FlopsPerValue is the floating point operation count per value and inner iteration.
func (v Variant) FlopsPerValue() float64 {
	if v.Polynomial() {
		return 8
	}
	return 6
}

func (v Variant) String() string {
	switch v {
	case Rotate:
		return "rotate"
	case RotateSwap:
		return "rotate-swap"
	case PolyWalk:
		return "polywalk"
	case PolyWalkLocal:
		return "polywalk-local"
	}
	return fmt.Sprintf("variant(%d)", uint(v))
}

// Description is the operator-facing summary printed by the test listing.
func (v Variant) Description() string {
	switch v {
	case Rotate:
		return "Standard rotation test with neighbour exchange in local memory"
	case RotateSwap:
		return "Rotation test with mirrored pairs and pairwise local exchange"
	case PolyWalk:
		return "Polynomial walker, arithmetic only"
	case PolyWalkLocal:
		return "Polynomial walker with mirrored local memory exchange"
	}
	return ""
}

// Program is a device program ready to be handed to a compiler.
type Program struct {
	Variant Variant
	Name    string
	Source  string
}

// Lookup returns the program for v.
func Lookup(v Variant) (Program, error) {
	var src string
	switch v {
	case Rotate:
		src = rotateSource
	case RotateSwap:
		src = rotateSwapSource
	case PolyWalk:
		src = polyWalkSource
	case PolyWalkLocal:
		src = polyWalkLocalSource
	default:
		return Program{}, fmt.Errorf("unsupported builtin kernel %d", uint(v))
	}
	return Program{Variant: v, Name: EntryPoint, Source: src}, nil
}

// LocalFloatsPerItem is how many local memory floats a single work-item needs.
func LocalFloatsPerItem(v Variant, blocks uint) uint {
	if !v.UsesLocalMemory() {
		return 0
	}
	return ValuesPerItem * blocks
}

// BufferElements is the element count of one data buffer for a launch of workSize items.
func BufferElements(workSize, blocks uint) uint {
	return (workSize << 4) * blocks
}
