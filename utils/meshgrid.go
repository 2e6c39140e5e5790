package utils

import (
	"math"

	"github.com/pkg/errors"
)

// ArangeInclusive returns the evenly spaced values start, start+step, ... up to and including
// stop (within a small tolerance of step). A zero span yields the single value start.
func ArangeInclusive(start, stop, step float64) ([]float64, error) {
	if stop < start {
		return nil, errors.Errorf("stop %v is before start %v", stop, start)
	}
	if stop == start {
		return []float64{start}, nil
	}
	if step <= 0 {
		return nil, errors.Errorf("step must be positive, got %v", step)
	}
	n := int(math.Floor((stop-start)/step+1e-9)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out, nil
}

// Size returns the number of elements in a grid with the given dimensions.
func Size(dims []int) int {
	n := 1
	for _, v := range dims {
		n *= v
	}
	return n
}

// IdxFor converts a multi-dimensional subscript into a row-major linear index. IdxFor is the
// converse of SubFor.
func IdxFor(sub, dims []int) int {
	if len(sub) != len(dims) {
		panic("size mismatch")
	}
	var idx int
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		if sub[i] < 0 || sub[i] >= dims[i] {
			panic("bad index")
		}
		idx += sub[i] * stride
		stride *= dims[i]
	}
	return idx
}

// SubFor constructs the multi-dimensional subscript for the input linear index.
// Dims specifies the maximum size in each dimension. SubFor is the converse of
// IdxFor.
//
// If sub is non-nil the result is stored in-place into sub. If it is nil a new
// slice of the appropriate length is allocated.
func SubFor(sub []int, idx int, dims []int) []int {
	for _, v := range dims {
		if v <= 0 {
			panic("bad dims")
		}
	}
	if sub == nil {
		sub = make([]int, len(dims))
	}
	if len(sub) != len(dims) {
		panic("size mismatch")
	}
	if idx < 0 {
		panic("bad index")
	}
	stride := 1
	for i := len(dims) - 1; i >= 1; i-- {
		stride *= dims[i]
	}
	for i := 0; i < len(dims)-1; i++ {
		v := idx / stride
		if v >= dims[i] {
			panic("bad index")
		}
		sub[i] = v
		idx -= v * stride
		stride /= dims[i+1]
	}
	if idx >= dims[len(sub)-1] {
		panic("bad dims")
	}
	sub[len(sub)-1] = idx
	return sub
}
