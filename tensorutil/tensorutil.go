// Package tensorutil holds the small set of float32 helpers the trainer needs
// on top of gorgonia dense tensors.
package tensorutil

import (
	"fmt"
	"io"

	"gorgonia.org/tensor"
)

// New creates a float32 dense tensor with the given shape. When data is nil a
// zeroed backing slice is allocated.
func New(shape []int, data []float32) *tensor.Dense {
	n := Numel(shape)
	if data == nil {
		data = make([]float32, n)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Zeros is New with a freshly allocated backing slice.
func Zeros(shape ...int) *tensor.Dense {
	return New(shape, nil)
}

// Like returns a zeroed tensor with the same shape as t.
func Like(t *tensor.Dense) *tensor.Dense {
	return New(Shape(t), nil)
}

// Numel returns the number of elements in a shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Shape returns a copy of the tensor shape as a plain int slice.
func Shape(t *tensor.Dense) []int {
	return append([]int(nil), t.Shape()...)
}

// Float32s returns the backing slice of a float32 tensor. It panics on any
// other dtype, the same way a failed type assertion would.
func Float32s(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// Clone deep-copies a float32 tensor.
func Clone(t *tensor.Dense) *tensor.Dense {
	src := Float32s(t)
	dst := make([]float32, len(src))
	copy(dst, src)
	return New(Shape(t), dst)
}

// SameShape reports whether two tensors have identical shapes.
func SameShape(a, b *tensor.Dense) bool {
	sa, sb := a.Shape(), b.Shape()
	if len(sa) != len(sb) {
		return false
	}
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// CheckSameShape returns an error naming both shapes when they differ.
func CheckSameShape(a, b *tensor.Dense) error {
	if !SameShape(a, b) {
		return fmt.Errorf("shape mismatch: %v vs %v", a.Shape(), b.Shape())
	}
	return nil
}

// Clip returns a copy of t with every element clamped into [lo, hi].
func Clip(t *tensor.Dense, lo, hi float32) *tensor.Dense {
	out := Clone(t)
	data := Float32s(out)
	for i, v := range data {
		switch {
		case v < lo:
			data[i] = lo
		case v > hi:
			data[i] = hi
		}
	}
	return out
}

// Sample returns a view-free copy of item i along the leading axis.
func Sample(t *tensor.Dense, i int) (*tensor.Dense, error) {
	shape := Shape(t)
	if len(shape) == 0 || i < 0 || i >= shape[0] {
		return nil, fmt.Errorf("sample index %d out of range for shape %v", i, shape)
	}
	inner := shape[1:]
	size := Numel(inner)
	src := Float32s(t)[i*size : (i+1)*size]
	dst := make([]float32, size)
	copy(dst, src)
	return New(inner, dst), nil
}

// Plane returns sample n, channel c of an NCHW tensor as an H*W slice. The
// returned slice aliases the tensor's backing data.
func Plane(t *tensor.Dense, n, c int) ([]float32, int, int, error) {
	shape := t.Shape()
	if len(shape) != 4 {
		return nil, 0, 0, fmt.Errorf("expected NCHW tensor, got shape %v", shape)
	}
	if n < 0 || n >= shape[0] || c < 0 || c >= shape[1] {
		return nil, 0, 0, fmt.Errorf("plane (%d,%d) out of range for shape %v", n, c, shape)
	}
	h, w := shape[2], shape[3]
	off := (n*shape[1] + c) * h * w
	return Float32s(t)[off : off+h*w], h, w, nil
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts []*tensor.Dense) (*tensor.Dense, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("stack of zero tensors")
	}
	inner := Shape(ts[0])
	size := Numel(inner)
	data := make([]float32, 0, size*len(ts))
	for i, t := range ts {
		if !SameShape(t, ts[0]) {
			return nil, fmt.Errorf("stack element %d has shape %v, want %v", i, t.Shape(), inner)
		}
		data = append(data, Float32s(t)...)
	}
	return New(append([]int{len(ts)}, inner...), data), nil
}

// WriteNpy writes t in NumPy .npy format.
func WriteNpy(w io.Writer, t *tensor.Dense) error {
	if err := t.WriteNpy(w); err != nil {
		return fmt.Errorf("failed to write npy: %w", err)
	}
	return nil
}

// ReadNpy reads a float32 or float64 .npy array and returns it as float32.
func ReadNpy(r io.Reader) (*tensor.Dense, error) {
	t := new(tensor.Dense)
	if err := t.ReadNpy(r); err != nil {
		return nil, fmt.Errorf("failed to read npy: %w", err)
	}
	shape := Shape(t)
	switch data := t.Data().(type) {
	case []float32:
		return New(shape, data), nil
	case []float64:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return New(shape, out), nil
	default:
		return nil, fmt.Errorf("unsupported npy dtype %v", t.Dtype())
	}
}
