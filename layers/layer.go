package layers

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
)

// ErrNotTraining is returned by Backward when the layer did not cache its
// activations because it ran in eval mode.
var ErrNotTraining = errors.New("backward called without a training-mode forward pass")

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	ReLU
	LeakyReLU
	Sequential
	Residual
	Pyramid
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Sequential:
		return "Sequential"
	case Residual:
		return "Residual"
	case Pyramid:
		return "Pyramid"
	default:
		return "Unknown"
	}
}

// Param is a learnable tensor together with its accumulated gradient.
// Name is fully qualified, e.g. "body.0.conv1.weight".
type Param struct {
	Name  string
	Value *tensor.Dense
	Grad  *tensor.Dense
}

func newParam(name string, shape ...int) *Param {
	return &Param{
		Name:  name,
		Value: tensorutil.Zeros(shape...),
		Grad:  tensorutil.Zeros(shape...),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	g := tensorutil.Float32s(p.Grad)
	for i := range g {
		g[i] = 0
	}
}

// Layer is an executable NCHW layer. Forward caches whatever Backward needs
// only while training; Backward accumulates into parameter gradients and
// returns the gradient with respect to the layer input.
type Layer interface {
	Type() LayerType
	Name() string
	Forward(x *tensor.Dense) (*tensor.Dense, error)
	Backward(grad *tensor.Dense) (*tensor.Dense, error)
	Parameters() []*Param
	SetTraining(training bool)
}

func expectNCHW(name string, x *tensor.Dense, channels int) (n, h, w int, err error) {
	s := x.Shape()
	if len(s) != 4 {
		return 0, 0, 0, fmt.Errorf("%s: expected NCHW input, got shape %v", name, s)
	}
	if channels > 0 && s[1] != channels {
		return 0, 0, 0, fmt.Errorf("%s: expected %d channels, got shape %v", name, channels, s)
	}
	return s[0], s[2], s[3], nil
}

// parallelFor runs fn(i) for i in [0, n) split into at most workers
// contiguous chunks.
func parallelFor(workers, n int, fn func(i int)) error {
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return nil
	}
	var g errgroup.Group
	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				fn(i)
			}
			return nil
		})
	}
	return g.Wait()
}
