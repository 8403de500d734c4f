package layers

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
)

// LeakyReLULayer computes max(x, slope*x). A slope of zero gives a plain ReLU.
type LeakyReLULayer struct {
	name  string
	slope float32

	training bool
	input    *tensor.Dense
}

// NewReLU creates a ReLU activation
func NewReLU(name string) *LeakyReLULayer {
	return &LeakyReLULayer{name: name}
}

// NewLeakyReLU creates a leaky ReLU activation
func NewLeakyReLU(name string, slope float32) *LeakyReLULayer {
	return &LeakyReLULayer{name: name, slope: slope}
}

func (l *LeakyReLULayer) Type() LayerType {
	if l.slope == 0 {
		return ReLU
	}
	return LeakyReLU
}

func (l *LeakyReLULayer) Name() string         { return l.name }
func (l *LeakyReLULayer) Parameters() []*Param { return nil }

func (l *LeakyReLULayer) SetTraining(training bool) {
	l.training = training
	l.input = nil
}

func (l *LeakyReLULayer) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	out := tensorutil.Like(x)
	src := tensorutil.Float32s(x)
	dst := tensorutil.Float32s(out)
	for i, v := range src {
		if v > 0 {
			dst[i] = v
		} else {
			dst[i] = l.slope * v
		}
	}
	if l.training {
		l.input = x
	}
	return out, nil
}

func (l *LeakyReLULayer) Backward(grad *tensor.Dense) (*tensor.Dense, error) {
	if l.input == nil {
		return nil, fmt.Errorf("%s: %w", l.name, ErrNotTraining)
	}
	if err := tensorutil.CheckSameShape(grad, l.input); err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	out := tensorutil.Like(grad)
	in := tensorutil.Float32s(l.input)
	g := tensorutil.Float32s(grad)
	dst := tensorutil.Float32s(out)
	for i, v := range in {
		if v > 0 {
			dst[i] = g[i]
		} else {
			dst[i] = l.slope * g[i]
		}
	}
	return out, nil
}
