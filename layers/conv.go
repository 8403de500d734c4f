package layers

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
)

// Conv2DLayer is a stride-1 convolution with "same" zero padding.
// Weight layout is [out, in, k, k].
type Conv2DLayer struct {
	name    string
	inC     int
	outC    int
	k       int
	pad     int
	workers int

	Weight *Param
	Bias   *Param

	training bool
	input    *tensor.Dense
}

// NewConv2D creates a convolution initialized like PyTorch's default
// (uniform in ±1/sqrt(fan_in) for both weight and bias).
func NewConv2D(name string, inC, outC, kernel int, rng *rand.Rand, workers int) *Conv2DLayer {
	if kernel%2 == 0 {
		panic(fmt.Sprintf("conv %s: kernel size must be odd, got %d", name, kernel))
	}
	l := &Conv2DLayer{
		name:    name,
		inC:     inC,
		outC:    outC,
		k:       kernel,
		pad:     kernel / 2,
		workers: workers,
		Weight:  newParam(name+".weight", outC, inC, kernel, kernel),
		Bias:    newParam(name+".bias", outC),
	}
	bound := float32(1 / math.Sqrt(float64(inC*kernel*kernel)))
	for _, p := range []*Param{l.Weight, l.Bias} {
		data := tensorutil.Float32s(p.Value)
		for i := range data {
			data[i] = (2*rng.Float32() - 1) * bound
		}
	}
	return l
}

func (l *Conv2DLayer) Type() LayerType      { return Conv2D }
func (l *Conv2DLayer) Name() string         { return l.name }
func (l *Conv2DLayer) Parameters() []*Param { return []*Param{l.Weight, l.Bias} }

func (l *Conv2DLayer) SetTraining(training bool) {
	l.training = training
	l.input = nil
}

// Forward computes the convolution, one (sample, output channel) plane per
// work item.
func (l *Conv2DLayer) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	n, h, w, err := expectNCHW(l.name, x, l.inC)
	if err != nil {
		return nil, err
	}
	hw := h * w
	out := tensorutil.Zeros(n, l.outC, h, w)
	in := tensorutil.Float32s(x)
	dst := tensorutil.Float32s(out)
	wt := tensorutil.Float32s(l.Weight.Value)
	bias := tensorutil.Float32s(l.Bias.Value)

	err = parallelFor(l.workers, n*l.outC, func(idx int) {
		b, oc := idx/l.outC, idx%l.outC
		plane := dst[idx*hw : (idx+1)*hw]
		for i := range plane {
			plane[i] = bias[oc]
		}
		for ic := 0; ic < l.inC; ic++ {
			src := in[(b*l.inC+ic)*hw : (b*l.inC+ic+1)*hw]
			for kh := 0; kh < l.k; kh++ {
				dy := kh - l.pad
				y0, y1 := max(0, -dy), min(h, h-dy)
				for kw := 0; kw < l.k; kw++ {
					dx := kw - l.pad
					x0, x1 := max(0, -dx), min(w, w-dx)
					wv := wt[((oc*l.inC+ic)*l.k+kh)*l.k+kw]
					for y := y0; y < y1; y++ {
						row := plane[y*w : (y+1)*w]
						base := (y+dy)*w + dx
						for xx := x0; xx < x1; xx++ {
							row[xx] += wv * src[base+xx]
						}
					}
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if l.training {
		l.input = x
	}
	return out, nil
}

// Backward accumulates weight and bias gradients and returns dL/dx.
func (l *Conv2DLayer) Backward(grad *tensor.Dense) (*tensor.Dense, error) {
	if l.input == nil {
		return nil, fmt.Errorf("%s: %w", l.name, ErrNotTraining)
	}
	n, h, w, err := expectNCHW(l.name, grad, l.outC)
	if err != nil {
		return nil, err
	}
	if in := l.input.Shape(); in[0] != n || in[2] != h || in[3] != w {
		return nil, fmt.Errorf("%s: gradient shape %v does not match input %v", l.name, grad.Shape(), in)
	}
	hw := h * w
	g := tensorutil.Float32s(grad)
	in := tensorutil.Float32s(l.input)
	wt := tensorutil.Float32s(l.Weight.Value)
	gw := tensorutil.Float32s(l.Weight.Grad)
	gb := tensorutil.Float32s(l.Bias.Grad)

	// weight and bias gradients, one output channel per work item
	err = parallelFor(l.workers, l.outC, func(oc int) {
		for b := 0; b < n; b++ {
			gp := g[(b*l.outC+oc)*hw : (b*l.outC+oc+1)*hw]
			var sum float32
			for _, v := range gp {
				sum += v
			}
			gb[oc] += sum
			for ic := 0; ic < l.inC; ic++ {
				src := in[(b*l.inC+ic)*hw : (b*l.inC+ic+1)*hw]
				for kh := 0; kh < l.k; kh++ {
					dy := kh - l.pad
					y0, y1 := max(0, -dy), min(h, h-dy)
					for kw := 0; kw < l.k; kw++ {
						dx := kw - l.pad
						x0, x1 := max(0, -dx), min(w, w-dx)
						var acc float32
						for y := y0; y < y1; y++ {
							base := (y+dy)*w + dx
							for xx := x0; xx < x1; xx++ {
								acc += gp[y*w+xx] * src[base+xx]
							}
						}
						gw[((oc*l.inC+ic)*l.k+kh)*l.k+kw] += acc
					}
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}

	gradIn := tensorutil.Zeros(n, l.inC, h, w)
	gi := tensorutil.Float32s(gradIn)
	err = parallelFor(l.workers, n*l.inC, func(idx int) {
		b, ic := idx/l.inC, idx%l.inC
		dst := gi[idx*hw : (idx+1)*hw]
		for oc := 0; oc < l.outC; oc++ {
			gp := g[(b*l.outC+oc)*hw : (b*l.outC+oc+1)*hw]
			for kh := 0; kh < l.k; kh++ {
				dy := kh - l.pad
				y0, y1 := max(0, -dy), min(h, h-dy)
				for kw := 0; kw < l.k; kw++ {
					dx := kw - l.pad
					x0, x1 := max(0, -dx), min(w, w-dx)
					wv := wt[((oc*l.inC+ic)*l.k+kh)*l.k+kw]
					for y := y0; y < y1; y++ {
						base := (y+dy)*w + dx
						for xx := x0; xx < x1; xx++ {
							dst[base+xx] += wv * gp[y*w+xx]
						}
					}
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return gradIn, nil
}
