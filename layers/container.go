package layers

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
)

// SequentialLayer chains layers front to back.
type SequentialLayer struct {
	name   string
	layers []Layer
}

// NewSequential creates a sequential container
func NewSequential(name string, layers ...Layer) *SequentialLayer {
	return &SequentialLayer{name: name, layers: layers}
}

// Add appends a layer and returns the container for chaining.
func (s *SequentialLayer) Add(l Layer) *SequentialLayer {
	s.layers = append(s.layers, l)
	return s
}

func (s *SequentialLayer) Type() LayerType { return Sequential }
func (s *SequentialLayer) Name() string    { return s.name }
func (s *SequentialLayer) Layers() []Layer { return s.layers }

func (s *SequentialLayer) Parameters() []*Param {
	var params []*Param
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (s *SequentialLayer) SetTraining(training bool) {
	for _, l := range s.layers {
		l.SetTraining(training)
	}
}

func (s *SequentialLayer) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	var err error
	for _, l := range s.layers {
		if x, err = l.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s *SequentialLayer) Backward(grad *tensor.Dense) (*tensor.Dense, error) {
	var err error
	for i := len(s.layers) - 1; i >= 0; i-- {
		if grad, err = s.layers[i].Backward(grad); err != nil {
			return nil, err
		}
	}
	return grad, nil
}

// ResidualLayer computes x + scale*body(x). A scale of -1 turns the body
// into a noise estimator subtracted from the input.
type ResidualLayer struct {
	name  string
	body  Layer
	scale float32
}

// NewResidual creates a skip connection around body
func NewResidual(name string, body Layer, scale float32) *ResidualLayer {
	return &ResidualLayer{name: name, body: body, scale: scale}
}

func (r *ResidualLayer) Type() LayerType           { return Residual }
func (r *ResidualLayer) Name() string              { return r.name }
func (r *ResidualLayer) Parameters() []*Param      { return r.body.Parameters() }
func (r *ResidualLayer) SetTraining(training bool) { r.body.SetTraining(training) }

func (r *ResidualLayer) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	y, err := r.body.Forward(x)
	if err != nil {
		return nil, err
	}
	if err := tensorutil.CheckSameShape(x, y); err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	out := tensorutil.Clone(x)
	dst := tensorutil.Float32s(out)
	for i, v := range tensorutil.Float32s(y) {
		dst[i] += r.scale * v
	}
	return out, nil
}

func (r *ResidualLayer) Backward(grad *tensor.Dense) (*tensor.Dense, error) {
	scaled := tensorutil.Clone(grad)
	sd := tensorutil.Float32s(scaled)
	for i := range sd {
		sd[i] *= r.scale
	}
	gb, err := r.body.Backward(scaled)
	if err != nil {
		return nil, err
	}
	out := tensorutil.Clone(grad)
	dst := tensorutil.Float32s(out)
	for i, v := range tensorutil.Float32s(gb) {
		dst[i] += v
	}
	return out, nil
}

// PyramidLayer runs its inner layer at half resolution: 2x2 average pooling
// on the way down, nearest-neighbour upsampling on the way back, cropped to
// the input size. Odd sizes pool the border cells over their valid pixels.
type PyramidLayer struct {
	name  string
	inner Layer

	training bool
	h, w     int
}

// NewPyramid creates a half-resolution wrapper around inner
func NewPyramid(name string, inner Layer) *PyramidLayer {
	return &PyramidLayer{name: name, inner: inner}
}

func (p *PyramidLayer) Type() LayerType      { return Pyramid }
func (p *PyramidLayer) Name() string         { return p.name }
func (p *PyramidLayer) Parameters() []*Param { return p.inner.Parameters() }

func (p *PyramidLayer) SetTraining(training bool) {
	p.training = training
	p.h, p.w = 0, 0
	p.inner.SetTraining(training)
}

// cellCount is the number of valid pixels pooled into cell (i, j).
func cellCount(i, j, h, w int) float32 {
	return float32((min(2*i+2, h) - 2*i) * (min(2*j+2, w) - 2*j))
}

func (p *PyramidLayer) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	n, h, w, err := expectNCHW(p.name, x, 0)
	if err != nil {
		return nil, err
	}
	c := x.Shape()[1]
	hh, wh := (h+1)/2, (w+1)/2
	down := tensorutil.Zeros(n, c, hh, wh)
	src := tensorutil.Float32s(x)
	dd := tensorutil.Float32s(down)
	for plane := 0; plane < n*c; plane++ {
		in := src[plane*h*w : (plane+1)*h*w]
		out := dd[plane*hh*wh : (plane+1)*hh*wh]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				out[(y/2)*wh+xx/2] += in[y*w+xx]
			}
		}
		for i := 0; i < hh; i++ {
			for j := 0; j < wh; j++ {
				out[i*wh+j] /= cellCount(i, j, h, w)
			}
		}
	}

	mid, err := p.inner.Forward(down)
	if err != nil {
		return nil, err
	}
	ms := mid.Shape()
	if len(ms) != 4 || ms[0] != n || ms[2] != hh || ms[3] != wh {
		return nil, fmt.Errorf("%s: inner output shape %v does not keep spatial size %dx%d", p.name, ms, hh, wh)
	}
	oc := ms[1]
	up := tensorutil.Zeros(n, oc, h, w)
	md := tensorutil.Float32s(mid)
	ud := tensorutil.Float32s(up)
	for plane := 0; plane < n*oc; plane++ {
		in := md[plane*hh*wh : (plane+1)*hh*wh]
		out := ud[plane*h*w : (plane+1)*h*w]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				out[y*w+xx] = in[(y/2)*wh+xx/2]
			}
		}
	}
	if p.training {
		p.h, p.w = h, w
	}
	return up, nil
}

func (p *PyramidLayer) Backward(grad *tensor.Dense) (*tensor.Dense, error) {
	if p.h == 0 {
		return nil, fmt.Errorf("%s: %w", p.name, ErrNotTraining)
	}
	n, h, w, err := expectNCHW(p.name, grad, 0)
	if err != nil {
		return nil, err
	}
	if h != p.h || w != p.w {
		return nil, fmt.Errorf("%s: gradient size %dx%d does not match forward size %dx%d", p.name, h, w, p.h, p.w)
	}
	oc := grad.Shape()[1]
	hh, wh := (h+1)/2, (w+1)/2
	gsmall := tensorutil.Zeros(n, oc, hh, wh)
	g := tensorutil.Float32s(grad)
	gs := tensorutil.Float32s(gsmall)
	for plane := 0; plane < n*oc; plane++ {
		in := g[plane*h*w : (plane+1)*h*w]
		out := gs[plane*hh*wh : (plane+1)*hh*wh]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				out[(y/2)*wh+xx/2] += in[y*w+xx]
			}
		}
	}

	gdown, err := p.inner.Backward(gsmall)
	if err != nil {
		return nil, err
	}
	c := gdown.Shape()[1]
	gradIn := tensorutil.Zeros(n, c, h, w)
	gd := tensorutil.Float32s(gdown)
	gi := tensorutil.Float32s(gradIn)
	for plane := 0; plane < n*c; plane++ {
		in := gd[plane*hh*wh : (plane+1)*hh*wh]
		out := gi[plane*h*w : (plane+1)*h*w]
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				i, j := y/2, xx/2
				out[y*w+xx] = in[i*wh+j] / cellCount(i, j, h, w)
			}
		}
	}
	return gradIn, nil
}
