package training

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/layers"
	"github.com/tsawler/go-denoise/optimizer"
	"github.com/tsawler/go-denoise/tensorutil"
)

// GAN flavours.
const (
	GANTypeWGANGP = "WGAN_GP"
	GANTypeGAN    = "GAN"
)

// AdversarialLoss pits the generator against a linear patch critic scored on
// random crops. Every Forward first trains the critic (its own Adam at lr_D,
// k steps) on detached predictions against labels, then scores a fresh crop
// of the predictions for the generator loss. Backward must follow the Forward
// call it differentiates.
type AdversarialLoss struct {
	ganType  string
	cropSize int
	k        int
	gpWeight float64
	lrD      float64
	rng      *rand.Rand

	weight *layers.Param
	bias   *layers.Param
	opt    *optimizer.AdamOptimizerState
	c      int
	crop   int

	// from the last Forward
	offsets [][2]int
	coef    []float32
	dLoss   float64
}

// NewAdversarialLoss creates the loss. The critic is sized on the first batch.
func NewAdversarialLoss(ganType string, cropSize int, lrD float64, seed int64) (*AdversarialLoss, error) {
	switch strings.ToUpper(ganType) {
	case GANTypeWGANGP, GANTypeGAN:
	default:
		return nil, fmt.Errorf("unknown gan type %q", ganType)
	}
	if cropSize < 1 {
		return nil, fmt.Errorf("crop size must be positive, got %d", cropSize)
	}
	return &AdversarialLoss{
		ganType:  strings.ToUpper(ganType),
		cropSize: cropSize,
		k:        1,
		gpWeight: 10,
		lrD:      lrD,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

func (a *AdversarialLoss) Name() string { return "adv_loss" }

// DLoss returns the critic loss of the last Forward.
func (a *AdversarialLoss) DLoss() float64 { return a.dLoss }

// GANType returns WGAN_GP or GAN.
func (a *AdversarialLoss) GANType() string { return a.ganType }

func (a *AdversarialLoss) ensure(c, h, w int) error {
	if a.weight != nil {
		if c != a.c || h < a.crop || w < a.crop {
			return fmt.Errorf("adversarial: batch of %dx%dx%d does not fit a %d-channel %d crop", c, h, w, a.c, a.crop)
		}
		return nil
	}
	a.c = c
	a.crop = min(a.cropSize, h, w)
	n := c * a.crop * a.crop
	a.weight = &layers.Param{Name: "critic.weight", Value: tensorutil.Zeros(n), Grad: tensorutil.Zeros(n)}
	a.bias = &layers.Param{Name: "critic.bias", Value: tensorutil.Zeros(1), Grad: tensorutil.Zeros(1)}
	wv := tensorutil.Float32s(a.weight.Value)
	std := 1 / math.Sqrt(float64(n))
	for i := range wv {
		wv[i] = float32(a.rng.NormFloat64() * std)
	}
	cfg := optimizer.DefaultAdamConfig()
	cfg.LearningRate = a.lrD
	a.opt = optimizer.NewAdamOptimizer([]*layers.Param{a.weight, a.bias}, cfg)
	return nil
}

func (a *AdversarialLoss) sampleOffsets(n, h, w int) [][2]int {
	off := make([][2]int, n)
	for i := range off {
		off[i] = [2]int{a.rng.Intn(h - a.crop + 1), a.rng.Intn(w - a.crop + 1)}
	}
	return off
}

// patch copies the crop of sample i at off into dst.
func (a *AdversarialLoss) patch(data []float32, h, w, i int, off [2]int, dst []float32) {
	k := 0
	for ch := 0; ch < a.c; ch++ {
		base := (i*a.c + ch) * h * w
		for y := 0; y < a.crop; y++ {
			row := base + (off[0]+y)*w + off[1]
			k += copy(dst[k:k+a.crop], data[row:row+a.crop])
		}
	}
}

func (a *AdversarialLoss) score(x []float32) float64 {
	w := tensorutil.Float32s(a.weight.Value)
	s := float64(tensorutil.Float32s(a.bias.Value)[0])
	for i, v := range x {
		s += float64(w[i]) * float64(v)
	}
	return s
}

func (a *AdversarialLoss) Forward(predicted, target *tensor.Dense) (float64, error) {
	if err := tensorutil.CheckSameShape(predicted, target); err != nil {
		return 0, fmt.Errorf("adversarial: %w", err)
	}
	shape := predicted.Shape()
	if len(shape) != 4 {
		return 0, fmt.Errorf("adversarial: expected NCHW, got %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if err := a.ensure(c, h, w); err != nil {
		return 0, err
	}
	fake, truth := tensorutil.Float32s(predicted), tensorutil.Float32s(target)
	xf := make([]float32, c*a.crop*a.crop)
	xr := make([]float32, len(xf))

	for step := 0; step < a.k; step++ {
		a.opt.ZeroGrad()
		gw := tensorutil.Float32s(a.weight.Grad)
		gb := tensorutil.Float32s(a.bias.Grad)
		var loss float64
		for i, off := range a.sampleOffsets(n, h, w) {
			a.patch(fake, h, w, i, off, xf)
			a.patch(truth, h, w, i, off, xr)
			sf, sr := a.score(xf), a.score(xr)
			var cf, cr float64
			if a.ganType == GANTypeWGANGP {
				loss += sf - sr
				cf, cr = 1, -1
			} else {
				loss += softplus(-sr) + softplus(sf)
				cf, cr = sigmoid(sf), sigmoid(sr)-1
				gb[0] += float32((cf + cr) / float64(n))
			}
			for j := range gw {
				gw[j] += float32((cf*float64(xf[j]) + cr*float64(xr[j])) / float64(n))
			}
		}
		loss /= float64(n)
		if a.ganType == GANTypeWGANGP {
			// the critic is linear, so its input gradient is w everywhere and
			// the penalty reduces to (||w|| - 1)^2
			norm := vecNorm(tensorutil.Float32s(a.weight.Value))
			loss += a.gpWeight * (norm - 1) * (norm - 1)
			if norm > 0 {
				scale := a.gpWeight * 2 * (norm - 1) / norm
				for j, v := range tensorutil.Float32s(a.weight.Value) {
					gw[j] += float32(scale * float64(v))
				}
			}
		}
		if err := a.opt.Step(); err != nil {
			return 0, fmt.Errorf("critic step: %w", err)
		}
		a.dLoss = loss
	}

	a.offsets = a.sampleOffsets(n, h, w)
	a.coef = make([]float32, n)
	var g float64
	for i, off := range a.offsets {
		a.patch(fake, h, w, i, off, xf)
		sf := a.score(xf)
		if a.ganType == GANTypeWGANGP {
			g -= sf
			a.coef[i] = float32(-1 / float64(n))
		} else {
			g += softplus(-sf)
			a.coef[i] = float32((sigmoid(sf) - 1) / float64(n))
		}
	}
	return g / float64(n), nil
}

// Backward scatters coef*w into each sample's crop.
func (a *AdversarialLoss) Backward(predicted, target *tensor.Dense) (*tensor.Dense, error) {
	shape := predicted.Shape()
	if a.weight == nil || len(shape) != 4 || len(a.offsets) != shape[0] {
		return nil, fmt.Errorf("adversarial: Backward without a matching Forward")
	}
	h, w := shape[2], shape[3]
	grad := tensorutil.Like(predicted)
	g := tensorutil.Float32s(grad)
	wv := tensorutil.Float32s(a.weight.Value)
	for i, off := range a.offsets {
		k := 0
		for ch := 0; ch < a.c; ch++ {
			base := (i*a.c + ch) * h * w
			for y := 0; y < a.crop; y++ {
				row := base + (off[0]+y)*w + off[1]
				for x := 0; x < a.crop; x++ {
					g[row+x] += a.coef[i] * wv[k]
					k++
				}
			}
		}
	}
	return grad, nil
}

func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func vecNorm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
