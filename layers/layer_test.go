package layers

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/tensorutil"
)

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Dense {
	t := tensorutil.Zeros(shape...)
	for i, data := 0, tensorutil.Float32s(t); i < len(data); i++ {
		data[i] = rng.Float32()*2 - 1
	}
	return t
}

// dot is the scalar loss sum(out * r); its gradient with respect to out is r.
func dot(a, b *tensor.Dense) float64 {
	var s float64
	bd := tensorutil.Float32s(b)
	for i, v := range tensorutil.Float32s(a) {
		s += float64(v) * float64(bd[i])
	}
	return s
}

// checkGradients compares analytic gradients of sum(layer(x)*r) against
// central differences for a few input and parameter coordinates. The layers
// exercised here are linear, so the differences are exact up to rounding.
func checkGradients(t *testing.T, l Layer, x *tensor.Dense, rng *rand.Rand) {
	t.Helper()
	l.SetTraining(true)
	out, err := l.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	r := randomTensor(rng, out.Shape()...)
	for _, p := range l.Parameters() {
		p.ZeroGrad()
	}
	gradIn, err := l.Backward(r)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	loss := func() float64 {
		l.SetTraining(false)
		defer l.SetTraining(true)
		y, err := l.Forward(x)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		return dot(y, r)
	}

	const eps = 1e-2
	probe := func(what string, data []float32, analytic []float32) {
		for _, i := range []int{0, len(data) / 2, len(data) - 1} {
			orig := data[i]
			data[i] = orig + eps
			up := loss()
			data[i] = orig - eps
			down := loss()
			data[i] = orig
			numeric := (up - down) / (2 * eps)
			if math.Abs(numeric-float64(analytic[i])) > 1e-2*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %.5f, numeric %.5f", what, i, analytic[i], numeric)
			}
		}
	}

	probe("input", tensorutil.Float32s(x), tensorutil.Float32s(gradIn))
	for _, p := range l.Parameters() {
		probe(p.Name, tensorutil.Float32s(p.Value), tensorutil.Float32s(p.Grad))
	}
}

func TestConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	conv := NewConv2D("conv", 2, 3, 3, rng, 4)
	checkGradients(t, conv, randomTensor(rng, 2, 2, 5, 4), rng)
}

func TestConv2DIdentityKernel(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	conv := NewConv2D("conv", 1, 1, 3, rng, 1)
	w := tensorutil.Float32s(conv.Weight.Value)
	for i := range w {
		w[i] = 0
	}
	w[4] = 1 // centre tap
	tensorutil.Float32s(conv.Bias.Value)[0] = 0.5

	x := randomTensor(rng, 1, 1, 3, 3)
	y, err := conv.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range tensorutil.Float32s(y) {
		if want := tensorutil.Float32s(x)[i] + 0.5; v != want {
			t.Errorf("y[%d] = %v, want %v", i, v, want)
		}
	}
}

func TestConv2DRejectsWrongChannels(t *testing.T) {
	conv := NewConv2D("conv", 2, 1, 3, rand.New(rand.NewSource(3)), 1)
	if _, err := conv.Forward(tensorutil.Zeros(1, 3, 4, 4)); err == nil {
		t.Fatal("expected channel mismatch error")
	}
}

func TestPyramidGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	inner := NewConv2D("pyr.conv", 2, 2, 3, rng, 2)
	// odd sizes exercise the partial border cells
	checkGradients(t, NewPyramid("pyr", inner), randomTensor(rng, 1, 2, 5, 7), rng)
}

func TestResidualGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	body := NewSequential("body",
		NewConv2D("body.0", 1, 4, 3, rng, 1),
		NewConv2D("body.1", 4, 1, 3, rng, 1),
	)
	checkGradients(t, NewResidual("res", body, -1), randomTensor(rng, 2, 1, 4, 4), rng)
}

func TestLeakyReLU(t *testing.T) {
	l := NewLeakyReLU("act", 0.2)
	l.SetTraining(true)
	x := tensorutil.New([]int{1, 1, 1, 4}, []float32{-1, -0.5, 0.5, 2})
	y, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{-0.2, -0.1, 0.5, 2}
	for i, v := range tensorutil.Float32s(y) {
		if math.Abs(float64(v-want[i])) > 1e-6 {
			t.Errorf("y[%d] = %v, want %v", i, v, want[i])
		}
	}

	g, err := l.Backward(tensorutil.New([]int{1, 1, 1, 4}, []float32{1, 1, 1, 1}))
	if err != nil {
		t.Fatal(err)
	}
	wantGrad := []float32{0.2, 0.2, 1, 1}
	for i, v := range tensorutil.Float32s(g) {
		if math.Abs(float64(v-wantGrad[i])) > 1e-6 {
			t.Errorf("grad[%d] = %v, want %v", i, v, wantGrad[i])
		}
	}

	if NewReLU("relu").Type() != ReLU {
		t.Error("zero slope should report ReLU")
	}
}

func TestBackwardWithoutTrainingForward(t *testing.T) {
	conv := NewConv2D("conv", 1, 1, 3, rand.New(rand.NewSource(6)), 1)
	conv.SetTraining(false)
	if _, err := conv.Forward(tensorutil.Zeros(1, 1, 3, 3)); err != nil {
		t.Fatal(err)
	}
	_, err := conv.Backward(tensorutil.Zeros(1, 1, 3, 3))
	if !errors.Is(err, ErrNotTraining) {
		t.Fatalf("expected ErrNotTraining, got %v", err)
	}
}

func TestModelStateDict(t *testing.T) {
	build := func(seed int64) *Model {
		rng := rand.New(rand.NewSource(seed))
		return NewModel("net", 1, 1, NewSequential("",
			NewConv2D("head", 1, 2, 3, rng, 1),
			NewReLU("head_act"),
			NewConv2D("tail", 2, 1, 3, rng, 1),
		))
	}
	src, dst := build(7), build(8)

	if err := dst.LoadStateDict(src.StateDict(), true); err != nil {
		t.Fatalf("strict load failed: %v", err)
	}
	for i, p := range dst.Parameters() {
		a := tensorutil.Float32s(p.Value)
		b := tensorutil.Float32s(src.Parameters()[i].Value)
		for j := range a {
			if a[j] != b[j] {
				t.Fatalf("%s[%d] = %v, want %v", p.Name, j, a[j], b[j])
			}
		}
	}

	extra := src.StateDict()
	extra.SetFloats("stray", []float32{1})
	if err := dst.LoadStateDict(extra, true); !errors.Is(err, checkpoints.ErrKeyMismatch) {
		t.Errorf("strict load with extra key: got %v, want ErrKeyMismatch", err)
	}
	if err := dst.LoadStateDict(extra, false); err != nil {
		t.Errorf("non-strict load with extra key failed: %v", err)
	}

	if got := dst.NumParams(); got != 2*9+2+2*9+1 {
		t.Errorf("NumParams() = %d", got)
	}
	if got := CountParams(dst); got != dst.NumParams() {
		t.Errorf("CountParams() = %d, want %d", got, dst.NumParams())
	}
	summary := dst.Summary()
	for _, p := range dst.Parameters() {
		if !strings.Contains(summary, p.Name) {
			t.Errorf("summary is missing %s:\n%s", p.Name, summary)
		}
	}
	if !strings.Contains(summary, fmt.Sprintf("total parameters: %d", dst.NumParams())) {
		t.Errorf("summary is missing the total:\n%s", summary)
	}
}
