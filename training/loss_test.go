package training

import (
	"math"
	"testing"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
)

type lossPair struct {
	pred, target *tensor.Dense
}

func TestMSELoss(t *testing.T) {
	t.Run("Basic MSE computation", func(t *testing.T) {
		predicted := tensorutil.New([]int{2, 2}, []float32{1.0, 2.0, 3.0, 4.0})
		target := tensorutil.New([]int{2, 2}, []float32{1.5, 2.5, 2.5, 3.5})

		loss, err := NewMSELoss().Forward(predicted, target)
		if err != nil {
			t.Fatalf("MSE forward failed: %v", err)
		}
		// ((0.5)^2 * 4) / 4
		if math.Abs(loss-0.25) > 1e-6 {
			t.Errorf("Expected loss 0.25, got %.6f", loss)
		}
	})

	t.Run("MSE backward pass", func(t *testing.T) {
		predicted := tensorutil.New([]int{1, 2}, []float32{1.0, 2.0})
		target := tensorutil.New([]int{1, 2}, []float32{1.5, 1.5})

		grad, err := NewMSELoss().Backward(predicted, target)
		if err != nil {
			t.Fatalf("MSE backward failed: %v", err)
		}
		// 2 * (p - t) / N
		expected := []float32{-0.5, 0.5}
		for i, g := range tensorutil.Float32s(grad) {
			if math.Abs(float64(g-expected[i])) > 1e-6 {
				t.Errorf("grad[%d]: expected %.6f, got %.6f", i, expected[i], g)
			}
		}
	})

	t.Run("Identical tensors", func(t *testing.T) {
		x := tensorutil.New([]int{1, 1, 2, 2}, []float32{0.1, 0.2, 0.3, 0.4})
		loss, err := NewMSELoss().Forward(x, tensorutil.Clone(x))
		if err != nil {
			t.Fatalf("MSE forward failed: %v", err)
		}
		if loss != 0 {
			t.Errorf("Expected zero loss, got %g", loss)
		}
	})

	t.Run("Shape mismatch", func(t *testing.T) {
		_, err := NewMSELoss().Forward(tensorutil.Zeros(2, 2), tensorutil.Zeros(4))
		if err == nil {
			t.Error("Expected an error for mismatched shapes")
		}
	})
}

func TestL1Loss(t *testing.T) {
	predicted := tensorutil.New([]int{4}, []float32{1, 2, 3, 4})
	target := tensorutil.New([]int{4}, []float32{2, 2, 1, 5})

	loss, err := NewL1Loss().Forward(predicted, target)
	if err != nil {
		t.Fatalf("L1 forward failed: %v", err)
	}
	// (1 + 0 + 2 + 1) / 4
	if math.Abs(loss-1.0) > 1e-6 {
		t.Errorf("Expected loss 1.0, got %.6f", loss)
	}

	grad, err := NewL1Loss().Backward(predicted, target)
	if err != nil {
		t.Fatalf("L1 backward failed: %v", err)
	}
	expected := []float32{-0.25, 0, 0.25, -0.25}
	for i, g := range tensorutil.Float32s(grad) {
		if g != expected[i] {
			t.Errorf("grad[%d]: expected %g, got %g", i, expected[i], g)
		}
	}
}

func TestLossComposer(t *testing.T) {
	t.Run("Weighted L1 only", func(t *testing.T) {
		predicted := tensorutil.New([]int{2}, []float32{0.5, 1.0})
		target := tensorutil.New([]int{2}, []float32{0.0, 0.5})
		c := NewLossComposer(Term{Loss: NewL1Loss(), Weight: 2})

		res, grad, err := c.Compute(predicted, target)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if math.Abs(res.Total-1.0) > 1e-6 {
			t.Errorf("Expected total 1.0, got %.6f", res.Total)
		}
		if len(res.Names) != 1 || res.Names[0] != "l1_loss" {
			t.Errorf("Expected only l1_loss, got %v", res.Names)
		}
		if res.HasAdv {
			t.Error("No adversarial term was added")
		}
		// 2 * sign / N
		for i, g := range tensorutil.Float32s(grad) {
			if math.Abs(float64(g-1.0)) > 1e-6 {
				t.Errorf("grad[%d]: expected 1.0, got %g", i, g)
			}
		}
	})

	t.Run("MSE only on a perfect output", func(t *testing.T) {
		x := tensorutil.New([]int{1, 1, 2, 2}, []float32{0, 0.25, 0.5, 1})
		c := NewLossComposer()
		c.Add(NewMSELoss(), 1)

		res, _, err := c.Compute(x, tensorutil.Clone(x))
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if res.Values["mse_loss"] != 0 || res.Total != 0 {
			t.Errorf("Expected mse 0 and total 0, got %g and %g", res.Values["mse_loss"], res.Total)
		}
	})

	t.Run("Terms keep their order", func(t *testing.T) {
		predicted := tensorutil.New([]int{2}, []float32{1, 1})
		target := tensorutil.New([]int{2}, []float32{0, 0})
		c := NewLossComposer()
		c.Add(NewMSELoss(), 0.5)
		c.Add(NewL1Loss(), 3)

		res, _, err := c.Compute(predicted, target)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if res.Names[0] != "mse_loss" || res.Names[1] != "l1_loss" {
			t.Errorf("Unexpected order %v", res.Names)
		}
		if math.Abs(res.Total-3.5) > 1e-6 {
			t.Errorf("Expected total 3.5, got %.6f", res.Total)
		}
	})

	t.Run("No terms", func(t *testing.T) {
		if _, _, err := NewLossComposer().Compute(tensorutil.Zeros(1), tensorutil.Zeros(1)); err == nil {
			t.Error("Expected an error without terms")
		}
	})
}

func phantomBatch(n, h, w int, offset float32) *lossPair {
	images := make([]float32, n*h*w)
	labels := make([]float32, n*h*w)
	for i := range images {
		labels[i] = float32(i%w) / float32(w)
		images[i] = labels[i] + offset
	}
	return &lossPair{
		pred:   tensorutil.New([]int{n, 1, h, w}, images),
		target: tensorutil.New([]int{n, 1, h, w}, labels),
	}
}

func TestAdversarialLoss(t *testing.T) {
	for _, ganType := range []string{GANTypeWGANGP, GANTypeGAN} {
		t.Run(ganType, func(t *testing.T) {
			adv, err := NewAdversarialLoss(ganType, 4, 1e-3, 1)
			if err != nil {
				t.Fatalf("NewAdversarialLoss failed: %v", err)
			}
			b := phantomBatch(3, 8, 6, 0.2)

			g, err := adv.Forward(b.pred, b.target)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if math.IsNaN(g) || math.IsInf(g, 0) {
				t.Fatalf("Generator loss is %g", g)
			}
			if d := adv.DLoss(); math.IsNaN(d) || math.IsInf(d, 0) {
				t.Fatalf("Critic loss is %g", d)
			}
			if ganType == GANTypeGAN && g < 0 {
				t.Errorf("Non-saturating GAN loss must be non-negative, got %g", g)
			}

			grad, err := adv.Backward(b.pred, b.target)
			if err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
			if !tensorutil.SameShape(grad, b.pred) {
				t.Fatalf("Gradient shape %v, want %v", grad.Shape(), b.pred.Shape())
			}
			// each sample has one 4x4 crop, so at most 16 non-zero entries
			for n := 0; n < 3; n++ {
				plane, _, _, _ := tensorutil.Plane(grad, n, 0)
				nonZero := 0
				for _, v := range plane {
					if v != 0 {
						nonZero++
					}
				}
				if nonZero > 16 {
					t.Errorf("sample %d: %d non-zero gradient entries outside a 4x4 crop", n, nonZero)
				}
			}
		})
	}
}

func TestAdversarialCropClampsToImage(t *testing.T) {
	adv, err := NewAdversarialLoss("wgan_gp", 40, 1e-4, 7)
	if err != nil {
		t.Fatalf("NewAdversarialLoss failed: %v", err)
	}
	b := phantomBatch(2, 10, 12, 0.1)
	if _, err := adv.Forward(b.pred, b.target); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if adv.crop != 10 {
		t.Errorf("Expected the crop to shrink to 10, got %d", adv.crop)
	}

	// a batch with more channels no longer fits the critic
	wide := tensorutil.Zeros(2, 2, 10, 12)
	if _, err := adv.Forward(wide, tensorutil.Zeros(2, 2, 10, 12)); err == nil {
		t.Error("Expected an error for a different channel count")
	}
}

func TestAdversarialErrors(t *testing.T) {
	if _, err := NewAdversarialLoss("LSGAN", 40, 1e-4, 0); err == nil {
		t.Error("Expected an error for an unknown gan type")
	}
	if _, err := NewAdversarialLoss("GAN", 0, 1e-4, 0); err == nil {
		t.Error("Expected an error for a zero crop")
	}
	adv, _ := NewAdversarialLoss("GAN", 4, 1e-4, 0)
	if _, err := adv.Backward(tensorutil.Zeros(1, 1, 4, 4), tensorutil.Zeros(1, 1, 4, 4)); err == nil {
		t.Error("Expected Backward before Forward to fail")
	}
}
