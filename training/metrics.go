package training

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// MetricType represents the image quality metrics reported by evaluation.
type MetricType int

const (
	PSNR MetricType = iota
	SSIM
	MAE
	RMSE
)

// String returns the string representation of a metric type
func (mt MetricType) String() string {
	switch mt {
	case PSNR:
		return "psnr"
	case SSIM:
		return "ssim"
	case MAE:
		return "mae"
	case RMSE:
		return "rmse"
	default:
		return fmt.Sprintf("metric(%d)", int(mt))
	}
}

// SSIM constants. The window is uniform and the variances use the sample
// (n-1) normalization.
const (
	ssimWindow = 7
	ssimK1     = 0.01
	ssimK2     = 0.03
)

// PeakSignalNoiseRatio returns 10*log10(dataRange^2 / mse). Identical images
// give +Inf.
func PeakSignalNoiseRatio(pred, target []float32, dataRange float64) (float64, error) {
	if len(pred) != len(target) || len(pred) == 0 {
		return 0, fmt.Errorf("psnr: size mismatch %d vs %d", len(pred), len(target))
	}
	var sum float64
	for i := range pred {
		d := float64(pred[i]) - float64(target[i])
		sum += d * d
	}
	mse := sum / float64(len(pred))
	if mse == 0 {
		return math.Inf(1), nil
	}
	return 10 * math.Log10(dataRange*dataRange/mse), nil
}

// StructuralSimilarity computes the mean SSIM of two h x w images. Local
// statistics come from a 7x7 mean filter with mirrored borders, and the mean
// skips a 3 pixel border.
func StructuralSimilarity(pred, target []float32, h, w int, dataRange float64) (float64, error) {
	if len(pred) != h*w || len(target) != h*w {
		return 0, fmt.Errorf("ssim: expected %dx%d images, got %d and %d values", h, w, len(pred), len(target))
	}
	if h < ssimWindow || w < ssimWindow {
		return 0, fmt.Errorf("ssim: image %dx%d is smaller than the %d pixel window", h, w, ssimWindow)
	}
	x := make([]float64, h*w)
	y := make([]float64, h*w)
	xx := make([]float64, h*w)
	yy := make([]float64, h*w)
	xy := make([]float64, h*w)
	for i := range x {
		x[i], y[i] = float64(pred[i]), float64(target[i])
		xx[i], yy[i], xy[i] = x[i]*x[i], y[i]*y[i], x[i]*y[i]
	}
	ux := uniformFilter(x, h, w, ssimWindow)
	uy := uniformFilter(y, h, w, ssimWindow)
	uxx := uniformFilter(xx, h, w, ssimWindow)
	uyy := uniformFilter(yy, h, w, ssimWindow)
	uxy := uniformFilter(xy, h, w, ssimWindow)

	np := float64(ssimWindow * ssimWindow)
	covNorm := np / (np - 1)
	c1 := (ssimK1 * dataRange) * (ssimK1 * dataRange)
	c2 := (ssimK2 * dataRange) * (ssimK2 * dataRange)

	pad := (ssimWindow - 1) / 2
	var sum float64
	var count int
	for r := pad; r < h-pad; r++ {
		for c := pad; c < w-pad; c++ {
			i := r*w + c
			vx := covNorm * (uxx[i] - ux[i]*ux[i])
			vy := covNorm * (uyy[i] - uy[i]*uy[i])
			vxy := covNorm * (uxy[i] - ux[i]*uy[i])
			a := (2*ux[i]*uy[i] + c1) * (2*vxy + c2)
			b := (ux[i]*ux[i] + uy[i]*uy[i] + c1) * (vx + vy + c2)
			sum += a / b
			count++
		}
	}
	return sum / float64(count), nil
}

// uniformFilter is a separable size x size mean filter. Borders mirror about
// the pixel edge (d c b a | a b c d).
func uniformFilter(src []float64, h, w, size int) []float64 {
	half := size / 2
	tmp := make([]float64, h*w)
	out := make([]float64, h*w)
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			var s float64
			for k := -half; k <= half; k++ {
				s += src[r*w+reflect(c+k, w)]
			}
			tmp[r*w+c] = s / float64(size)
		}
	}
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			var s float64
			for k := -half; k <= half; k++ {
				s += tmp[reflect(r+k, h)*w+c]
			}
			out[r*w+c] = s / float64(size)
		}
	}
	return out
}

func reflect(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}

// MeanStd returns the mean and population standard deviation of values.
func MeanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(values, nil)
}

// ImageMetrics accumulates per-image scores over an evaluation pass.
type ImageMetrics struct {
	PSNR []float64
	SSIM []float64
	MAE  []float64
	RMSE []float64
}

// Add scores one prediction against its label. Both are h x w planes with
// values in [0, 1].
func (m *ImageMetrics) Add(pred, target []float32, h, w int) (psnr, ssim float64, err error) {
	psnr, err = PeakSignalNoiseRatio(pred, target, 1)
	if err != nil {
		return 0, 0, err
	}
	ssim, err = StructuralSimilarity(pred, target, h, w, 1)
	if err != nil {
		return 0, 0, err
	}
	reg := CalculateRegressionMetrics(pred, target)
	m.PSNR = append(m.PSNR, psnr)
	m.SSIM = append(m.SSIM, ssim)
	m.MAE = append(m.MAE, reg.MAE)
	m.RMSE = append(m.RMSE, reg.RMSE)
	return psnr, ssim, nil
}

// Len returns the number of images scored.
func (m *ImageMetrics) Len() int { return len(m.PSNR) }

// Summary reduces the scores to their means and standard deviations.
func (m *ImageMetrics) Summary() EvalResult {
	var r EvalResult
	r.PSNR, r.PSNRStd = MeanStd(m.PSNR)
	r.SSIM, r.SSIMStd = MeanStd(m.SSIM)
	r.MAE, _ = MeanStd(m.MAE)
	r.RMSE, _ = MeanStd(m.RMSE)
	r.Count = m.Len()
	return r
}

// EvalResult is the outcome of one evaluation pass.
type EvalResult struct {
	PSNR, SSIM       float64
	PSNRStd, SSIMStd float64
	MAE, RMSE        float64
	Count            int
}

// Get returns the mean of a metric.
func (r EvalResult) Get(metric MetricType) float64 {
	switch metric {
	case PSNR:
		return r.PSNR
	case SSIM:
		return r.SSIM
	case MAE:
		return r.MAE
	case RMSE:
		return r.RMSE
	default:
		return math.NaN()
	}
}

// Fields renders the means as log fields with four decimals.
func (r EvalResult) Fields(metrics ...MetricType) []zap.Field {
	fields := make([]zap.Field, 0, len(metrics))
	for _, m := range metrics {
		fields = append(fields, zap.String(m.String(), fmt.Sprintf("%.4f", r.Get(m))))
	}
	return fields
}

// RegressionMetrics holds pixel-wise error metrics between two images.
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
}

// CalculateRegressionMetrics computes pixel error metrics. Mismatched or
// empty inputs give zero metrics.
func CalculateRegressionMetrics(pred, target []float32) *RegressionMetrics {
	if len(pred) != len(target) || len(pred) == 0 {
		return &RegressionMetrics{}
	}
	var sumAbs, sumSq float64
	for i := range pred {
		d := float64(pred[i]) - float64(target[i])
		sumAbs += math.Abs(d)
		sumSq += d * d
	}
	n := float64(len(pred))
	m := &RegressionMetrics{
		MAE: sumAbs / n,
		MSE: sumSq / n,
	}
	m.RMSE = math.Sqrt(m.MSE)
	return m
}
