package training

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns the scalar loss, Backward its gradient with respect to
// predicted.
type Loss interface {
	Name() string
	Forward(predicted, target *tensor.Dense) (float64, error)
	Backward(predicted, target *tensor.Dense) (*tensor.Dense, error)
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct{}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

func (mse *MSELoss) Name() string { return "mse_loss" }

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Dense) (float64, error) {
	p, t, err := pair(predicted, target)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := range p {
		d := float64(p[i]) - float64(t[i])
		sum += d * d
	}
	return sum / float64(len(p)), nil
}

// Backward computes the gradient of MSE loss: 2 * (predicted - target) / N
func (mse *MSELoss) Backward(predicted, target *tensor.Dense) (*tensor.Dense, error) {
	p, t, err := pair(predicted, target)
	if err != nil {
		return nil, err
	}
	grad := tensorutil.Like(predicted)
	g := tensorutil.Float32s(grad)
	scale := 2 / float32(len(p))
	for i := range p {
		g[i] = scale * (p[i] - t[i])
	}
	return grad, nil
}

// L1Loss is the mean absolute error.
type L1Loss struct{}

func NewL1Loss() *L1Loss {
	return &L1Loss{}
}

func (l *L1Loss) Name() string { return "l1_loss" }

func (l *L1Loss) Forward(predicted, target *tensor.Dense) (float64, error) {
	p, t, err := pair(predicted, target)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := range p {
		sum += math.Abs(float64(p[i]) - float64(t[i]))
	}
	return sum / float64(len(p)), nil
}

// Backward uses sign(predicted - target) / N, with a zero subgradient where
// the two agree.
func (l *L1Loss) Backward(predicted, target *tensor.Dense) (*tensor.Dense, error) {
	p, t, err := pair(predicted, target)
	if err != nil {
		return nil, err
	}
	grad := tensorutil.Like(predicted)
	g := tensorutil.Float32s(grad)
	scale := 1 / float32(len(p))
	for i := range p {
		switch {
		case p[i] > t[i]:
			g[i] = scale
		case p[i] < t[i]:
			g[i] = -scale
		}
	}
	return grad, nil
}

func pair(predicted, target *tensor.Dense) ([]float32, []float32, error) {
	if err := tensorutil.CheckSameShape(predicted, target); err != nil {
		return nil, nil, fmt.Errorf("predicted and target: %w", err)
	}
	p := tensorutil.Float32s(predicted)
	if len(p) == 0 {
		return nil, nil, fmt.Errorf("empty tensors")
	}
	return p, tensorutil.Float32s(target), nil
}
