package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/layers"
	"github.com/tsawler/go-denoise/tensorutil"
)

// AdamOptimizerState holds Adam (or AdamW) moments for a set of parameters
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64
	WeightDecay  float64
	Decoupled    bool // AdamW: decay the weights directly instead of through the gradient

	params   []*layers.Param
	momentum [][]float32 // First moment for each parameter
	variance [][]float32 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	Decoupled    bool
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(params []*layers.Param, config AdamConfig) *AdamOptimizerState {
	adam := &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		Decoupled:    config.Decoupled,
		params:       params,
		momentum:     make([][]float32, len(params)),
		variance:     make([][]float32, len(params)),
	}
	for i, p := range params {
		n := tensorutil.Numel(p.Value.Shape())
		adam.momentum[i] = make([]float32, n)
		adam.variance[i] = make([]float32, n)
	}
	return adam
}

func (adam *AdamOptimizerState) Type() string {
	if adam.Decoupled {
		return "AdamW"
	}
	return "Adam"
}

// Step applies one Adam update with bias correction.
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(adam.Beta1, t)
	bc2 := 1 - math.Pow(adam.Beta2, t)
	stepSize := float32(adam.LearningRate / bc1)
	sqrtBC2 := float32(math.Sqrt(bc2))
	b1, b2 := float32(adam.Beta1), float32(adam.Beta2)
	eps := float32(adam.Epsilon)
	wd := float32(adam.WeightDecay)
	decay := float32(1 - adam.LearningRate*adam.WeightDecay)

	for i, p := range adam.params {
		w := tensorutil.Float32s(p.Value)
		g := tensorutil.Float32s(p.Grad)
		if len(g) != len(w) {
			return fmt.Errorf("parameter %s: gradient has %d elements, weight %d", p.Name, len(g), len(w))
		}
		m, v := adam.momentum[i], adam.variance[i]
		for j := range w {
			grad := g[j]
			if adam.Decoupled {
				w[j] *= decay
			} else if wd != 0 {
				grad += wd * w[j]
			}
			m[j] = b1*m[j] + (1-b1)*grad
			v[j] = b2*v[j] + (1-b2)*grad*grad
			denom := float32(math.Sqrt(float64(v[j])))/sqrtBC2 + eps
			w[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

func (adam *AdamOptimizerState) ZeroGrad() { zeroGrads(adam.params) }

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(lr float64) {
	adam.LearningRate = lr
}

func (adam *AdamOptimizerState) GetLearningRate() float64 { return adam.LearningRate }

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// StateDict captures hyperparameters, step count and both moment buffers.
func (adam *AdamOptimizerState) StateDict() *checkpoints.StateDict {
	sd := checkpoints.NewStateDict()
	sd.SetText("type", adam.Type())
	sd.SetScalar("lr", adam.LearningRate)
	sd.SetScalar("beta1", adam.Beta1)
	sd.SetScalar("beta2", adam.Beta2)
	sd.SetScalar("eps", adam.Epsilon)
	sd.SetScalar("weight_decay", adam.WeightDecay)
	sd.SetScalar("step", float64(adam.StepCount))
	for i := range adam.params {
		extractBufferState(sd, i, "exp_avg", adam.momentum[i])
		extractBufferState(sd, i, "exp_avg_sq", adam.variance[i])
	}
	return sd
}

// LoadStateDict restores a state written by StateDict. Moment buffers that
// are absent keep their current values unless strict is set.
func (adam *AdamOptimizerState) LoadStateDict(sd *checkpoints.StateDict, strict bool) error {
	if err := validateStateType(adam.Type(), sd); err != nil {
		return err
	}
	if err := checkStateIndices(sd, len(adam.params)); err != nil {
		return err
	}
	momentum := make([][]float32, len(adam.params))
	variance := make([][]float32, len(adam.params))
	for i := range adam.params {
		var err error
		if momentum[i], err = restoreBufferState(sd, adam.params, i, "exp_avg"); err != nil {
			return err
		}
		if variance[i], err = restoreBufferState(sd, adam.params, i, "exp_avg_sq"); err != nil {
			return err
		}
		if strict && (momentum[i] == nil || variance[i] == nil) {
			return fmt.Errorf("%w: missing moments for parameter %d", checkpoints.ErrKeyMismatch, i)
		}
	}

	adam.LearningRate = extractScalarParam(sd, "lr", adam.LearningRate)
	adam.Beta1 = extractScalarParam(sd, "beta1", adam.Beta1)
	adam.Beta2 = extractScalarParam(sd, "beta2", adam.Beta2)
	adam.Epsilon = extractScalarParam(sd, "eps", adam.Epsilon)
	adam.WeightDecay = extractScalarParam(sd, "weight_decay", adam.WeightDecay)
	adam.StepCount = uint64(extractScalarParam(sd, "step", float64(adam.StepCount)))
	for i := range adam.params {
		if momentum[i] != nil {
			adam.momentum[i] = momentum[i]
		}
		if variance[i] != nil {
			adam.variance[i] = variance[i]
		}
	}
	return nil
}
