package optimizer

import (
	"fmt"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/layers"
	"github.com/tsawler/go-denoise/tensorutil"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum
type SGDOptimizerState struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64

	params []*layers.Param
	// Momentum buffers, allocated on the first step like PyTorch does
	momentumBuffers [][]float32

	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
		WeightDecay:  0.0,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(params []*layers.Param, config SGDConfig) *SGDOptimizerState {
	return &SGDOptimizerState{
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		params:          params,
		momentumBuffers: make([][]float32, len(params)),
	}
}

func (sgd *SGDOptimizerState) Type() string { return "SGD" }

func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++
	lr := float32(sgd.LearningRate)
	mu := float32(sgd.Momentum)
	wd := float32(sgd.WeightDecay)
	for i, p := range sgd.params {
		w := tensorutil.Float32s(p.Value)
		g := tensorutil.Float32s(p.Grad)
		if len(g) != len(w) {
			return fmt.Errorf("parameter %s: gradient has %d elements, weight %d", p.Name, len(g), len(w))
		}
		if mu != 0 && sgd.momentumBuffers[i] == nil {
			buf := make([]float32, len(w))
			for j := range w {
				buf[j] = g[j] + wd*w[j]
			}
			sgd.momentumBuffers[i] = buf
			for j := range w {
				w[j] -= lr * buf[j]
			}
			continue
		}
		buf := sgd.momentumBuffers[i]
		for j := range w {
			d := g[j] + wd*w[j]
			if buf != nil {
				buf[j] = mu*buf[j] + d
				d = buf[j]
			}
			w[j] -= lr * d
		}
	}
	return nil
}

func (sgd *SGDOptimizerState) ZeroGrad() { zeroGrads(sgd.params) }

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float64) {
	sgd.LearningRate = lr
}

func (sgd *SGDOptimizerState) GetLearningRate() float64 { return sgd.LearningRate }

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

func (sgd *SGDOptimizerState) StateDict() *checkpoints.StateDict {
	sd := checkpoints.NewStateDict()
	sd.SetText("type", sgd.Type())
	sd.SetScalar("lr", sgd.LearningRate)
	sd.SetScalar("momentum", sgd.Momentum)
	sd.SetScalar("weight_decay", sgd.WeightDecay)
	sd.SetScalar("step", float64(sgd.StepCount))
	for i, buf := range sgd.momentumBuffers {
		extractBufferState(sd, i, "momentum_buffer", buf)
	}
	return sd
}

func (sgd *SGDOptimizerState) LoadStateDict(sd *checkpoints.StateDict, strict bool) error {
	if err := validateStateType(sgd.Type(), sd); err != nil {
		return err
	}
	if err := checkStateIndices(sd, len(sgd.params)); err != nil {
		return err
	}
	buffers := make([][]float32, len(sgd.params))
	for i := range sgd.params {
		var err error
		if buffers[i], err = restoreBufferState(sd, sgd.params, i, "momentum_buffer"); err != nil {
			return err
		}
	}
	sgd.LearningRate = extractScalarParam(sd, "lr", sgd.LearningRate)
	sgd.Momentum = extractScalarParam(sd, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractScalarParam(sd, "weight_decay", sgd.WeightDecay)
	sgd.StepCount = uint64(extractScalarParam(sd, "step", float64(sgd.StepCount)))
	for i, buf := range buffers {
		if buf != nil {
			sgd.momentumBuffers[i] = buf
		}
	}
	return nil
}
