package optimizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/layers"
)

// ErrUnknownOptimizer is returned by New for names it does not recognise.
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Optimizer defines the common interface for all optimizers.
// State save/restore goes through checkpoints.Stateful so an optimizer can be
// written next to the network as optimizer_G_{tag}.pth.
type Optimizer interface {
	checkpoints.Stateful

	// Step performs a single optimization step using the accumulated
	// parameter gradients
	Step() error

	// ZeroGrad clears the gradients of every managed parameter
	ZeroGrad()

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// Type names the algorithm, e.g. "AdamW"
	Type() string
}

// Config holds the hyperparameters New understands.
type Config struct {
	Name         string
	LearningRate float64
	WeightDecay  float64
	Momentum     float64
}

// New builds an optimizer by name: adamw, adam or sgd.
func New(cfg Config, params []*layers.Param) (Optimizer, error) {
	switch strings.ToLower(cfg.Name) {
	case "adamw", "":
		c := DefaultAdamConfig()
		c.LearningRate = cfg.LearningRate
		c.WeightDecay = cfg.WeightDecay
		c.Decoupled = true
		return NewAdamOptimizer(params, c), nil
	case "adam":
		c := DefaultAdamConfig()
		c.LearningRate = cfg.LearningRate
		c.WeightDecay = cfg.WeightDecay
		return NewAdamOptimizer(params, c), nil
	case "sgd":
		c := DefaultSGDConfig()
		c.LearningRate = cfg.LearningRate
		c.WeightDecay = cfg.WeightDecay
		if cfg.Momentum != 0 {
			c.Momentum = cfg.Momentum
		}
		return NewSGDOptimizer(params, c), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, cfg.Name)
	}
}
