package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Implementations are pure: the learning rate depends only on the epoch.
type LRScheduler interface {
	// GetLR returns the learning rate for an epoch
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 550
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.3
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule. Past TMax
// the curve keeps going and rises again, with period 2*TMax.
type CosineAnnealingLRScheduler struct {
	TMax   int     // Half period in epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 500
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewLRScheduler resolves --lr_scheduler.
func NewLRScheduler(name string, tMax int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "cosine":
		return NewCosineAnnealingLRScheduler(tMax, 0), nil
	case "step":
		return NewStepLRScheduler(550, 0.3), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown lr scheduler %q", name)
	}
}

// EpochScheduler drives an optimizer's learning rate from an LRScheduler.
// Step is called once at the start of every epoch: a fresh scheduler sits at
// epoch 0 with the base rate, and the first Step moves it to epoch 1.
type EpochScheduler struct {
	policy    LRScheduler
	opt       optimizer.Optimizer
	baseLR    float64
	lastEpoch int
}

// NewEpochScheduler takes the optimizer's current rate as the base rate.
func NewEpochScheduler(policy LRScheduler, opt optimizer.Optimizer) *EpochScheduler {
	return &EpochScheduler{
		policy: policy,
		opt:    opt,
		baseLR: opt.GetLearningRate(),
	}
}

// Step advances one epoch and updates the optimizer.
func (s *EpochScheduler) Step() {
	s.lastEpoch++
	s.opt.UpdateLearningRate(s.policy.GetLR(s.lastEpoch, s.baseLR))
}

// GetLR returns the rate for the current epoch.
func (s *EpochScheduler) GetLR() float64 {
	return s.policy.GetLR(s.lastEpoch, s.baseLR)
}

// LastEpoch returns the number of Step calls, including restored ones.
func (s *EpochScheduler) LastEpoch() int {
	return s.lastEpoch
}

func (s *EpochScheduler) GetName() string {
	return s.policy.GetName()
}

// StateDict records the policy and its position.
func (s *EpochScheduler) StateDict() *checkpoints.StateDict {
	sd := checkpoints.NewStateDict()
	sd.SetText("type", s.policy.GetName())
	sd.SetScalar("base_lr", s.baseLR)
	sd.SetScalar("last_epoch", float64(s.lastEpoch))
	sd.SetScalar("last_lr", s.GetLR())
	switch p := s.policy.(type) {
	case *CosineAnnealingLRScheduler:
		sd.SetScalar("T_max", float64(p.TMax))
		sd.SetScalar("eta_min", p.EtaMin)
	case *StepLRScheduler:
		sd.SetScalar("step_size", float64(p.StepSize))
		sd.SetScalar("gamma", p.Gamma)
	}
	return sd
}

// LoadStateDict restores the position and, for the matching policy type, its
// parameters. The optimizer is moved to the restored rate.
func (s *EpochScheduler) LoadStateDict(sd *checkpoints.StateDict, strict bool) error {
	typ, err := sd.Text("type")
	if err != nil {
		return err
	}
	if typ != s.policy.GetName() {
		return fmt.Errorf("%w: scheduler type %s, want %s", checkpoints.ErrKeyMismatch, typ, s.policy.GetName())
	}
	last, err := sd.Scalar("last_epoch")
	if err != nil {
		return err
	}
	if base, err := sd.Scalar("base_lr"); err == nil {
		s.baseLR = base
	} else if strict {
		return err
	}
	switch p := s.policy.(type) {
	case *CosineAnnealingLRScheduler:
		if v, err := sd.Scalar("T_max"); err == nil {
			p.TMax = int(v)
		}
		if v, err := sd.Scalar("eta_min"); err == nil {
			p.EtaMin = v
		}
	case *StepLRScheduler:
		if v, err := sd.Scalar("step_size"); err == nil {
			p.StepSize = int(v)
		}
		if v, err := sd.Scalar("gamma"); err == nil {
			p.Gamma = v
		}
	}
	s.lastEpoch = int(last)
	s.opt.UpdateLearningRate(s.GetLR())
	return nil
}
