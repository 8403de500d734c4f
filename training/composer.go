package training

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
)

// Term is one weighted loss.
type Term struct {
	Loss   Loss
	Weight float64
}

// LossComposer sums weighted losses in the order they were added.
type LossComposer struct {
	terms []Term
}

// NewLossComposer creates a composer over terms.
func NewLossComposer(terms ...Term) *LossComposer {
	return &LossComposer{terms: terms}
}

// Add appends a term.
func (c *LossComposer) Add(loss Loss, weight float64) {
	c.terms = append(c.terms, Term{Loss: loss, Weight: weight})
}

// Terms returns the composed terms.
func (c *LossComposer) Terms() []Term { return c.terms }

// Adversarial returns the adversarial term's loss, if one was added.
func (c *LossComposer) Adversarial() (*AdversarialLoss, bool) {
	for _, t := range c.terms {
		if a, ok := t.Loss.(*AdversarialLoss); ok {
			return a, true
		}
	}
	return nil, false
}

// LossResult holds the weighted terms of one step.
type LossResult struct {
	Names  []string
	Values map[string]float64 // weighted
	Total  float64
	DLoss  float64
	HasAdv bool
}

// Compute evaluates every term and returns the weighted values, their sum and
// the gradient of the sum with respect to predicted.
func (c *LossComposer) Compute(predicted, target *tensor.Dense) (*LossResult, *tensor.Dense, error) {
	if len(c.terms) == 0 {
		return nil, nil, fmt.Errorf("no loss terms enabled")
	}
	res := &LossResult{Values: make(map[string]float64, len(c.terms))}
	grad := tensorutil.Like(predicted)
	g := tensorutil.Float32s(grad)
	for _, t := range c.terms {
		v, err := t.Loss.Forward(predicted, target)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", t.Loss.Name(), err)
		}
		tg, err := t.Loss.Backward(predicted, target)
		if err != nil {
			return nil, nil, fmt.Errorf("%s backward: %w", t.Loss.Name(), err)
		}
		for i, x := range tensorutil.Float32s(tg) {
			g[i] += float32(t.Weight) * x
		}
		name := t.Loss.Name()
		res.Names = append(res.Names, name)
		res.Values[name] = v * t.Weight
		res.Total += v * t.Weight
		if a, ok := t.Loss.(*AdversarialLoss); ok {
			res.HasAdv = true
			res.DLoss = a.DLoss()
		}
	}
	return res, grad, nil
}
