package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// SyntheticDataset generates phantom slices: a few overlapping ellipses as
// the clean target and a Rician-corrupted copy as the input. Every index is
// reproducible from the seed.
type SyntheticDataset struct {
	size  int
	count int
	sigma float64
	seed  int64
	train bool
	name  string

	mu      sync.Mutex
	augment bool
	rng     *rand.Rand
}

// syntheticTestCount is the size of SyntheticTestSet when no count is given.
const syntheticTestCount = 8

func syntheticSet(train bool) Constructor {
	return func(opts Options) (Dataset, error) {
		opts.Train = train
		if opts.SyntheticSize == 0 {
			opts.SyntheticSize = 48
		}
		if opts.SyntheticCount == 0 {
			opts.SyntheticCount = 64
			if !train {
				opts.SyntheticCount = syntheticTestCount
			}
		}
		if !train {
			// keep the test phantoms disjoint from the training ones
			opts.Seed += 1 << 32
		}
		return NewSyntheticDataset(opts)
	}
}

// NewSyntheticDataset creates a phantom dataset from the Synthetic* options.
func NewSyntheticDataset(opts Options) (*SyntheticDataset, error) {
	if opts.SyntheticSize < 8 {
		return nil, fmt.Errorf("synthetic size must be at least 8, got %d", opts.SyntheticSize)
	}
	if opts.SyntheticCount < 1 {
		return nil, fmt.Errorf("synthetic count must be positive, got %d", opts.SyntheticCount)
	}
	if opts.SyntheticSigma < 0 {
		return nil, fmt.Errorf("synthetic sigma must not be negative, got %g", opts.SyntheticSigma)
	}
	modal := opts.Modal
	if modal == "" {
		modal = "synthetic"
	}
	return &SyntheticDataset{
		size:  opts.SyntheticSize,
		count: opts.SyntheticCount,
		sigma: opts.SyntheticSigma,
		seed:  opts.Seed,
		train: opts.Train,
		name:  modal,
		rng:   rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

func (d *SyntheticDataset) Len() int { return d.count }

func (d *SyntheticDataset) SetAugmentation(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.augment = enabled && d.train
}

func (d *SyntheticDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= d.count {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, d.count)
	}
	clean, noisy := d.generate(index)
	d.mu.Lock()
	op := 0
	if d.augment {
		op = randomDihedral(d.rng, true)
	}
	d.mu.Unlock()
	return buildSample(fmt.Sprintf("%s_%05d", d.name, index), noisy, clean, d.size, d.size, op, 1), nil
}

func (d *SyntheticDataset) generate(index int) (clean, noisy []float32) {
	rng := rand.New(rand.NewSource(d.seed*1_000_003 + int64(index)))
	n := d.size
	clean = make([]float32, n*n)

	// head outline plus a handful of inner structures
	ellipses := 3 + rng.Intn(4)
	for e := 0; e <= ellipses; e++ {
		var cx, cy, a, b, intensity float64
		if e == 0 {
			cx, cy, a, b, intensity = 0.5, 0.5, 0.42+0.05*rng.Float64(), 0.35+0.05*rng.Float64(), 0.3
		} else {
			cx, cy = 0.3+0.4*rng.Float64(), 0.3+0.4*rng.Float64()
			a, b = 0.05+0.15*rng.Float64(), 0.05+0.15*rng.Float64()
			intensity = 0.1 + 0.5*rng.Float64()
		}
		theta := math.Pi * rng.Float64()
		cos, sin := math.Cos(theta), math.Sin(theta)
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				px := (float64(x)+0.5)/float64(n) - cx
				py := (float64(y)+0.5)/float64(n) - cy
				u := (px*cos + py*sin) / a
				v := (-px*sin + py*cos) / b
				if u*u+v*v <= 1 {
					clean[y*n+x] += float32(intensity)
				}
			}
		}
	}

	noisy = make([]float32, n*n)
	for i, c := range clean {
		if c > 1 {
			c = 1
			clean[i] = 1
		}
		re := float64(c) + d.sigma*rng.NormFloat64()
		im := d.sigma * rng.NormFloat64()
		noisy[i] = float32(math.Sqrt(re*re + im*im))
	}
	return clean, noisy
}
