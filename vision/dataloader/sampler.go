package dataloader

import (
	"fmt"
	"math"
	"math/rand"
)

// Sampler decides the order in which dataset indices are visited.
type Sampler interface {
	// Indices returns the visiting order for an epoch.
	Indices(epoch int) []int
	// Len is the number of indices returned per epoch.
	Len() int
}

// SequentialSampler visits 0..n-1 in order.
type SequentialSampler struct {
	n int
}

func NewSequentialSampler(n int) *SequentialSampler {
	return &SequentialSampler{n: n}
}

func (s *SequentialSampler) Indices(int) []int {
	idx := make([]int, s.n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func (s *SequentialSampler) Len() int { return s.n }

// RandomSampler shuffles every epoch with a seed derived from the epoch.
type RandomSampler struct {
	n    int
	seed int64
}

func NewRandomSampler(n int, seed int64) *RandomSampler {
	return &RandomSampler{n: n, seed: seed}
}

func (s *RandomSampler) Indices(epoch int) []int {
	return rand.New(rand.NewSource(s.seed + int64(epoch))).Perm(s.n)
}

func (s *RandomSampler) Len() int { return s.n }

// DistIterSampler shards a dataset across ranks. Each epoch draws a
// permutation of ceil(n*ratio/world)*world positions from a generator seeded
// by the epoch, folds it back onto the dataset with a modulo and hands rank r
// every world-th position starting at r. Ratios above 1 enlarge the epoch so
// fewer restarts are needed for iteration-based training.
type DistIterSampler struct {
	n          int
	worldSize  int
	rank       int
	seed       int64
	numSamples int
	totalSize  int
}

// NewDistIterSampler creates a sampler for rank out of worldSize.
func NewDistIterSampler(n, worldSize, rank int, ratio float64, seed int64) (*DistIterSampler, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("world size must be positive, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", rank, worldSize)
	}
	if ratio <= 0 {
		return nil, fmt.Errorf("ratio must be positive, got %g", ratio)
	}
	numSamples := int(math.Ceil(float64(n) * ratio / float64(worldSize)))
	return &DistIterSampler{
		n:          n,
		worldSize:  worldSize,
		rank:       rank,
		seed:       seed,
		numSamples: numSamples,
		totalSize:  numSamples * worldSize,
	}, nil
}

func (s *DistIterSampler) Indices(epoch int) []int {
	if s.n == 0 {
		return nil
	}
	perm := rand.New(rand.NewSource(s.seed + int64(epoch))).Perm(s.totalSize)
	idx := make([]int, 0, s.numSamples)
	for i := s.rank; i < s.totalSize; i += s.worldSize {
		idx = append(idx, perm[i]%s.n)
	}
	return idx
}

func (s *DistIterSampler) Len() int { return s.numSamples }
