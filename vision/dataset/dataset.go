// Package dataset provides the paired noisy/clean MRI datasets and the
// name registry the trainer resolves --trainset and --testset through.
package dataset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/vision/preprocessing"
)

// ErrUnknownDataset is returned for names that were never registered.
var ErrUnknownDataset = errors.New("unknown dataset")

// Tensor keys every dataset fills in.
const (
	KeyImages = "images"
	KeyLabels = "labels"
)

// ModalAll selects T1, T2 and FLAIR together.
const ModalAll = "ALL"

// Modalities are the contrasts expanded by ModalAll, in order.
var Modalities = []string{"T1", "T2", "FLAIR"}

// Sample is one training or test pair. Tensors are [C,H,W]. Name and
// PadNums are metadata that never reach the network.
type Sample struct {
	Tensors map[string]*tensor.Dense
	Name    string
	// PadNums holds the zero padding added at the bottom and right.
	PadNums []int
}

// Dataset is a random-access collection of samples. Get must be safe for
// concurrent use.
type Dataset interface {
	Len() int
	Get(index int) (*Sample, error)
}

// Augmentable datasets apply random flips and rotations while enabled.
type Augmentable interface {
	SetAugmentation(enabled bool)
}

// Options configure a dataset constructor.
type Options struct {
	Root  string
	Modal string
	// Train enables augmentation support; test sets ignore SetAugmentation.
	Train       bool
	Seed        int64
	PadMultiple int
	Processor   *preprocessing.ImageProcessor

	SyntheticSize  int
	SyntheticCount int
	SyntheticSigma float64
}

// Constructor builds a dataset for a single modality.
type Constructor func(opts Options) (Dataset, error)

var (
	mu       sync.RWMutex
	registry = map[string]Constructor{}
)

// Register adds a constructor. Names are matched case-sensitively, as the
// command line spells them (TrainSet, FastMRITestSet, ...).
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[name]; dup {
		panic("dataset: Register called twice for " + name)
	}
	registry[name] = c
}

// Names lists the registered datasets.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the constructor registered under name.
func Lookup(name string) (Constructor, error) {
	mu.RLock()
	c, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownDataset, name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// Build resolves name and constructs it. With Modal set to ALL it builds one
// dataset per modality and concatenates them.
func Build(name string, opts Options) (Dataset, error) {
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(opts.Modal, ModalAll) {
		return c(opts)
	}
	parts := make([]Dataset, 0, len(Modalities))
	for i, m := range Modalities {
		o := opts
		o.Modal = m
		o.Seed = opts.Seed + int64(i)
		ds, err := c(o)
		if err != nil {
			return nil, fmt.Errorf("modal %s: %w", m, err)
		}
		parts = append(parts, ds)
	}
	return NewConcatDataset(parts...), nil
}

func init() {
	Register("TrainSet", m4rawSet(true))
	Register("TestSet", m4rawSet(false))
	Register("FastMRITrainSet", fastMRISet(true))
	Register("FastMRITestSet", fastMRISet(false))
	Register("SyntheticTrainSet", syntheticSet(true))
	Register("SyntheticTestSet", syntheticSet(false))
}
