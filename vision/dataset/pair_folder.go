package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
	"github.com/tsawler/go-denoise/vision/preprocessing"
)

// PairFolderDataset pairs files of the same name in an input and a target
// directory under {root}/{modal}/.
type PairFolderDataset struct {
	inputPaths  []string
	targetPaths []string
	names       []string

	processor   *preprocessing.ImageProcessor
	padMultiple int
	train       bool

	mu      sync.Mutex
	augment bool
	rng     *rand.Rand
}

// Layout names the sub-directories and file extensions of a pair folder.
type Layout struct {
	InputDir   string
	TargetDir  string
	Extensions []string
}

var (
	// M4RawLayout is {modal}/noisy and {modal}/clean with PNG slices.
	M4RawLayout = Layout{InputDir: "noisy", TargetDir: "clean", Extensions: []string{".png"}}
	// FastMRILayout is {modal}/input and {modal}/target with .npy slices.
	FastMRILayout = Layout{InputDir: "input", TargetDir: "target", Extensions: []string{".npy"}}
)

func m4rawSet(train bool) Constructor {
	return func(opts Options) (Dataset, error) {
		opts.Train = train
		return NewPairFolderDataset(opts, M4RawLayout)
	}
}

func fastMRISet(train bool) Constructor {
	return func(opts Options) (Dataset, error) {
		opts.Train = train
		return NewPairFolderDataset(opts, FastMRILayout)
	}
}

// NewPairFolderDataset creates a dataset from a directory structure. Every
// input file needs a target of the same name; extra targets are ignored.
func NewPairFolderDataset(opts Options, layout Layout) (*PairFolderDataset, error) {
	dir := filepath.Join(opts.Root, opts.Modal)
	inputDir := filepath.Join(dir, layout.InputDir)
	targetDir := filepath.Join(dir, layout.TargetDir)

	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list inputs: %w", err)
	}

	processor := opts.Processor
	if processor == nil {
		processor = preprocessing.NewImageProcessor(nil)
	}
	dataset := &PairFolderDataset{
		processor:   processor,
		padMultiple: max(opts.PadMultiple, 1),
		train:       opts.Train,
		rng:         rand.New(rand.NewSource(opts.Seed)),
	}

	for _, e := range entries {
		if e.IsDir() || !hasExtension(e.Name(), layout.Extensions) {
			continue
		}
		target := filepath.Join(targetDir, e.Name())
		if _, err := os.Stat(target); err != nil {
			return nil, fmt.Errorf("input %s has no target: %w", e.Name(), err)
		}
		dataset.inputPaths = append(dataset.inputPaths, filepath.Join(inputDir, e.Name()))
		dataset.targetPaths = append(dataset.targetPaths, target)
		dataset.names = append(dataset.names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}

	if len(dataset.inputPaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", inputDir)
	}
	sortPairs(dataset)
	return dataset, nil
}

func hasExtension(name string, exts []string) bool {
	ext := filepath.Ext(name)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func sortPairs(d *PairFolderDataset) {
	idx := make([]int, len(d.names))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return d.names[idx[a]] < d.names[idx[b]] })
	in, tg, nm := make([]string, len(idx)), make([]string, len(idx)), make([]string, len(idx))
	for i, j := range idx {
		in[i], tg[i], nm[i] = d.inputPaths[j], d.targetPaths[j], d.names[j]
	}
	d.inputPaths, d.targetPaths, d.names = in, tg, nm
}

// Len returns the number of items in the dataset
func (d *PairFolderDataset) Len() int {
	return len(d.inputPaths)
}

// SetAugmentation turns random flips and rotations on or off. Test sets
// ignore it.
func (d *PairFolderDataset) SetAugmentation(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.augment = enabled && d.train
}

// Augmenting reports whether augmentation is currently applied.
func (d *PairFolderDataset) Augmenting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.augment
}

// Get returns the pair at index
func (d *PairFolderDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(d.inputPaths) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.inputPaths))
	}
	imgs, err := d.processor.PreprocessBatch([]string{d.inputPaths[index], d.targetPaths[index]}, 2)
	if err != nil {
		return nil, err
	}
	in, tg := imgs[0], imgs[1]
	if in.Width != tg.Width || in.Height != tg.Height {
		return nil, fmt.Errorf("%s: input is %dx%d, target %dx%d", d.names[index], in.Width, in.Height, tg.Width, tg.Height)
	}
	return d.makeSample(d.names[index], in.Data, tg.Data, in.Height, in.Width), nil
}

// makeSample copies the planes, applies augmentation and padding, and wraps
// the result as [1,H,W] tensors.
func (d *PairFolderDataset) makeSample(name string, input, target []float32, h, w int) *Sample {
	d.mu.Lock()
	op := 0
	if d.augment {
		op = randomDihedral(d.rng, h == w)
	}
	d.mu.Unlock()
	return buildSample(name, input, target, h, w, op, d.padMultiple)
}

func buildSample(name string, input, target []float32, h, w, op, padMultiple int) *Sample {
	in, oh, ow := dihedral(input, h, w, op)
	tg, _, _ := dihedral(target, h, w, op)
	in, ph, pw := padTo(in, oh, ow, padMultiple)
	tg, _, _ = padTo(tg, oh, ow, padMultiple)
	return &Sample{
		Tensors: map[string]*tensor.Dense{
			KeyImages: tensorutil.New([]int{1, ph, pw}, in),
			KeyLabels: tensorutil.New([]int{1, ph, pw}, tg),
		},
		Name:    name,
		PadNums: []int{ph - oh, pw - ow},
	}
}
