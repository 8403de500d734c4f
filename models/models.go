// Package models is the network factory: a registry from --net_name to a
// constructor that builds a layers.Model.
package models

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/tsawler/go-denoise/layers"
)

// ErrUnknownNetwork is returned by Define for unregistered names.
var ErrUnknownNetwork = errors.New("unknown network")

// Options carries the network-related settings.
type Options struct {
	Name    string
	InputNC int
	// OutputNC must equal InputNC for the residual networks.
	OutputNC int
	Chans    int
	NLayers  int
	Seed     int64
	Workers  int
}

// Constructor builds a network from options.
type Constructor func(opts Options) (*layers.Model, error)

var (
	mu       sync.RWMutex
	registry = map[string]Constructor{}
)

// Register adds a constructor under a case-insensitive name. Registering the
// same name twice panics, as with database/sql drivers.
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	key := strings.ToUpper(name)
	if _, dup := registry[key]; dup {
		panic("models: Register called twice for " + key)
	}
	registry[key] = c
}

// Names lists the registered networks.
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

// Define builds the network named by opts.Name.
func Define(opts Options) (*layers.Model, error) {
	mu.RLock()
	c, ok := registry[strings.ToUpper(opts.Name)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownNetwork, opts.Name, strings.Join(Names(), ", "))
	}
	if opts.InputNC < 1 || opts.OutputNC < 1 {
		return nil, fmt.Errorf("network %s: channel counts must be positive, got %d -> %d", opts.Name, opts.InputNC, opts.OutputNC)
	}
	if opts.Chans < 1 {
		return nil, fmt.Errorf("network %s: chans must be positive, got %d", opts.Name, opts.Chans)
	}
	return c(opts)
}

func init() {
	Register("RESUNET", newResUNet)
	Register("DNCNN", newDnCNN)
	Register("CONV", newPlainConv)
}

func requireResidual(opts Options) error {
	if opts.InputNC != opts.OutputNC {
		return fmt.Errorf("network %s predicts a residual and needs input_nc == output_nc, got %d and %d",
			opts.Name, opts.InputNC, opts.OutputNC)
	}
	return nil
}

// resBlock is conv-lrelu-conv with an identity skip.
func resBlock(name string, chans int, rng *rand.Rand, workers int) layers.Layer {
	body := layers.NewSequential(name+".body",
		layers.NewConv2D(name+".conv1", chans, chans, 3, rng, workers),
		layers.NewLeakyReLU(name+".act", 0.2),
		layers.NewConv2D(name+".conv2", chans, chans, 3, rng, workers),
	)
	return layers.NewResidual(name, body, 1)
}

// newResUNet is a two-scale residual U-Net: residual blocks at full
// resolution around a half-resolution branch joined by an additive skip, and
// a global skip from input to output.
func newResUNet(opts Options) (*layers.Model, error) {
	if err := requireResidual(opts); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	depth := max(opts.NLayers/2, 1)
	c, w := opts.Chans, opts.Workers

	down := layers.NewSequential("down")
	for i := 0; i < depth; i++ {
		down.Add(resBlock(fmt.Sprintf("down.%d", i), c, rng, w))
	}

	body := layers.NewSequential("body",
		layers.NewConv2D("head", opts.InputNC, c, 3, rng, w),
		layers.NewLeakyReLU("head_act", 0.2),
		resBlock("enc", c, rng, w),
		layers.NewResidual("skip", layers.NewPyramid("pyramid", down), 1),
		resBlock("dec", c, rng, w),
		layers.NewConv2D("tail", c, opts.OutputNC, 3, rng, w),
	)
	return layers.NewModel("RESUNET", opts.InputNC, opts.OutputNC, layers.NewResidual("global", body, 1)), nil
}

// newDnCNN follows Zhang et al.: nlayers convolutions estimating the noise,
// which is subtracted from the input.
func newDnCNN(opts Options) (*layers.Model, error) {
	if err := requireResidual(opts); err != nil {
		return nil, err
	}
	if opts.NLayers < 2 {
		return nil, fmt.Errorf("network DNCNN needs at least 2 layers, got %d", opts.NLayers)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	c, w := opts.Chans, opts.Workers

	body := layers.NewSequential("body",
		layers.NewConv2D("layers.0", opts.InputNC, c, 3, rng, w),
		layers.NewReLU("layers.0.act"),
	)
	for i := 1; i < opts.NLayers-1; i++ {
		name := fmt.Sprintf("layers.%d", i)
		body.Add(layers.NewConv2D(name, c, c, 3, rng, w)).Add(layers.NewReLU(name + ".act"))
	}
	body.Add(layers.NewConv2D(fmt.Sprintf("layers.%d", opts.NLayers-1), c, opts.OutputNC, 3, rng, w))
	return layers.NewModel("DNCNN", opts.InputNC, opts.OutputNC, layers.NewResidual("noise", body, -1)), nil
}

// newPlainConv is a skip-free conv/ReLU stack, mostly useful as a baseline.
func newPlainConv(opts Options) (*layers.Model, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	n := max(opts.NLayers, 1)
	c, w := opts.Chans, opts.Workers
	seq := layers.NewSequential("")
	in := opts.InputNC
	for i := 0; i < n-1; i++ {
		name := fmt.Sprintf("conv.%d", i)
		seq.Add(layers.NewConv2D(name, in, c, 3, rng, w)).Add(layers.NewReLU(name + ".act"))
		in = c
	}
	seq.Add(layers.NewConv2D(fmt.Sprintf("conv.%d", n-1), in, opts.OutputNC, 3, rng, w))
	return layers.NewModel("CONV", opts.InputNC, opts.OutputNC, seq), nil
}
