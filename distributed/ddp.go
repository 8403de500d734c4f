package distributed

import (
	"context"
	"fmt"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/layers"
	"github.com/tsawler/go-denoise/tensorutil"
)

// ModulePrefix is prepended to every state dict key of a wrapped network.
const ModulePrefix = "module."

// DistributedModel replicates a network across ranks. Parameters start from
// rank 0's values and gradients are averaged after every backward pass, so
// all replicas take identical optimizer steps.
type DistributedModel struct {
	module layers.Network
	group  ProcessGroup
	// ctx bounds the collectives issued from Backward.
	ctx context.Context
	buf []float32
}

// NewDistributedModel wraps net and broadcasts rank 0's parameters.
func NewDistributedModel(ctx context.Context, net layers.Network, group ProcessGroup) (*DistributedModel, error) {
	d := &DistributedModel{module: net, group: group, ctx: ctx}
	flat := d.flatten(func(p *layers.Param) *tensor.Dense { return p.Value })
	if err := group.Broadcast(ctx, flat); err != nil {
		return nil, fmt.Errorf("broadcast initial parameters: %w", err)
	}
	d.unflatten(flat, func(p *layers.Param) *tensor.Dense { return p.Value })
	return d, nil
}

// Unwrap returns the wrapped network.
func (d *DistributedModel) Unwrap() layers.Network {
	return d.module
}

func (d *DistributedModel) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	return d.module.Forward(x)
}

// Backward runs the local backward pass and all-reduces the gradients.
func (d *DistributedModel) Backward(grad *tensor.Dense) error {
	if err := d.module.Backward(grad); err != nil {
		return err
	}
	flat := d.flatten(func(p *layers.Param) *tensor.Dense { return p.Grad })
	if err := d.group.AllReduceMean(d.ctx, flat); err != nil {
		return fmt.Errorf("gradient all-reduce: %w", err)
	}
	d.unflatten(flat, func(p *layers.Param) *tensor.Dense { return p.Grad })
	return nil
}

func (d *DistributedModel) Parameters() []*layers.Param { return d.module.Parameters() }
func (d *DistributedModel) ZeroGrad()                   { d.module.ZeroGrad() }
func (d *DistributedModel) SetTraining(training bool)   { d.module.SetTraining(training) }
func (d *DistributedModel) Training() bool              { return d.module.Training() }

// StateDict returns the wrapped network's entries under "module.".
func (d *DistributedModel) StateDict() *checkpoints.StateDict {
	return d.module.StateDict().AddPrefix(ModulePrefix)
}

// LoadStateDict accepts keys with or without the "module." prefix.
func (d *DistributedModel) LoadStateDict(sd *checkpoints.StateDict, strict bool) error {
	return d.module.LoadStateDict(sd.StripPrefix(ModulePrefix), strict)
}

func (d *DistributedModel) flatten(field func(*layers.Param) *tensor.Dense) []float32 {
	d.buf = d.buf[:0]
	for _, p := range d.module.Parameters() {
		d.buf = append(d.buf, tensorutil.Float32s(field(p))...)
	}
	return d.buf
}

func (d *DistributedModel) unflatten(flat []float32, field func(*layers.Param) *tensor.Dense) {
	off := 0
	for _, p := range d.module.Parameters() {
		dst := tensorutil.Float32s(field(p))
		copy(dst, flat[off:off+len(dst)])
		off += len(dst)
	}
}

// Unwrap returns the network inside a DistributedModel, or net itself.
func Unwrap(net layers.Network) layers.Network {
	if d, ok := net.(*DistributedModel); ok {
		return d.module
	}
	return net
}
