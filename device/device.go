// Package device describes where computation runs. The networks in this
// module execute on the CPU; GPU ids are recorded for reporting and for
// mapping ranks the way the launcher expects.
package device

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// Device is the compute placement of one process.
type Device struct {
	// GPU is the first requested id, or -1 for CPU.
	GPU     int
	Workers int
}

// Select picks the device for a process from the parsed --gpu_ids list. With
// a distributed rank the GPU is chosen round-robin as rank % len(ids).
// workers <= 0 means Workers().
func Select(gpuIDs []int, rank, workers int) Device {
	d := Device{GPU: -1, Workers: workers}
	if len(gpuIDs) > 0 {
		d.GPU = gpuIDs[0]
		if rank > 0 {
			d.GPU = gpuIDs[rank%len(gpuIDs)]
		}
	}
	if d.Workers <= 0 {
		d.Workers = Workers()
	}
	return d
}

// Workers returns the number of physical cores, falling back to GOMAXPROCS
// when cpuid cannot tell.
func Workers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return min(n, runtime.GOMAXPROCS(0))
	}
	return runtime.GOMAXPROCS(0)
}

// String describes the device.
func (d Device) String() string {
	if d.GPU < 0 {
		return fmt.Sprintf("cpu(%d workers)", d.Workers)
	}
	return fmt.Sprintf("gpu:%d(cpu fallback, %d workers)", d.GPU, d.Workers)
}

// Place returns x in the layout the kernels read: a contiguous float32
// tensor in host memory. Views are materialized; anything already contiguous
// is returned as is.
func (d Device) Place(x *tensor.Dense) (*tensor.Dense, error) {
	if x == nil {
		return nil, fmt.Errorf("place on %s: nil tensor", d)
	}
	if x.Dtype() != tensor.Float32 {
		return nil, fmt.Errorf("place on %s: want float32, got %v", d, x.Dtype())
	}
	if !x.IsMaterializable() {
		return x, nil
	}
	m, ok := x.Materialize().(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("place on %s: cannot materialize %T", d, x)
	}
	return m, nil
}

// Report logs the CPU model and vector extensions the kernels can benefit
// from.
func Report(logger *zap.Logger, d Device) {
	logger.Info("compute device",
		zap.Stringer("device", d),
		zap.String("cpu", cpuid.CPU.BrandName),
		zap.Int("physical_cores", cpuid.CPU.PhysicalCores),
		zap.Int("logical_cores", cpuid.CPU.LogicalCores),
		zap.Bool("avx2", cpuid.CPU.Supports(cpuid.AVX2)),
		zap.Bool("avx512", cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ)),
		zap.Bool("fma", cpuid.CPU.Supports(cpuid.FMA3)),
	)
	if d.GPU >= 0 {
		logger.Warn("GPU requested but kernels run on the CPU", zap.Int("gpu", d.GPU))
	}
}
