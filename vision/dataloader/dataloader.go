// Package dataloader batches dataset samples with background prefetching.
package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
	"github.com/tsawler/go-denoise/vision/dataset"
	"github.com/tsawler/go-denoise/vision/preprocessing"
)

// Batch is a collated group of samples. Tensors are [B,C,H,W]; Names and
// PadNums are metadata and never leave the host.
type Batch struct {
	Tensors map[string]*tensor.Dense
	Names   []string
	PadNums [][]int
	Indices []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Names)
}

// Keys returns the tensor keys in sorted order.
func (b *Batch) Keys() []string {
	keys := make([]string, 0, len(b.Tensors))
	for k := range b.Tensors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DataLoader handles batched loading of a dataset
type DataLoader struct {
	dataset    dataset.Dataset
	sampler    Sampler
	batchSize  int
	numWorkers int
	dropLast   bool
	prefetch   int
	cache      *preprocessing.CacheManager

	mu    sync.Mutex
	epoch int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	NumWorkers int // Number of parallel sample loaders per batch
	DropLast   bool
	// Prefetch is the number of batches loaded ahead of the consumer.
	Prefetch int
	// Sampler defaults to a SequentialSampler over the dataset.
	Sampler Sampler
	// Cache is only used for Stats.
	Cache *preprocessing.CacheManager
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds dataset.Dataset, config Config) (*DataLoader, error) {
	if ds == nil {
		return nil, errors.New("dataloader: nil dataset")
	}
	if config.BatchSize < 1 {
		return nil, fmt.Errorf("dataloader: batch size must be positive, got %d", config.BatchSize)
	}
	if config.Sampler == nil {
		config.Sampler = NewSequentialSampler(ds.Len())
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	if config.Prefetch < 1 {
		config.Prefetch = 2
	}
	return &DataLoader{
		dataset:    ds,
		sampler:    config.Sampler,
		batchSize:  config.BatchSize,
		numWorkers: config.NumWorkers,
		dropLast:   config.DropLast,
		prefetch:   config.Prefetch,
		cache:      config.Cache,
	}, nil
}

// SetEpoch reseeds the sampler for the next iteration.
func (dl *DataLoader) SetEpoch(epoch int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.epoch = epoch
}

// Len returns the number of batches per epoch.
func (dl *DataLoader) Len() int {
	n := dl.sampler.Len()
	if dl.dropLast {
		return n / dl.batchSize
	}
	return (n + dl.batchSize - 1) / dl.batchSize
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	if dl.cache == nil {
		return "cache disabled"
	}
	return dl.cache.Stats().String()
}

func (dl *DataLoader) plan() [][]int {
	dl.mu.Lock()
	epoch := dl.epoch
	dl.mu.Unlock()

	indices := dl.sampler.Indices(epoch)
	var batches [][]int
	for start := 0; start < len(indices); start += dl.batchSize {
		end := min(start+dl.batchSize, len(indices))
		if end-start < dl.batchSize && dl.dropLast {
			break
		}
		batches = append(batches, indices[start:end])
	}
	return batches
}

type result struct {
	batch *Batch
	err   error
}

// Iterator yields the batches of one epoch. It must be closed.
type Iterator struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    chan result
	done   chan struct{}
	total  int
	served int
}

// Iter starts loading the current epoch in the background.
func (dl *DataLoader) Iter(ctx context.Context) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	batches := dl.plan()
	it := &Iterator{
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan result, dl.prefetch),
		done:   make(chan struct{}),
		total:  len(batches),
	}
	go func() {
		defer close(it.done)
		defer close(it.out)
		for _, idx := range batches {
			b, err := dl.load(ctx, idx)
			select {
			case it.out <- result{b, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return it
}

// load fetches the samples of one batch concurrently and collates them.
func (dl *DataLoader) load(ctx context.Context, indices []int) (*Batch, error) {
	samples := make([]*dataset.Sample, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.numWorkers)
	for i, idx := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("sample %d: %w", idx, err)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Collate(samples, indices)
}

// Collate stacks the samples' tensors key by key. All samples must carry the
// same keys with equal shapes.
func Collate(samples []*dataset.Sample, indices []int) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("collate: empty batch")
	}
	b := &Batch{
		Tensors: make(map[string]*tensor.Dense, len(samples[0].Tensors)),
		Names:   make([]string, len(samples)),
		PadNums: make([][]int, len(samples)),
		Indices: indices,
	}
	for key := range samples[0].Tensors {
		ts := make([]*tensor.Dense, len(samples))
		for i, s := range samples {
			t, ok := s.Tensors[key]
			if !ok {
				return nil, fmt.Errorf("collate: sample %q has no %q tensor", s.Name, key)
			}
			ts[i] = t
		}
		stacked, err := tensorutil.Stack(ts)
		if err != nil {
			return nil, fmt.Errorf("collate %q: %w", key, err)
		}
		b.Tensors[key] = stacked
	}
	for i, s := range samples {
		if len(s.Tensors) != len(b.Tensors) {
			return nil, fmt.Errorf("collate: sample %q has %d tensors, want %d", s.Name, len(s.Tensors), len(b.Tensors))
		}
		b.Names[i] = s.Name
		b.PadNums[i] = s.PadNums
	}
	return b, nil
}

// Next returns the next batch, or io.EOF after the last one.
func (it *Iterator) Next() (*Batch, error) {
	select {
	case r, ok := <-it.out:
		if !ok {
			if err := it.ctx.Err(); err != nil && it.served < it.total {
				return nil, err
			}
			return nil, io.EOF
		}
		if r.err != nil {
			return nil, r.err
		}
		it.served++
		return r.batch, nil
	case <-it.ctx.Done():
		return nil, it.ctx.Err()
	}
}

// Progress returns the number of batches served and the epoch total.
func (it *Iterator) Progress() (current, total int) {
	return it.served, it.total
}

// Close stops prefetching and waits for the loader goroutine to exit.
func (it *Iterator) Close() {
	it.cancel()
	<-it.done
}
