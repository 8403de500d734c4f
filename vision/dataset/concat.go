package dataset

import (
	"fmt"
	"sort"
)

// ConcatDataset chains datasets end to end.
type ConcatDataset struct {
	parts   []Dataset
	offsets []int // cumulative lengths, offsets[i] is the end of parts[i]
}

// NewConcatDataset concatenates parts in order
func NewConcatDataset(parts ...Dataset) *ConcatDataset {
	c := &ConcatDataset{parts: parts, offsets: make([]int, len(parts))}
	total := 0
	for i, p := range parts {
		total += p.Len()
		c.offsets[i] = total
	}
	return c
}

func (c *ConcatDataset) Len() int {
	if len(c.offsets) == 0 {
		return 0
	}
	return c.offsets[len(c.offsets)-1]
}

func (c *ConcatDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= c.Len() {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, c.Len())
	}
	part := sort.SearchInts(c.offsets, index+1)
	start := 0
	if part > 0 {
		start = c.offsets[part-1]
	}
	return c.parts[part].Get(index - start)
}

// SetAugmentation forwards to every part that supports it.
func (c *ConcatDataset) SetAugmentation(enabled bool) {
	for _, p := range c.parts {
		if a, ok := p.(Augmentable); ok {
			a.SetAugmentation(enabled)
		}
	}
}

// Parts returns the concatenated datasets.
func (c *ConcatDataset) Parts() []Dataset {
	return c.parts
}
