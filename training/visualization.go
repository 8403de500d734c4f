package training

import (
	"fmt"
	"path/filepath"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
	"github.com/tsawler/go-denoise/vision/preprocessing"
)

// maxVisSamples caps how many samples of a batch are written.
const maxVisSamples = 5

// SaveComparison writes one {prefix}_{k}.jpg per sample of the batch, up to
// five, showing channel 0 of each panel side by side (input, output, label).
// It returns the written paths.
func SaveComparison(dir, prefix string, panels ...*tensor.Dense) ([]string, error) {
	if len(panels) == 0 {
		return nil, fmt.Errorf("no panels to visualize")
	}
	n := panels[0].Shape()[0]
	var paths []string
	for k := 0; k < min(n, maxVisSamples); k++ {
		tiles := make([]preprocessing.Tile, 0, len(panels))
		for _, p := range panels {
			plane, h, w, err := tensorutil.Plane(p, k, 0)
			if err != nil {
				return paths, err
			}
			tiles = append(tiles, preprocessing.Tile{Data: plane, Height: h, Width: w})
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.jpg", prefix, k))
		if err := preprocessing.SaveGrid(path, tiles); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
