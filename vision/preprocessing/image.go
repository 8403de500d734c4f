package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-denoise/tensorutil"
)

// ProcessedImage is a single-channel image as float32 in [0, 1], row-major.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// ImageProcessor decodes slices from disk, through an optional cache.
type ImageProcessor struct {
	cache *CacheManager
}

// NewImageProcessor creates a processor. cache may be nil.
func NewImageProcessor(cache *CacheManager) *ImageProcessor {
	return &ImageProcessor{cache: cache}
}

// Cache returns the processor's cache, possibly nil.
func (p *ImageProcessor) Cache() *CacheManager {
	return p.cache
}

// DecodeGray decodes a PNG or JPEG and converts it to grayscale in [0, 1].
// 16-bit grayscale keeps its full precision.
func DecodeGray(r io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, w*h)

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w]
			for x, v := range row {
				data[y*w+x] = float32(v) / 255
			}
		}
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				data[y*w+x] = float32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 65535
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				data[y*w+x] = float32(g.Y) / 65535
			}
		}
	}
	return &ProcessedImage{Data: data, Width: w, Height: h, Channels: 1}, nil
}

// Load reads a slice from path. PNG and JPEG files are decoded to grayscale;
// .npy files must hold a [H,W] or [1,H,W] array.
func (p *ImageProcessor) Load(path string) (*ProcessedImage, error) {
	if img, ok := p.cache.Get(path); ok {
		return img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var img *ProcessedImage
	if strings.EqualFold(filepath.Ext(path), ".npy") {
		img, err = decodeNpy(f)
	} else {
		img, err = DecodeGray(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.cache.Put(path, img)
	return img, nil
}

func decodeNpy(r io.Reader) (*ProcessedImage, error) {
	t, err := tensorutil.ReadNpy(r)
	if err != nil {
		return nil, err
	}
	shape := tensorutil.Shape(t)
	if len(shape) == 3 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected a [H,W] or [1,H,W] array, got shape %v", tensorutil.Shape(t))
	}
	return &ProcessedImage{Data: tensorutil.Float32s(t), Height: shape[0], Width: shape[1], Channels: 1}, nil
}

// PreprocessBatch loads several paths concurrently with at most maxWorkers
// decodes in flight. The first error cancels the rest.
func (p *ImageProcessor) PreprocessBatch(paths []string, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	results := make([]*ProcessedImage, len(paths))
	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for i, path := range paths {
		g.Go(func() error {
			img, err := p.Load(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
