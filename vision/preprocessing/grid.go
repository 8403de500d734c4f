package preprocessing

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
)

// Grid layout used by SaveGrid: up to gridColumns tiles per row, separated
// and framed by gridPadding black pixels.
const (
	gridColumns = 8
	gridPadding = 2
	jpegQuality = 95
)

// Tile is one grayscale panel of a grid, row-major.
type Tile struct {
	Data          []float32
	Height, Width int
}

// GridImage lays tiles out on a grid. Values are clamped to [0, 1] and
// rounded to 8 bits. All tiles must share a size.
func GridImage(tiles []Tile) (*image.Gray, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("grid needs at least one tile")
	}
	h, w := tiles[0].Height, tiles[0].Width
	for i, t := range tiles {
		if t.Height != h || t.Width != w || len(t.Data) != h*w {
			return nil, fmt.Errorf("tile %d is %dx%d with %d values, want %dx%d", i, t.Height, t.Width, len(t.Data), h, w)
		}
	}
	cols := min(len(tiles), gridColumns)
	rows := (len(tiles) + cols - 1) / cols
	grid := image.NewGray(image.Rect(0, 0, cols*(w+gridPadding)+gridPadding, rows*(h+gridPadding)+gridPadding))

	for i, t := range tiles {
		ox := gridPadding + (i%cols)*(w+gridPadding)
		oy := gridPadding + (i/cols)*(h+gridPadding)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := t.Data[y*w+x]*255 + 0.5
				switch {
				case v < 0 || v != v:
					v = 0
				case v > 255:
					v = 255
				}
				grid.Pix[(oy+y)*grid.Stride+ox+x] = uint8(v)
			}
		}
	}
	return grid, nil
}

// SaveGrid writes the tiles as a grayscale JPEG grid.
func SaveGrid(path string, tiles []Tile) error {
	grid, err := GridImage(tiles)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := jpeg.Encode(f, grid, &jpeg.Options{Quality: jpegQuality}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
