package training

import (
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-denoise/tensorutil"
)

func TestSaveComparison(t *testing.T) {
	dir := t.TempDir()
	images := tensorutil.Zeros(7, 1, 6, 4)
	output := tensorutil.Zeros(7, 1, 6, 4)
	labels := tensorutil.Zeros(7, 1, 6, 4)

	paths, err := SaveComparison(dir, "vis_3_10", images, output, labels)
	if err != nil {
		t.Fatalf("SaveComparison failed: %v", err)
	}
	if len(paths) != maxVisSamples {
		t.Fatalf("Expected %d files, got %d", maxVisSamples, len(paths))
	}
	if paths[0] != filepath.Join(dir, "vis_3_10_0.jpg") {
		t.Errorf("Unexpected first path %s", paths[0])
	}

	f, err := os.Open(paths[4])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// three 4-wide panels in one row, framed by 2px padding
	if cfg.Width != 3*(4+2)+2 || cfg.Height != 6+4 {
		t.Errorf("Unexpected grid size %dx%d", cfg.Width, cfg.Height)
	}
}

func TestSaveComparisonSmallBatch(t *testing.T) {
	paths, err := SaveComparison(t.TempDir(), "test_26", tensorutil.Zeros(1, 1, 4, 4))
	if err != nil {
		t.Fatalf("SaveComparison failed: %v", err)
	}
	if len(paths) != 1 {
		t.Errorf("Expected one file, got %d", len(paths))
	}
	if _, err := SaveComparison(t.TempDir(), "empty"); err == nil {
		t.Error("Expected an error without panels")
	}
}
