package dataset

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
)

// writeGray writes an h×w 8-bit PNG whose pixel (x, y) is fill(x, y).
func writeGray(t *testing.T, path string, w, h int, fill func(x, y int) uint8) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: fill(x, y)})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

// createPairs lays out {root}/{modal}/noisy and clean with n slices each.
func createPairs(t *testing.T, root, modal string, n, w, h int) {
	t.Helper()
	for i := 0; i < n; i++ {
		name := string(rune('a'+n-1-i)) + ".png"
		writeGray(t, filepath.Join(root, modal, "noisy", name), w, h, func(x, y int) uint8 { return uint8(x + y + i) })
		writeGray(t, filepath.Join(root, modal, "clean", name), w, h, func(x, y int) uint8 { return uint8(x) })
	}
}

func TestNewPairFolderDataset(t *testing.T) {
	root := t.TempDir()
	createPairs(t, root, "T1", 3, 6, 4)

	ds, err := NewPairFolderDataset(Options{Root: root, Modal: "T1"}, M4RawLayout)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds.Len() != 3 {
		t.Fatalf("expected 3 pairs, got %d", ds.Len())
	}

	// pairs are sorted by name regardless of creation order
	for i, want := range []string{"a", "b", "c"} {
		s, err := ds.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if s.Name != want {
			t.Errorf("sample %d: expected name %q, got %q", i, want, s.Name)
		}
		img := s.Tensors[KeyImages]
		if got := tensorutil.Shape(img); len(got) != 3 || got[0] != 1 || got[1] != 4 || got[2] != 6 {
			t.Errorf("sample %d: unexpected image shape %v", i, got)
		}
		if s.PadNums[0] != 0 || s.PadNums[1] != 0 {
			t.Errorf("sample %d: expected no padding, got %v", i, s.PadNums)
		}
	}
}

func TestPairFolderDatasetErrors(t *testing.T) {
	t.Run("MissingDirectory", func(t *testing.T) {
		_, err := NewPairFolderDataset(Options{Root: t.TempDir(), Modal: "T2"}, M4RawLayout)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected os.ErrNotExist, got %v", err)
		}
	})

	t.Run("MissingTarget", func(t *testing.T) {
		root := t.TempDir()
		writeGray(t, filepath.Join(root, "T1", "noisy", "x.png"), 4, 4, func(x, y int) uint8 { return 0 })
		if err := os.MkdirAll(filepath.Join(root, "T1", "clean"), 0755); err != nil {
			t.Fatal(err)
		}
		if _, err := NewPairFolderDataset(Options{Root: root, Modal: "T1"}, M4RawLayout); err == nil {
			t.Error("expected an error for an input without target")
		}
	})

	t.Run("Empty", func(t *testing.T) {
		root := t.TempDir()
		if err := os.MkdirAll(filepath.Join(root, "T1", "noisy"), 0755); err != nil {
			t.Fatal(err)
		}
		if _, err := NewPairFolderDataset(Options{Root: root, Modal: "T1"}, M4RawLayout); err == nil {
			t.Error("expected an error for an empty folder")
		}
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		root := t.TempDir()
		writeGray(t, filepath.Join(root, "T1", "noisy", "x.png"), 4, 4, func(x, y int) uint8 { return 0 })
		writeGray(t, filepath.Join(root, "T1", "clean", "x.png"), 5, 4, func(x, y int) uint8 { return 0 })
		ds, err := NewPairFolderDataset(Options{Root: root, Modal: "T1"}, M4RawLayout)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ds.Get(0); err == nil {
			t.Error("expected an error for mismatched sizes")
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		root := t.TempDir()
		createPairs(t, root, "T1", 1, 4, 4)
		ds, err := NewPairFolderDataset(Options{Root: root, Modal: "T1"}, M4RawLayout)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ds.Get(1); err == nil {
			t.Error("expected an out of range error")
		}
	})
}

func TestPairFolderDatasetPadding(t *testing.T) {
	root := t.TempDir()
	createPairs(t, root, "T1", 1, 6, 5)
	ds, err := NewPairFolderDataset(Options{Root: root, Modal: "T1", PadMultiple: 4}, M4RawLayout)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ds.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	shape := tensorutil.Shape(s.Tensors[KeyLabels])
	if shape[1] != 8 || shape[2] != 8 {
		t.Fatalf("expected 8x8 padded label, got %v", shape)
	}
	if s.PadNums[0] != 3 || s.PadNums[1] != 2 {
		t.Errorf("expected pad nums [3 2], got %v", s.PadNums)
	}

	plane, h, w := Unpad(tensorutil.Float32s(s.Tensors[KeyLabels]), 8, 8, s.PadNums)
	if h != 5 || w != 6 {
		t.Fatalf("expected 5x6 after unpad, got %dx%d", h, w)
	}
	for x := 0; x < w; x++ {
		if want := float32(x) / 255; plane[x] != want {
			t.Errorf("pixel %d: expected %v, got %v", x, want, plane[x])
		}
	}
}

func TestPairFolderDatasetAugmentation(t *testing.T) {
	root := t.TempDir()
	createPairs(t, root, "T1", 1, 4, 4)

	test, err := NewPairFolderDataset(Options{Root: root, Modal: "T1"}, M4RawLayout)
	if err != nil {
		t.Fatal(err)
	}
	test.SetAugmentation(true)
	if test.Augmenting() {
		t.Error("test datasets must ignore augmentation")
	}

	train, err := NewPairFolderDataset(Options{Root: root, Modal: "T1", Train: true, Seed: 3}, M4RawLayout)
	if err != nil {
		t.Fatal(err)
	}
	train.SetAugmentation(true)
	if !train.Augmenting() {
		t.Fatal("expected augmentation to be on")
	}

	// input and target must move together
	for i := 0; i < 16; i++ {
		s, err := train.Get(0)
		if err != nil {
			t.Fatal(err)
		}
		in := tensorutil.Float32s(s.Tensors[KeyImages])
		lb := tensorutil.Float32s(s.Tensors[KeyLabels])
		// noisy(x, y) = x + y and clean = x, so the difference is the
		// original row index wherever the pixel moved to.
		for p := range in {
			diff := in[p]*255 - lb[p]*255
			if diff < -0.01 || diff > 3.01 {
				t.Fatalf("pixel %d: input and label misaligned (%v vs %v)", p, in[p], lb[p])
			}
		}
	}
}

func TestDihedral(t *testing.T) {
	// 2x3 plane
	// 0 1 2
	// 3 4 5
	src := []float32{0, 1, 2, 3, 4, 5}
	tests := []struct {
		op   int
		want []float32
		h, w int
	}{
		{0, []float32{0, 1, 2, 3, 4, 5}, 2, 3},
		{1, []float32{2, 5, 1, 4, 0, 3}, 3, 2},
		{2, []float32{5, 4, 3, 2, 1, 0}, 2, 3},
		{4, []float32{2, 1, 0, 5, 4, 3}, 2, 3},
		{6, []float32{3, 4, 5, 0, 1, 2}, 2, 3},
	}
	for _, tt := range tests {
		got, h, w := dihedral(src, 2, 3, tt.op)
		if h != tt.h || w != tt.w {
			t.Errorf("op %d: expected %dx%d, got %dx%d", tt.op, tt.h, tt.w, h, w)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("op %d: expected %v, got %v", tt.op, tt.want, got)
				break
			}
		}
	}

	got, _, _ := dihedral(src, 2, 3, 0)
	got[0] = 42
	if src[0] != 0 {
		t.Error("dihedral must not alias its input")
	}
}

func TestPadTo(t *testing.T) {
	src := []float32{1, 2, 3, 4, 5, 6}
	out, h, w := padTo(src, 2, 3, 1)
	if h != 2 || w != 3 || len(out) != 6 {
		t.Errorf("multiple 1 must not pad, got %dx%d", h, w)
	}
	out, h, w = padTo(src, 2, 3, 4)
	if h != 4 || w != 4 {
		t.Fatalf("expected 4x4, got %dx%d", h, w)
	}
	want := []float32{1, 2, 3, 0, 4, 5, 6, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
}

func TestSyntheticDataset(t *testing.T) {
	build := func(seed int64) Dataset {
		c, err := Lookup("SyntheticTrainSet")
		if err != nil {
			t.Fatal(err)
		}
		ds, err := c(Options{Seed: seed, SyntheticSize: 16, SyntheticCount: 4, SyntheticSigma: 0.05})
		if err != nil {
			t.Fatal(err)
		}
		return ds
	}
	a, b := build(1), build(1)
	if a.Len() != 4 {
		t.Fatalf("expected 4 samples, got %d", a.Len())
	}
	sa, err := a.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := b.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	da, db := tensorutil.Float32s(sa.Tensors[KeyImages]), tensorutil.Float32s(sb.Tensors[KeyImages])
	for i := range da {
		if da[i] != db[i] {
			t.Fatal("same seed and index must produce the same sample")
		}
	}
	for _, v := range tensorutil.Float32s(sa.Tensors[KeyLabels]) {
		if v < 0 || v > 1 {
			t.Fatalf("clean value %v outside [0, 1]", v)
		}
	}
	if sa.Name != "synthetic_00002" {
		t.Errorf("unexpected name %q", sa.Name)
	}

	if _, err := NewSyntheticDataset(Options{SyntheticSize: 4, SyntheticCount: 1}); err == nil {
		t.Error("expected an error for a tiny phantom")
	}
}

func TestSyntheticSetDefaultCounts(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  int
	}{
		{"SyntheticTrainSet", 0, 64},
		{"SyntheticTestSet", 0, syntheticTestCount},
		{"SyntheticTestSet", 5, 5},
	}
	for _, tt := range tests {
		ds, err := Build(tt.name, Options{SyntheticSize: 8, SyntheticCount: tt.count})
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if ds.Len() != tt.want {
			t.Errorf("%s with count %d: expected %d samples, got %d", tt.name, tt.count, tt.want, ds.Len())
		}
	}
}

func TestBuildAllModalities(t *testing.T) {
	root := t.TempDir()
	for i, m := range Modalities {
		createPairs(t, root, m, i+1, 4, 4)
	}
	ds, err := Build("TrainSet", Options{Root: root, Modal: ModalAll, Train: true})
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 6 {
		t.Fatalf("expected 1+2+3 samples, got %d", ds.Len())
	}
	concat, ok := ds.(*ConcatDataset)
	if !ok {
		t.Fatalf("expected *ConcatDataset, got %T", ds)
	}
	concat.SetAugmentation(true)
	for _, p := range concat.Parts() {
		if !p.(*PairFolderDataset).Augmenting() {
			t.Error("augmentation was not forwarded to every part")
		}
	}

	// index 3 is the first FLAIR slice (after 1 T1 and 2 T2)
	s, err := ds.Get(3)
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "a" {
		t.Errorf("expected first FLAIR sample %q, got %q", "a", s.Name)
	}
	if _, err := ds.Get(6); err == nil {
		t.Error("expected an out of range error")
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Build("NoSuchSet", Options{})
	if !errors.Is(err, ErrUnknownDataset) {
		t.Errorf("expected ErrUnknownDataset, got %v", err)
	}
}

func TestSampleTensorsAreDense(t *testing.T) {
	s := buildSample("x", []float32{1, 2, 3, 4}, []float32{4, 3, 2, 1}, 2, 2, 0, 1)
	var _ *tensor.Dense = s.Tensors[KeyImages]
	if got := tensorutil.Float32s(s.Tensors[KeyLabels]); got[0] != 4 {
		t.Errorf("unexpected label data %v", got)
	}
}
