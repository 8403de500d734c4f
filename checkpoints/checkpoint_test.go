package checkpoints

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func testStateDict() *StateDict {
	sd := NewStateDict()
	w := make([]float32, 2*1*3*3)
	for i := range w {
		w[i] = float32(i%7)*0.013 - 0.04
	}
	sd.Set("head.weight", Value{Kind: KindTensor, Shape: []int{2, 1, 3, 3}, Data: w})
	sd.Set("head.bias", Value{Kind: KindTensor, Shape: []int{2}, Data: []float32{float32(math.Pi), -1e-7}})
	sd.SetScalar("last_epoch", 12)
	sd.SetText("type", "cosine")
	return sd
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatPTH, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			saver := NewCheckpointSaver(format, "run-1")
			path := saver.Path(dir, "net", "final")

			if filepath.Ext(path) != format.Extension() {
				t.Fatalf("path %s does not carry extension %s", path, format.Extension())
			}

			want := testStateDict()
			if err := saver.SaveCheckpoint(want, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			got, err := LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			if diff := cmp.Diff(want.Keys(), got.Keys()); diff != "" {
				t.Errorf("key order mismatch (-want +got):\n%s", diff)
			}
			for _, k := range want.Keys() {
				w, _ := want.Get(k)
				g, _ := got.Get(k)
				if diff := cmp.Diff(w, g); diff != "" {
					t.Errorf("value %q mismatch (-want +got):\n%s", k, diff)
				}
			}
			if got.Meta.RunID != "run-1" {
				t.Errorf("run id = %q, want run-1", got.Meta.RunID)
			}
			if got.Meta.Framework != frameworkName {
				t.Errorf("framework = %q, want %q", got.Meta.Framework, frameworkName)
			}
		})
	}
}

func TestCheckpointBitIdentical(t *testing.T) {
	dir := t.TempDir()
	saver := NewCheckpointSaver(FormatPTH, "")
	sd := NewStateDict()
	special := []float32{float32(math.Inf(1)), float32(math.NaN()), math.SmallestNonzeroFloat32, -0}
	sd.SetFloats("special", special)

	path := saver.Path(dir, "net", "1")
	if err := saver.SaveCheckpoint(sd, path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
	got, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	data, err := got.Floats("special")
	if err != nil {
		t.Fatalf("Floats: %v", err)
	}
	for i := range special {
		if math.Float32bits(special[i]) != math.Float32bits(data[i]) {
			t.Errorf("element %d: bits %x, want %x", i, math.Float32bits(data[i]), math.Float32bits(special[i]))
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "net_best.pth"))
	if err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error %v does not wrap os.ErrNotExist", err)
	}
}

func TestLoadRejectsForeignFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net_1.pth")
	var b []byte
	b = protowire.AppendTag(b, fieldFormat, protowire.BytesType)
	b = protowire.AppendString(b, "something-else")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCheckpoint(path); err == nil {
		t.Fatal("expected format error")
	}
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	b, err := marshalPTH(testStateDict())
	if err != nil {
		t.Fatal(err)
	}
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	sd, err := unmarshalPTH(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sd.Len() != 4 {
		t.Errorf("Len() = %d, want 4", sd.Len())
	}
}

func TestStripPrefix(t *testing.T) {
	sd := testStateDict().AddPrefix("module.")
	for _, k := range sd.Keys() {
		if k[:7] != "module." {
			t.Fatalf("key %q lacks prefix", k)
		}
	}

	stripped := sd.StripPrefix("module.")
	if diff := cmp.Diff(testStateDict().Keys(), stripped.Keys()); diff != "" {
		t.Errorf("stripped keys mismatch (-want +got):\n%s", diff)
	}

	// keys without the prefix are left alone
	plain := testStateDict().StripPrefix("module.")
	if diff := cmp.Diff(testStateDict().Keys(), plain.Keys()); diff != "" {
		t.Errorf("plain keys changed (-want +got):\n%s", diff)
	}
}

func TestMatchKeys(t *testing.T) {
	want := testStateDict()

	if err := testStateDict().MatchKeys(want); err != nil {
		t.Fatalf("identical dicts should match: %v", err)
	}

	missing := NewStateDict()
	missing.SetScalar("last_epoch", 1)
	missing.SetScalar("extra", 1)
	err := missing.MatchKeys(want)
	if !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}

	reshaped := testStateDict()
	reshaped.Set("head.bias", Value{Kind: KindTensor, Shape: []int{1, 2}, Data: []float32{0, 0}})
	if err := reshaped.MatchKeys(want); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("expected shape mismatch error, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatPTH, false},
		{"pth", FormatPTH, false},
		{"JSON", FormatJSON, false},
		{"onnx", FormatPTH, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
