package checkpoints

import (
	"fmt"
	"sort"
	"strings"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
)

// ValueKind tags what a state dict entry holds.
type ValueKind uint32

const (
	KindTensor ValueKind = iota + 1
	KindScalar
	KindText
)

func (k ValueKind) String() string {
	switch k {
	case KindTensor:
		return "tensor"
	case KindScalar:
		return "scalar"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Value is a single state dict entry.
type Value struct {
	Kind   ValueKind
	Shape  []int
	Data   []float32
	Scalar float64
	Text   string
}

func (v Value) validate() error {
	switch v.Kind {
	case KindTensor:
		if tensorutil.Numel(v.Shape) != len(v.Data) {
			return fmt.Errorf("tensor shape %v does not match %d elements", v.Shape, len(v.Data))
		}
	case KindScalar, KindText:
	default:
		return fmt.Errorf("unknown value kind %d", uint32(v.Kind))
	}
	return nil
}

func (v Value) clone() Value {
	out := v
	if v.Shape != nil {
		out.Shape = append([]int(nil), v.Shape...)
	}
	if v.Data != nil {
		out.Data = append([]float32(nil), v.Data...)
	}
	return out
}

// Dense returns the entry as a tensor sharing the entry's data.
func (v Value) Dense() (*tensor.Dense, error) {
	if v.Kind != KindTensor {
		return nil, fmt.Errorf("value is a %s, not a tensor", v.Kind)
	}
	return tensorutil.New(append([]int(nil), v.Shape...), v.Data), nil
}

// StateDict is an insertion-ordered map from parameter or state names to
// values, the unit every checkpoint file stores.
type StateDict struct {
	keys   []string
	values map[string]Value
	Meta   CheckpointMetadata
}

// NewStateDict creates an empty state dict
func NewStateDict() *StateDict {
	return &StateDict{values: make(map[string]Value)}
}

// Set stores v under key, keeping the original position when key exists.
func (sd *StateDict) Set(key string, v Value) {
	if _, ok := sd.values[key]; !ok {
		sd.keys = append(sd.keys, key)
	}
	sd.values[key] = v
}

// SetTensor stores a copy of t under key.
func (sd *StateDict) SetTensor(key string, t *tensor.Dense) {
	sd.Set(key, TensorValue(t))
}

// SetFloats stores a copy of a flat slice as a rank-1 tensor.
func (sd *StateDict) SetFloats(key string, data []float32) {
	sd.Set(key, Value{Kind: KindTensor, Shape: []int{len(data)}, Data: append([]float32(nil), data...)})
}

// SetScalar stores a number.
func (sd *StateDict) SetScalar(key string, f float64) {
	sd.Set(key, Value{Kind: KindScalar, Scalar: f})
}

// SetText stores a string.
func (sd *StateDict) SetText(key, s string) {
	sd.Set(key, Value{Kind: KindText, Text: s})
}

// Get returns the value stored under key.
func (sd *StateDict) Get(key string) (Value, bool) {
	v, ok := sd.values[key]
	return v, ok
}

// Scalar returns the number stored under key.
func (sd *StateDict) Scalar(key string) (float64, error) {
	v, ok := sd.values[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrKeyMismatch, key)
	}
	if v.Kind != KindScalar {
		return 0, fmt.Errorf("key %q holds a %s, not a scalar", key, v.Kind)
	}
	return v.Scalar, nil
}

// Text returns the string stored under key.
func (sd *StateDict) Text(key string) (string, error) {
	v, ok := sd.values[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrKeyMismatch, key)
	}
	if v.Kind != KindText {
		return "", fmt.Errorf("key %q holds a %s, not text", key, v.Kind)
	}
	return v.Text, nil
}

// Floats returns the tensor data stored under key.
func (sd *StateDict) Floats(key string) ([]float32, error) {
	v, ok := sd.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrKeyMismatch, key)
	}
	if v.Kind != KindTensor {
		return nil, fmt.Errorf("key %q holds a %s, not a tensor", key, v.Kind)
	}
	return v.Data, nil
}

// Keys returns the keys in insertion order.
func (sd *StateDict) Keys() []string {
	return append([]string(nil), sd.keys...)
}

// Len returns the number of entries.
func (sd *StateDict) Len() int {
	return len(sd.keys)
}

// StripPrefix returns a copy of sd in which a leading prefix has been removed
// from every key that carries it. Keys without the prefix are kept as-is.
func (sd *StateDict) StripPrefix(prefix string) *StateDict {
	out := NewStateDict()
	out.Meta = sd.Meta
	for _, k := range sd.keys {
		out.Set(strings.TrimPrefix(k, prefix), sd.values[k])
	}
	return out
}

// AddPrefix returns a copy of sd with prefix prepended to every key.
func (sd *StateDict) AddPrefix(prefix string) *StateDict {
	out := NewStateDict()
	out.Meta = sd.Meta
	for _, k := range sd.keys {
		out.Set(prefix+k, sd.values[k])
	}
	return out
}

// MatchKeys compares the tensor keys and shapes of sd against want. It returns
// an error wrapping ErrKeyMismatch that lists every missing key, unexpected
// key and shape difference.
func (sd *StateDict) MatchKeys(want *StateDict) error {
	var missing, unexpected, shapes []string
	for _, k := range want.keys {
		got, ok := sd.values[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		w := want.values[k]
		if w.Kind == KindTensor && !sameShape(got.Shape, w.Shape) {
			shapes = append(shapes, fmt.Sprintf("%s: %v vs %v", k, got.Shape, w.Shape))
		}
	}
	for _, k := range sd.keys {
		if _, ok := want.values[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	if len(missing) == 0 && len(unexpected) == 0 && len(shapes) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	var b strings.Builder
	if len(missing) > 0 {
		fmt.Fprintf(&b, " missing keys %v", missing)
	}
	if len(unexpected) > 0 {
		fmt.Fprintf(&b, " unexpected keys %v", unexpected)
	}
	if len(shapes) > 0 {
		fmt.Fprintf(&b, " shape mismatch %v", shapes)
	}
	return fmt.Errorf("%w:%s", ErrKeyMismatch, b.String())
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
