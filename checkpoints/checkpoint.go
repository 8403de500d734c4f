package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/tensorutil"
)

// ErrKeyMismatch is returned when a strict load finds missing or unexpected keys
// or a tensor whose shape differs from the receiver's.
var ErrKeyMismatch = errors.New("state dict key mismatch")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatPTH CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatPTH:
		return "pth"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Extension returns the file extension used for the format, including the dot.
func (cf CheckpointFormat) Extension() string {
	return "." + cf.String()
}

// ParseFormat maps a --checkpoint_format value onto a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pth":
		return FormatPTH, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatPTH, fmt.Errorf("unsupported checkpoint format: %q", s)
	}
}

// FormatForPath picks the format from a file extension. Anything that is not
// .json is read as the binary format.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatPTH
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	stateDictFormat  = "go-denoise/state-dict/v1"
	frameworkName    = "go-denoise"
	frameworkVersion = "1.0.0"
)

// Stateful is implemented by everything that checkpoints itself: networks,
// optimizers and schedulers.
type Stateful interface {
	StateDict() *StateDict
	LoadStateDict(sd *StateDict, strict bool) error
}

// CheckpointSaver handles saving and loading state dicts in one format
type CheckpointSaver struct {
	format CheckpointFormat
	runID  string
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format.
// runID is stamped into every file written; an empty id gets a fresh UUID.
func NewCheckpointSaver(format CheckpointFormat, runID string) *CheckpointSaver {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &CheckpointSaver{
		format: format,
		runID:  runID,
	}
}

// Format returns the saver's output format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Path builds {dir}/{component}_{tag}{ext}.
func (cs *CheckpointSaver) Path(dir, component, tag string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", component, tag, cs.format.Extension()))
}

// SaveCheckpoint writes sd to path. The write goes to a temporary file in the
// same directory first and is renamed into place.
func (cs *CheckpointSaver) SaveCheckpoint(sd *StateDict, path string) error {
	if sd.Meta.Framework == "" {
		sd.Meta = CheckpointMetadata{
			Version:   frameworkVersion,
			Framework: frameworkName,
			RunID:     cs.runID,
			CreatedAt: time.Now().UTC(),
		}
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatPTH:
		data, err = marshalPTH(sd)
	case FormatJSON:
		data, err = marshalJSON(sd)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a state dict. The format is chosen from the file
// extension, not from the saver, so a JSON run can resume from .pth files.
func LoadCheckpoint(path string) (*StateDict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	var sd *StateDict
	switch FormatForPath(path) {
	case FormatJSON:
		sd, err = unmarshalJSON(data)
	default:
		sd, err = unmarshalPTH(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return sd, nil
}

type jsonEntry struct {
	Key    string    `json:"key"`
	Kind   ValueKind `json:"kind"`
	Shape  []int     `json:"shape,omitempty"`
	Data   []float32 `json:"data,omitempty"`
	Scalar float64   `json:"scalar,omitempty"`
	Text   string    `json:"text,omitempty"`
}

type jsonStateDict struct {
	Format   string             `json:"format"`
	Metadata CheckpointMetadata `json:"metadata"`
	Entries  []jsonEntry        `json:"entries"`
}

func marshalJSON(sd *StateDict) ([]byte, error) {
	doc := jsonStateDict{
		Format:   stateDictFormat,
		Metadata: sd.Meta,
		Entries:  make([]jsonEntry, 0, sd.Len()),
	}
	for _, k := range sd.Keys() {
		v := sd.values[k]
		doc.Entries = append(doc.Entries, jsonEntry{
			Key:    k,
			Kind:   v.Kind,
			Shape:  v.Shape,
			Data:   v.Data,
			Scalar: v.Scalar,
			Text:   v.Text,
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

func unmarshalJSON(data []byte) (*StateDict, error) {
	var doc jsonStateDict
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Format != stateDictFormat {
		return nil, fmt.Errorf("unexpected format %q", doc.Format)
	}
	sd := NewStateDict()
	sd.Meta = doc.Metadata
	for _, e := range doc.Entries {
		v := Value{Kind: e.Kind, Shape: e.Shape, Data: e.Data, Scalar: e.Scalar, Text: e.Text}
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("entry %q: %w", e.Key, err)
		}
		sd.Set(e.Key, v)
	}
	return sd, nil
}

// CopyTensorsToHost returns a copy of sd in which every tensor owns fresh
// memory, detached from any live parameter.
func CopyTensorsToHost(sd *StateDict) *StateDict {
	out := NewStateDict()
	out.Meta = sd.Meta
	for _, k := range sd.Keys() {
		out.Set(k, sd.values[k].clone())
	}
	return out
}

// TensorValue wraps a dense tensor as a state dict value, copying its data.
func TensorValue(t *tensor.Dense) Value {
	src := tensorutil.Float32s(t)
	data := make([]float32, len(src))
	copy(data, src)
	return Value{Kind: KindTensor, Shape: tensorutil.Shape(t), Data: data}
}
