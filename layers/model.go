package layers

import (
	"fmt"
	"slices"
	"strings"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/tensorutil"
)

// Network is what the trainer drives: a differentiable image-to-image model
// that checkpoints itself.
type Network interface {
	checkpoints.Stateful

	Forward(x *tensor.Dense) (*tensor.Dense, error)
	// Backward propagates dL/d(output) and accumulates parameter gradients.
	Backward(grad *tensor.Dense) error
	Parameters() []*Param
	ZeroGrad()
	SetTraining(training bool)
	Training() bool
}

// Model adapts a root layer to the Network interface.
type Model struct {
	name     string
	inC      int
	outC     int
	root     Layer
	training bool
}

// NewModel creates a model in training mode
func NewModel(name string, inC, outC int, root Layer) *Model {
	m := &Model{name: name, inC: inC, outC: outC, root: root}
	m.SetTraining(true)
	return m
}

func (m *Model) Name() string { return m.name }
func (m *Model) Root() Layer  { return m.root }

func (m *Model) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	if _, _, _, err := expectNCHW(m.name, x, m.inC); err != nil {
		return nil, err
	}
	return m.root.Forward(x)
}

func (m *Model) Backward(grad *tensor.Dense) error {
	if !m.training {
		return fmt.Errorf("%s: %w", m.name, ErrNotTraining)
	}
	_, err := m.root.Backward(grad)
	return err
}

func (m *Model) Parameters() []*Param {
	return m.root.Parameters()
}

func (m *Model) ZeroGrad() {
	for _, p := range m.root.Parameters() {
		p.ZeroGrad()
	}
}

func (m *Model) SetTraining(training bool) {
	m.training = training
	m.root.SetTraining(training)
}

func (m *Model) Training() bool { return m.training }

// StateDict returns parameter copies keyed by qualified name.
func (m *Model) StateDict() *checkpoints.StateDict {
	sd := checkpoints.NewStateDict()
	for _, p := range m.root.Parameters() {
		sd.SetTensor(p.Name, p.Value)
	}
	return sd
}

// LoadStateDict copies matching entries into the parameters. With strict set
// the key sets must be identical; shapes must always agree.
func (m *Model) LoadStateDict(sd *checkpoints.StateDict, strict bool) error {
	if strict {
		if err := sd.MatchKeys(m.StateDict()); err != nil {
			return err
		}
	}
	for _, p := range m.root.Parameters() {
		v, ok := sd.Get(p.Name)
		if !ok {
			continue
		}
		if v.Kind != checkpoints.KindTensor {
			return fmt.Errorf("%w: %s holds a %s", checkpoints.ErrKeyMismatch, p.Name, v.Kind)
		}
		if !slices.Equal(v.Shape, []int(p.Value.Shape())) {
			return fmt.Errorf("%w: %s shape %v vs %v", checkpoints.ErrKeyMismatch, p.Name, v.Shape, p.Value.Shape())
		}
		copy(tensorutil.Float32s(p.Value), v.Data)
	}
	return nil
}

// NumParams returns the number of learnable scalars.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.root.Parameters() {
		n += tensorutil.Numel(p.Value.Shape())
	}
	return n
}

// Summary renders one line per parameter tensor.
func (m *Model) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d -> %d channels)\n", m.name, m.inC, m.outC)
	for _, p := range m.root.Parameters() {
		fmt.Fprintf(&b, "  %-32s %v\n", p.Name, p.Value.Shape())
	}
	fmt.Fprintf(&b, "  total parameters: %d\n", m.NumParams())
	return b.String()
}

// CountParams sums the parameter sizes of any network.
func CountParams(n Network) int {
	total := 0
	for _, p := range n.Parameters() {
		total += tensorutil.Numel(p.Value.Shape())
	}
	return total
}
