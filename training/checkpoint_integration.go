package training

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/distributed"
	"github.com/tsawler/go-denoise/layers"
)

// Checkpoint component names. A full save writes all three with one tag.
const (
	ComponentNet       = "net"
	ComponentOptimizer = "optimizer_G"
	ComponentScheduler = "scheduler"
)

// Tags for the non-periodic checkpoints.
const (
	TagBest  = "best"
	TagFinal = "final"
)

// EpochTag is the tag of a periodic checkpoint.
func EpochTag(epoch int) string {
	return strconv.Itoa(epoch)
}

// CheckpointManager writes and restores the named components of a run as
// {dir}/{component}_{tag}.pth.
type CheckpointManager struct {
	dir        string
	saver      *checkpoints.CheckpointSaver
	logger     *zap.Logger
	components map[string]checkpoints.Stateful
	order      []string
	savedFiles []string
}

// NewCheckpointManager creates a manager writing into dir.
func NewCheckpointManager(dir string, format checkpoints.CheckpointFormat, runID string, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{
		dir:        dir,
		saver:      checkpoints.NewCheckpointSaver(format, runID),
		logger:     logger,
		components: make(map[string]checkpoints.Stateful),
	}
}

// Register adds a component. SaveAll writes components in registration order.
func (cm *CheckpointManager) Register(name string, s checkpoints.Stateful) {
	if _, ok := cm.components[name]; !ok {
		cm.order = append(cm.order, name)
	}
	cm.components[name] = s
}

// Path returns where component would be saved under tag.
func (cm *CheckpointManager) Path(component, tag string) string {
	return cm.saver.Path(cm.dir, component, tag)
}

// Saved lists every file written so far, oldest first.
func (cm *CheckpointManager) Saved() []string {
	return append([]string(nil), cm.savedFiles...)
}

// stateOf unwraps a distributed network and copies network tensors so the
// written dict never aliases live parameters.
func stateOf(s checkpoints.Stateful) *checkpoints.StateDict {
	if net, ok := s.(layers.Network); ok {
		return checkpoints.CopyTensorsToHost(distributed.Unwrap(net).StateDict())
	}
	return s.StateDict()
}

// Save writes one component.
func (cm *CheckpointManager) Save(component, tag string) (string, error) {
	s, ok := cm.components[component]
	if !ok {
		return "", fmt.Errorf("no checkpoint component %q", component)
	}
	if err := os.MkdirAll(cm.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	path := cm.Path(component, tag)
	if err := cm.saver.SaveCheckpoint(stateOf(s), path); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", component, err)
	}
	cm.savedFiles = append(cm.savedFiles, path)
	cm.logger.Debug("checkpoint written", zap.String("component", component), zap.String("path", path))
	return path, nil
}

// SaveAll writes every registered component under tag.
func (cm *CheckpointManager) SaveAll(tag string) error {
	for _, name := range cm.order {
		if _, err := cm.Save(name, tag); err != nil {
			return err
		}
	}
	return nil
}

// Load restores component from path. A leading "module." is stripped from
// every key. Keys and shapes must match exactly for the network; optimizer
// and scheduler dicts load leniently.
func (cm *CheckpointManager) Load(component, path string) error {
	s, ok := cm.components[component]
	if !ok {
		return fmt.Errorf("no checkpoint component %q", component)
	}
	sd, err := checkpoints.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	sd = sd.StripPrefix(distributed.ModulePrefix)
	strict := component == ComponentNet
	if net, ok := s.(layers.Network); ok {
		s = distributed.Unwrap(net)
	}
	if err := s.LoadStateDict(sd, strict); err != nil {
		return fmt.Errorf("failed to load %s from %s: %w", component, path, err)
	}
	cm.logger.Info("resumed", zap.String("component", component), zap.String("path", path))
	return nil
}
