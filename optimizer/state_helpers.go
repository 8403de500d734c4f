package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/layers"
	"github.com/tsawler/go-denoise/tensorutil"
)

// Common helper functions for optimizer state management

// stateKey builds names like "state.3.exp_avg", indexed by parameter position.
func stateKey(index int, stateType string) string {
	return fmt.Sprintf("state.%d.%s", index, stateType)
}

// extractBufferIndex extracts the parameter index from state keys like
// "state.0.exp_avg". It returns -1 for keys that are not per-parameter state.
func extractBufferIndex(key string) int {
	rest, ok := strings.CutPrefix(key, "state.")
	if !ok {
		return -1
	}
	dot := strings.IndexByte(rest, '.')
	if dot <= 0 {
		return -1
	}
	var idx int
	if n, err := fmt.Sscanf(rest[:dot], "%d", &idx); n != 1 || err != nil {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, sd *checkpoints.StateDict) error {
	got, err := sd.Text("type")
	if err != nil {
		return fmt.Errorf("optimizer state: %w", err)
	}
	if got != optimizerType {
		return fmt.Errorf("optimizer state type mismatch: expected %s, got %s", optimizerType, got)
	}
	return nil
}

// extractBufferState copies a per-parameter buffer into the state dict.
// Unallocated buffers are skipped.
func extractBufferState(sd *checkpoints.StateDict, index int, stateType string, buf []float32) {
	if buf == nil {
		return
	}
	sd.SetFloats(stateKey(index, stateType), buf)
}

// restoreBufferState returns a copy of the stored buffer for params[index],
// nil when the key is absent.
func restoreBufferState(sd *checkpoints.StateDict, params []*layers.Param, index int, stateType string) ([]float32, error) {
	key := stateKey(index, stateType)
	if _, ok := sd.Get(key); !ok {
		return nil, nil
	}
	data, err := sd.Floats(key)
	if err != nil {
		return nil, err
	}
	want := tensorutil.Numel(params[index].Value.Shape())
	if len(data) != want {
		return nil, fmt.Errorf("%w: %s has %d elements, parameter %s has %d",
			checkpoints.ErrKeyMismatch, key, len(data), params[index].Name, want)
	}
	return append([]float32(nil), data...), nil
}

// checkStateIndices rejects per-parameter keys that point past the managed
// parameters.
func checkStateIndices(sd *checkpoints.StateDict, numParams int) error {
	for _, k := range sd.Keys() {
		if idx := extractBufferIndex(k); idx >= numParams {
			return fmt.Errorf("%w: %s refers to parameter %d of %d", checkpoints.ErrKeyMismatch, k, idx, numParams)
		}
	}
	return nil
}

// extractScalarParam reads a hyperparameter, falling back to def when absent.
func extractScalarParam(sd *checkpoints.StateDict, key string, def float64) float64 {
	if v, err := sd.Scalar(key); err == nil {
		return v
	}
	return def
}

func zeroGrads(params []*layers.Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
