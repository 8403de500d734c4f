package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTrainConfig() *Config {
	cfg := Default()
	cfg.LossMSE = true
	return cfg
}

func TestDefaultIsValid(t *testing.T) {
	cfg := validTrainConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500, cfg.LRTMax)
	assert.Equal(t, 5e-3, cfg.LambdaAdv)
	assert.Equal(t, -1, cfg.Rank)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"BadModal", func(c *Config) { c.Modal = "PD" }},
		{"BadLauncher", func(c *Config) { c.Launcher = "slurm" }},
		{"BadGAN", func(c *Config) { c.GANType = "LSGAN" }},
		{"ZeroBatch", func(c *Config) { c.BatchSize = 0 }},
		{"NoLoss", func(c *Config) { c.LossMSE = false }},
		{"StartAfterMax", func(c *Config) { c.StartIter = 600 }},
		{"BadGPU", func(c *Config) { c.GPUIDs = "0,x" }},
		{"BadVisBatches", func(c *Config) { c.TestVisBatches = "26,-1" }},
		{"BadFormat", func(c *Config) { c.CheckpointFormat = "onnx" }},
		{"AdvWithoutCrop", func(c *Config) { c.LossAdv = true; c.TrainCropSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTrainConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}

	t.Run("TestPhaseNeedsNoLoss", func(t *testing.T) {
		cfg := Default()
		cfg.Phase = PhaseTest
		assert.NoError(t, cfg.Validate())
	})
}

func TestFinalize(t *testing.T) {
	cfg := validTrainConfig()
	cfg.SaveFolder = "out"
	cfg.Name = "run1"
	cfg.GPUIDs = "1,-1,2"
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

	require.NoError(t, cfg.Finalize(now))
	assert.False(t, cfg.Dist)
	assert.Equal(t, -1, cfg.Rank)
	assert.True(t, cfg.IsPrimary())
	assert.Equal(t, []int{1, 2}, cfg.GPUs)
	assert.Equal(t, filepath.Join("out", "run1", "snapshot"), cfg.SnapshotDir)
	assert.Equal(t, filepath.Join("out", "run1", "vis"), cfg.VisDir)
	assert.Equal(t, filepath.Join("out", "run1", "20240305_140709.log"), cfg.LogFile)

	cfg.Launcher = "pytorch"
	require.NoError(t, cfg.Finalize(now))
	assert.True(t, cfg.Dist)
}

func TestParseGPUIDs(t *testing.T) {
	ids, err := ParseGPUIDs("-1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = ParseGPUIDs(" 0, 2 ")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, ids)
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "run.yaml")
	cfg := validTrainConfig()
	cfg.Name = "roundtrip"
	cfg.LR = 3e-4
	cfg.LossAdv = true
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.Name)
	assert.Equal(t, 3e-4, loaded.LR)
	assert.True(t, loaded.LossAdv)
	assert.True(t, loaded.LossMSE)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DENOISE_SAVE_FOLDER", "/tmp/runs")
	t.Setenv("DENOISE_TRAINDATA_ROOT", "")

	cfg := Default()
	cfg.applyEnvOverrides()
	assert.Equal(t, "/tmp/runs", cfg.SaveFolder)
	assert.Equal(t, "data/train", cfg.TrainDataRoot)
}

func TestResolveFlagsWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: fromfile\nbatch_size: 8\nlr: 0.01\nloss_l1: true\n"), 0644))

	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, cfg)
	require.NoError(t, fs.Parse([]string{"--batch_size", "4", "--loss_mse"}))

	got, err := Resolve(fs, cfg, path)
	require.NoError(t, err)
	assert.Equal(t, "fromfile", got.Name)
	assert.Equal(t, 4, got.BatchSize)
	assert.Equal(t, 0.01, got.LR)
	assert.True(t, got.LossL1)
	assert.True(t, got.LossMSE)
}

func TestResolveWithoutFile(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, cfg)
	require.NoError(t, fs.Parse([]string{"--modal", "ALL", "--lr", "2e-4"}))

	got, err := Resolve(fs, cfg, "")
	require.NoError(t, err)
	assert.Same(t, cfg, got)
	assert.Equal(t, "ALL", got.Modal)
	assert.Equal(t, 2e-4, got.LR)
}

func TestVisBatches(t *testing.T) {
	cfg := Default()
	got, err := cfg.VisBatches()
	require.NoError(t, err)
	assert.Equal(t, []int{26, 28}, got)

	cfg.TestVisBatches = ""
	got, err = cfg.VisBatches()
	require.NoError(t, err)
	assert.Empty(t, got)
}
