// Package config holds the run configuration: defaults, an optional YAML
// file, command-line flags and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Phases toggled by the trainer.
const (
	PhaseTrain = "train"
	PhaseEval  = "eval"
	PhaseTest  = "test"
)

// Config holds all run parameters. Fields tagged `yaml:"-"` are derived by
// Finalize and never read from a file.
type Config struct {
	Name       string `yaml:"name"`
	Phase      string `yaml:"phase"`
	RandomSeed int64  `yaml:"random_seed"`

	// Device
	GPUIDs    string `yaml:"gpu_ids"` // e.g. "0", "0,1", "-1" for CPU
	Launcher  string `yaml:"launcher"`
	LocalRank int    `yaml:"local_rank"`

	// Network
	NetName  string `yaml:"net_name"`
	InputNC  int    `yaml:"input_nc"`
	OutputNC int    `yaml:"output_nc"`
	Chans    int    `yaml:"chans"`
	NLayers  int    `yaml:"nlayers"`

	// Data
	TrainDataRoot    string  `yaml:"traindata_root"`
	TestDataRoot     string  `yaml:"testdata_root"`
	Dataset          string  `yaml:"dataset"`
	Modal            string  `yaml:"modal"`
	TrainSet         string  `yaml:"trainset"`
	TestSet          string  `yaml:"testset"`
	SaveTestRoot     string  `yaml:"save_test_root"`
	BatchSize        int     `yaml:"batch_size"`
	NumWorkers       int     `yaml:"num_workers"`
	DataAugmentation bool    `yaml:"data_augmentation"`
	PadMultiple      int     `yaml:"pad_multiple"`
	CacheSize        int     `yaml:"cache_size"`
	SyntheticSize    int     `yaml:"synthetic_size"`
	SyntheticCount   int     `yaml:"synthetic_count"`
	SyntheticSigma   float64 `yaml:"synthetic_sigma"`

	// Optimization
	LR          float64 `yaml:"lr"`
	LRD         float64 `yaml:"lr_D"`
	WeightDecay float64 `yaml:"weight_decay"`
	Optimizer   string  `yaml:"optimizer"`
	LRScheduler string  `yaml:"lr_scheduler"`
	LRTMax      int     `yaml:"lr_tmax"`
	StartIter   int     `yaml:"start_iter"`
	MaxIter     int     `yaml:"max_iter"`

	// Losses
	LossL1        bool    `yaml:"loss_l1"`
	LossMSE       bool    `yaml:"loss_mse"`
	LossAdv       bool    `yaml:"loss_adv"`
	GANType       string  `yaml:"gan_type"`
	LambdaL1      float64 `yaml:"lambda_l1"`
	LambdaMSE     float64 `yaml:"lambda_mse"`
	LambdaAdv     float64 `yaml:"lambda_adv"`
	TrainCropSize int     `yaml:"train_crop_size"`

	// Resume
	Resume          string `yaml:"resume"`
	ResumeOptim     string `yaml:"resume_optim"`
	ResumeScheduler string `yaml:"resume_scheduler"`

	// Logging and outputs
	LogFreq          int    `yaml:"log_freq"`
	VisFreq          int    `yaml:"vis_freq"`
	SaveEpochFreq    int    `yaml:"save_epoch_freq"`
	SaveFolder       string `yaml:"save_folder"`
	VisStepFreq      int    `yaml:"vis_step_freq"`
	UseTBLogger      bool   `yaml:"use_tb_logger"`
	TBLoggerDir      string `yaml:"tb_logger_dir"`
	SaveTestResults  bool   `yaml:"save_test_results"`
	TestVisBatches   string `yaml:"test_vis_batches"`
	EvalStartEpoch   int    `yaml:"eval_start_epoch"`
	AugStartEpoch    int    `yaml:"aug_start_epoch"`
	CheckpointFormat string `yaml:"checkpoint_format"`
	LogLevel         string `yaml:"log_level"`

	// Derived by Finalize.
	Dist        bool      `yaml:"-"`
	Rank        int       `yaml:"-"`
	WorldSize   int       `yaml:"-"`
	GPUs        []int     `yaml:"-"`
	RunDir      string    `yaml:"-"`
	VisDir      string    `yaml:"-"`
	SnapshotDir string    `yaml:"-"`
	TestDir     string    `yaml:"-"`
	LogFile     string    `yaml:"-"`
	StartTime   time.Time `yaml:"-"`
}

// Default returns the configuration used when neither a file nor flags say
// otherwise.
func Default() *Config {
	return &Config{
		Name:       "train_denoise",
		Phase:      PhaseTrain,
		RandomSeed: 0,

		GPUIDs:   "-1",
		Launcher: "none",

		NetName:  "RESUNET",
		InputNC:  1,
		OutputNC: 1,
		Chans:    32,
		NLayers:  4,

		TrainDataRoot:  "data/train",
		TestDataRoot:   "data/val",
		Dataset:        "M4Raw",
		Modal:          "T1",
		TrainSet:       "TrainSet",
		TestSet:        "TestSet",
		SaveTestRoot:   "generated",
		BatchSize:      36,
		NumWorkers:     4,
		PadMultiple:    4,
		CacheSize:      512,
		SyntheticSize:  48,
		SyntheticCount: 64,
		SyntheticSigma: 0.05,

		LR:          1e-4,
		LRD:         1e-4,
		Optimizer:   "adamw",
		LRScheduler: "cosine",
		LRTMax:      500,
		MaxIter:     500,

		GANType:       "WGAN_GP",
		LambdaL1:      1,
		LambdaMSE:     1,
		LambdaAdv:     5e-3,
		TrainCropSize: 40,

		LogFreq:          10,
		VisFreq:          50000,
		SaveEpochFreq:    10,
		SaveFolder:       "experiments",
		VisStepFreq:      100,
		TBLoggerDir:      "tb_logger",
		TestVisBatches:   "26,28",
		EvalStartEpoch:   200,
		AugStartEpoch:    30,
		CheckpointFormat: "pth",
		LogLevel:         "info",

		Rank:      -1,
		WorldSize: 1,
	}
}

// Load reads a YAML file over the defaults and applies env overrides. A
// missing file is an error: it was asked for explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// String renders the configuration as YAML for the startup dump.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DENOISE_SAVE_FOLDER"); v != "" {
		c.SaveFolder = v
	}
	if v := os.Getenv("DENOISE_TRAINDATA_ROOT"); v != "" {
		c.TrainDataRoot = v
	}
	if v := os.Getenv("DENOISE_TESTDATA_ROOT"); v != "" {
		c.TestDataRoot = v
	}
}

var (
	validModals     = []string{"T1", "T2", "FLAIR", "ALL"}
	validLaunchers  = []string{"none", "pytorch"}
	validGANTypes   = []string{"WGAN_GP", "GAN"}
	validOptimizers = []string{"adamw", "adam", "sgd"}
	validSchedulers = []string{"cosine", "step", "constant"}
	validFormats    = []string{"pth", "json"}
	validPhases     = []string{PhaseTrain, PhaseEval, PhaseTest}
)

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	oneOf := func(name, v string, valid []string) {
		check(slices.Contains(valid, v), "%s %q (valid: %s)", name, v, strings.Join(valid, ", "))
	}

	check(c.Name != "", "name must not be empty")
	oneOf("phase", c.Phase, validPhases)
	oneOf("modal", c.Modal, validModals)
	oneOf("launcher", c.Launcher, validLaunchers)
	oneOf("gan_type", c.GANType, validGANTypes)
	oneOf("optimizer", strings.ToLower(c.Optimizer), validOptimizers)
	oneOf("lr_scheduler", strings.ToLower(c.LRScheduler), validSchedulers)
	oneOf("checkpoint_format", strings.ToLower(c.CheckpointFormat), validFormats)

	check(c.InputNC > 0 && c.OutputNC > 0, "input_nc and output_nc must be positive")
	check(c.Chans > 0, "chans must be positive, got %d", c.Chans)
	check(c.BatchSize > 0, "batch_size must be positive, got %d", c.BatchSize)
	check(c.NumWorkers >= 0, "num_workers must not be negative")
	check(c.LR > 0, "lr must be positive, got %g", c.LR)
	check(c.WeightDecay >= 0, "weight_decay must not be negative")
	check(c.LRTMax > 0, "lr_tmax must be positive, got %d", c.LRTMax)
	check(c.StartIter >= 0 && c.StartIter <= c.MaxIter, "start_iter %d outside [0, max_iter=%d]", c.StartIter, c.MaxIter)
	check(c.LogFreq > 0 && c.VisFreq > 0 && c.SaveEpochFreq > 0 && c.VisStepFreq > 0,
		"log_freq, vis_freq, save_epoch_freq and vis_step_freq must be positive")
	check(c.PadMultiple >= 1, "pad_multiple must be at least 1")
	if c.LossAdv {
		check(c.LRD > 0, "lr_D must be positive, got %g", c.LRD)
		check(c.TrainCropSize > 0, "train_crop_size must be positive")
	}
	if c.Phase == PhaseTrain {
		check(c.LossL1 || c.LossMSE || c.LossAdv, "at least one of loss_l1, loss_mse, loss_adv must be enabled")
	}
	if _, err := ParseGPUIDs(c.GPUIDs); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.VisBatches(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Finalize validates and fills in the derived fields. now names the log
// file. Rank and WorldSize keep their defaults until the process group is up.
func (c *Config) Finalize(now time.Time) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.GPUs, _ = ParseGPUIDs(c.GPUIDs)
	c.Dist = c.Launcher != "none"
	if !c.Dist {
		c.Rank = -1
		c.WorldSize = 1
	}
	c.StartTime = now
	c.RunDir = filepath.Join(c.SaveFolder, c.Name)
	c.VisDir = filepath.Join(c.RunDir, "vis")
	c.SnapshotDir = filepath.Join(c.RunDir, "snapshot")
	c.TestDir = filepath.Join(c.RunDir, "test")
	c.LogFile = filepath.Join(c.RunDir, now.Format("20060102_150405")+".log")
	return nil
}

// IsPrimary reports whether this process does the logging and writing.
func (c *Config) IsPrimary() bool {
	return c.Rank <= 0
}

// ParseGPUIDs parses a comma separated device list. Negative ids are
// dropped, so "-1" means CPU only.
func ParseGPUIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("gpu_ids: %q is not an integer", part)
		}
		if id >= 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// VisBatches parses test_vis_batches.
func (c *Config) VisBatches() ([]int, error) {
	var out []int
	for _, part := range strings.Split(c.TestVisBatches, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("test_vis_batches: %q is not a batch index", part)
		}
		out = append(out, n)
	}
	return out, nil
}
